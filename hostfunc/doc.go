// Package hostfunc provides the host capabilities available to code running in a
// worker: named Go functions, a key-value scratch store, WebAssembly extension
// modules, and the package installer used during worker initialization.
//
// # Registry
//
// A [Registry] maps names to [Func] values. Parameter names declared at
// registration let sandboxed code pass arguments positionally:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("greet", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "hello " + args["name"].(string), nil
//	}, "name")
//
// From Starlark the function is reached through the call builtin:
//
//	call("greet", "world")
//
// # Packages
//
// An [Installer] resolves specifiers against an index directory laid out as
// <index>/<name>/<semver>.star (or .wasm), a local file path, or an http(s) URL,
// and installs the result into a package directory as <name>.star or
// <name>.wasm next to a <name>.version file.
//
// WebAssembly packages are loaded with [WASMRuntime]; every export whose
// parameters and results are all numeric becomes a host function.
package hostfunc
