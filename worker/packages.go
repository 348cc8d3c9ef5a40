package worker

import (
	"context"
	"fmt"
	"os"

	"go.starlark.net/starlark"

	"github.com/caffeineduck/gorepl/hostfunc"
	"github.com/caffeineduck/gorepl/protocol"
)

// init makes each requested package importable, installing it when missing,
// and replies ready. A failing required package aborts with an error.
func (w *Worker) init(ctx context.Context, packages []protocol.Package) {
	if w.initialized {
		w.send(protocol.Message{Type: protocol.TypeReady})
		return
	}

	w.progress("Initializing worker...")
	if len(packages) > 0 {
		w.progress("Installing dependencies...")
	}

	for _, pkg := range packages {
		version, err := w.importPackage(ctx, pkg.Import)
		if err != nil {
			w.progress(fmt.Sprintf("Installing %s...", pkg.Import))
			version, err = w.installAndImport(ctx, pkg)
		}
		if err != nil {
			w.log.Warn().Err(err).Str("package", pkg.Import).Bool("required", pkg.Required).Msg("package unavailable")
			if pkg.Required {
				w.fail("", fmt.Sprintf("failed to install required package %s: %v", pkg.Import, err))
				return
			}
			w.stderr(fmt.Sprintf("optional package %s unavailable: %v\n", pkg.Import, err))
			continue
		}
		w.stdout(fmt.Sprintf("%s %s loaded successfully\n", pkg.Import, version))
	}

	w.initialized = true
	w.send(protocol.Message{Type: protocol.TypeReady})
}

func (w *Worker) installAndImport(ctx context.Context, pkg protocol.Package) (string, error) {
	if _, err := w.installer.Install(ctx, pkg.Import, pkg.Specifier(), pkg.Pre); err != nil {
		return "", err
	}
	return w.importPackage(ctx, pkg.Import)
}

// importPackage binds an installed package into the namespace under its
// import name and returns its version.
func (w *Worker) importPackage(ctx context.Context, name string) (string, error) {
	pkg, err := w.installer.Lookup(name)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(pkg.Path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", pkg.Path, err)
	}

	version := pkg.Version
	switch pkg.Kind {
	case hostfunc.KindStar:
		members, err := w.ns.LoadModule(ctx, name, data)
		if err != nil {
			return "", err
		}
		if v, ok := members["version"].(starlark.String); ok && version == "unknown" {
			version = string(v)
		}
		if err := w.ns.Bind(name, members); err != nil {
			return "", err
		}

	case hostfunc.KindWASM:
		if w.wasm == nil {
			if w.wasm, err = hostfunc.NewWASMRuntime(ctx); err != nil {
				return "", err
			}
		}
		reg, err := w.wasm.Load(ctx, name, data)
		if err != nil {
			return "", err
		}
		if err := w.ns.BindFuncs(name, reg); err != nil {
			return "", err
		}

	default:
		return "", fmt.Errorf("unsupported package kind %q", pkg.Kind)
	}
	return version, nil
}

// loadSource serves load statements from installed Starlark packages.
func (w *Worker) loadSource(name string) ([]byte, error) {
	pkg, err := w.installer.Lookup(name)
	if err != nil {
		return nil, err
	}
	if pkg.Kind != hostfunc.KindStar {
		return nil, fmt.Errorf("cannot load %s: not a Starlark package", name)
	}
	return os.ReadFile(pkg.Path)
}

func (w *Worker) progress(text string) {
	w.send(protocol.Message{Type: protocol.TypeProgress, Value: text})
}
