package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WASMRuntime hosts WebAssembly extension packages. Each loaded module's
// numeric exports become host functions.
type WASMRuntime struct {
	rt      wazero.Runtime
	mu      sync.Mutex
	modules map[string]api.Module
}

func NewWASMRuntime(ctx context.Context) (*WASMRuntime, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	return &WASMRuntime{rt: rt, modules: make(map[string]api.Module)}, nil
}

// Load instantiates binary under name and returns a registry of its exported
// functions. Loading the same name twice returns the first instance's exports.
func (w *WASMRuntime) Load(ctx context.Context, name string, binary []byte) (*Registry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	mod, ok := w.modules[name]
	if !ok {
		compiled, err := w.rt.CompileModule(ctx, binary)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}

		// Reactor modules export _initialize; _start would run main and exit.
		cfg := wazero.NewModuleConfig().WithName(name).WithStartFunctions("_initialize")
		mod, err = w.rt.InstantiateModule(ctx, compiled, cfg)
		if err != nil {
			return nil, fmt.Errorf("instantiate %s: %w", name, err)
		}
		w.modules[name] = mod
	}

	reg := NewRegistry()
	defs := mod.ExportedFunctionDefinitions()
	names := make([]string, 0, len(defs))
	for export := range defs {
		names = append(names, export)
	}
	sort.Strings(names)

	for _, export := range names {
		def := defs[export]
		if export == "_initialize" || export == "_start" || !numeric(def.ParamTypes()) || !numeric(def.ResultTypes()) {
			continue
		}
		params := make([]string, len(def.ParamTypes()))
		for i := range params {
			if pn := def.ParamNames(); i < len(pn) && pn[i] != "" {
				params[i] = pn[i]
			} else {
				params[i] = fmt.Sprintf("arg%d", i)
			}
		}
		reg.Register(export, wasmFunc(mod.ExportedFunction(export), def, params), params...)
	}
	return reg, nil
}

func (w *WASMRuntime) Close(ctx context.Context) error {
	return w.rt.Close(ctx)
}

func numeric(types []api.ValueType) bool {
	for _, t := range types {
		switch t {
		case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
		default:
			return false
		}
	}
	return true
}

func wasmFunc(fn api.Function, def api.FunctionDefinition, params []string) Func {
	paramTypes := def.ParamTypes()
	resultTypes := def.ResultTypes()

	return func(ctx context.Context, args map[string]any) (any, error) {
		stack := make([]uint64, len(paramTypes))
		for i, t := range paramTypes {
			v, ok := args[params[i]]
			if !ok {
				return nil, fmt.Errorf("%s: missing argument %q", def.Name(), params[i])
			}
			enc, err := encodeWASM(t, v)
			if err != nil {
				return nil, fmt.Errorf("%s: argument %q: %w", def.Name(), params[i], err)
			}
			stack[i] = enc
		}

		results, err := fn.Call(ctx, stack...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", def.Name(), err)
		}

		switch len(results) {
		case 0:
			return nil, nil
		case 1:
			return decodeWASM(resultTypes[0], results[0]), nil
		}
		out := make([]any, len(results))
		for i, r := range results {
			out[i] = decodeWASM(resultTypes[i], r)
		}
		return out, nil
	}
}

func encodeWASM(t api.ValueType, v any) (uint64, error) {
	switch t {
	case api.ValueTypeI32, api.ValueTypeI64:
		n, ok := toInt64(v)
		if !ok {
			return 0, fmt.Errorf("want integer, got %T", v)
		}
		if t == api.ValueTypeI32 {
			return api.EncodeI32(int32(n)), nil
		}
		return api.EncodeI64(n), nil
	case api.ValueTypeF32, api.ValueTypeF64:
		f, ok := toFloat64(v)
		if !ok {
			return 0, fmt.Errorf("want number, got %T", v)
		}
		if t == api.ValueTypeF32 {
			return api.EncodeF32(float32(f)), nil
		}
		return api.EncodeF64(f), nil
	}
	return 0, errors.New("unsupported value type")
}

func decodeWASM(t api.ValueType, v uint64) any {
	switch t {
	case api.ValueTypeI32:
		return int64(api.DecodeI32(v))
	case api.ValueTypeF32:
		return float64(api.DecodeF32(v))
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	}
	return int64(v)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
