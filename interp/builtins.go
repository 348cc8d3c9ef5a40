package interp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func (ns *Namespace) builtins() starlark.StringDict {
	return starlark.StringDict{
		"json":   json.Module,
		"math":   math.Module,
		"time":   starlarktime.Module,
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"module": starlark.NewBuiltin("module", starlarkstruct.MakeModule),
		"eprint": starlark.NewBuiltin("eprint", ns.eprint),
		"sleep":  starlark.NewBuiltin("sleep", sleep),
		"call":   starlark.NewBuiltin("call", ns.call),
	}
}

// eprint is print for the diagnostic stream.
func (ns *Namespace) eprint(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sep := " "
	for _, kv := range kwargs {
		if k, _ := starlark.AsString(kv[0]); k == "sep" {
			s, ok := starlark.AsString(kv[1])
			if !ok {
				return nil, fmt.Errorf("%s: for parameter sep: got %s, want string", b.Name(), kv[1].Type())
			}
			sep = s
			continue
		}
		return nil, fmt.Errorf("%s: unexpected keyword argument %s", b.Name(), kv[0])
	}

	var sb strings.Builder
	for i, v := range args {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(str(v))
	}
	sb.WriteByte('\n')
	ns.cfg.stderr(sb.String())
	return starlark.None, nil
}

// sleep blocks for the given number of seconds or until the call is cancelled.
func sleep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var secs starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &secs); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(secs)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want number", b.Name(), secs.Type())
	}
	if f < 0 {
		return nil, fmt.Errorf("%s: negative duration", b.Name())
	}

	timer := time.NewTimer(time.Duration(f * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return starlark.None, nil
	case <-threadContext(thread).Done():
		return nil, errors.New("sleep interrupted")
	}
}

// call invokes a host function: call(name, *args, **kwargs).
func (ns *Namespace) call(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing function name", b.Name())
	}
	name, ok := starlark.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: function name must be a string, got %s", b.Name(), args[0].Type())
	}
	if ns.cfg.host == nil {
		return nil, fmt.Errorf("%s: no host functions available", b.Name())
	}
	return hostCall(thread, name, args[1:], kwargs, ns.cfg.host.Call)
}

type callFunc func(ctx context.Context, name string, positional []any, named map[string]any) (any, error)

func hostCall(thread *starlark.Thread, name string, args starlark.Tuple, kwargs []starlark.Tuple, fn callFunc) (starlark.Value, error) {
	positional := make([]any, len(args))
	for i, a := range args {
		v, err := ToGo(a)
		if err != nil {
			return nil, fmt.Errorf("%s: argument %d: %w", name, i+1, err)
		}
		positional[i] = v
	}

	named := make(map[string]any, len(kwargs))
	for _, kv := range kwargs {
		k, _ := starlark.AsString(kv[0])
		v, err := ToGo(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: argument %s: %w", name, k, err)
		}
		named[k] = v
	}

	out, err := fn(threadContext(thread), name, positional, named)
	if err != nil {
		return nil, err
	}
	return FromGo(out)
}

func str(v starlark.Value) string {
	if s, ok := v.(starlark.String); ok {
		return string(s)
	}
	return v.String()
}
