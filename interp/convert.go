package interp

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"math/big"
	"sort"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/caffeineduck/gorepl/hostfunc"
)

// BindFuncs installs every function in reg as a member of module name.
func (ns *Namespace) BindFuncs(name string, reg *hostfunc.Registry) error {
	members := make(starlark.StringDict)
	for _, fn := range reg.List() {
		fn := fn
		members[fn] = starlark.NewBuiltin(name+"."+fn, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return hostCall(thread, fn, args, kwargs, func(ctx context.Context, n string, pos []any, named map[string]any) (any, error) {
				return reg.Call(ctx, n, pos, named)
			})
		})
	}
	return ns.Bind(name, members)
}

// ToGo converts plain Starlark data to Go values: nil, bool, int64, float64,
// string, []any and map[string]any.
func ToGo(v starlark.Value) (any, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		n, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", v)
		}
		return n, nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case *starlark.List:
		out := make([]any, v.Len())
		for i := range out {
			e, err := ToGo(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, len(v))
		for i, e := range v {
			g, err := ToGo(e)
			if err != nil {
				return nil, err
			}
			out[i] = g
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0])
			}
			g, err := ToGo(item[1])
			if err != nil {
				return nil, err
			}
			out[k] = g
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot convert %s to a host value", v.Type())
}

// FromGo is the inverse of ToGo. Unknown types are stringified.
func FromGo(v any) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return v, nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int32:
		return starlark.MakeInt64(int64(v)), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case uint64:
		return starlark.MakeUint64(v), nil
	case *big.Int:
		return starlark.MakeBigInt(v), nil
	case float32:
		return starlark.Float(v), nil
	case float64:
		return starlark.Float(v), nil
	case string:
		return starlark.String(v), nil
	case []string:
		elems := make([]starlark.Value, len(v))
		for i, s := range v {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems), nil
	case []any:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			sv, err := FromGo(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(v))
		for _, k := range keys {
			sv, err := FromGo(v[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	case map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(v))
		for _, k := range keys {
			d.SetKey(starlark.String(k), starlark.String(v[k]))
		}
		return d, nil
	}
	return starlark.String(fmt.Sprint(v)), nil
}

// toJSON encodes v. Values without a natural JSON form go through the
// namespace's _to_json callable when one is defined, else their string form.
func (ns *Namespace) toJSON(thread *starlark.Thread, v starlark.Value) (string, error) {
	hook, _ := ns.globals[ToJSONHook].(starlark.Callable)
	plain, err := jsonReady(thread, v, hook)
	if err != nil {
		return "", err
	}
	out, err := starlark.Call(thread, json.Module.Members["encode"], starlark.Tuple{plain}, nil)
	if err != nil {
		return "", err
	}
	return string(out.(starlark.String)), nil
}

func jsonReady(thread *starlark.Thread, v starlark.Value, hook starlark.Callable) (starlark.Value, error) {
	switch x := v.(type) {
	case starlark.NoneType, starlark.Bool, starlark.Int, starlark.Float, starlark.String:
		return v, nil
	case *starlark.List, starlark.Tuple:
		iter := starlark.Iterate(v)
		defer iter.Done()
		var elems []starlark.Value
		var e starlark.Value
		for iter.Next(&e) {
			r, err := jsonReady(thread, e, hook)
			if err != nil {
				return nil, err
			}
			elems = append(elems, r)
		}
		return starlark.NewList(elems), nil
	case *starlark.Dict:
		d := starlark.NewDict(x.Len())
		for _, item := range x.Items() {
			k, err := jsonKey(item[0])
			if err != nil {
				return nil, err
			}
			r, err := jsonReady(thread, item[1], hook)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(k, r); err != nil {
				return nil, err
			}
		}
		return d, nil
	case *starlarkstruct.Struct:
		d := starlark.NewDict(len(x.AttrNames()))
		for _, name := range x.AttrNames() {
			attr, err := x.Attr(name)
			if err != nil {
				return nil, err
			}
			r, err := jsonReady(thread, attr, hook)
			if err != nil {
				return nil, err
			}
			d.SetKey(starlark.String(name), r)
		}
		return d, nil
	}

	if hook != nil {
		r, err := starlark.Call(thread, hook, starlark.Tuple{v}, nil)
		if err != nil {
			return nil, err
		}
		// The hook's own output is stringified rather than fed back to it.
		return jsonReady(thread, r, nil)
	}
	return starlark.String(str(v)), nil
}

func jsonKey(k starlark.Value) (starlark.String, error) {
	switch k := k.(type) {
	case starlark.String:
		return k, nil
	case starlark.Int, starlark.Float, starlark.Bool:
		return starlark.String(k.String()), nil
	case starlark.NoneType:
		return "null", nil
	}
	return "", fmt.Errorf("keys must be str, int, float, bool or None, not %s", k.Type())
}

// IsDone reports whether a step result, as JSON, is an object with a truthy
// "done" member.
func IsDone(value string) bool {
	return member(value, "done")
}

// HasResult reports whether a step result, as JSON, is an object with a
// truthy "result" member.
func HasResult(value string) bool {
	return member(value, "result")
}

func member(value, key string) bool {
	var obj map[string]any
	if err := stdjson.Unmarshal([]byte(value), &obj); err != nil {
		return false
	}
	return truthy(obj[key])
}

func truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	return true
}
