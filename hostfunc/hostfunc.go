package hostfunc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Func is a host function callable from sandboxed code.
type Func func(ctx context.Context, args map[string]any) (any, error)

type entry struct {
	fn     Func
	params []string
}

// Registry maps names to host functions. Positional arguments from sandboxed
// code are bound to the parameter names declared at registration.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]entry)}
}

func (r *Registry) Register(name string, fn Func, params ...string) {
	r.mu.Lock()
	r.funcs[name] = entry{fn: fn, params: params}
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	e, ok := r.funcs[name]
	r.mu.RUnlock()
	return e.fn, ok
}

// Params returns the declared parameter names of a function.
func (r *Registry) Params(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.funcs[name].params...)
}

// List returns registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge copies every function from other into r.
func (r *Registry) Merge(other *Registry) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range other.funcs {
		r.funcs[name] = e
	}
}

// Call invokes a function, binding positional arguments to declared params.
func (r *Registry) Call(ctx context.Context, name string, positional []any, named map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown function: %s", name)
	}

	if len(positional) > len(e.params) {
		return nil, fmt.Errorf("%s: got %d positional arguments, want at most %d", name, len(positional), len(e.params))
	}

	args := make(map[string]any, len(positional)+len(named))
	for i, v := range positional {
		args[e.params[i]] = v
	}
	for k, v := range named {
		if _, dup := args[k]; dup {
			return nil, fmt.Errorf("%s: got multiple values for argument %q", name, k)
		}
		args[k] = v
	}
	return e.fn(ctx, args)
}

// RegisterTime registers time_now, returning seconds since the epoch.
func RegisterTime(r *Registry) {
	r.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	})
}
