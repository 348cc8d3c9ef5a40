// Package interp holds the session-owned Starlark environment a worker runs
// user code against.
//
// A Namespace is an explicit set of globals that persists across Exec and Eval
// calls. Each call runs on a fresh starlark.Thread under a time budget; when the
// budget expires the thread is cancelled, and if the computation does not unwind
// within the grace period the namespace is marked wedged and refuses further
// work.
package interp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// ResultName is the global that holds the most recent Eval result.
const ResultName = "_result"

// ToJSONHook names an optional global callable used to serialize values that
// have no natural JSON form.
const ToJSONHook = "_to_json"

const ctxKey = "gorepl.context"

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Chunks run against the namespace keep loaded names as globals so they
// survive into later calls.
var chunkOptions = &syntax.FileOptions{
	Set:               true,
	While:             true,
	TopLevelControl:   true,
	GlobalReassign:    true,
	Recursion:         true,
	LoadBindsGlobally: true,
}

type Namespace struct {
	cfg     nsConfig
	globals starlark.StringDict
	builtin starlark.StringDict

	mu     sync.Mutex
	wedged atomic.Bool

	loadMu sync.Mutex
	loaded map[string]*loadEntry
}

type loadEntry struct {
	globals starlark.StringDict
	err     error
}

func NewNamespace(opts ...Option) *Namespace {
	cfg := defaultNSConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ns := &Namespace{
		cfg:    cfg,
		loaded: make(map[string]*loadEntry),
	}
	ns.builtin = ns.builtins()
	ns.globals = make(starlark.StringDict, len(ns.builtin))
	for name, v := range ns.builtin {
		ns.globals[name] = v
	}
	return ns
}

// Get returns a global, or nil if unset or the namespace is wedged.
func (ns *Namespace) Get(name string) starlark.Value {
	if ns.wedged.Load() {
		return nil
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.globals[name]
}

// Bind installs members as a module value under name.
func (ns *Namespace) Bind(name string, members starlark.StringDict) error {
	if ns.wedged.Load() {
		return ErrWedged
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.globals[name] = &starlarkstruct.Module{Name: name, Members: members}
	return nil
}

// Wedged reports whether a timed-out computation is still holding the namespace.
func (ns *Namespace) Wedged() bool {
	return ns.wedged.Load()
}

// Exec runs code as a chunk against the namespace.
func (ns *Namespace) Exec(ctx context.Context, code string) error {
	_, err := ns.run(ctx, func(thread *starlark.Thread) (starlark.Value, error) {
		f, err := chunkOptions.Parse("<exec>", code, 0)
		if err != nil {
			return nil, err
		}
		return starlark.None, starlark.ExecREPLChunk(f, thread, ns.globals)
	})
	return err
}

// Eval evaluates expr, stores the result under ResultName and returns it.
func (ns *Namespace) Eval(ctx context.Context, expr string) (starlark.Value, error) {
	return ns.run(ctx, func(thread *starlark.Thread) (starlark.Value, error) {
		return ns.eval(thread, expr)
	})
}

// EvalJSON is Eval followed by ToJSON, both under the same time budget.
func (ns *Namespace) EvalJSON(ctx context.Context, expr string) (string, error) {
	v, err := ns.run(ctx, func(thread *starlark.Thread) (starlark.Value, error) {
		v, err := ns.eval(thread, expr)
		if err != nil {
			return nil, err
		}
		s, err := ns.toJSON(thread, v)
		if err != nil {
			return nil, err
		}
		return starlark.String(s), nil
	})
	if err != nil {
		return "", err
	}
	return string(v.(starlark.String)), nil
}

func (ns *Namespace) eval(thread *starlark.Thread, expr string) (starlark.Value, error) {
	v, err := starlark.EvalOptions(fileOptions, thread, "<eval>", expr, ns.globals)
	if err != nil {
		return nil, err
	}
	ns.globals[ResultName] = v
	return v, nil
}

// LoadModule executes src as a standalone module and returns its globals.
// The module sees the builtins but not the namespace's globals.
func (ns *Namespace) LoadModule(ctx context.Context, name string, src []byte) (starlark.StringDict, error) {
	v, err := ns.run(ctx, func(thread *starlark.Thread) (starlark.Value, error) {
		globals, err := starlark.ExecFileOptions(fileOptions, thread, name+".star", src, ns.builtin)
		if err != nil {
			return nil, err
		}
		return &starlarkstruct.Module{Name: name, Members: globals}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*starlarkstruct.Module).Members, nil
}

// run executes fn on a fresh thread, enforcing the time budget.
func (ns *Namespace) run(ctx context.Context, fn func(*starlark.Thread) (starlark.Value, error)) (starlark.Value, error) {
	if ns.wedged.Load() {
		return nil, ErrWedged
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ns.cfg.timeout)
		defer cancel()
	}

	thread := ns.newThread(ctx)

	type result struct {
		v   starlark.Value
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("internal error: %v", r)}
			}
		}()
		v, err := fn(thread)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				return nil, &TimeoutError{Budget: ns.cfg.timeout}
			}
			return nil, asExecError(r.err)
		}
		return r.v, nil

	case <-ctx.Done():
		thread.Cancel("timeout")
		select {
		case <-done:
			return nil, &TimeoutError{Budget: ns.cfg.timeout}
		case <-time.After(ns.cfg.grace):
			ns.wedged.Store(true)
			return nil, &TimeoutError{Budget: ns.cfg.timeout, Wedged: true}
		}
	}
}

func (ns *Namespace) newThread(ctx context.Context) *starlark.Thread {
	thread := &starlark.Thread{
		Name:  "gorepl",
		Print: func(_ *starlark.Thread, msg string) { ns.cfg.stdout(msg + "\n") },
		Load:  ns.load,
	}
	thread.SetLocal(ctxKey, ctx)
	return thread
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// load resolves load("name", ...) through the configured Loader. Results are
// cached for the lifetime of the namespace.
func (ns *Namespace) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	name := strings.TrimSuffix(module, ".star")
	if ns.cfg.loader == nil {
		return nil, fmt.Errorf("cannot load %s: no loader configured", module)
	}

	ns.loadMu.Lock()
	e, ok := ns.loaded[name]
	if ok {
		ns.loadMu.Unlock()
		if e == nil {
			return nil, fmt.Errorf("cycle in load graph at %s", module)
		}
		return e.globals, e.err
	}
	ns.loaded[name] = nil
	ns.loadMu.Unlock()

	e = &loadEntry{}
	src, err := ns.cfg.loader(name)
	if err != nil {
		e.err = err
	} else {
		sub := &starlark.Thread{Name: "load " + name, Print: thread.Print, Load: ns.load}
		sub.SetLocal(ctxKey, threadContext(thread))
		e.globals, e.err = starlark.ExecFileOptions(fileOptions, sub, name+".star", src, ns.builtin)
	}

	ns.loadMu.Lock()
	ns.loaded[name] = e
	ns.loadMu.Unlock()
	return e.globals, e.err
}
