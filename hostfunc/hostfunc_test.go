package hostfunc

import (
	"context"
	"reflect"
	"testing"
)

func echo(ctx context.Context, args map[string]any) (any, error) {
	return args, nil
}

func TestRegistryBindsPositionalArgs(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", echo, "a", "b")

	got, err := r.Call(context.Background(), "echo", []any{1, 2}, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	want := map[string]any{"a": 1, "b": 2}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRegistryCallErrors(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", echo, "a")
	ctx := context.Background()

	if _, err := r.Call(ctx, "nope", nil, nil); err == nil {
		t.Error("expected error for unknown function")
	}
	if _, err := r.Call(ctx, "echo", []any{1, 2}, nil); err == nil {
		t.Error("expected error for too many positional arguments")
	}
	if _, err := r.Call(ctx, "echo", []any{1}, map[string]any{"a": 2}); err == nil {
		t.Error("expected error for duplicate argument")
	}
}

func TestRegistryListAndMerge(t *testing.T) {
	a := NewRegistry()
	a.Register("zeta", echo)
	b := NewRegistry()
	b.Register("alpha", echo, "x")
	RegisterTime(b)

	a.Merge(b)

	if got, want := a.List(), []string{"alpha", "time_now", "zeta"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got := a.Params("alpha"); !reflect.DeepEqual(got, []string{"x"}) {
		t.Errorf("expected params [x], got %v", got)
	}
	if _, ok := a.Get("time_now"); !ok {
		t.Error("expected time_now after merge")
	}
}

func TestTimeNow(t *testing.T) {
	r := NewRegistry()
	RegisterTime(r)

	v, err := r.Call(context.Background(), "time_now", nil, nil)
	if err != nil {
		t.Fatalf("time_now failed: %v", err)
	}
	if f, ok := v.(float64); !ok || f <= 0 {
		t.Errorf("expected positive float, got %v", v)
	}
}
