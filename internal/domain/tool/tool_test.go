package tool

import (
	"context"
	"testing"
)

type addIn struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addOut struct {
	Sum int `json:"sum"`
}

type addTyped struct{}

func (addTyped) Name() string        { return "add" }
func (addTyped) Description() string { return "adds two numbers" }
func (addTyped) Schema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (addTyped) Call(ctx context.Context, in addIn) (addOut, error) {
	return addOut{Sum: in.A + in.B}, nil
}

func TestBridge_RoundTripsTypedToDynamic(t *testing.T) {
	dyn := Bridge[addIn, addOut](addTyped{})
	if dyn.Name() != "add" {
		t.Errorf("Name() = %q", dyn.Name())
	}
	out, err := dyn.Call(context.Background(), map[string]interface{}{"a": float64(2), "b": float64(3)})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != `{"sum":5}` {
		t.Errorf("out = %q, want {\"sum\":5}", out)
	}
}

func TestBridge_InvalidArgumentsReturnError(t *testing.T) {
	dyn := Bridge[addIn, addOut](addTyped{})
	_, err := dyn.Call(context.Background(), map[string]interface{}{"a": "not a number"})
	if err == nil {
		t.Fatal("expected an error decoding mismatched argument types")
	}
	te, ok := err.(*Error)
	if !ok || te.Kind != ErrInvalidArguments {
		t.Errorf("err = %+v, want ErrInvalidArguments", err)
	}
}

func TestInMemoryRegistry_RegisterGetList(t *testing.T) {
	r := NewInMemoryRegistry()
	dyn := Bridge[addIn, addOut](addTyped{})
	if err := r.Register(dyn); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Has("add") {
		t.Error("Has(add) = false")
	}
	got, ok := r.Get("add")
	if !ok || got.Name() != "add" {
		t.Errorf("Get(add) = %+v, %v", got, ok)
	}
	if len(r.List()) != 1 {
		t.Errorf("List() len = %d, want 1", len(r.List()))
	}
}

func TestInMemoryRegistry_DuplicateRegisterFails(t *testing.T) {
	r := NewInMemoryRegistry()
	dyn := Bridge[addIn, addOut](addTyped{})
	if err := r.Register(dyn); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(dyn); err == nil {
		t.Fatal("expected an error registering the same tool name twice")
	}
}
