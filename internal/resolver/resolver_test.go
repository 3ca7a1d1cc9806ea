package resolver

import (
	"testing"

	"github.com/lcox74/nsjit/internal/ast"
	"github.com/lcox74/nsjit/internal/compiler"
	"github.com/lcox74/nsjit/internal/context"
	"github.com/lcox74/nsjit/internal/nativecall"
	"github.com/lcox74/nsjit/internal/types"
	"github.com/lcox74/nsjit/pkg/codebuffer"
)

func TestResolver_StubJumpsToCompiledFragmentAfterResolve(t *testing.T) {
	cb := codebuffer.New(0)
	defer cb.Close()

	mod := context.NewModuleContext()
	c := compiler.New(cb, mod)
	r, err := New(c, cb)
	if err != nil {
		t.Fatal(err)
	}

	fn := ast.Increment().Body[0].(*ast.FunctionDef)
	fc := mod.NewFunction(fn.Name)
	cf := c.Define(fn, fc)
	argTypes := []types.Value{types.IntValue()}

	stubAddr, err := r.EnsureStub(fc, argTypes)
	if err != nil {
		t.Fatal(err)
	}

	realAddr, err := r.Resolve(cf, fc, argTypes)
	if err != nil {
		t.Fatal(err)
	}
	if realAddr == stubAddr {
		t.Fatalf("real fragment address should differ from the stub address")
	}

	// Every caller that bound to stubAddr before Resolve ran must now land
	// on the real fragment when invoked through it.
	got := nativecall.CallInt64(stubAddr, 41, 0, 0, 0, 0, 0)
	if got != 42 {
		t.Errorf("calling through the repatched stub returned %d, want 42", got)
	}

	// Calling the real address directly must also work.
	got = nativecall.CallInt64(realAddr, 9, 0, 0, 0, 0, 0)
	if got != 10 {
		t.Errorf("calling the real fragment address returned %d, want 10", got)
	}
}

func TestResolver_EnsureStubIsIdempotentPerSignature(t *testing.T) {
	cb := codebuffer.New(0)
	defer cb.Close()

	mod := context.NewModuleContext()
	c := compiler.New(cb, mod)
	r, err := New(c, cb)
	if err != nil {
		t.Fatal(err)
	}

	fn := ast.Increment().Body[0].(*ast.FunctionDef)
	fc := mod.NewFunction(fn.Name)
	argTypes := []types.Value{types.IntValue()}

	first, err := r.EnsureStub(fc, argTypes)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.EnsureStub(fc, argTypes)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("EnsureStub returned different addresses for the same signature: %#x vs %#x", first, second)
	}
}
