package compiler

import (
	"math"
	"testing"

	"github.com/lcox74/nsjit/internal/ast"
	"github.com/lcox74/nsjit/internal/context"
	"github.com/lcox74/nsjit/internal/nativecall"
	"github.com/lcox74/nsjit/internal/object"
	"github.com/lcox74/nsjit/internal/types"
	"github.com/lcox74/nsjit/pkg/codebuffer"
)

func newTestCompiler(t *testing.T) (*Compiler, *codebuffer.CodeBuffer) {
	t.Helper()
	cb := codebuffer.New(0)
	t.Cleanup(func() { cb.Close() })
	return New(cb, context.NewModuleContext()), cb
}

func defineFromModule(c *Compiler, mod *ast.Module) *CompiledFunction {
	fn := mod.Body[0].(*ast.FunctionDef)
	fc := c.Mod.NewFunction(fn.Name)
	return c.Define(fn, fc)
}

func TestIncrement_CompilesAndRuns(t *testing.T) {
	c, _ := newTestCompiler(t)
	cf := defineFromModule(c, ast.Increment())

	addr, err := c.Compile(cf, []types.Value{types.IntValue()})
	if err != nil {
		t.Fatal(err)
	}

	for _, x := range []int64{0, 1, 41, -7} {
		got := nativecall.CallInt64(addr, x, 0, 0, 0, 0, 0)
		if got != x+1 {
			t.Errorf("f(%d) = %d, want %d", x, got, x+1)
		}
	}
}

func TestNegate_FloatFragment(t *testing.T) {
	c, _ := newTestCompiler(t)
	cf := defineFromModule(c, ast.Negate())

	addr, err := c.Compile(cf, []types.Value{types.FloatValueT()})
	if err != nil {
		t.Fatal(err)
	}

	for _, x := range []float64{0, 1.5, -3.25, 100} {
		got := nativecall.CallFloat64(addr, x)
		if got != -x {
			t.Errorf("neg(%v) = %v, want %v", x, got, -x)
		}
	}

	// Negating -0.0 must yield +0.0 (0.0 - (-0.0)), not -0.0.
	if got := nativecall.CallFloat64(addr, math.Copysign(0, -1)); math.Signbit(got) {
		t.Errorf("neg(-0.0) = %v, want +0.0", got)
	}
}

func TestPow_SquareAndMultiply(t *testing.T) {
	c, _ := newTestCompiler(t)
	cf := defineFromModule(c, ast.Pow())

	addr, err := c.Compile(cf, []types.Value{types.IntValue(), types.IntValue()})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct{ base, exp, want int64 }{
		{2, 10, 1024},
		{3, 0, 1},
		{3, 4, 81},
		{-2, 10, 1024},
		{0, 0, 1},
		{-1, 0, 1},
		{5, 3, 125},
		{7, 1, 7},
	}
	for _, tc := range cases {
		got := nativecall.CallInt64(addr, tc.base, tc.exp, 0, 0, 0, 0)
		if got != tc.want {
			t.Errorf("pow(%d,%d) = %d, want %d", tc.base, tc.exp, got, tc.want)
		}
	}
}

func TestPow_NegativeExponentRaises(t *testing.T) {
	c, _ := newTestCompiler(t)
	cf := defineFromModule(c, ast.Pow())

	addr, err := c.Compile(cf, []types.Value{types.IntValue(), types.IntValue()})
	if err != nil {
		t.Fatal(err)
	}
	_, exc := nativecall.CallInt64Exc(addr, 2, -1, 0, 0, 0, 0)
	if exc == 0 {
		t.Fatal("pow(2,-1) did not raise")
	}
	if got, want := object.InstanceClassIDAt(exc), c.ExceptionClassID("ValueError"); got != want {
		t.Errorf("raised class id = %d, want ValueError (%d)", got, want)
	}
	if got := object.StringValueAt(object.InstanceAttrAt(exc, 0)); got != "exponent must be nonnegative" {
		t.Errorf("exception message = %q, want %q", got, "exponent must be nonnegative")
	}

	// A non-raising call through the same fragment leaves the exception
	// register clear.
	ret, exc := nativecall.CallInt64Exc(addr, 2, 8, 0, 0, 0, 0)
	if exc != 0 {
		t.Fatalf("pow(2,8) raised unexpectedly (class id %d)", object.InstanceClassIDAt(exc))
	}
	if ret != 256 {
		t.Errorf("pow(2,8) = %d, want 256", ret)
	}
}

func TestFactorial_SelfRecursiveCall(t *testing.T) {
	c, _ := newTestCompiler(t)
	cf := defineFromModule(c, ast.Factorial())

	addr, err := c.Compile(cf, []types.Value{types.IntValue()})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct{ n, want int64 }{
		{0, 1},
		{1, 1},
		{5, 120},
		{10, 3628800},
	}
	for _, tc := range cases {
		got := nativecall.CallInt64(addr, tc.n, 0, 0, 0, 0, 0)
		if got != tc.want {
			t.Errorf("fact(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}

func TestTryFinally_FinallyReturnWins(t *testing.T) {
	c, _ := newTestCompiler(t)
	cf := defineFromModule(c, ast.TryFinally())

	addr, err := c.Compile(cf, []types.Value{types.IntValue()})
	if err != nil {
		t.Fatal(err)
	}

	// Whether or not x==0 triggers the raise/except path, `finally`
	// unconditionally returns 3 and that return wins.
	for _, x := range []int64{0, 1} {
		got := nativecall.CallInt64(addr, x, 0, 0, 0, 0, 0)
		if got != 3 {
			t.Errorf("g(%d) = %d, want 3", x, got)
		}
	}
}

func TestClassDestructor_RunsOnceAndReleasesAttributes(t *testing.T) {
	cb := codebuffer.New(0)
	defer cb.Close()
	rt, err := NewRuntime(cb)
	if err != nil {
		t.Fatal(err)
	}

	cc := context.NewModuleContext().NewClass("Node")
	cc.AddAttr("child", true)

	destAddr, err := SynthesizeDestructor(cb, cc, rt, 0)
	if err != nil {
		t.Fatal(err)
	}

	child := object.NewInstance(0, 0, destAddr)
	parent := object.NewInstance(uint64(cc.ID), cc.AttrCount(), destAddr)
	object.SetInstanceAttr(parent, 0, object.InstancePtr(child))
	object.AddReference(object.InstanceHeader(child)) // parent's owned reference

	if object.InstanceHeader(child).Refcount != 2 {
		t.Fatalf("child refcount = %d, want 2 (allocator + parent)", object.InstanceHeader(child).Refcount)
	}

	object.DeleteReference(object.InstanceHeader(parent))

	if object.InstanceHeader(child).Refcount != 1 {
		t.Errorf("child refcount after parent destruction = %d, want 1", object.InstanceHeader(child).Refcount)
	}
}
