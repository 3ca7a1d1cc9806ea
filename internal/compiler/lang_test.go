package compiler

import (
	"bytes"
	"testing"

	"github.com/lcox74/nsjit/internal/ast"
	"github.com/lcox74/nsjit/internal/nativecall"
	"github.com/lcox74/nsjit/internal/object"
	"github.com/lcox74/nsjit/internal/types"
	"github.com/lcox74/nsjit/pkg/codebuffer"
)

func intListType() types.Value {
	return types.Value{Tag: types.List, Extension: []types.Value{types.IntValue()}}
}

func bytesType() types.Value { return types.Value{Tag: types.Bytes} }

func newRuntimeCompiler(t *testing.T) (*Compiler, *codebuffer.CodeBuffer) {
	t.Helper()
	c, cb := newTestCompiler(t)
	rt, err := NewRuntime(cb)
	if err != nil {
		t.Fatal(err)
	}
	c.AttachRuntime(rt)
	return c, cb
}

func TestAdd_SecondFragmentPerArgumentTypes(t *testing.T) {
	c, cb := newTestCompiler(t)
	cf := defineFromModule(c, ast.Add())

	intAddr, err := c.Compile(cf, []types.Value{types.IntValue(), types.IntValue()})
	if err != nil {
		t.Fatal(err)
	}
	intCodeBefore, err := cb.Read(intAddr, 32)
	if err != nil {
		t.Fatal(err)
	}

	floatAddr, err := c.Compile(cf, []types.Value{types.FloatValueT(), types.FloatValueT()})
	if err != nil {
		t.Fatal(err)
	}
	if floatAddr == intAddr {
		t.Fatal("float specialization reused the int fragment's address")
	}
	if got := len(cf.fc.Fragments); got != 2 {
		t.Fatalf("fragment count = %d, want 2", got)
	}

	// The first fragment's code must be unchanged by the second
	// compilation.
	intCodeAfter, err := cb.Read(intAddr, 32)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(intCodeBefore, intCodeAfter) {
		t.Error("compiling a second fragment modified the first fragment's code")
	}

	if got := nativecall.CallInt64(intAddr, 40, 2, 0, 0, 0, 0); got != 42 {
		t.Errorf("add(40, 2) = %d, want 42", got)
	}
	if got := nativecall.CallFloat64x2(floatAddr, 1.5, 2.25); got != 3.75 {
		t.Errorf("add(1.5, 2.25) = %v, want 3.75", got)
	}
}

func TestSumList_ForLoopOverList(t *testing.T) {
	c, _ := newTestCompiler(t)
	cf := defineFromModule(c, ast.SumList())

	addr, err := c.Compile(cf, []types.Value{intListType()})
	if err != nil {
		t.Fatal(err)
	}

	buf, backing := object.NewList([]int64{1, 2, 3, 4, 5}, 0)
	defer func() { _ = backing }()
	got := nativecall.CallInt64(addr, int64(object.HeapPtr(buf)), 0, 0, 0, 0, 0)
	if got != 15 {
		t.Errorf("sumlist([1..5]) = %d, want 15", got)
	}

	empty, eb := object.NewList(nil, 0)
	defer func() { _ = eb }()
	if got := nativecall.CallInt64(addr, int64(object.HeapPtr(empty)), 0, 0, 0, 0, 0); got != 0 {
		t.Errorf("sumlist([]) = %d, want 0", got)
	}
}

func TestQuicksort_SortsInPlace(t *testing.T) {
	c, _ := newTestCompiler(t)
	cf := defineFromModule(c, ast.Quicksort())

	addr, err := c.Compile(cf, []types.Value{intListType(), types.IntValue(), types.IntValue()})
	if err != nil {
		t.Fatal(err)
	}

	items := []int64{6, 4, 2, 0, 3, 1, 7, 9, 8, 5}
	buf, backing := object.NewList(items, 0)
	defer func() { _ = backing }()

	_, exc := nativecall.CallInt64Exc(addr, int64(object.HeapPtr(buf)), 0, int64(len(items)-1), 0, 0, 0)
	if exc != 0 {
		t.Fatalf("qsort raised class id %d", object.InstanceClassIDAt(exc))
	}
	for i := 0; i < len(items); i++ {
		if got := object.ListGet(buf, i); got != int64(i) {
			t.Errorf("sorted[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestNestedTry_InnerFinallyRunsBeforeOuterHandler(t *testing.T) {
	c, _ := newTestCompiler(t)
	cf := defineFromModule(c, ast.NestedTry())

	addr, err := c.Compile(cf, []types.Value{intListType()})
	if err != nil {
		t.Fatal(err)
	}

	buf, backing := object.NewList([]int64{0, 0, 0}, 0)
	defer func() { _ = backing }()
	ret, exc := nativecall.CallInt64Exc(addr, int64(object.HeapPtr(buf)), 0, 0, 0, 0, 0)
	if exc != 0 {
		t.Fatalf("exception escaped the outer handler (class id %d)", object.InstanceClassIDAt(exc))
	}
	if ret != 3 {
		t.Errorf("h() = %d, want 3 (both marks logged)", ret)
	}
	if got := object.ListGet(buf, 0); got != 0 {
		t.Errorf("non-matching inner handler ran (lst[0] = %d)", got)
	}
	if got := object.ListGet(buf, 1); got != 1 {
		t.Errorf("inner finally logged %d, want 1 (first)", got)
	}
	if got := object.ListGet(buf, 2); got != 2 {
		t.Errorf("outer handler logged %d, want 2 (second)", got)
	}
}

func TestExcept_BindsInstanceAndClearsRegister(t *testing.T) {
	c, _ := newTestCompiler(t)

	consume := &ast.FunctionDef{
		Name: "consume",
		Body: []ast.Node{
			&ast.Try{
				Body: []ast.Node{&ast.Raise{Value: &ast.Call{Func: &ast.Name{Ident: "KeyError"}}}},
				Handlers: []ast.ExceptHandler{
					{Type: &ast.Name{Ident: "KeyError"}, Name: "e", Body: []ast.Node{
						&ast.Return{Value: &ast.IntLit{Value: 7}},
					}},
				},
			},
		},
	}
	cf := c.Define(consume, c.Mod.NewFunction(consume.Name))
	addr, err := c.Compile(cf, nil)
	if err != nil {
		t.Fatal(err)
	}
	ret, exc := nativecall.CallInt64Exc(addr, 0, 0, 0, 0, 0, 0)
	if exc != 0 {
		t.Fatalf("handled exception left the active-exception register set (class id %d)", object.InstanceClassIDAt(exc))
	}
	if ret != 7 {
		t.Errorf("consume() = %d, want 7", ret)
	}

	// Re-raising the bound instance propagates the same object out.
	reraise := &ast.FunctionDef{
		Name: "reraise",
		Body: []ast.Node{
			&ast.Try{
				Body: []ast.Node{&ast.Raise{Value: &ast.Call{Func: &ast.Name{Ident: "KeyError"}}}},
				Handlers: []ast.ExceptHandler{
					{Type: &ast.Name{Ident: "KeyError"}, Name: "e", Body: []ast.Node{
						&ast.Raise{Value: &ast.Name{Ident: "e"}},
					}},
				},
			},
		},
	}
	cf = c.Define(reraise, c.Mod.NewFunction(reraise.Name))
	addr, err = c.Compile(cf, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, exc = nativecall.CallInt64Exc(addr, 0, 0, 0, 0, 0, 0)
	if exc == 0 {
		t.Fatal("re-raise did not propagate")
	}
	if got, want := object.InstanceClassIDAt(exc), c.ExceptionClassID("KeyError"); got != want {
		t.Errorf("re-raised class id = %d, want KeyError (%d)", got, want)
	}
}

func TestCall_ExceptionPropagatesThroughCaller(t *testing.T) {
	c, _ := newTestCompiler(t)

	// pow raises ValueError for a negative exponent; a caller that does
	// not handle it must pass the exception through to its own caller.
	defineFromModule(c, ast.Pow())
	caller := &ast.FunctionDef{
		Name:   "caller",
		Params: []ast.Param{{Name: "e"}},
		Body: []ast.Node{
			&ast.Return{Value: &ast.Call{
				Func: &ast.Name{Ident: "pow"},
				Args: []ast.Node{&ast.IntLit{Value: 2}, &ast.Name{Ident: "e"}},
			}},
		},
	}
	cf := c.Define(caller, c.Mod.NewFunction(caller.Name))
	addr, err := c.Compile(cf, []types.Value{types.IntValue()})
	if err != nil {
		t.Fatal(err)
	}

	ret, exc := nativecall.CallInt64Exc(addr, 10, 0, 0, 0, 0, 0)
	if exc != 0 {
		t.Fatalf("caller(10) raised unexpectedly (class id %d)", object.InstanceClassIDAt(exc))
	}
	if ret != 1024 {
		t.Errorf("caller(10) = %d, want 1024", ret)
	}

	_, exc = nativecall.CallInt64Exc(addr, -1, 0, 0, 0, 0, 0)
	if exc == 0 {
		t.Fatal("callee's exception did not propagate through the caller")
	}
	if got, want := object.InstanceClassIDAt(exc), c.ExceptionClassID("ValueError"); got != want {
		t.Errorf("propagated class id = %d, want ValueError (%d)", got, want)
	}
}

func TestGreet_StringConcatAndFormat(t *testing.T) {
	c, _ := newRuntimeCompiler(t)
	cf := defineFromModule(c, ast.Greet())

	addr, err := c.Compile(cf, []types.Value{types.IntValue()})
	if err != nil {
		t.Fatal(err)
	}
	ret, exc := nativecall.CallInt64Exc(addr, 42, 0, 0, 0, 0, 0)
	if exc != 0 {
		t.Fatalf("greet raised class id %d", object.InstanceClassIDAt(exc))
	}
	if got := object.StringValueAt(uintptr(ret)); got != "value=42!" {
		t.Errorf("greet(42) = %q, want %q", got, "value=42!")
	}
	ret, _ = nativecall.CallInt64Exc(addr, -7, 0, 0, 0, 0, 0)
	if got := object.StringValueAt(uintptr(ret)); got != "value=-7!" {
		t.Errorf("greet(-7) = %q, want %q", got, "value=-7!")
	}
}

func TestStringEquality_ThroughHelpers(t *testing.T) {
	c, _ := newRuntimeCompiler(t)

	eq := &ast.FunctionDef{
		Name:   "eq",
		Params: []ast.Param{{Name: "a"}, {Name: "b"}},
		Body: []ast.Node{
			&ast.Return{Value: &ast.Compare{Op: "==", Left: &ast.Name{Ident: "a"}, Right: &ast.Name{Ident: "b"}}},
		},
	}
	cf := c.Define(eq, c.Mod.NewFunction(eq.Name))
	addr, err := c.Compile(cf, []types.Value{bytesType(), bytesType()})
	if err != nil {
		t.Fatal(err)
	}

	abc1, d1 := object.NewString("abc", 0)
	abc2, d2 := object.NewString("abc", 0)
	abd, d3 := object.NewString("abd", 0)
	defer func() { _, _, _ = d1, d2, d3 }()

	if got := nativecall.CallInt64(addr, int64(object.HeapPtr(abc1)), int64(object.HeapPtr(abc2)), 0, 0, 0, 0); got != 1 {
		t.Errorf(`eq("abc", "abc") = %d, want 1`, got)
	}
	if got := nativecall.CallInt64(addr, int64(object.HeapPtr(abc1)), int64(object.HeapPtr(abd)), 0, 0, 0, 0); got != 0 {
		t.Errorf(`eq("abc", "abd") = %d, want 0`, got)
	}
}

func TestIs_PointerIdentity(t *testing.T) {
	c, _ := newTestCompiler(t)

	ident := &ast.FunctionDef{
		Name:   "ident",
		Params: []ast.Param{{Name: "a"}, {Name: "b"}},
		Body: []ast.Node{
			&ast.Return{Value: &ast.Compare{Op: "is", Left: &ast.Name{Ident: "a"}, Right: &ast.Name{Ident: "b"}}},
		},
	}
	cf := c.Define(ident, c.Mod.NewFunction(ident.Name))
	addr, err := c.Compile(cf, []types.Value{bytesType(), bytesType()})
	if err != nil {
		t.Fatal(err)
	}

	s1, d1 := object.NewString("x", 0)
	s2, d2 := object.NewString("x", 0)
	defer func() { _, _ = d1, d2 }()
	p1, p2 := int64(object.HeapPtr(s1)), int64(object.HeapPtr(s2))

	if got := nativecall.CallInt64(addr, p1, p1, 0, 0, 0, 0); got != 1 {
		t.Errorf("ident(s, s) = %d, want 1", got)
	}
	if got := nativecall.CallInt64(addr, p1, p2, 0, 0, 0, 0); got != 0 {
		t.Errorf("ident(s1, s2) = %d, want 0 (equal contents, distinct objects)", got)
	}
}

func TestIs_IntOperandsAreACompileError(t *testing.T) {
	c, _ := newTestCompiler(t)

	bad := &ast.FunctionDef{
		Name:   "bad",
		Params: []ast.Param{{Name: "a"}},
		Body: []ast.Node{
			&ast.Return{Value: &ast.Compare{Op: "is", Left: &ast.Name{Ident: "a"}, Right: &ast.Name{Ident: "a"}}},
		},
	}
	cf := c.Define(bad, c.Mod.NewFunction(bad.Name))
	if _, err := c.Compile(cf, []types.Value{types.IntValue()}); err == nil {
		t.Fatal("`is` on integer operands must be a compile error")
	}
}

func TestBoolOp_ShortCircuit(t *testing.T) {
	c, _ := newTestCompiler(t)

	build := func(name, op string) *ast.FunctionDef {
		return &ast.FunctionDef{
			Name:   name,
			Params: []ast.Param{{Name: "x"}, {Name: "y"}},
			Body: []ast.Node{
				&ast.Return{Value: &ast.BoolOp{Op: op, Values: []ast.Node{&ast.Name{Ident: "x"}, &ast.Name{Ident: "y"}}}},
			},
		}
	}
	intPair := []types.Value{types.IntValue(), types.IntValue()}

	andCf := c.Define(build("both", "and"), c.Mod.NewFunction("both"))
	andAddr, err := c.Compile(andCf, intPair)
	if err != nil {
		t.Fatal(err)
	}
	orCf := c.Define(build("either", "or"), c.Mod.NewFunction("either"))
	orAddr, err := c.Compile(orCf, intPair)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		addr        uintptr
		x, y, want int64
	}{
		{andAddr, 0, 5, 0}, // short-circuits to the falsy left operand
		{andAddr, 3, 5, 5},
		{orAddr, 0, 5, 5},
		{orAddr, 3, 5, 3}, // short-circuits to the truthy left operand
	}
	for _, tc := range cases {
		if got := nativecall.CallInt64(tc.addr, tc.x, tc.y, 0, 0, 0, 0); got != tc.want {
			t.Errorf("boolop(%d, %d) = %d, want %d", tc.x, tc.y, got, tc.want)
		}
	}
}

func TestFloorDiv_ZeroDivisorRaises(t *testing.T) {
	c, _ := newTestCompiler(t)

	div := &ast.FunctionDef{
		Name:   "div",
		Params: []ast.Param{{Name: "a"}, {Name: "b"}},
		Body: []ast.Node{
			&ast.Return{Value: &ast.BinOp{Op: "//", Left: &ast.Name{Ident: "a"}, Right: &ast.Name{Ident: "b"}}},
		},
	}
	cf := c.Define(div, c.Mod.NewFunction(div.Name))
	addr, err := c.Compile(cf, []types.Value{types.IntValue(), types.IntValue()})
	if err != nil {
		t.Fatal(err)
	}

	if got := nativecall.CallInt64(addr, 7, 2, 0, 0, 0, 0); got != 3 {
		t.Errorf("div(7, 2) = %d, want 3", got)
	}
	_, exc := nativecall.CallInt64Exc(addr, 1, 0, 0, 0, 0, 0)
	if exc == 0 {
		t.Fatal("div(1, 0) did not raise")
	}
	if got, want := object.InstanceClassIDAt(exc), c.ExceptionClassID("ZeroDivisionError"); got != want {
		t.Errorf("raised class id = %d, want ZeroDivisionError (%d)", got, want)
	}
}

func TestSubscript_OutOfRangeRaisesIndexError(t *testing.T) {
	c, _ := newTestCompiler(t)

	pick := &ast.FunctionDef{
		Name:   "pick",
		Params: []ast.Param{{Name: "lst"}, {Name: "i"}},
		Body: []ast.Node{
			&ast.Return{Value: &ast.Subscript{Value: &ast.Name{Ident: "lst"}, Index: &ast.Name{Ident: "i"}}},
		},
	}
	cf := c.Define(pick, c.Mod.NewFunction(pick.Name))
	addr, err := c.Compile(cf, []types.Value{intListType(), types.IntValue()})
	if err != nil {
		t.Fatal(err)
	}

	buf, backing := object.NewList([]int64{10, 20, 30}, 0)
	defer func() { _ = backing }()
	lst := int64(object.HeapPtr(buf))

	if got := nativecall.CallInt64(addr, lst, 1, 0, 0, 0, 0); got != 20 {
		t.Errorf("pick(lst, 1) = %d, want 20", got)
	}
	for _, i := range []int64{3, -1} {
		_, exc := nativecall.CallInt64Exc(addr, lst, i, 0, 0, 0, 0)
		if exc == 0 {
			t.Fatalf("pick(lst, %d) did not raise", i)
		}
		if got, want := object.InstanceClassIDAt(exc), c.ExceptionClassID("IndexError"); got != want {
			t.Errorf("pick(lst, %d) raised class id %d, want IndexError (%d)", i, got, want)
		}
	}
}

func TestClass_InitMethodsAndDelDestructor(t *testing.T) {
	c, _ := newRuntimeCompiler(t)

	cc, err := c.DefineClass(ast.DelCounter(), []types.Value{types.IntValue()})
	if err != nil {
		t.Fatal(err)
	}
	if cc.Destructor == 0 {
		t.Fatal("class with __del__ must get a synthesized destructor")
	}
	if got := cc.AttrCount(); got != 1 {
		t.Fatalf("attr count = %d, want 1 (n)", got)
	}

	initCf, ok := c.Method(cc, "__init__")
	if !ok {
		t.Fatal("__init__ not registered")
	}
	initAddr, err := c.Compile(initCf, []types.Value{InstanceType(cc), types.IntValue()})
	if err != nil {
		t.Fatal(err)
	}

	inst := object.NewInstance(uint64(cc.ID), cc.AttrCount(), cc.Destructor)
	self := int64(object.HeapPtr(inst))
	nativecall.CallInt64(initAddr, self, 41, 0, 0, 0, 0)
	if got := object.InstanceAttr(inst, 0); got != 41 {
		t.Fatalf("after __init__, n = %d, want 41", got)
	}

	bumpCf, ok := c.Method(cc, "bump")
	if !ok {
		t.Fatal("bump not registered")
	}
	bumpAddr, err := c.Compile(bumpCf, []types.Value{InstanceType(cc)})
	if err != nil {
		t.Fatal(err)
	}
	if got := nativecall.CallInt64(bumpAddr, self, 0, 0, 0, 0, 0); got != 42 {
		t.Errorf("bump() = %d, want 42", got)
	}

	// Dropping the last reference runs the synthesized destructor, which
	// runs __del__ exactly once: n becomes 42 + 1000.
	object.DeleteReference(object.InstanceHeader(inst))
	if got := object.InstanceAttr(inst, 0); got != 1042 {
		t.Errorf("after destruction, n = %d, want 1042 (__del__ ran once)", got)
	}
	if got := object.InstanceHeader(inst).Refcount; got != 0 {
		t.Errorf("refcount after destruction = %d, want 0", got)
	}
}

func TestListLit_BuildsInArena(t *testing.T) {
	c, _ := newRuntimeCompiler(t)

	build := &ast.FunctionDef{
		Name: "build",
		Body: []ast.Node{
			&ast.Assign{Target: &ast.Name{Ident: "lst"}, Value: &ast.ListLit{Elts: []ast.Node{
				&ast.IntLit{Value: 5}, &ast.IntLit{Value: 6}, &ast.IntLit{Value: 7},
			}}},
			&ast.Return{Value: &ast.BinOp{
				Op: "+",
				Left: &ast.Subscript{Value: &ast.Name{Ident: "lst"}, Index: &ast.IntLit{Value: 0}},
				Right: &ast.BinOp{
					Op:    "+",
					Left:  &ast.Subscript{Value: &ast.Name{Ident: "lst"}, Index: &ast.IntLit{Value: 2}},
					Right: &ast.Call{Func: &ast.Name{Ident: "len"}, Args: []ast.Node{&ast.Name{Ident: "lst"}}},
				},
			}},
		},
	}
	cf := c.Define(build, c.Mod.NewFunction(build.Name))
	addr, err := c.Compile(cf, nil)
	if err != nil {
		t.Fatal(err)
	}
	// 5 + (7 + 3)
	if got := nativecall.CallInt64(addr, 0, 0, 0, 0, 0, 0); got != 15 {
		t.Errorf("build() = %d, want 15", got)
	}
}
