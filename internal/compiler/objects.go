package compiler

import (
	"github.com/lcox74/nsjit/internal/ast"
	"github.com/lcox74/nsjit/internal/context"
	"github.com/lcox74/nsjit/internal/types"
)

// DefineClass registers a class definition: it creates the class context,
// eagerly compiles __init__ for the given (non-self) argument types so the
// attribute layout is established, compiles __del__ if present, and
// synthesizes the class destructor. Plain methods are
// registered for later specialization through Method; they are not compiled
// until called, matching the lazy per-fragment discipline functions follow.
//
// A class with no refcount-bearing attributes and no __del__ keeps a zero
// destructor (trivially poolable: its memory is Go-managed here, so there
// is no separate free step).
func (c *Compiler) DefineClass(cd *ast.ClassDef, initArgTypes []types.Value) (*context.ClassContext, error) {
	cc := c.Mod.NewClass(cd.Name)
	selfT := types.Value{Tag: types.Instance, ClassID: cc.ID}

	var initFn, delFn *ast.FunctionDef
	byName := map[string]*ast.FunctionDef{}
	for _, n := range cd.Body {
		fd, ok := n.(*ast.FunctionDef)
		if !ok {
			return nil, compileErrorf("compiler: class %s: only method definitions are supported in a class body, got %T", cd.Name, n)
		}
		switch fd.Name {
		case "__init__":
			initFn = fd
		case "__del__":
			delFn = fd
		default:
			byName[fd.Name] = fd
		}
	}

	c.methods[cc.ID] = map[string]*CompiledFunction{}
	for name, fd := range byName {
		fc := c.Mod.NewFunction(cd.Name + "." + name)
		c.methods[cc.ID][name] = &CompiledFunction{fn: fd, fc: fc}
	}

	if initFn != nil {
		if len(initFn.Params) == 0 {
			return nil, compileErrorf("compiler: %s.__init__ must take self", cd.Name)
		}
		fc := c.Mod.NewFunction(cd.Name + ".__init__")
		cf := &CompiledFunction{fn: initFn, fc: fc}
		c.methods[cc.ID]["__init__"] = cf
		args := append([]types.Value{selfT}, initArgTypes...)
		if _, err := c.Compile(cf, args); err != nil {
			return nil, err
		}
	} else if len(initArgTypes) != 0 {
		return nil, compileErrorf("compiler: %s has no __init__ but was given %d init argument types", cd.Name, len(initArgTypes))
	}

	var delAddr uintptr
	if delFn != nil {
		if len(delFn.Params) != 1 {
			return nil, compileErrorf("compiler: %s.__del__ must take exactly self", cd.Name)
		}
		cc.HasDel = true
		fc := c.Mod.NewFunction(cd.Name + ".__del__")
		cf := &CompiledFunction{fn: delFn, fc: fc}
		c.methods[cc.ID]["__del__"] = cf
		addr, err := c.Compile(cf, []types.Value{selfT})
		if err != nil {
			return nil, err
		}
		delAddr = addr
		cc.DelFragment = fc.Fragments[context.FragmentKey(types.SignatureOf([]types.Value{selfT}))]
	}

	hasRefAttr := false
	for _, r := range cc.AttrRefcount {
		if r {
			hasRefAttr = true
		}
	}
	if delFn == nil && !hasRefAttr {
		cc.Destructor = 0
		return cc, nil
	}
	if hasRefAttr && c.rt == nil {
		return nil, compileErrorf("compiler: class %s has refcounted attributes; attach a Runtime before defining it", cd.Name)
	}
	dest, err := SynthesizeDestructor(c.CB, cc, c.rt, delAddr)
	if err != nil {
		return nil, err
	}
	cc.Destructor = dest
	return cc, nil
}

// Method returns the compiled-function handle for a class method, ready to
// be specialized with Compile (the first argument type must be the class's
// own instance type).
func (c *Compiler) Method(cc *context.ClassContext, name string) (*CompiledFunction, bool) {
	m, ok := c.methods[cc.ID]
	if !ok {
		return nil, false
	}
	cf, ok := m[name]
	return cf, ok
}

// InstanceType returns the Value describing instances of cc, for building
// method argument-type tuples.
func InstanceType(cc *context.ClassContext) types.Value {
	return types.Value{Tag: types.Instance, ClassID: cc.ID}
}
