// Package context holds the append-mostly arenas the compiler uses to
// address functions, classes and modules by stable integer id rather than
// by pointer, so a fragment's resolver stub can reference "function id 12"
// without caring whether that function's Go-side record is later
// reallocated. IDs are never reused and records are never moved.
package context

import "github.com/lcox74/nsjit/internal/types"

// FragmentKey identifies one specialization of a function by the
// signature of its argument types.
type FragmentKey string

// Fragment is one compiled specialization of a function: its installed
// code address (0 until compiled) and the resolver stub address callers
// bind to until then.
type Fragment struct {
	Signature  FragmentKey
	ArgTypes   []types.Value
	ReturnType types.Value // unioned across the fragment's Return statements
	Addr       uintptr     // 0 until compiled
	StubAddr   uintptr     // address of the resolver stub callers currently use
}

// FunctionContext is one user-defined function's compile-time record: its
// identity and the set of fragments compiled for it so far. The AST is not
// held here; internal/compiler keeps it alongside its own per-function
// state.
type FunctionContext struct {
	ID        int64
	Name      string
	Fragments map[FragmentKey]*Fragment
}

// ClassContext is one user-defined class's record: its attribute layout
// (name -> slot index, in definition order) and, once synthesized, its
// destructor's installed address.
type ClassContext struct {
	ID           int64
	Name         string
	AttrIndex    map[string]int
	AttrOrder    []string
	AttrRefcount []bool        // parallel to AttrOrder: does this attribute hold a refcounted value?
	AttrTypes    []types.Value // parallel to AttrOrder: each attribute's inferred type
	HasDel       bool
	DelFragment  *Fragment
	Destructor   uintptr
}

// AttrCount returns the number of attribute slots this class's instances
// need.
func (c *ClassContext) AttrCount() int { return len(c.AttrOrder) }

// AddAttr registers a new attribute if not already present and returns its
// slot index.
func (c *ClassContext) AddAttr(name string, refcounted bool) int {
	if i, ok := c.AttrIndex[name]; ok {
		return i
	}
	i := len(c.AttrOrder)
	c.AttrIndex[name] = i
	c.AttrOrder = append(c.AttrOrder, name)
	c.AttrRefcount = append(c.AttrRefcount, refcounted)
	c.AttrTypes = append(c.AttrTypes, types.IndeterminateValue)
	return i
}

// SetAttrType records the inferred type of attribute slot i.
func (c *ClassContext) SetAttrType(i int, t types.Value) {
	c.AttrTypes[i] = t
}

// ModuleContext is the top-level arena: every function and class defined
// in the module, plus module-level globals.
type ModuleContext struct {
	Functions []*FunctionContext
	Classes   []*ClassContext
	Globals   map[string]types.Value
}

func NewModuleContext() *ModuleContext {
	return &ModuleContext{Globals: map[string]types.Value{}}
}

// NewFunction appends a new FunctionContext and returns it; its ID is its
// index, stable for the table's lifetime since entries are never removed
// or reordered.
func (m *ModuleContext) NewFunction(name string) *FunctionContext {
	fc := &FunctionContext{ID: int64(len(m.Functions)), Name: name, Fragments: map[FragmentKey]*Fragment{}}
	m.Functions = append(m.Functions, fc)
	return fc
}

// NewClass appends a new ClassContext and returns it.
func (m *ModuleContext) NewClass(name string) *ClassContext {
	cc := &ClassContext{ID: int64(len(m.Classes)), Name: name, AttrIndex: map[string]int{}}
	m.Classes = append(m.Classes, cc)
	return cc
}

// ClassByID resolves a class id back to its context. IDs are arena indices,
// stable for the table's lifetime.
func (m *ModuleContext) ClassByID(id int64) *ClassContext {
	if id < 0 || int(id) >= len(m.Classes) {
		return nil
	}
	return m.Classes[id]
}
