// Package compiler implements the specializing compiler: given a function's
// AST body and a concrete tuple of argument types, it emits one machine-code
// fragment (pkg/asm) and installs it into a shared pkg/codebuffer.CodeBuffer.
// A new fragment is produced for each distinct argument-type tuple a
// function is called with; fragments for the same
// function are kept in its context.FunctionContext, keyed by
// types.SignatureOf(argTypes).
package compiler

import (
	"fmt"

	"github.com/lcox74/nsjit/internal/ast"
	"github.com/lcox74/nsjit/internal/context"
	"github.com/lcox74/nsjit/internal/object"
	"github.com/lcox74/nsjit/internal/types"
	"github.com/lcox74/nsjit/pkg/amd64"
	"github.com/lcox74/nsjit/pkg/asm"
	"github.com/lcox74/nsjit/pkg/codebuffer"
)

// builtinExceptionClasses lists the exception classes every module can
// raise without defining them, in class-id order starting at 1 (0 is
// reserved to mean "no class"). Each gets a preallocated singleton instance
// with a biased refcount, the discipline that lets MemoryError be raised
// even under allocator exhaustion: raising a message-less class loads the
// singleton's address into the active-exception register instead of
// allocating.
var builtinExceptionClasses = []string{
	"Exception",
	"ValueError",
	"KeyError",
	"IndexError",
	"TypeError",
	"ZeroDivisionError",
	"StopIteration",
	"MemoryError",
}

// refcountBias keeps exception singletons alive no matter how many times a
// handler's bookkeeping releases them.
const refcountBias = uint64(1) << 32

type excClass struct {
	id   uint64
	addr uintptr
}

// Compiler owns the shared executable memory and module-level context every
// compiled fragment is installed into.
type Compiler struct {
	CB  *codebuffer.CodeBuffer
	Mod *context.ModuleContext

	// rt, when attached, provides the native helper routines (allocation,
	// refcounting, string operations) fragments call out to; compiling a
	// construct that needs a helper without an attached Runtime is a
	// compile error.
	rt *Runtime

	// funcs resolves a direct-call callee by name (internal/ast has no
	// symbol table of its own; the annotation pass that would populate
	// one lives in the front end), populated as each FunctionDef is
	// Define'd. compiling guards against the one true cycle this
	// compiler cannot eagerly resolve: mutual recursion between two
	// functions neither of which is compiled yet (see emitCall).
	funcs     map[string]*CompiledFunction
	compiling map[*CompiledFunction]bool

	// methods maps class id -> method name -> compiled-function handle,
	// populated by DefineClass.
	methods map[int64]map[string]*CompiledFunction

	// excClasses maps exception class name -> {class id, singleton
	// instance address}; excNames is the reverse direction for reporting.
	excClasses map[string]excClass
	excNames   map[uint64]string

	// pinned keeps every Go allocation whose raw address has been baked
	// into emitted code (string literals, exception singletons) reachable
	// for the Compiler's lifetime; Go's collector does not move them.
	pinned [][]byte
}

func New(cb *codebuffer.CodeBuffer, mod *context.ModuleContext) *Compiler {
	c := &Compiler{
		CB:        cb,
		Mod:       mod,
		funcs:     map[string]*CompiledFunction{},
		compiling: map[*CompiledFunction]bool{},
		methods:   map[int64]map[string]*CompiledFunction{},
	}
	c.initExceptionClasses()
	return c
}

// AttachRuntime gives the compiler access to rt's native helper routines.
// Fragments that never touch strings, containers or refcounted attributes
// compile fine without one.
func (c *Compiler) AttachRuntime(rt *Runtime) { c.rt = rt }

func (c *Compiler) initExceptionClasses() {
	c.excClasses = make(map[string]excClass, len(builtinExceptionClasses))
	c.excNames = make(map[uint64]string, len(builtinExceptionClasses))
	for i, name := range builtinExceptionClasses {
		id := uint64(i + 1)
		buf := object.NewInstance(id, 0, 0)
		object.InstanceHeader(buf).Refcount = refcountBias
		c.pinned = append(c.pinned, buf)
		c.excClasses[name] = excClass{id: id, addr: object.HeapPtr(buf)}
		c.excNames[id] = name
	}
}

// ExceptionClassID resolves a builtin exception class name to its id, or 0
// if unknown.
func (c *Compiler) ExceptionClassID(name string) uint64 {
	return c.excClasses[name].id
}

// ExceptionClassName resolves a class id back to its name, for reporting
// uncaught exceptions.
func (c *Compiler) ExceptionClassName(id uint64) string {
	if n, ok := c.excNames[id]; ok {
		return n
	}
	if cc := c.Mod.ClassByID(int64(id)); cc != nil {
		return cc.Name
	}
	return fmt.Sprintf("<class %d>", id)
}

// CompiledFunction is a handle a caller (a test, or cmd/nsjit) uses to
// compile-and-invoke a function body directly, bypassing name lookup.
type CompiledFunction struct {
	fn *ast.FunctionDef
	fc *context.FunctionContext
}

// Define registers fn under the given FunctionContext, ready for Compile,
// and makes it callable by name from any other fragment's *ast.Call sites
// compiled afterward (emitCall in call.go looks functions up here).
func (c *Compiler) Define(fn *ast.FunctionDef, fc *context.FunctionContext) *CompiledFunction {
	cf := &CompiledFunction{fn: fn, fc: fc}
	if c.funcs == nil {
		c.funcs = map[string]*CompiledFunction{}
	}
	c.funcs[fn.Name] = cf
	return cf
}

// Compile produces (or returns the already-compiled) fragment specialized
// for argTypes and returns its installed entry address.
func (c *Compiler) Compile(cf *CompiledFunction, argTypes []types.Value) (uintptr, error) {
	if len(argTypes) != len(cf.fn.Params) {
		return 0, compileErrorf("compiler: %s expects %d arguments, got %d", cf.fn.Name, len(cf.fn.Params), len(argTypes))
	}
	key := context.FragmentKey(types.SignatureOf(argTypes))
	if frag, ok := cf.fc.Fragments[key]; ok && frag.Addr != 0 {
		return frag.Addr, nil
	}

	if c.compiling[cf] {
		return 0, compileErrorf("compiler: %s: mutual recursion between not-yet-compiled fragments requires a runtime resolver stub, which *ast.Call does not emit in this build (see DESIGN.md)", cf.fn.Name)
	}
	c.compiling[cf] = true
	defer delete(c.compiling, cf)

	s := newCompileState()
	s.self = cf
	s.selfArgTypes = make([]types.Value, len(argTypes))
	for i, p := range cf.fn.Params {
		t := stripLiteral(argTypes[i])
		s.types_[p.Name] = t
		s.selfArgTypes[i] = t
		s.slotFor(p.Name)
	}

	if err := c.emitBlock(s, cf.fn.Body); err != nil {
		return 0, err
	}
	// Falling off the end of the body returns None.
	s.a.MovImm64(amd64.RAX, 0)
	s.a.DefineLabel("epilogue")

	body, absPatches, err := s.a.Assemble()
	if err != nil {
		return 0, fmt.Errorf("compiler: assembling %s%s: %w", cf.fn.Name, key, err)
	}

	prologue, err := buildPrologue(cf.fn, argTypes, s)
	if err != nil {
		return 0, err
	}
	epilogue := buildEpilogue()

	full := make([]byte, 0, len(prologue)+len(body)+len(epilogue))
	full = append(full, prologue...)
	full = append(full, body...)
	full = append(full, epilogue...)

	shiftedPatches := make([]int, len(absPatches))
	for i, off := range absPatches {
		shiftedPatches[i] = off + len(prologue)
	}

	addr, err := c.CB.Append(full, shiftedPatches)
	if err != nil {
		return 0, err
	}

	retType := types.NoneValue
	if s.returnTypeSet {
		retType = s.returnType
	}
	frag := &context.Fragment{Signature: key, ArgTypes: argTypes, ReturnType: retType, Addr: addr}
	cf.fc.Fragments[key] = frag
	return addr, nil
}

// buildPrologue emits `push rbp; mov rbp, rsp; sub rsp, frameSize` followed
// by code storing each argument register (classified by the concrete,
// already-known argTypes) into its parameter's stack slot.
func buildPrologue(fn *ast.FunctionDef, argTypes []types.Value, s *compileState) ([]byte, error) {
	pa := asm.New()
	pa.Push(amd64.RBP)
	pa.MovRegToRM(amd64.QWord, amd64.Reg(amd64.RBP), amd64.RSP)
	if fs := s.frameSize(); fs > 0 {
		pa.ArithImm(amd64.Sub, amd64.QWord, amd64.Reg(amd64.RSP), fs)
	}

	intIdx, floatIdx := 0, 0
	for i, p := range fn.Params {
		mem := s.localMem(p.Name)
		if argTypes[i].Tag == types.Float {
			if floatIdx >= len(floatArgRegs) {
				return nil, compileErrorf("compiler: %s: too many float parameters", fn.Name)
			}
			pa.MovsdStore(mem, floatArgRegs[floatIdx])
			floatIdx++
		} else {
			if intIdx >= len(intArgRegs) {
				return nil, compileErrorf("compiler: %s: too many integer parameters", fn.Name)
			}
			pa.MovRegToRM(amd64.QWord, mem, intArgRegs[intIdx])
			intIdx++
		}
	}
	code, _, err := pa.Assemble()
	if err != nil {
		return nil, err
	}
	return code, nil
}

func buildEpilogue() []byte {
	pa := asm.New()
	pa.MovRegToRM(amd64.QWord, amd64.Reg(amd64.RSP), amd64.RBP)
	pa.Pop(amd64.RBP)
	pa.Ret()
	code, _, _ := pa.Assemble()
	return code
}
