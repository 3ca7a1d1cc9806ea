package compiler

import (
	"fmt"

	"github.com/lcox74/nsjit/internal/types"
	"github.com/lcox74/nsjit/pkg/amd64"
	"github.com/lcox74/nsjit/pkg/asm"
)

// intArgRegs and floatArgRegs are the System V AMD64 argument registers, in
// order. Because fragments are specialized per concrete argument-type
// tuple, the classification of "which physical register
// holds argument i" is known at compile time, not inferred from a
// generic varargs-style ABI walk.
var intArgRegs = []amd64.Register{amd64.RDI, amd64.RSI, amd64.RDX, amd64.RCX, amd64.R8, amd64.R9}
var floatArgRegs = []amd64.XMMRegister{amd64.XMM0, amd64.XMM1, amd64.XMM2, amd64.XMM3, amd64.XMM4, amd64.XMM5, amd64.XMM6, amd64.XMM7}

// scratch registers used by the expression evaluator's accumulator/spill
// discipline: RAX/XMM0 always holds the "current" value; RCX/XMM1 holds a
// just-popped left-hand operand while the right-hand side is evaluated.
//
// R15 is reserved fragment-wide as the active-exception register (NULL =
// no exception in flight); no expression code may use it as scratch.
const (
	accumInt   = amd64.RAX
	accumFloat = amd64.XMM0
	spillInt   = amd64.RCX
	spillFloat = amd64.XMM1

	excReg = amd64.R15
)

// tryFrame is the per-try bookkeeping for the "finally always runs" rule: a
// return inside the try stores its value in retSlot/retfSlot, marks
// pendSlot, and jumps to finallyLabel; the dispatch code emitted after the
// finally body re-raises a still-active exception or completes the pending
// return.
type tryFrame struct {
	finallyLabel string
	pendSlot     string
	retSlot      string
	retfSlot     string
}

// compileState is the per-fragment bookkeeping a Compiler accumulates while
// walking one function body: the in-progress Assembler, local-variable slot
// assignment, and the label stacks that give break/continue/raise/return
// their target inside nested control flow.
type compileState struct {
	a        *asm.Assembler
	locals   map[string]int
	types_   map[string]types.Value
	nextSlot int

	labelCounter int

	breakStack    []string
	continueStack []string
	handlerStack  []string
	finallyFrames []tryFrame

	// self and selfArgTypes identify the CompiledFunction/argument-type
	// tuple currently being compiled, so a recursive call to the same
	// function with the same argument types can be emitted as a direct
	// self-reference (see emitCall in call.go) instead of requiring the
	// fragment's own not-yet-known install address.
	self         *CompiledFunction
	selfArgTypes []types.Value

	// returnType/returnTypeSet accumulate the union of every explicit
	// Return statement's value type seen so far, becoming the fragment's
	// recorded ReturnType. Only
	// explicit `return <expr>` statements contribute; the implicit
	// fall-off-the-end `return None` every fragment's body ends with is
	// not unioned in, since it is always present in the instruction
	// stream whether or not it is actually reachable (this compiler does
	// no reachability analysis) and would otherwise force every fragment
	// with an early return to Indeterminate.
	returnType    types.Value
	returnTypeSet bool
}

// recordReturnType unions t into s.returnType, which becomes the
// fragment's recorded return type.
func (s *compileState) recordReturnType(t types.Value) {
	if !s.returnTypeSet {
		s.returnType = t
		s.returnTypeSet = true
		return
	}
	if !types.TypesEqual(s.returnType, t) {
		s.returnType = types.IndeterminateValue
	}
}

func newCompileState() *compileState {
	return &compileState{
		a:      asm.New(),
		locals: map[string]int{},
		types_: map[string]types.Value{},
	}
}

func (s *compileState) newLabel(prefix string) string {
	s.labelCounter++
	return fmt.Sprintf("%s_%d", prefix, s.labelCounter)
}

// unwindTarget names the label a raise (or a still-active exception leaving
// a finally block) transfers to: the innermost handler, else the innermost
// pending finally, else the fragment epilogue — which returns to the caller
// with the exception register still set, continuing the unwind across the
// call boundary.
func (s *compileState) unwindTarget() string {
	if n := len(s.handlerStack); n > 0 {
		return s.handlerStack[n-1]
	}
	if n := len(s.finallyFrames); n > 0 {
		return s.finallyFrames[n-1].finallyLabel
	}
	return "epilogue"
}

// slotFor returns the stack slot index for a local, allocating a new one on
// first use.
func (s *compileState) slotFor(name string) int {
	if i, ok := s.locals[name]; ok {
		return i
	}
	i := s.nextSlot
	s.nextSlot++
	s.locals[name] = i
	return i
}

func (s *compileState) localMem(name string) amd64.MemoryReference {
	i := s.slotFor(name)
	return amd64.Mem(amd64.RBP, -int32(8*(i+1)))
}

func (s *compileState) frameSize() int32 {
	sz := int32(8 * s.nextSlot)
	// keep the stack 16-byte aligned at the point of a CALL: the return
	// address plus the 8-byte `push rbp` already total 16 bytes, so the
	// frame itself must be a multiple of 16.
	if sz%16 != 0 {
		sz += 8
	}
	return sz
}
