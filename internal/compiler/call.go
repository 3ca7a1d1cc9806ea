package compiler

import (
	"fmt"

	"github.com/lcox74/nsjit/internal/ast"
	"github.com/lcox74/nsjit/internal/context"
	"github.com/lcox74/nsjit/internal/types"
	"github.com/lcox74/nsjit/pkg/amd64"
)

// emitCall compiles a direct call to a named user-defined function, per
// the fixed call-emission sequence: evaluate each argument,
// classify it into its ABI register in declaration order, pick (or eagerly
// compile) the callee's fragment for that argument-type tuple, and emit the
// call. Only calls whose callee is a plain name are supported; method
// calls and calls through a computed expression are out of scope for this
// build (there is no instance/attribute dispatch wired into *ast.Call).
func (c *Compiler) emitCall(s *compileState, e *ast.Call) (types.Value, error) {
	nameNode, ok := e.Func.(*ast.Name)
	if !ok {
		return types.Value{}, compileErrorf("compiler: call target must be a plain function name (unsupported: %T)", e.Func)
	}
	if nameNode.Ident == "len" {
		return c.emitLen(s, e)
	}
	callee, ok := c.funcs[nameNode.Ident]
	if !ok {
		return types.Value{}, compileErrorf("compiler: call to undefined function %q", nameNode.Ident)
	}
	if len(e.Args) != len(callee.fn.Params) {
		return types.Value{}, compileErrorf("compiler: %s expects %d arguments, got %d", nameNode.Ident, len(callee.fn.Params), len(e.Args))
	}

	// Evaluate every argument left-to-right, spilling each to the stack
	// (matching spillLeft's discipline) so that evaluating argument i+1
	// cannot clobber argument i's already-computed value.
	argTypes := make([]types.Value, len(e.Args))
	isFloat := make([]bool, len(e.Args))
	for i, argExpr := range e.Args {
		t, err := c.emitExpr(s, argExpr)
		if err != nil {
			return types.Value{}, err
		}
		t = stripLiteral(t)
		argTypes[i] = t
		isFloat[i] = t.Tag == types.Float
		if isFloat[i] {
			s.a.ArithImm(amd64.Sub, amd64.QWord, amd64.Reg(amd64.RSP), 8)
			s.a.MovsdStore(amd64.Mem(amd64.RSP, 0), accumFloat)
		} else {
			s.a.Push(accumInt)
		}
	}

	// Classify argument registers in declaration order, exactly the way
	// buildPrologue classifies the callee's own parameters, so regIdx[i]
	// names the physical register argument i belongs in.
	intIdx, floatIdx := 0, 0
	regIdx := make([]int, len(e.Args))
	for i := range e.Args {
		if isFloat[i] {
			regIdx[i] = floatIdx
			floatIdx++
		} else {
			regIdx[i] = intIdx
			intIdx++
		}
	}
	if intIdx > len(intArgRegs) || floatIdx > len(floatArgRegs) {
		return types.Value{}, compileErrorf("compiler: call to %s: too many arguments of one kind", nameNode.Ident)
	}

	// Pop the spilled arguments back off in reverse (stack is LIFO) into
	// their classified registers. No true register-move cycle can arise
	// here since every argument round-trips through its own stack slot
	// rather than moving register-to-register, so no cyclic register-move
	// shuffle can arise.
	for i := len(e.Args) - 1; i >= 0; i-- {
		if isFloat[i] {
			s.a.Movsd(floatArgRegs[regIdx[i]], amd64.Mem(amd64.RSP, 0))
			s.a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.RSP), 8)
		} else {
			s.a.Pop(intArgRegs[regIdx[i]])
		}
	}

	var retType types.Value
	if callee == s.self && sameTypeTuple(argTypes, s.selfArgTypes) {
		// A recursive call to the fragment currently being compiled: its
		// install address isn't known yet, so the call target is a
		// self-reference resolved by the Code Buffer's own install-time
		// patch (adding the installed copy's base address to a zero
		// placeholder yields exactly this fragment's own entry address).
		off := s.a.MovImm64Patchable(amd64.R10)
		s.a.MarkAbsolutePatch(off)
		// The function's own return type may not be fully known this
		// early in its body (the recursive call usually precedes the
		// Return that establishes it); assume Int, the shape of every
		// classic self-recursive numeric routine (factorial, fibonacci,
		// gcd). Documented as a deliberate simplification in DESIGN.md.
		retType = types.IntValue()
	} else {
		addr, err := c.Compile(callee, argTypes)
		if err != nil {
			return types.Value{}, fmt.Errorf("compiler: compiling callee %q: %w", nameNode.Ident, err)
		}
		s.a.MovImm64(amd64.R10, uint64(addr))
		key := context.FragmentKey(types.SignatureOf(argTypes))
		if frag, ok := callee.fc.Fragments[key]; ok {
			retType = frag.ReturnType
		} else {
			retType = types.IntValue()
		}
	}
	s.a.CallReg(amd64.R10)

	// On return, a nonzero active-exception register means the callee (or
	// something it called) raised; continue the unwind here rather than
	// treating RAX/XMM0 as a result.
	s.a.TestRM(amd64.QWord, amd64.Reg(excReg), excReg)
	s.a.JccLabel(amd64.CondNE, s.unwindTarget())

	if retType.Tag == types.Float {
		// The callee's epilogue already leaves its result in XMM0, this
		// expression's own accumulator register; nothing further to move.
		return types.FloatValueT(), nil
	}
	return retType, nil
}

// emitLen compiles the len() builtin: every container's count lives at the
// same header offset, so one load serves strings, lists and
// tuples alike.
func (c *Compiler) emitLen(s *compileState, e *ast.Call) (types.Value, error) {
	if len(e.Args) != 1 {
		return types.Value{}, compileErrorf("compiler: len expects 1 argument, got %d", len(e.Args))
	}
	t, err := c.emitExpr(s, e.Args[0])
	if err != nil {
		return types.Value{}, err
	}
	switch t.Tag {
	case types.List, types.Tuple, types.Bytes, types.Unicode, types.Dict, types.Set:
		s.a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Mem(amd64.RAX, 16))
		return types.IntValue(), nil
	default:
		return types.Value{}, compileErrorf("compiler: len of %s is unsupported", t.Tag)
	}
}

// sameTypeTuple reports whether a and b name the same argument-type tuple,
// the condition under which a call targets the same fragment currently
// being compiled rather than a (possibly not-yet-existing) sibling
// specialization of the same function.
func sameTypeTuple(a, b []types.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !types.TypesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
