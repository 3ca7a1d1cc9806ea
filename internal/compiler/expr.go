package compiler

import (
	"math"

	"github.com/lcox74/nsjit/internal/ast"
	"github.com/lcox74/nsjit/internal/object"
	"github.com/lcox74/nsjit/internal/types"
	"github.com/lcox74/nsjit/pkg/amd64"
)

// emitExpr compiles node, leaving its value in RAX (integers, bools and
// object pointers) or XMM0 (Float), and returns its static type.
// Subexpressions are evaluated left-to-right with the left side spilled to
// the stack while the right side is evaluated, a simple but always-correct
// discipline in place of a full register allocator (see DESIGN.md).
func (c *Compiler) emitExpr(s *compileState, n ast.Node) (types.Value, error) {
	switch e := n.(type) {
	case *ast.IntLit:
		s.a.MovImm64(accumInt, uint64(e.Value))
		return types.KnownInt(e.Value), nil

	case *ast.BoolLit:
		v := int64(0)
		if e.Value {
			v = 1
		}
		s.a.MovImm64(accumInt, uint64(v))
		return types.Value{Tag: types.Bool, Known: true, IntLiteral: v}, nil

	case *ast.NoneLit:
		s.a.MovImm64(accumInt, 0)
		return types.NoneValue, nil

	case *ast.FloatLit:
		bits := int64(math.Float64bits(e.Value))
		s.a.MovImm64(amd64.RAX, uint64(bits))
		// Move the raw bit pattern from a GPR into XMM0 via the stack:
		// there is no integer-register-to-XMM move in this instruction
		// set, but a store/load pair is exactly as correct.
		s.a.ArithImm(amd64.Sub, amd64.QWord, amd64.Reg(amd64.RSP), 8)
		s.a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RSP, 0), amd64.RAX)
		s.a.Movsd(accumFloat, amd64.Mem(amd64.RSP, 0))
		s.a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.RSP), 8)
		return types.KnownFloat(e.Value), nil

	case *ast.StrLit:
		// The string object is built once at compile time and pinned for
		// the compiler's lifetime; the fragment refers to it by absolute
		// address, the way every other static object (exception
		// singletons, helper routines) is addressed.
		buf, data := object.NewString(e.Value, 0)
		c.pinned = append(c.pinned, buf, data)
		s.a.MovImm64(accumInt, uint64(object.HeapPtr(buf)))
		return types.Value{Tag: types.Bytes}, nil

	case *ast.Name:
		t, ok := s.types_[e.Ident]
		if !ok {
			return types.Value{}, compileErrorf("compiler: undefined name %q", e.Ident)
		}
		if t.Tag == types.Float {
			s.a.Movsd(accumFloat, s.localMem(e.Ident))
		} else {
			s.a.MovRMToReg(amd64.QWord, amd64.RAX, s.localMem(e.Ident))
		}
		return stripLiteral(t), nil

	case *ast.UnaryOp:
		return c.emitUnary(s, e)

	case *ast.BinOp:
		return c.emitBinOp(s, e)

	case *ast.BoolOp:
		return c.emitBoolOp(s, e)

	case *ast.Compare:
		return c.emitCompare(s, e)

	case *ast.Call:
		return c.emitCall(s, e)

	case *ast.Subscript:
		return c.emitSubscriptLoad(s, e)

	case *ast.Attribute:
		return c.emitAttributeLoad(s, e)

	case *ast.TupleLit:
		return c.emitTupleLit(s, e)

	case *ast.ListLit:
		return c.emitListLit(s, e)

	default:
		return types.Value{}, compileErrorf("compiler: unsupported expression node %T", n)
	}
}

func numericTag(t types.Tag) bool {
	return t == types.Int || t == types.Bool || t == types.Float
}

// stripLiteral returns t's type with any known-literal payload cleared:
// once a value has round-tripped through a local slot it is no longer
// known to the compiler at compile time (no constant-propagation pass).
func stripLiteral(t types.Value) types.Value {
	t.Known = false
	return t
}

func (c *Compiler) emitUnary(s *compileState, e *ast.UnaryOp) (types.Value, error) {
	t, err := c.emitExpr(s, e.Operand)
	if err != nil {
		return types.Value{}, err
	}
	switch e.Op {
	case "-":
		if t.Tag == types.Float {
			s.a.Xorpd(spillFloat, amd64.XMMReg(spillFloat))
			s.a.Subsd(spillFloat, amd64.XMMReg(accumFloat))
			s.a.Movsd(accumFloat, amd64.XMMReg(spillFloat))
			return types.FloatValueT(), nil
		}
		s.a.Neg(amd64.QWord, amd64.Reg(amd64.RAX))
		return types.IntValue(), nil
	case "not":
		s.a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RAX), 0)
		s.a.MovImm32(amd64.QWord, amd64.Reg(amd64.R11), 0) // mov, not xor: keeps the flags
		s.a.Setcc(amd64.CondE, amd64.Reg(amd64.R11))
		s.a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Reg(amd64.R11))
		return types.Value{Tag: types.Bool}, nil
	default:
		return types.Value{}, compileErrorf("compiler: unsupported unary operator %q", e.Op)
	}
}

// spillLeft stores the just-evaluated left operand below the current stack
// pointer so the right operand can be evaluated without clobbering it.
func (s *compileState) spillLeft(isFloat bool) {
	if isFloat {
		s.a.ArithImm(amd64.Sub, amd64.QWord, amd64.Reg(amd64.RSP), 8)
		s.a.MovsdStore(amd64.Mem(amd64.RSP, 0), accumFloat)
		return
	}
	s.a.Push(accumInt)
}

// reloadLeft pops the spilled left operand into the spill register
// (RCX/XMM1), leaving the right operand's value untouched in RAX/XMM0.
func (s *compileState) reloadLeft(isFloat bool) {
	if isFloat {
		s.a.Movsd(spillFloat, amd64.Mem(amd64.RSP, 0))
		s.a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.RSP), 8)
		return
	}
	s.a.Pop(spillInt)
}

// promoteToFloat converts the operand pair to floats where needed: the
// right operand (RAX) through cvtsi2sd into XMM0, the spilled left operand
// through a pop-then-convert into XMM1. Int/float combinations promote
// to float.
func (s *compileState) promoteToFloat(leftIsFloat, rightIsFloat bool) {
	if !rightIsFloat {
		s.a.Cvtsi2sd(accumFloat, amd64.Reg(amd64.RAX))
	}
	if leftIsFloat {
		s.reloadLeft(true)
		return
	}
	s.a.Pop(spillInt)
	s.a.Cvtsi2sd(spillFloat, amd64.Reg(spillInt))
}

// emitDivisorCheck raises ZeroDivisionError when the divisor register is
// zero, falling through otherwise.
func (c *Compiler) emitDivisorCheck(s *compileState, divisor amd64.Register) {
	ok := s.newLabel("divok")
	s.a.TestRM(amd64.QWord, amd64.Reg(divisor), divisor)
	s.a.JccLabel(amd64.CondNE, ok)
	s.a.MovImm64(excReg, uint64(c.excClasses["ZeroDivisionError"].addr))
	s.a.JmpLabel(s.unwindTarget())
	s.a.DefineLabel(ok)
}

func (c *Compiler) emitBinOp(s *compileState, e *ast.BinOp) (types.Value, error) {
	lt, err := c.emitExpr(s, e.Left)
	if err != nil {
		return types.Value{}, err
	}

	if lt.Tag == types.Bytes {
		return c.emitStringBinOp(s, e, lt)
	}
	if !numericTag(lt.Tag) {
		return types.Value{}, compileErrorf("compiler: operator %q is not defined on %s", e.Op, lt.Tag)
	}

	leftIsFloat := lt.Tag == types.Float
	s.spillLeft(leftIsFloat)

	rt, err := c.emitExpr(s, e.Right)
	if err != nil {
		return types.Value{}, err
	}
	if !numericTag(rt.Tag) {
		return types.Value{}, compileErrorf("compiler: operator %q is not defined on %s", e.Op, rt.Tag)
	}
	rightIsFloat := rt.Tag == types.Float
	isFloat := leftIsFloat || rightIsFloat || e.Op == "/"

	if isFloat {
		s.promoteToFloat(leftIsFloat, rightIsFloat)
		// spill register holds left, accumulator holds right.
		switch e.Op {
		case "+":
			s.a.Addsd(spillFloat, amd64.XMMReg(accumFloat))
		case "-":
			s.a.Subsd(spillFloat, amd64.XMMReg(accumFloat))
		case "*":
			s.a.Mulsd(spillFloat, amd64.XMMReg(accumFloat))
		case "/":
			s.a.Divsd(spillFloat, amd64.XMMReg(accumFloat))
		default:
			return types.Value{}, compileErrorf("compiler: unsupported float operator %q", e.Op)
		}
		s.a.Movsd(accumFloat, amd64.XMMReg(spillFloat))
		return types.FloatValueT(), nil
	}

	s.reloadLeft(false)
	// spill register (RCX) holds left, accumulator (RAX) holds right.
	switch e.Op {
	case "+":
		s.a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RCX)
	case "*":
		s.a.Imul(amd64.QWord, amd64.RAX, amd64.Reg(amd64.RCX))
	case "-":
		// rax currently holds right; rcx holds left. rax = left - right =
		// -right + left.
		s.a.Neg(amd64.QWord, amd64.Reg(amd64.RAX))
		s.a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RCX)
	case "//":
		s.a.MovRMToReg(amd64.QWord, amd64.R8, amd64.Reg(amd64.RAX))  // divisor (right) -> r8
		c.emitDivisorCheck(s, amd64.R8)
		s.a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Reg(amd64.RCX)) // dividend (left) -> rax
		s.a.Cqo()
		s.a.Idiv(amd64.QWord, amd64.Reg(amd64.R8))
	case "%":
		s.a.MovRMToReg(amd64.QWord, amd64.R8, amd64.Reg(amd64.RAX))  // divisor (right) -> r8
		c.emitDivisorCheck(s, amd64.R8)
		s.a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Reg(amd64.RCX)) // dividend (left) -> rax
		s.a.Cqo()
		s.a.Idiv(amd64.QWord, amd64.Reg(amd64.R8))
		s.a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Reg(amd64.RDX)) // remainder
	default:
		return types.Value{}, compileErrorf("compiler: unsupported integer operator %q", e.Op)
	}
	return types.IntValue(), nil
}

// emitStringBinOp compiles the string operators:
// concatenation (`+`) and printf-style formatting (`%`), both through the
// Runtime's assembled helper routines. The left operand is already in the
// accumulator.
func (c *Compiler) emitStringBinOp(s *compileState, e *ast.BinOp, lt types.Value) (types.Value, error) {
	if c.rt == nil {
		return types.Value{}, compileErrorf("compiler: string operator %q requires an attached Runtime", e.Op)
	}
	s.spillLeft(false)
	rt, err := c.emitExpr(s, e.Right)
	if err != nil {
		return types.Value{}, err
	}

	switch e.Op {
	case "+":
		if rt.Tag != types.Bytes {
			return types.Value{}, compileErrorf("compiler: cannot concatenate %s to a string", rt.Tag)
		}
		c.emitHelper2(s, c.rt.StrConcatAddr, false)
		return types.Value{Tag: types.Bytes}, nil
	case "%":
		if rt.Tag != types.Tuple {
			return types.Value{}, compileErrorf("compiler: string %% formatting requires a tuple of arguments, got %s", rt.Tag)
		}
		// Specifiers are pre-validated against the argument-type tuple at
		// compile time when the format string is a literal.
		if lit, ok := e.Left.(*ast.StrLit); ok {
			if err := validateFormat(lit.Value, rt.Extension); err != nil {
				return types.Value{}, err
			}
		}
		c.emitHelper2(s, c.rt.StrFormatAddr, false)
		return types.Value{Tag: types.Bytes}, nil
	default:
		return types.Value{}, compileErrorf("compiler: unsupported string operator %q", e.Op)
	}
}

// emitHelper2 calls a two-argument native helper with the spilled left
// operand and the accumulator. With swap false the call is
// helper(left, right); with swap true it is helper(right, left).
func (c *Compiler) emitHelper2(s *compileState, addr uintptr, swap bool) {
	s.a.Pop(amd64.RCX) // left
	if swap {
		s.a.MovRMToReg(amd64.QWord, amd64.RDI, amd64.Reg(amd64.RAX))
		s.a.MovRMToReg(amd64.QWord, amd64.RSI, amd64.Reg(amd64.RCX))
	} else {
		s.a.MovRMToReg(amd64.QWord, amd64.RDI, amd64.Reg(amd64.RCX))
		s.a.MovRMToReg(amd64.QWord, amd64.RSI, amd64.Reg(amd64.RAX))
	}
	s.a.MovImm64(amd64.R10, uint64(addr))
	s.a.CallReg(amd64.R10)
}

// validateFormat checks a literal format string's %d/%s specifiers against
// the argument tuple's element types, so a malformed format string is a
// compile error rather than a runtime surprise.
func validateFormat(format string, args []types.Value) error {
	argIdx := 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			continue
		}
		spec := format[i+1]
		switch spec {
		case '%':
			i++
		case 'd':
			if argIdx >= len(args) {
				return compileErrorf("compiler: format string has more specifiers than arguments")
			}
			if tag := args[argIdx].Tag; tag != types.Int && tag != types.Bool {
				return compileErrorf("compiler: %%d requires an integer argument, got %s", tag)
			}
			argIdx++
			i++
		case 's':
			if argIdx >= len(args) {
				return compileErrorf("compiler: format string has more specifiers than arguments")
			}
			if tag := args[argIdx].Tag; tag != types.Bytes {
				return compileErrorf("compiler: %%s requires a string argument, got %s", tag)
			}
			argIdx++
			i++
		}
	}
	if argIdx != len(args) {
		return compileErrorf("compiler: format string consumes %d of %d arguments", argIdx, len(args))
	}
	return nil
}

// emitBoolOp compiles `and`/`or` chains with short-circuit evaluation: the
// result is the last operand evaluated, Python-style.
func (c *Compiler) emitBoolOp(s *compileState, e *ast.BoolOp) (types.Value, error) {
	if len(e.Values) == 0 {
		return types.Value{}, compileErrorf("compiler: empty boolean operator")
	}
	endLabel := s.newLabel("boolend")
	var result types.Value
	for i, v := range e.Values {
		t, err := c.emitExpr(s, v)
		if err != nil {
			return types.Value{}, err
		}
		t = stripLiteral(t)
		if t.Tag == types.Float {
			return types.Value{}, compileErrorf("compiler: float operands to %q are unsupported", e.Op)
		}
		if i == 0 {
			result = t
		} else if !types.TypesEqual(result, t) {
			result = types.IndeterminateValue
		}
		if i == len(e.Values)-1 {
			break
		}
		s.a.TestRM(amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
		switch e.Op {
		case "and":
			s.a.JccLabel(amd64.CondE, endLabel)
		case "or":
			s.a.JccLabel(amd64.CondNE, endLabel)
		default:
			return types.Value{}, compileErrorf("compiler: unsupported boolean operator %q", e.Op)
		}
	}
	s.a.DefineLabel(endLabel)
	if result.Tag == types.Indeterminate {
		return types.Value{}, compileErrorf("compiler: operands to %q must share one type", e.Op)
	}
	return result, nil
}

func condForOp(op string, isFloat bool) (amd64.Condition, error) {
	if isFloat {
		switch op {
		case "<":
			return amd64.CondB, nil
		case "<=":
			return amd64.CondBE, nil
		case ">":
			return amd64.CondA, nil
		case ">=":
			return amd64.CondAE, nil
		case "==":
			return amd64.CondE, nil
		case "!=":
			return amd64.CondNE, nil
		}
	} else {
		switch op {
		case "<":
			return amd64.CondL, nil
		case "<=":
			return amd64.CondLE, nil
		case ">":
			return amd64.CondG, nil
		case ">=":
			return amd64.CondGE, nil
		case "==":
			return amd64.CondE, nil
		case "!=":
			return amd64.CondNE, nil
		}
	}
	return 0, compileErrorf("compiler: unsupported comparison operator %q", op)
}

// emitCompareRest finishes a comparison whose left operand is already in
// the accumulator: it evaluates the right operand and emits the compare.
// When the comparison resolves to processor flags it returns useFlags=true
// and the condition that means "comparison holds"; otherwise the boolean
// result has been materialized into RAX.
func (c *Compiler) emitCompareRest(s *compileState, e *ast.Compare, lt types.Value) (useFlags bool, cond amd64.Condition, err error) {
	// String comparisons route through the Runtime's helpers.
	if lt.Tag == types.Bytes && e.Op != "is" && e.Op != "is not" {
		if c.rt == nil {
			return false, 0, compileErrorf("compiler: string comparison requires an attached Runtime")
		}
		s.spillLeft(false)
		rt, rerr := c.emitExpr(s, e.Right)
		if rerr != nil {
			return false, 0, rerr
		}
		if rt.Tag != types.Bytes {
			return false, 0, compileErrorf("compiler: cannot compare a string with a %s", rt.Tag)
		}
		switch e.Op {
		case "==":
			c.emitHelper2(s, c.rt.StrEqualAddr, false)
		case "!=":
			c.emitHelper2(s, c.rt.StrEqualAddr, false)
			s.a.ArithImm(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RAX), 1)
		case "<", "<=", ">", ">=":
			c.emitHelper2(s, c.rt.StrCompareAddr, false)
			sc, cerr := condForOp(e.Op, false)
			if cerr != nil {
				return false, 0, cerr
			}
			s.a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RAX), 0)
			s.a.MovImm32(amd64.QWord, amd64.Reg(amd64.R11), 0) // mov, not xor: keeps the flags
			s.a.Setcc(sc, amd64.Reg(amd64.R11))
			s.a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Reg(amd64.R11))
		case "in":
			// `needle in haystack`: the helper takes (haystack, needle).
			c.emitHelper2(s, c.rt.StrContainsAddr, true)
		default:
			return false, 0, compileErrorf("compiler: unsupported string comparison %q", e.Op)
		}
		return false, 0, nil
	}

	if e.Op == "is" || e.Op == "is not" {
		// Identity requires object operands; on int/float it is an error.
		if !lt.Tag.HasRefcount() && lt.Tag != types.NoneType {
			return false, 0, compileErrorf("compiler: %q requires object operands, got %s", e.Op, lt.Tag)
		}
		s.spillLeft(false)
		rt, rerr := c.emitExpr(s, e.Right)
		if rerr != nil {
			return false, 0, rerr
		}
		if !rt.Tag.HasRefcount() && rt.Tag != types.NoneType {
			return false, 0, compileErrorf("compiler: %q requires object operands, got %s", e.Op, rt.Tag)
		}
		s.reloadLeft(false)
		s.a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RCX), amd64.RAX)
		if e.Op == "is" {
			return true, amd64.CondE, nil
		}
		return true, amd64.CondNE, nil
	}

	leftIsFloat := lt.Tag == types.Float
	s.spillLeft(leftIsFloat)
	rt, rerr := c.emitExpr(s, e.Right)
	if rerr != nil {
		return false, 0, rerr
	}
	rightIsFloat := rt.Tag == types.Float
	isFloat := leftIsFloat || rightIsFloat
	if isFloat {
		s.promoteToFloat(leftIsFloat, rightIsFloat)
		cond, err = condForOp(e.Op, true)
		if err != nil {
			return false, 0, err
		}
		s.a.Comisd(spillFloat, amd64.XMMReg(accumFloat))
		return true, cond, nil
	}
	s.reloadLeft(false)
	cond, err = condForOp(e.Op, false)
	if err != nil {
		return false, 0, err
	}
	s.a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RCX), amd64.RAX)
	return true, cond, nil
}

func (c *Compiler) emitCompare(s *compileState, e *ast.Compare) (types.Value, error) {
	lt, err := c.emitExpr(s, e.Left)
	if err != nil {
		return types.Value{}, err
	}
	useFlags, cond, err := c.emitCompareRest(s, e, lt)
	if err != nil {
		return types.Value{}, err
	}
	if useFlags {
		s.a.MovImm32(amd64.QWord, amd64.Reg(amd64.R11), 0) // mov, not xor: keeps the flags
		s.a.Setcc(cond, amd64.Reg(amd64.R11))
		s.a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Reg(amd64.R11))
	}
	return types.Value{Tag: types.Bool}, nil
}

// emitSubscriptLoad compiles `container[index]` for list, tuple and string
// containers, with an IndexError raise on out-of-range (an unsigned
// compare, so negative indexes are caught by the same branch).
func (c *Compiler) emitSubscriptLoad(s *compileState, e *ast.Subscript) (types.Value, error) {
	ct, err := c.emitExpr(s, e.Value)
	if err != nil {
		return types.Value{}, err
	}
	if ct.Tag != types.List && ct.Tag != types.Tuple && ct.Tag != types.Bytes {
		return types.Value{}, compileErrorf("compiler: cannot subscript a %s", ct.Tag)
	}
	s.a.Push(amd64.RAX)

	it, err := c.emitExpr(s, e.Index)
	if err != nil {
		return types.Value{}, err
	}
	if it.Tag != types.Int && it.Tag != types.Bool {
		return types.Value{}, compileErrorf("compiler: subscript index must be an integer, got %s", it.Tag)
	}
	s.a.Pop(amd64.RCX) // container

	okLabel := s.newLabel("idxok")
	s.a.ArithRMToReg(amd64.Cmp, amd64.QWord, amd64.RAX, amd64.Mem(amd64.RCX, object.ListCountOffset))
	s.a.JccLabel(amd64.CondB, okLabel)
	s.a.MovImm64(excReg, uint64(c.excClasses["IndexError"].addr))
	s.a.JmpLabel(s.unwindTarget())
	s.a.DefineLabel(okLabel)

	switch ct.Tag {
	case types.Bytes:
		s.a.MovRMToReg(amd64.QWord, amd64.R10, amd64.Mem(amd64.RCX, object.StrDataOffset))
		s.a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.R11), amd64.R11)
		s.a.MovRMToReg(amd64.Byte, amd64.R11, amd64.MemIndexed(amd64.R10, amd64.RAX, 1, 0))
		s.a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Reg(amd64.R11))
		return types.IntValue(), nil

	case types.List:
		if len(ct.Extension) == 0 {
			return types.Value{}, compileErrorf("compiler: list has no element type; annotate the argument's extension type")
		}
		elem := ct.Extension[0]
		s.a.MovRMToReg(amd64.QWord, amd64.R10, amd64.Mem(amd64.RCX, object.ListItemsOffset))
		if elem.Tag == types.Float {
			s.a.Movsd(accumFloat, amd64.MemIndexed(amd64.R10, amd64.RAX, 8, 0))
		} else {
			s.a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.MemIndexed(amd64.R10, amd64.RAX, 8, 0))
		}
		return elem, nil

	default: // Tuple
		var elem types.Value
		if lit, ok := e.Index.(*ast.IntLit); ok && lit.Value >= 0 && int(lit.Value) < len(ct.Extension) {
			elem = ct.Extension[lit.Value]
		} else {
			elem, err = elementType(ct)
			if err != nil {
				return types.Value{}, err
			}
		}
		if elem.Tag == types.Float {
			s.a.Movsd(accumFloat, amd64.MemIndexed(amd64.RCX, amd64.RAX, 8, object.TupleSlotsOffset))
		} else {
			s.a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.MemIndexed(amd64.RCX, amd64.RAX, 8, object.TupleSlotsOffset))
		}
		return elem, nil
	}
}

// emitAttributeLoad compiles `obj.attr` through the class context's
// attribute layout, addressing the slot directly as [obj + 24 + 8*index].
func (c *Compiler) emitAttributeLoad(s *compileState, e *ast.Attribute) (types.Value, error) {
	ot, err := c.emitExpr(s, e.Value)
	if err != nil {
		return types.Value{}, err
	}
	if ot.Tag != types.Instance {
		return types.Value{}, compileErrorf("compiler: attribute access requires a class instance, got %s", ot.Tag)
	}
	cc := c.Mod.ClassByID(ot.ClassID)
	if cc == nil {
		return types.Value{}, compileErrorf("compiler: unknown class id %d", ot.ClassID)
	}
	idx, ok := cc.AttrIndex[e.Attr]
	if !ok {
		return types.Value{}, compileErrorf("compiler: %s has no attribute %q", cc.Name, e.Attr)
	}
	t := cc.AttrTypes[idx]
	if t.Tag == types.Float {
		s.a.Movsd(accumFloat, amd64.Mem(amd64.RAX, object.AttrOffset(idx)))
	} else {
		s.a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Mem(amd64.RAX, object.AttrOffset(idx)))
	}
	return t, nil
}

// emitTupleLit builds a tuple in the Runtime's arena: header, count, one
// slot per element, and the (zeroed) per-slot refcount bitmap.
func (c *Compiler) emitTupleLit(s *compileState, e *ast.TupleLit) (types.Value, error) {
	if c.rt == nil {
		return types.Value{}, compileErrorf("compiler: tuple construction requires an attached Runtime")
	}
	n := len(e.Elts)
	slot := "$" + s.newLabel("tuple")
	size := object.TupleSlotsOffset + 8*n + (n+7)/8

	s.a.MovImm64(amd64.RDI, uint64(size))
	s.a.MovImm64(amd64.R10, uint64(c.rt.AllocAddr))
	s.a.CallReg(amd64.R10)
	s.a.MovImm32(amd64.QWord, amd64.Mem(amd64.RAX, 0), 1)  // refcount
	s.a.MovImm32(amd64.QWord, amd64.Mem(amd64.RAX, 8), 0)  // destructor
	s.a.MovImm32(amd64.QWord, amd64.Mem(amd64.RAX, object.TupleCountOffset), int32(n))
	s.a.MovRegToRM(amd64.QWord, s.localMem(slot), amd64.RAX)

	exts := make([]types.Value, n)
	for i, el := range e.Elts {
		t, err := c.emitExpr(s, el)
		if err != nil {
			return types.Value{}, err
		}
		exts[i] = stripLiteral(t)
		s.a.MovRMToReg(amd64.QWord, amd64.RCX, s.localMem(slot))
		off := int32(object.TupleSlotsOffset + 8*i)
		if exts[i].Tag == types.Float {
			s.a.MovsdStore(amd64.Mem(amd64.RCX, off), accumFloat)
		} else {
			s.a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RCX, off), amd64.RAX)
		}
	}
	s.a.MovRMToReg(amd64.QWord, amd64.RAX, s.localMem(slot))
	return types.Value{Tag: types.Tuple, Extension: exts}, nil
}

// emitListLit builds a list in the Runtime's arena: a backing array of
// 8-byte slots plus the header {count, items-are-objects flag, items
// pointer}.
func (c *Compiler) emitListLit(s *compileState, e *ast.ListLit) (types.Value, error) {
	if c.rt == nil {
		return types.Value{}, compileErrorf("compiler: list construction requires an attached Runtime")
	}
	n := len(e.Elts)
	headSlot := "$" + s.newLabel("list")

	// Backing array first, then the header pointing at it. The backing
	// pointer waits in headSlot across the second call, since the alloc
	// helper clobbers R10/R11.
	s.a.MovImm64(amd64.RDI, uint64(8*n))
	s.a.MovImm64(amd64.R10, uint64(c.rt.AllocAddr))
	s.a.CallReg(amd64.R10)
	s.a.MovRegToRM(amd64.QWord, s.localMem(headSlot), amd64.RAX)
	s.a.MovImm64(amd64.RDI, uint64(object.ListItemsOffset+8))
	s.a.MovImm64(amd64.R10, uint64(c.rt.AllocAddr))
	s.a.CallReg(amd64.R10)
	s.a.MovImm32(amd64.QWord, amd64.Mem(amd64.RAX, 0), 1) // refcount
	s.a.MovImm32(amd64.QWord, amd64.Mem(amd64.RAX, 8), 0) // destructor
	s.a.MovImm32(amd64.QWord, amd64.Mem(amd64.RAX, object.ListCountOffset), int32(n))
	s.a.MovRMToReg(amd64.QWord, amd64.R11, s.localMem(headSlot))
	s.a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RAX, object.ListItemsOffset), amd64.R11)
	s.a.MovRegToRM(amd64.QWord, s.localMem(headSlot), amd64.RAX)

	var elem types.Value
	for i, el := range e.Elts {
		t, err := c.emitExpr(s, el)
		if err != nil {
			return types.Value{}, err
		}
		t = stripLiteral(t)
		if i == 0 {
			elem = t
		} else if !types.TypesEqual(elem, t) {
			return types.Value{}, compileErrorf("compiler: list elements must share one type, got %s and %s", elem.Tag, t.Tag)
		}
		s.a.MovRMToReg(amd64.QWord, amd64.RCX, s.localMem(headSlot))
		s.a.MovRMToReg(amd64.QWord, amd64.RCX, amd64.Mem(amd64.RCX, object.ListItemsOffset))
		if t.Tag == types.Float {
			s.a.MovsdStore(amd64.Mem(amd64.RCX, int32(8*i)), accumFloat)
		} else {
			s.a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RCX, int32(8*i)), amd64.RAX)
		}
	}

	// The items-are-objects flag marks whether the destructor must release
	// each slot.
	flag := int32(0)
	if n > 0 && elem.Tag.HasRefcount() {
		flag = 1
	}
	s.a.MovRMToReg(amd64.QWord, amd64.RAX, s.localMem(headSlot))
	s.a.MovImm32(amd64.QWord, amd64.Mem(amd64.RAX, object.ListFlagOffset), flag)

	ext := []types.Value{}
	if n > 0 {
		ext = []types.Value{elem}
	}
	return types.Value{Tag: types.List, Extension: ext}, nil
}

// emitBranchIfFalse compiles a boolean expression and emits a conditional
// jump to falseLabel when it evaluates to zero/false, without materializing
// the boolean into a register when the test resolves to processor flags
// (the common case).
func (c *Compiler) emitBranchIfFalse(s *compileState, n ast.Node, falseLabel string) error {
	if cmp, ok := n.(*ast.Compare); ok {
		lt, err := c.emitExpr(s, cmp.Left)
		if err != nil {
			return err
		}
		useFlags, cond, err := c.emitCompareRest(s, cmp, lt)
		if err != nil {
			return err
		}
		if useFlags {
			s.a.JccLabel(negate(cond), falseLabel)
		} else {
			s.a.TestRM(amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
			s.a.JccLabel(amd64.CondE, falseLabel)
		}
		return nil
	}

	t, err := c.emitExpr(s, n)
	if err != nil {
		return err
	}
	switch t.Tag {
	case types.Float:
		// Truth of a float is "nonzero once the sign bit is masked off":
		// -0.0 compares equal to 0.0 and is false, and a NaN compares
		// unordered (PF set) and is true.
		nonzero := s.newLabel("float_true")
		s.a.Xorpd(spillFloat, amd64.XMMReg(spillFloat))
		s.a.Comisd(accumFloat, amd64.XMMReg(spillFloat))
		s.a.JccLabel(amd64.CondP, nonzero)
		s.a.JccLabel(amd64.CondE, falseLabel)
		s.a.DefineLabel(nonzero)
	case types.List, types.Tuple, types.Bytes, types.Unicode, types.Dict, types.Set:
		// Containers are truthy when non-empty.
		s.a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Mem(amd64.RAX, object.ListCountOffset), 0)
		s.a.JccLabel(amd64.CondE, falseLabel)
	default:
		s.a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RAX), 0)
		s.a.JccLabel(amd64.CondE, falseLabel)
	}
	return nil
}

// negate returns the condition code that holds exactly when cond does not.
func negate(cond amd64.Condition) amd64.Condition {
	switch cond {
	case amd64.CondL:
		return amd64.CondGE
	case amd64.CondLE:
		return amd64.CondG
	case amd64.CondG:
		return amd64.CondLE
	case amd64.CondGE:
		return amd64.CondL
	case amd64.CondE:
		return amd64.CondNE
	case amd64.CondNE:
		return amd64.CondE
	case amd64.CondB:
		return amd64.CondAE
	case amd64.CondBE:
		return amd64.CondA
	case amd64.CondA:
		return amd64.CondBE
	case amd64.CondAE:
		return amd64.CondB
	default:
		return cond
	}
}
