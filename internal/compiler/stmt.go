package compiler

import (
	"github.com/lcox74/nsjit/internal/ast"
	"github.com/lcox74/nsjit/internal/object"
	"github.com/lcox74/nsjit/internal/types"
	"github.com/lcox74/nsjit/pkg/amd64"
)

func (c *Compiler) emitBlock(s *compileState, body []ast.Node) error {
	for _, n := range body {
		if err := c.emitStmt(s, n); err != nil {
			return err
		}
	}
	return nil
}

// emitReturn terminates into the nearest pending `finally` block (saving the
// return value and marking the pending-return slot so the post-finally
// dispatch completes the return) or, if there is none, the fragment's
// epilogue, so finally always runs. An explicit return
// always supersedes any exception in flight, so the active-exception
// register is cleared.
func (c *Compiler) emitReturn(s *compileState, value ast.Node) error {
	if value != nil {
		t, err := c.emitExpr(s, value)
		if err != nil {
			return err
		}
		s.recordReturnType(stripLiteral(t))
	} else {
		s.a.MovImm64(amd64.RAX, 0)
		s.recordReturnType(types.NoneValue)
	}
	s.a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(excReg), excReg)
	if n := len(s.finallyFrames); n > 0 {
		f := s.finallyFrames[n-1]
		s.a.MovRegToRM(amd64.QWord, s.localMem(f.retSlot), amd64.RAX)
		s.a.MovsdStore(s.localMem(f.retfSlot), amd64.XMM0)
		s.a.MovImm32(amd64.QWord, s.localMem(f.pendSlot), 1)
		s.a.JmpLabel(f.finallyLabel)
		return nil
	}
	s.a.JmpLabel("epilogue")
	return nil
}

// emitRaise loads the raised exception instance's address into the
// active-exception register and transfers to the innermost unwind target.
// A bare `raise` re-raises whatever the register already holds.
func (c *Compiler) emitRaise(s *compileState, st *ast.Raise) error {
	if st.Value != nil {
		// `raise e` where e is a bound exception instance reloads it from
		// its local slot; otherwise the operand names an exception class.
		if nm, ok := st.Value.(*ast.Name); ok {
			if t, bound := s.types_[nm.Ident]; bound && t.Tag == types.Instance {
				s.a.MovRMToReg(amd64.QWord, excReg, s.localMem(nm.Ident))
				s.a.JmpLabel(s.unwindTarget())
				return nil
			}
		}
		ec, err := c.exceptionFromNode(st.Value)
		if err != nil {
			return err
		}
		s.a.MovImm64(excReg, uint64(ec.addr))
	}
	s.a.JmpLabel(s.unwindTarget())
	return nil
}

// exceptionFromNode resolves `raise X` / `raise X(...)` to a preallocated
// exception instance. Message-less raises share the class's biased-refcount
// singleton; a raise with a single literal message gets its own
// preallocated per-site instance whose first attribute slot holds the
// message string, the same preallocated-singleton discipline MemoryError
// uses so that raising never allocates.
func (c *Compiler) exceptionFromNode(n ast.Node) (excClass, error) {
	switch t := n.(type) {
	case *ast.Name:
		ec, ok := c.excClasses[t.Ident]
		if !ok {
			return excClass{}, compileErrorf("compiler: unknown exception class %q", t.Ident)
		}
		return ec, nil
	case *ast.Call:
		nm, ok := t.Func.(*ast.Name)
		if !ok {
			return excClass{}, compileErrorf("compiler: raise target must name an exception class")
		}
		ec, ok := c.excClasses[nm.Ident]
		if !ok {
			return excClass{}, compileErrorf("compiler: unknown exception class %q", nm.Ident)
		}
		if len(t.Args) == 0 {
			return ec, nil
		}
		msg, ok := t.Args[0].(*ast.StrLit)
		if len(t.Args) != 1 || !ok {
			return excClass{}, compileErrorf("compiler: %s(...) supports only a single literal message argument", nm.Ident)
		}
		strBuf, strData := object.NewString(msg.Value, 0)
		inst := object.NewInstance(ec.id, 1, 0)
		object.SetInstanceAttr(inst, 0, object.HeapPtr(strBuf))
		object.InstanceHeader(inst).Refcount = refcountBias
		c.pinned = append(c.pinned, strBuf, strData, inst)
		return excClass{id: ec.id, addr: object.HeapPtr(inst)}, nil
	default:
		return excClass{}, compileErrorf("compiler: unsupported raise operand %T", n)
	}
}

func (c *Compiler) emitStmt(s *compileState, n ast.Node) error {
	switch st := n.(type) {
	case *ast.ExprStmt:
		_, err := c.emitExpr(s, st.Value)
		return err

	case *ast.Assign:
		return c.emitAssign(s, st)

	case *ast.Return:
		return c.emitReturn(s, st.Value)

	case *ast.Raise:
		return c.emitRaise(s, st)

	case *ast.Break:
		if len(s.breakStack) == 0 {
			return compileErrorf("compiler: break outside a loop")
		}
		s.a.JmpLabel(s.breakStack[len(s.breakStack)-1])
		return nil

	case *ast.Continue:
		if len(s.continueStack) == 0 {
			return compileErrorf("compiler: continue outside a loop")
		}
		s.a.JmpLabel(s.continueStack[len(s.continueStack)-1])
		return nil

	case *ast.If:
		return c.emitIf(s, st)

	case *ast.While:
		return c.emitWhile(s, st)

	case *ast.For:
		return c.emitFor(s, st)

	case *ast.Try:
		return c.emitTry(s, st)

	default:
		return compileErrorf("compiler: unsupported statement node %T", n)
	}
}

func (c *Compiler) emitAssign(s *compileState, st *ast.Assign) error {
	switch target := st.Target.(type) {
	case *ast.Name:
		t, err := c.emitExpr(s, st.Value)
		if err != nil {
			return err
		}
		t = stripLiteral(t)
		if prev, ok := s.types_[target.Ident]; ok && prev.Tag != types.Indeterminate && !types.TypesEqual(prev, t) {
			return compileErrorf("compiler: %s is already a %s, cannot assign a %s", target.Ident, prev.Tag, t.Tag)
		}
		s.types_[target.Ident] = t
		if t.Tag == types.Float {
			s.a.MovsdStore(s.localMem(target.Ident), accumFloat)
		} else {
			s.a.MovRegToRM(amd64.QWord, s.localMem(target.Ident), amd64.RAX)
		}
		return nil

	case *ast.Subscript:
		return c.emitSubscriptStore(s, target, st.Value)

	case *ast.Attribute:
		return c.emitAttributeStore(s, target, st.Value)

	default:
		return compileErrorf("compiler: unsupported assignment target %T", st.Target)
	}
}

// emitSubscriptStore compiles `container[index] = value` for list
// containers: value, container and index are evaluated left-to-right with
// the earlier results spilled to the stack, then the element slot is
// addressed through the list's backing-array pointer.
func (c *Compiler) emitSubscriptStore(s *compileState, target *ast.Subscript, value ast.Node) error {
	vt, err := c.emitExpr(s, value)
	if err != nil {
		return err
	}
	vt = stripLiteral(vt)
	s.spillLeft(vt.Tag == types.Float)

	ct, err := c.emitExpr(s, target.Value)
	if err != nil {
		return err
	}
	if ct.Tag != types.List {
		return compileErrorf("compiler: subscript assignment requires a list, got %s", ct.Tag)
	}
	if len(ct.Extension) == 0 {
		return compileErrorf("compiler: list has no element type; annotate the argument's extension type")
	}
	if !types.TypesEqual(ct.Extension[0], vt) {
		return compileErrorf("compiler: cannot store a %s into a list of %s", vt.Tag, ct.Extension[0].Tag)
	}
	s.a.Push(amd64.RAX)

	it, err := c.emitExpr(s, target.Index)
	if err != nil {
		return err
	}
	if it.Tag != types.Int && it.Tag != types.Bool {
		return compileErrorf("compiler: list index must be an integer, got %s", it.Tag)
	}

	s.a.Pop(amd64.RCX) // container

	okLabel := s.newLabel("idxok")
	s.a.ArithRMToReg(amd64.Cmp, amd64.QWord, amd64.RAX, amd64.Mem(amd64.RCX, object.ListCountOffset))
	s.a.JccLabel(amd64.CondB, okLabel)
	s.a.MovImm64(excReg, uint64(c.excClasses["IndexError"].addr))
	s.a.JmpLabel(s.unwindTarget())
	s.a.DefineLabel(okLabel)

	s.a.MovRMToReg(amd64.QWord, amd64.R10, amd64.Mem(amd64.RCX, object.ListItemsOffset)) // backing array
	s.a.Pop(amd64.RDX)                                                                   // value (raw 8-byte pattern, int or float alike)
	s.a.MovRegToRM(amd64.QWord, amd64.MemIndexed(amd64.R10, amd64.RAX, 8, 0), amd64.RDX)
	return nil
}

// emitAttributeStore compiles `obj.attr = value`. The attribute slot is
// registered in the object's class context on first assignment (this is how
// __init__ builds the class's attribute layout); storing a refcounted value
// emits an add_reference, since the slot owns one count that the class's
// synthesized destructor releases.
func (c *Compiler) emitAttributeStore(s *compileState, target *ast.Attribute, value ast.Node) error {
	vt, err := c.emitExpr(s, value)
	if err != nil {
		return err
	}
	vt = stripLiteral(vt)
	s.spillLeft(vt.Tag == types.Float)

	ot, err := c.emitExpr(s, target.Value)
	if err != nil {
		return err
	}
	if ot.Tag != types.Instance {
		return compileErrorf("compiler: attribute assignment requires a class instance, got %s", ot.Tag)
	}
	cc := c.Mod.ClassByID(ot.ClassID)
	if cc == nil {
		return compileErrorf("compiler: unknown class id %d", ot.ClassID)
	}
	idx, known := cc.AttrIndex[target.Attr]
	if !known {
		idx = cc.AddAttr(target.Attr, vt.Tag.HasRefcount())
	}
	if prev := cc.AttrTypes[idx]; prev.Tag != types.Indeterminate && !types.TypesEqual(prev, vt) {
		return compileErrorf("compiler: %s.%s is already a %s, cannot assign a %s", cc.Name, target.Attr, prev.Tag, vt.Tag)
	}
	cc.SetAttrType(idx, vt)

	s.a.MovRMToReg(amd64.QWord, amd64.RCX, amd64.Reg(amd64.RAX)) // instance
	s.a.Pop(amd64.RDX)                                           // value
	s.a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RCX, object.AttrOffset(idx)), amd64.RDX)

	if vt.Tag.HasRefcount() {
		if c.rt == nil {
			return compileErrorf("compiler: storing a refcounted %s attribute requires an attached Runtime", vt.Tag)
		}
		s.a.MovRMToReg(amd64.QWord, amd64.RDI, amd64.Reg(amd64.RDX))
		s.a.MovImm64(amd64.R10, uint64(c.rt.AddReferenceAddr))
		s.a.CallReg(amd64.R10)
	}
	return nil
}

// staticTruth reports a literal condition's truth value, letting emitIf
// skip the dead side entirely.
func staticTruth(n ast.Node) (truthy, known bool) {
	switch t := n.(type) {
	case *ast.BoolLit:
		return t.Value, true
	case *ast.IntLit:
		return t.Value != 0, true
	case *ast.FloatLit:
		return t.Value != 0, true
	case *ast.NoneLit:
		return false, true
	}
	return false, false
}

func (c *Compiler) emitIf(s *compileState, st *ast.If) error {
	if truthy, known := staticTruth(st.Test); known {
		if truthy {
			return c.emitBlock(s, st.Body)
		}
		return c.emitBlock(s, st.Orelse)
	}
	elseLabel := s.newLabel("else")
	endLabel := s.newLabel("endif")
	if err := c.emitBranchIfFalse(s, st.Test, elseLabel); err != nil {
		return err
	}
	if err := c.emitBlock(s, st.Body); err != nil {
		return err
	}
	s.a.JmpLabel(endLabel)
	s.a.DefineLabel(elseLabel)
	if err := c.emitBlock(s, st.Orelse); err != nil {
		return err
	}
	s.a.DefineLabel(endLabel)
	return nil
}

func (c *Compiler) emitWhile(s *compileState, st *ast.While) error {
	topLabel := s.newLabel("while")
	elseLabel := s.newLabel("whileelse")
	endLabel := s.newLabel("endwhile")
	s.a.DefineLabel(topLabel)
	if err := c.emitBranchIfFalse(s, st.Test, elseLabel); err != nil {
		return err
	}
	s.breakStack = append(s.breakStack, endLabel)
	s.continueStack = append(s.continueStack, topLabel)
	err := c.emitBlock(s, st.Body)
	s.breakStack = s.breakStack[:len(s.breakStack)-1]
	s.continueStack = s.continueStack[:len(s.continueStack)-1]
	if err != nil {
		return err
	}
	s.a.JmpLabel(topLabel)
	// The else clause runs when the loop condition falls through, but not
	// on break.
	s.a.DefineLabel(elseLabel)
	if err := c.emitBlock(s, st.Orelse); err != nil {
		return err
	}
	s.a.DefineLabel(endLabel)
	return nil
}

// emitFor desugars iteration over a list or tuple into an index loop:
// the iterable, its length and the running index live in
// hidden stack slots (registers do not survive the body's own expression
// code), and each step loads the current element into the target local.
func (c *Compiler) emitFor(s *compileState, st *ast.For) error {
	target, ok := st.Target.(*ast.Name)
	if !ok {
		return compileErrorf("compiler: for-loop target must be a plain name")
	}

	it, err := c.emitExpr(s, st.Iter)
	if err != nil {
		return err
	}
	if it.Tag != types.List && it.Tag != types.Tuple {
		return compileErrorf("compiler: for-loops iterate lists and tuples, got %s", it.Tag)
	}
	elemT, err := elementType(it)
	if err != nil {
		return err
	}

	topLabel := s.newLabel("for")
	incrLabel := s.newLabel("forincr")
	elseLabel := s.newLabel("forelse")
	endLabel := s.newLabel("endfor")
	iterSlot := "$" + topLabel + "_iter"
	idxSlot := "$" + topLabel + "_idx"
	lenSlot := "$" + topLabel + "_len"

	s.a.MovRegToRM(amd64.QWord, s.localMem(iterSlot), amd64.RAX)
	s.a.MovRMToReg(amd64.QWord, amd64.R10, amd64.Mem(amd64.RAX, object.ListCountOffset))
	s.a.MovRegToRM(amd64.QWord, s.localMem(lenSlot), amd64.R10)
	s.a.MovImm32(amd64.QWord, s.localMem(idxSlot), 0)

	s.a.DefineLabel(topLabel)
	s.a.MovRMToReg(amd64.QWord, amd64.R10, s.localMem(idxSlot))
	s.a.ArithRMToReg(amd64.Cmp, amd64.QWord, amd64.R10, s.localMem(lenSlot))
	s.a.JccLabel(amd64.CondGE, elseLabel)

	s.a.MovRMToReg(amd64.QWord, amd64.RCX, s.localMem(iterSlot))
	var elemMem amd64.MemoryReference
	if it.Tag == types.List {
		s.a.MovRMToReg(amd64.QWord, amd64.R11, amd64.Mem(amd64.RCX, object.ListItemsOffset))
		elemMem = amd64.MemIndexed(amd64.R11, amd64.R10, 8, 0)
	} else {
		elemMem = amd64.MemIndexed(amd64.RCX, amd64.R10, 8, object.TupleSlotsOffset)
	}
	if prev, okT := s.types_[target.Ident]; okT && prev.Tag != types.Indeterminate && !types.TypesEqual(prev, elemT) {
		return compileErrorf("compiler: loop target %s is already a %s, cannot iterate %s elements", target.Ident, prev.Tag, elemT.Tag)
	}
	s.types_[target.Ident] = elemT
	if elemT.Tag == types.Float {
		s.a.Movsd(accumFloat, elemMem)
		s.a.MovsdStore(s.localMem(target.Ident), accumFloat)
	} else {
		s.a.MovRMToReg(amd64.QWord, amd64.RAX, elemMem)
		s.a.MovRegToRM(amd64.QWord, s.localMem(target.Ident), amd64.RAX)
	}

	s.breakStack = append(s.breakStack, endLabel)
	s.continueStack = append(s.continueStack, incrLabel)
	err = c.emitBlock(s, st.Body)
	s.breakStack = s.breakStack[:len(s.breakStack)-1]
	s.continueStack = s.continueStack[:len(s.continueStack)-1]
	if err != nil {
		return err
	}

	s.a.DefineLabel(incrLabel)
	s.a.ArithImm(amd64.Add, amd64.QWord, s.localMem(idxSlot), 1)
	s.a.JmpLabel(topLabel)

	// The else clause runs on exhaustion, but not on break.
	s.a.DefineLabel(elseLabel)
	if err := c.emitBlock(s, st.Orelse); err != nil {
		return err
	}
	s.a.DefineLabel(endLabel)
	return nil
}

// elementType extracts the single element type of a list or (homogeneous)
// tuple Value.
func elementType(t types.Value) (types.Value, error) {
	if len(t.Extension) == 0 {
		return types.Value{}, compileErrorf("compiler: %s has no element type; annotate the argument's extension type", t.Tag)
	}
	elem := t.Extension[0]
	for _, e := range t.Extension[1:] {
		if !types.TypesEqual(e, elem) {
			return types.Value{}, compileErrorf("compiler: iterating a heterogeneous tuple is unsupported")
		}
	}
	return elem, nil
}

// emitTry compiles try/except/else/finally. The raised exception instance
// travels in the active-exception register; each handler clause compares
// the instance's class id against its own, with `except Exception` and a
// bare `except` matching anything. The finally body always runs; the
// dispatch code after it re-raises a still-active exception into the
// enclosing unwind target, completes a pending return saved by emitReturn,
// or falls through to the statement after the try.
func (c *Compiler) emitTry(s *compileState, st *ast.Try) error {
	handlerLabel := s.newLabel("handler")
	finallyLabel := s.newLabel("finally")
	endLabel := s.newLabel("endtry")

	frame := tryFrame{
		finallyLabel: finallyLabel,
		pendSlot:     "$" + finallyLabel + "_pend",
		retSlot:      "$" + finallyLabel + "_ret",
		retfSlot:     "$" + finallyLabel + "_retf",
	}
	s.a.MovImm32(amd64.QWord, s.localMem(frame.pendSlot), 0)

	s.handlerStack = append(s.handlerStack, handlerLabel)
	s.finallyFrames = append(s.finallyFrames, frame)
	err := c.emitBlock(s, st.Body)
	s.handlerStack = s.handlerStack[:len(s.handlerStack)-1]
	if err != nil {
		return err
	}
	// Normal completion: the else clause runs outside the handlers' scope,
	// then control passes to finally.
	if err := c.emitBlock(s, st.Orelse); err != nil {
		return err
	}
	s.a.JmpLabel(finallyLabel)

	s.a.DefineLabel(handlerLabel)
	for _, h := range st.Handlers {
		var nextLabel string
		matchAll := h.Type == nil
		if !matchAll {
			nm, okName := h.Type.(*ast.Name)
			if !okName {
				return compileErrorf("compiler: except clause type must be a class name")
			}
			ec, okClass := c.excClasses[nm.Ident]
			if !okClass {
				return compileErrorf("compiler: unknown exception class %q", nm.Ident)
			}
			// Exception is the root of the class-id set every raisable
			// class belongs to, so it matches unconditionally.
			if nm.Ident == "Exception" {
				matchAll = true
			} else {
				nextLabel = s.newLabel("nexthandler")
				s.a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Mem(excReg, object.InstanceClassIDOffset), int32(ec.id))
				s.a.JccLabel(amd64.CondNE, nextLabel)
			}
			if h.Name != "" {
				s.types_[h.Name] = types.Value{Tag: types.Instance, ClassID: int64(ec.id)}
			}
		}
		if h.Name != "" {
			s.a.MovRegToRM(amd64.QWord, s.localMem(h.Name), excReg)
		}
		// The handler consumes the exception.
		s.a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(excReg), excReg)
		if err := c.emitBlock(s, h.Body); err != nil {
			return err
		}
		s.a.JmpLabel(finallyLabel)
		if matchAll {
			// A match-all clause makes later clauses unreachable; stop
			// emitting them.
			break
		}
		s.a.DefineLabel(nextLabel)
	}
	// No clause matched (or there were none): the exception stays active
	// through the finally body and re-unwinds afterward.
	s.a.JmpLabel(finallyLabel)

	s.finallyFrames = s.finallyFrames[:len(s.finallyFrames)-1]
	s.a.DefineLabel(finallyLabel)
	if err := c.emitBlock(s, st.Finally); err != nil {
		return err
	}

	// Dispatch: re-unwind a still-active exception first (a raise inside
	// the finally body itself also lands here via the enclosing target).
	s.a.TestRM(amd64.QWord, amd64.Reg(excReg), excReg)
	s.a.JccLabel(amd64.CondNE, s.unwindTarget())
	// Then complete a pending return, threading it through the enclosing
	// finally if the try is nested.
	s.a.ArithImm(amd64.Cmp, amd64.QWord, s.localMem(frame.pendSlot), 0)
	s.a.JccLabel(amd64.CondE, endLabel)
	s.a.MovRMToReg(amd64.QWord, amd64.RAX, s.localMem(frame.retSlot))
	s.a.Movsd(accumFloat, s.localMem(frame.retfSlot))
	if n := len(s.finallyFrames); n > 0 {
		outer := s.finallyFrames[n-1]
		s.a.MovRegToRM(amd64.QWord, s.localMem(outer.retSlot), amd64.RAX)
		s.a.MovsdStore(s.localMem(outer.retfSlot), accumFloat)
		s.a.MovImm32(amd64.QWord, s.localMem(outer.pendSlot), 1)
		s.a.JmpLabel(outer.finallyLabel)
	} else {
		s.a.JmpLabel("epilogue")
	}
	s.a.DefineLabel(endLabel)
	return nil
}
