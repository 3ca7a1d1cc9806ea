package compiler

import (
	"strconv"

	"github.com/lcox74/nsjit/internal/context"
	"github.com/lcox74/nsjit/pkg/amd64"
	"github.com/lcox74/nsjit/pkg/asm"
	"github.com/lcox74/nsjit/pkg/codebuffer"
)

// SynthesizeDestructor builds the machine-code destructor for a class,
// in a fixed sequence: guard against
// re-entrant destruction while __del__ runs, call __del__, then release
// every refcounted attribute slot in definition order -- unless __del__
// resurrected the instance by acquiring a new reference to it. The result
// is installed into cb and returned as the address to store in every
// instance's Header.Destructor field for this class.
//
// self (RDI on entry) is saved into RBX (callee-saved, so it survives the
// call to __del__ and to DeleteReference) for the routine's duration.
func SynthesizeDestructor(cb *codebuffer.CodeBuffer, cc *context.ClassContext, rt *Runtime, delAddr uintptr) (uintptr, error) {
	a := asm.New()

	a.Push(amd64.RBX)
	a.MovRMToReg(amd64.QWord, amd64.RBX, amd64.Reg(amd64.RDI))

	// (a) guard: a destructor only runs once refcount has reached zero;
	// bump it back to 1 so re-entrant AddReference/DeleteReference pairs
	// during __del__ don't recurse into this destructor again.
	a.EmitBytes([]byte{0xF0})
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Mem(amd64.RBX, 0), 1)

	// (b) call __del__(self), if the class defines one.
	if delAddr != 0 {
		emitCallAbsolute(a, amd64.R10, delAddr, func() {
			a.MovRMToReg(amd64.QWord, amd64.RDI, amd64.Reg(amd64.RBX))
		})
	}

	// (c) if __del__ reacquired a reference, the instance survived: skip
	// releasing attributes, just undo the guard.
	a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Mem(amd64.RBX, 0))
	a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RAX), 1)
	a.JccLabel(amd64.CondG, "undo_guard")

	// (d) release every refcounted attribute slot in definition order.
	for i, refcounted := range cc.AttrRefcount {
		if !refcounted {
			continue
		}
		skip := a2label(i)
		a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Mem(amd64.RBX, attrOffset(i)))
		a.TestRM(amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
		a.JccLabel(amd64.CondE, skip)
		a.MovRMToReg(amd64.QWord, amd64.RDI, amd64.Reg(amd64.RAX))
		emitCallAbsolute(a, amd64.R10, rt.DeleteReferenceAddr, nil)
		a.DefineLabel(skip)
	}

	// (e)/(f) undo the guard increment; the instance's own memory is
	// Go-GC-managed, so there is no separate "free" step once every owned
	// reference has been released.
	a.DefineLabel("undo_guard")
	a.EmitBytes([]byte{0xF0})
	a.ArithImm(amd64.Sub, amd64.QWord, amd64.Mem(amd64.RBX, 0), 1)

	a.Pop(amd64.RBX)
	a.Ret()

	code, absPatches, err := a.Assemble()
	if err != nil {
		return 0, err
	}
	return cb.Append(code, absPatches)
}

func attrOffset(i int) int32 { return 24 + 8*int32(i) }

func a2label(i int) string {
	return "attr_skip_" + strconv.Itoa(i)
}

// emitCallAbsolute loads a 64-bit absolute address into scratch and calls
// it, first running setupArgs (if non-nil) to (re)load argument registers
// that a previous call may have clobbered.
func emitCallAbsolute(a *asm.Assembler, scratch amd64.Register, addr uintptr, setupArgs func()) {
	if setupArgs != nil {
		setupArgs()
	}
	a.MovImm64(scratch, uint64(addr))
	a.CallReg(scratch)
}
