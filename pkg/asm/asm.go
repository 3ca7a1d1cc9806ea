// Package asm is an in-memory AMD64 assembler: it appends instructions to a
// byte stream, tracks symbolic labels with forward-reference backpatching,
// and produces a finished byte string plus the set of byte offsets that
// need an absolute-address patch once the code is installed into executable
// memory (see pkg/codebuffer).
//
// Two passes are not used. Backward jumps see their label's final byte
// position already set and emit the shortest rel form that fits. Forward
// jumps conservatively reserve a 32-bit rel placeholder and register a
// pending patch, resolved when the label is finally defined.
package asm

import (
	"encoding/binary"
	"fmt"

	"github.com/lcox74/nsjit/pkg/amd64"
)

// FatalError is raised for unrecoverable assembly failures: duplicate
// labels, unencodable operands, or a patch that does not fit in its
// reserved width.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "assembler: " + e.Msg }

// Assembler accumulates an instruction stream for a single function
// fragment. One Assembler is used per fragment being compiled and consumed
// once Assemble is called.
type Assembler struct {
	code       []byte
	labels     map[string]*Label
	absPatches []int
	err        error
}

// New creates an empty Assembler.
func New() *Assembler {
	return &Assembler{labels: make(map[string]*Label)}
}

// Len returns the number of bytes emitted so far.
func (a *Assembler) Len() int { return len(a.code) }

// Err returns the first fatal error encountered, if any. Once set, further
// Emit calls are no-ops; this lets a compiler visitor keep calling emit
// methods without checking every return value and inspect Err() once at the
// end of the visit.
func (a *Assembler) Err() error { return a.err }

func (a *Assembler) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *Assembler) emit(b []byte, err error) {
	if a.err != nil {
		return
	}
	if err != nil {
		a.fail(err)
		return
	}
	a.code = append(a.code, b...)
}

// EmitBytes appends a raw, already-encoded byte span (e.g. an embedded
// constant or jump table entry) directly to the stream.
func (a *Assembler) EmitBytes(b []byte) {
	if a.err != nil {
		return
	}
	a.code = append(a.code, b...)
}

// MarkAbsolutePatch records that the 8 bytes at the given offset (already
// written via EmitBytes/EmitImm64, interpreted as an unsigned little-endian
// integer) must have the code block's runtime base address added once the
// fragment is installed by the Code Buffer.
func (a *Assembler) MarkAbsolutePatch(offset int) {
	a.absPatches = append(a.absPatches, offset)
}

// EmitImm64 appends a raw little-endian 64-bit value and returns the byte
// offset it was written at, for use with MarkAbsolutePatch.
func (a *Assembler) EmitImm64(v uint64) int {
	if a.err != nil {
		return -1
	}
	offset := len(a.code)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	a.code = append(a.code, buf[:]...)
	return offset
}

// --- instruction emission -------------------------------------------------

func (a *Assembler) ArithRegToRM(op amd64.ArithOp, size amd64.OperandSize, dst amd64.MemoryReference, src amd64.Register) {
	a.emit(amd64.EncodeArithRegToRM(op, size, dst, src))
}

func (a *Assembler) ArithRMToReg(op amd64.ArithOp, size amd64.OperandSize, dst amd64.Register, src amd64.MemoryReference) {
	a.emit(amd64.EncodeArithRMToReg(op, size, dst, src))
}

func (a *Assembler) ArithImm(op amd64.ArithOp, size amd64.OperandSize, dst amd64.MemoryReference, imm int32) {
	a.emit(amd64.EncodeArithImm(op, size, dst, imm))
}

func (a *Assembler) MovRegToRM(size amd64.OperandSize, dst amd64.MemoryReference, src amd64.Register) {
	a.emit(amd64.EncodeMovRegToRM(size, dst, src))
}

func (a *Assembler) MovRMToReg(size amd64.OperandSize, dst amd64.Register, src amd64.MemoryReference) {
	a.emit(amd64.EncodeMovRMToReg(size, dst, src))
}

func (a *Assembler) MovImm32(size amd64.OperandSize, dst amd64.MemoryReference, imm int32) {
	a.emit(amd64.EncodeMovImm32(size, dst, imm))
}

func (a *Assembler) MovImm64(dst amd64.Register, imm uint64) {
	if a.err != nil {
		return
	}
	a.code = append(a.code, amd64.EncodeMovImm64(dst, imm)...)
}

// MovImm64Patchable emits `movabs dst, 0` and returns the byte offset of the
// 8-byte immediate, for use with MarkAbsolutePatch when the target address
// is not known until the fragment carrying this instruction is itself
// installed (a direct call to the fragment's own entry point, for
// self-recursive calls: the Code Buffer's install-time patch adds the
// block's base address, which for an offset of 0 is exactly this
// fragment's own entry address).
func (a *Assembler) MovImm64Patchable(dst amd64.Register) int {
	if a.err != nil {
		return -1
	}
	start := len(a.code)
	a.code = append(a.code, amd64.EncodeMovImm64(dst, 0)...)
	return start + 2
}

func (a *Assembler) Xchg(size amd64.OperandSize, dst amd64.MemoryReference, src amd64.Register) {
	a.emit(amd64.EncodeXchg(size, dst, src))
}

func (a *Assembler) ShiftImm(op amd64.ShiftOp, size amd64.OperandSize, dst amd64.MemoryReference, count uint8) {
	a.emit(amd64.EncodeShiftImm(op, size, dst, count))
}

func (a *Assembler) ShiftCL(op amd64.ShiftOp, size amd64.OperandSize, dst amd64.MemoryReference) {
	a.emit(amd64.EncodeShiftCL(op, size, dst))
}

func (a *Assembler) TestRM(size amd64.OperandSize, dst amd64.MemoryReference, src amd64.Register) {
	a.emit(amd64.EncodeTestRM(size, dst, src))
}

func (a *Assembler) TestImm(size amd64.OperandSize, dst amd64.MemoryReference, imm int32) {
	a.emit(amd64.EncodeTestImm(size, dst, imm))
}

func (a *Assembler) Setcc(cond amd64.Condition, dst amd64.MemoryReference) {
	a.emit(amd64.EncodeSetcc(cond, dst))
}

func (a *Assembler) Push(reg amd64.Register) {
	if a.err != nil {
		return
	}
	a.code = append(a.code, amd64.EncodePush(reg)...)
}

func (a *Assembler) Pop(reg amd64.Register) {
	if a.err != nil {
		return
	}
	a.code = append(a.code, amd64.EncodePop(reg)...)
}

func (a *Assembler) PushImm32(imm int32) {
	if a.err != nil {
		return
	}
	a.code = append(a.code, amd64.EncodePushImm32(imm)...)
}

func (a *Assembler) CallReg(reg amd64.Register) {
	if a.err != nil {
		return
	}
	a.code = append(a.code, amd64.EncodeCallReg(reg)...)
}

func (a *Assembler) Ret() {
	if a.err != nil {
		return
	}
	a.code = append(a.code, amd64.EncodeRet()...)
}

func (a *Assembler) Imul(size amd64.OperandSize, dst amd64.Register, src amd64.MemoryReference) {
	a.emit(amd64.EncodeImul(size, dst, src))
}

func (a *Assembler) Idiv(size amd64.OperandSize, src amd64.MemoryReference) {
	a.emit(amd64.EncodeIdiv(size, src))
}

func (a *Assembler) Neg(size amd64.OperandSize, dst amd64.MemoryReference) {
	a.emit(amd64.EncodeNeg(size, dst))
}

func (a *Assembler) Not(size amd64.OperandSize, dst amd64.MemoryReference) {
	a.emit(amd64.EncodeNot(size, dst))
}

func (a *Assembler) Cqo() {
	if a.err != nil {
		return
	}
	a.code = append(a.code, amd64.EncodeCqo()...)
}

func (a *Assembler) Movsd(dst amd64.XMMRegister, src amd64.MemoryReference) {
	a.emit(amd64.EncodeMovsd(dst, src))
}

func (a *Assembler) MovsdStore(dst amd64.MemoryReference, src amd64.XMMRegister) {
	a.emit(amd64.EncodeMovsdStore(dst, src))
}

func (a *Assembler) Addsd(dst amd64.XMMRegister, src amd64.MemoryReference) {
	a.emit(amd64.EncodeAddsd(dst, src))
}

func (a *Assembler) Subsd(dst amd64.XMMRegister, src amd64.MemoryReference) {
	a.emit(amd64.EncodeSubsd(dst, src))
}

func (a *Assembler) Mulsd(dst amd64.XMMRegister, src amd64.MemoryReference) {
	a.emit(amd64.EncodeMulsd(dst, src))
}

func (a *Assembler) Divsd(dst amd64.XMMRegister, src amd64.MemoryReference) {
	a.emit(amd64.EncodeDivsd(dst, src))
}

func (a *Assembler) Xorpd(dst amd64.XMMRegister, src amd64.MemoryReference) {
	a.emit(amd64.EncodeXorpd(dst, src))
}

func (a *Assembler) Comisd(dst amd64.XMMRegister, src amd64.MemoryReference) {
	a.emit(amd64.EncodeComisd(dst, src))
}

func (a *Assembler) Cvtsi2sd(dst amd64.XMMRegister, src amd64.MemoryReference) {
	a.emit(amd64.EncodeCvtsi2sd(dst, src))
}

func (a *Assembler) Cvttsd2si(dst amd64.Register, src amd64.MemoryReference) {
	a.emit(amd64.EncodeCvttsd2si(dst, src))
}

// --- labels and jumps ------------------------------------------------------

func (a *Assembler) labelFor(name string) *Label {
	lbl, ok := a.labels[name]
	if !ok {
		lbl = &Label{Name: name, BytePos: -1}
		a.labels[name] = lbl
	}
	return lbl
}

// DefineLabel anchors name at the current stream position. Redefinition is
// a fatal error. Any pending forward-reference patches for this label are
// resolved immediately.
func (a *Assembler) DefineLabel(name string) {
	if a.err != nil {
		return
	}
	lbl := a.labelFor(name)
	if lbl.Defined {
		a.fail(&FatalError{Msg: fmt.Sprintf("duplicate label name: %s", name)})
		return
	}
	lbl.BytePos = len(a.code)
	lbl.Defined = true
	for _, p := range lbl.Pending {
		rel := int64(lbl.BytePos) - int64(p.InstrEnd)
		if !a.writeDisplacement(p, rel) {
			return
		}
	}
	lbl.Pending = nil
}

func (a *Assembler) writeDisplacement(p PatchSite, rel int64) bool {
	switch p.Width {
	case 1:
		if rel < -128 || rel > 127 {
			a.fail(&FatalError{Msg: fmt.Sprintf("patch at offset %d out of range for 8-bit displacement: %d", p.Offset, rel)})
			return false
		}
		a.code[p.Offset] = byte(int8(rel))
	case 4:
		if rel < -2147483648 || rel > 2147483647 {
			a.fail(&FatalError{Msg: fmt.Sprintf("patch at offset %d out of range for 32-bit displacement: %d", p.Offset, rel)})
			return false
		}
		binary.LittleEndian.PutUint32(a.code[p.Offset:], uint32(int32(rel)))
	default:
		a.fail(&FatalError{Msg: fmt.Sprintf("unsupported patch width %d", p.Width)})
		return false
	}
	return true
}

// JmpLabel emits an unconditional jump to a (possibly not-yet-defined)
// label, choosing the shortest encoding that the assembler can determine at
// emission time.
func (a *Assembler) JmpLabel(name string) {
	if a.err != nil {
		return
	}
	lbl := a.labelFor(name)
	if lbl.Defined {
		here := len(a.code)
		rel8 := int64(lbl.BytePos) - int64(here+2)
		if rel8 >= -128 && rel8 <= 127 {
			a.code = append(a.code, amd64.EncodeJmpRel8(int8(rel8))...)
			return
		}
		rel32 := int64(lbl.BytePos) - int64(here+5)
		if rel32 < -2147483648 || rel32 > 2147483647 {
			a.fail(&FatalError{Msg: fmt.Sprintf("jump target %q is unreachable by rel32 (use JmpAbsolute)", name)})
			return
		}
		a.code = append(a.code, amd64.EncodeJmpRel32(int32(rel32))...)
		return
	}
	instrStart := len(a.code)
	a.code = append(a.code, amd64.EncodeJmpRel32(0)...)
	lbl.Pending = append(lbl.Pending, PatchSite{Offset: instrStart + 1, Width: 4, InstrEnd: instrStart + 5})
}

// JccLabel emits a conditional jump to a label.
func (a *Assembler) JccLabel(cond amd64.Condition, name string) {
	if a.err != nil {
		return
	}
	lbl := a.labelFor(name)
	if lbl.Defined {
		here := len(a.code)
		rel8 := int64(lbl.BytePos) - int64(here+2)
		if rel8 >= -128 && rel8 <= 127 {
			a.code = append(a.code, amd64.EncodeJccRel8(cond, int8(rel8))...)
			return
		}
		rel32 := int64(lbl.BytePos) - int64(here+6)
		if rel32 < -2147483648 || rel32 > 2147483647 {
			a.fail(&FatalError{Msg: fmt.Sprintf("conditional jump target %q beyond 2GiB is unsupported", name)})
			return
		}
		a.code = append(a.code, amd64.EncodeJccRel32(cond, int32(rel32))...)
		return
	}
	instrStart := len(a.code)
	a.code = append(a.code, amd64.EncodeJccRel32(cond, 0)...)
	lbl.Pending = append(lbl.Pending, PatchSite{Offset: instrStart + 2, Width: 4, InstrEnd: instrStart + 6})
}

// CallLabel emits a call to a label. Calls have no 8-bit form.
func (a *Assembler) CallLabel(name string) {
	if a.err != nil {
		return
	}
	lbl := a.labelFor(name)
	if lbl.Defined {
		here := len(a.code)
		rel32 := int64(lbl.BytePos) - int64(here+5)
		if rel32 < -2147483648 || rel32 > 2147483647 {
			a.fail(&FatalError{Msg: fmt.Sprintf("call target %q beyond 2GiB is unsupported", name)})
			return
		}
		a.code = append(a.code, amd64.EncodeCallRel32(int32(rel32))...)
		return
	}
	instrStart := len(a.code)
	a.code = append(a.code, amd64.EncodeCallRel32(0)...)
	lbl.Pending = append(lbl.Pending, PatchSite{Offset: instrStart + 1, Width: 4, InstrEnd: instrStart + 5})
}

// JmpAbsolute emits an unconditional jump to a fixed 64-bit runtime address
// that may lie beyond the reach of a rel32 displacement (conditional jumps
// and calls have no 64-bit form here): push the low 32 bits, overwrite the
// top of the pushed word with the high 32 bits, then ret into it.
func (a *Assembler) JmpAbsolute(addr uint64) {
	if a.err != nil {
		return
	}
	a.code = append(a.code, amd64.EncodePushImm32(int32(uint32(addr)))...)
	a.emit(amd64.EncodeMovImm32(amd64.DWord, amd64.Mem(amd64.RSP, 4), int32(addr>>32)))
	a.code = append(a.code, amd64.EncodeRet()...)
}

// Assemble finalizes the stream. It is a fatal error to call Assemble while
// any label still has unresolved pending patches (an undefined label was
// referenced but never defined).
func (a *Assembler) Assemble() ([]byte, []int, error) {
	if a.err != nil {
		return nil, nil, a.err
	}
	for name, lbl := range a.labels {
		if !lbl.Defined {
			return nil, nil, &FatalError{Msg: fmt.Sprintf("label %q referenced but never defined", name)}
		}
	}
	return a.code, a.absPatches, nil
}

// Offset returns the current stream offset of label name if it has been
// defined, or -1 otherwise. Used by the compiler to build a label-to-offset
// map for a finished fragment.
func (a *Assembler) Offset(name string) int {
	lbl, ok := a.labels[name]
	if !ok || !lbl.Defined {
		return -1
	}
	return lbl.BytePos
}
