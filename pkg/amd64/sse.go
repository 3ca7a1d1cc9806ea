package amd64

// SSE scalar double-precision arithmetic, used by the compiler for every
// Float operation. Each instruction is a mandatory-prefix (0xF2) two-byte
// opcode (0x0F, op) operating on XMM registers; REX.R/B bits for extension
// XMM registers are computed exactly like GPR extension bits, so these
// reuse EncodeAddressing with DWord passed as the size sentinel (meaning:
// "do not set REX.W", since SSE operand width is carried by the mandatory
// prefix, not by REX.W).

func xmmAddressing(regLow byte, regExt bool, rm MemoryReference) (Addressing, error) {
	return EncodeAddressing(DWord, regLow, regExt, rm)
}

func encodeSSE(mandatoryPrefix byte, opcode byte, dst XMMRegister, src MemoryReference) ([]byte, error) {
	a, err := xmmAddressing(dst.LowBits(), dst.IsExtension(), src)
	if err != nil {
		return nil, err
	}
	out := []byte{mandatoryPrefix}
	out = append(out, a.Prefix()...)
	out = append(out, 0x0F, opcode)
	out = append(out, a.Tail...)
	return out, nil
}

// XMMReg returns a direct-register MemoryReference addressing an XMM
// register (for use as the rm operand of the encoders below).
func XMMReg(r XMMRegister) MemoryReference {
	return MemoryReference{Base: Register(r), Index: None, Scale: 0}
}

// EncodeMovsd encodes `movsd dst, src` (src may be another XMM register or
// a 64-bit memory operand).
func EncodeMovsd(dst XMMRegister, src MemoryReference) ([]byte, error) {
	return encodeSSE(0xF2, 0x10, dst, src)
}

// EncodeMovsdStore encodes `movsd dst, src` where dst is memory and src is
// the XMM register (the store form, opcode 0x11).
func EncodeMovsdStore(dst MemoryReference, src XMMRegister) ([]byte, error) {
	return encodeSSE(0xF2, 0x11, src, dst)
}

// EncodeAddsd encodes `addsd dst, src` (dst += src).
func EncodeAddsd(dst XMMRegister, src MemoryReference) ([]byte, error) {
	return encodeSSE(0xF2, 0x58, dst, src)
}

// EncodeSubsd encodes `subsd dst, src` (dst -= src).
func EncodeSubsd(dst XMMRegister, src MemoryReference) ([]byte, error) {
	return encodeSSE(0xF2, 0x5C, dst, src)
}

// EncodeMulsd encodes `mulsd dst, src` (dst *= src).
func EncodeMulsd(dst XMMRegister, src MemoryReference) ([]byte, error) {
	return encodeSSE(0xF2, 0x59, dst, src)
}

// EncodeDivsd encodes `divsd dst, src` (dst /= src).
func EncodeDivsd(dst XMMRegister, src MemoryReference) ([]byte, error) {
	return encodeSSE(0xF2, 0x5E, dst, src)
}

// EncodeXorpd encodes `xorpd dst, src`, the idiom used to negate a double
// by flipping its sign bit against an all-ones-in-the-sign-bit mask, and to
// zero a register (xorpd xmm,xmm) cheaply.
func EncodeXorpd(dst XMMRegister, src MemoryReference) ([]byte, error) {
	a, err := xmmAddressing(dst.LowBits(), dst.IsExtension(), src)
	if err != nil {
		return nil, err
	}
	out := []byte{0x66}
	out = append(out, a.Prefix()...)
	out = append(out, 0x0F, 0x57)
	out = append(out, a.Tail...)
	return out, nil
}

// EncodeComisd encodes `comisd dst, src`, which sets the usual ZF/PF/CF
// flags from comparing two doubles, then behaves like Jcc/Setcc of the
// ordered/unordered predicates (CondA/CondAE/CondE/CondNE after swapping
// operands as needed by the caller).
func EncodeComisd(dst XMMRegister, src MemoryReference) ([]byte, error) {
	a, err := xmmAddressing(dst.LowBits(), dst.IsExtension(), src)
	if err != nil {
		return nil, err
	}
	out := []byte{0x66}
	out = append(out, a.Prefix()...)
	out = append(out, 0x0F, 0x2F)
	out = append(out, a.Tail...)
	return out, nil
}

// EncodeCvtsi2sd encodes `cvtsi2sd dst, src` converting a 64-bit integer
// register or memory operand to a double.
func EncodeCvtsi2sd(dst XMMRegister, src MemoryReference) ([]byte, error) {
	a, err := EncodeAddressing(QWord, dst.LowBits(), dst.IsExtension(), src)
	if err != nil {
		return nil, err
	}
	out := []byte{0xF2}
	out = append(out, a.Prefix()...)
	out = append(out, 0x0F, 0x2A)
	out = append(out, a.Tail...)
	return out, nil
}

// EncodeCvttsd2si encodes `cvttsd2si dst, src` truncating a double to a
// 64-bit integer register.
func EncodeCvttsd2si(dst Register, src MemoryReference) ([]byte, error) {
	a, err := EncodeAddressing(QWord, dst.LowBits(), dst.IsExtension(), src)
	if err != nil {
		return nil, err
	}
	out := []byte{0xF2}
	out = append(out, a.Prefix()...)
	out = append(out, 0x0F, 0x2C)
	out = append(out, a.Tail...)
	return out, nil
}
