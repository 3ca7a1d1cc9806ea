package amd64

// Group-3 and two-operand-form instructions EncodeArith* doesn't cover:
// signed multiply/divide, sign extension, and unary negate/not.

// EncodeImul encodes the two-operand form `imul dst, src` (dst *= src),
// opcode 0F AF /r.
func EncodeImul(size OperandSize, dst Register, src MemoryReference) ([]byte, error) {
	a, err := EncodeAddressing(size, dst.LowBits(), dst.IsExtension(), src)
	if err != nil {
		return nil, err
	}
	return assemble(a.Prefix(), []byte{0x0F, 0xAF}, a.Tail), nil
}

// EncodeIdiv encodes `idiv src` (group 3 /7): divides RDX:RAX by src,
// leaving the quotient in RAX and remainder in RDX. The caller must sign
// extend RAX into RDX first (EncodeCqo).
func EncodeIdiv(size OperandSize, src MemoryReference) ([]byte, error) {
	a, err := EncodeAddressing(size, 7, false, src)
	if err != nil {
		return nil, err
	}
	op := byte(0xF7)
	if size == Byte {
		op = 0xF6
	}
	return assemble(a.Prefix(), []byte{op}, a.Tail), nil
}

// EncodeNeg encodes `neg dst` (group 3 /3): dst = -dst.
func EncodeNeg(size OperandSize, dst MemoryReference) ([]byte, error) {
	a, err := EncodeAddressing(size, 3, false, dst)
	if err != nil {
		return nil, err
	}
	op := byte(0xF7)
	if size == Byte {
		op = 0xF6
	}
	return assemble(a.Prefix(), []byte{op}, a.Tail), nil
}

// EncodeNot encodes `not dst` (group 3 /2): dst = ^dst.
func EncodeNot(size OperandSize, dst MemoryReference) ([]byte, error) {
	a, err := EncodeAddressing(size, 2, false, dst)
	if err != nil {
		return nil, err
	}
	op := byte(0xF7)
	if size == Byte {
		op = 0xF6
	}
	return assemble(a.Prefix(), []byte{op}, a.Tail), nil
}

// EncodeCqo encodes `cqo`: sign-extends RAX into RDX:RAX, the required
// precursor to a 64-bit signed IDIV.
func EncodeCqo() []byte {
	return []byte{0x48, 0x99}
}
