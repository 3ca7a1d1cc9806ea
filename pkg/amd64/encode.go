package amd64

import "fmt"

// Addressing is the REX/ModR/M/SIB/displacement tail of an instruction,
// everything that comes after the opcode bytes. It is built independently of
// the opcode so the same addressing-mode logic serves mov, arithmetic,
// shifts, and every other reg/mem instruction form.
type Addressing struct {
	SizePrefix bool // emit 0x66 before the (optional) REX byte
	HasRex     bool
	Rex        byte
	Tail       []byte // ModR/M, optional SIB, optional displacement
}

// Prefix returns the size-prefix and REX bytes only. Callers append their
// opcode bytes and then Tail.
func (a Addressing) Prefix() []byte {
	var out []byte
	if a.SizePrefix {
		out = append(out, 0x66)
	}
	if a.HasRex {
		out = append(out, a.Rex)
	}
	return out
}

// EncodeAddressing computes the REX byte and ModR/M(+SIB+disp) tail for an
// instruction whose reg field holds regLow/regExt (either a second register
// operand, or an opcode-extension digit 0-7 with regExt=false) and whose
// r/m field addresses mem.
//
// Mirrors AMD64Assembler::generate_rm: mod=3 for register-direct; SIB is
// required whenever rm=4 (the RSP shape) or an index register is present;
// RIP-relative addressing forces mod=0/rm=5 with a 4-byte displacement;
// a zero-displacement base of RBP/R13 is promoted to an 8-bit zero
// displacement because mod=0,rm=5 is reserved for RIP-relative.
func EncodeAddressing(size OperandSize, regLow byte, regExt bool, rm MemoryReference) (Addressing, error) {
	var a Addressing
	if size == Word {
		a.SizePrefix = true
	}

	if rm.IsDirect() {
		memExt := rm.Base.IsExtension()
		rex := byte(0x40)
		if memExt {
			rex |= 0x01 // REX.B
		}
		if regExt {
			rex |= 0x04 // REX.R
		}
		if size == QWord {
			rex |= 0x08 // REX.W
		}
		if rex != 0x40 {
			a.HasRex = true
			a.Rex = rex
		}
		modrm := 0xC0 | (regLow&7)<<3 | rm.Base.LowBits()
		a.Tail = []byte{modrm}
		return a, nil
	}

	if rm.Base == None {
		return a, fmt.Errorf("amd64: memory reference without a base register is not supported")
	}
	if rm.Scale != 1 && rm.Scale != 2 && rm.Scale != 4 && rm.Scale != 8 {
		return a, fmt.Errorf("amd64: scale must be 1, 2, 4, or 8, got %d", rm.Scale)
	}
	if rm.Index == RSP {
		return a, fmt.Errorf("amd64: RSP cannot be used as an index register")
	}

	if rm.Base == RIP {
		if rm.Index != None {
			return a, fmt.Errorf("amd64: RIP-relative addressing cannot have an index register")
		}
		rex := byte(0x40)
		if regExt {
			rex |= 0x04
		}
		if size == QWord {
			rex |= 0x08
		}
		if rex != 0x40 {
			a.HasRex = true
			a.Rex = rex
		}
		modrm := (regLow&7)<<3 | 5
		tail := []byte{modrm, 0, 0, 0, 0}
		writeLE32(tail[1:], uint32(rm.Offset))
		a.Tail = tail
		return a, nil
	}

	regExtBit := regExt
	baseExt := rm.Base.IsExtension()
	indexExt := rm.Index.IsExtension()
	needsSIB := rm.Index != None || rm.Base.LowBits() == RSP.LowBits()

	rex := byte(0x40)
	if baseExt {
		rex |= 0x01 // REX.B
	}
	if needsSIB && indexExt {
		rex |= 0x02 // REX.X
	}
	if regExtBit {
		rex |= 0x04 // REX.R
	}
	if size == QWord {
		rex |= 0x08 // REX.W
	}

	forceDisp8 := rm.Offset == 0 && (rm.Base == RBP || rm.Base == R13)
	var mod byte
	var dispLen int
	switch {
	case rm.Offset == 0 && !forceDisp8:
		mod, dispLen = 0x00, 0
	case fitsInt8(rm.Offset) || forceDisp8:
		mod, dispLen = 0x40, 1
	default:
		mod, dispLen = 0x80, 4
	}

	var rmField byte
	var sib byte
	hasSIB := needsSIB
	if hasSIB {
		rmField = 0x04
		scaleBits := scaleEncoding(rm.Scale)
		var indexBits byte
		if rm.Index == None {
			indexBits = RSP.LowBits() // 100 => no index
		} else {
			indexBits = rm.Index.LowBits()
		}
		sib = scaleBits<<6 | indexBits<<3 | rm.Base.LowBits()
	} else {
		rmField = rm.Base.LowBits()
	}

	modrm := mod | (regLow&7)<<3 | rmField
	tail := []byte{modrm}
	if hasSIB {
		tail = append(tail, sib)
	}
	switch dispLen {
	case 1:
		tail = append(tail, byte(int8(rm.Offset)))
	case 4:
		var buf [4]byte
		writeLE32(buf[:], uint32(rm.Offset))
		tail = append(tail, buf[:]...)
	}

	if rex != 0x40 {
		a.HasRex = true
		a.Rex = rex
	}
	a.Tail = tail
	return a, nil
}

func fitsInt8(v int32) bool { return v >= -128 && v <= 127 }

func scaleEncoding(scale uint8) byte {
	switch scale {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	return 0
}
