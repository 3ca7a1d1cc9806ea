package compiler

import (
	"unsafe"

	"github.com/lcox74/nsjit/internal/object"
	"github.com/lcox74/nsjit/pkg/amd64"
	"github.com/lcox74/nsjit/pkg/asm"
	"github.com/lcox74/nsjit/pkg/codebuffer"
)

// Runtime holds the small set of native-code routines every compiled
// fragment and every synthesized class destructor calls out to -- the
// common-objects table of always-native helper addresses. They are
// synthesized through the same assembler as everything else rather than
// linked in as host functions, since Go cannot export a Go func value as a
// raw System V entry point without an ABI shim (see internal/nativecall).
//
// List, tuple and string values have their contents allocated at a call
// site, and a fragment cannot allocate Go memory itself (there is no
// JIT-to-Go callback in this build, a deliberate simplification recorded
// in internal/resolver), so AllocAddr is a bump allocator over a fixed
// arena this Runtime pins for its own lifetime, the same "never
// individually freed, never moved" discipline internal/context's tables
// already use.
type Runtime struct {
	AddReferenceAddr    uintptr
	DeleteReferenceAddr uintptr

	AllocAddr       uintptr
	ItoaAddr        uintptr
	StrEqualAddr    uintptr
	StrCompareAddr  uintptr
	StrContainsAddr uintptr
	StrConcatAddr   uintptr
	StrFormatAddr   uintptr

	// arena and cursor back AllocAddr: arena is a fixed-size Go allocation
	// pinned for the Runtime's lifetime (kept reachable by this field so
	// the collector never reclaims it out from under raw pointers handed
	// to JIT code), cursor is the bump offset AllocAddr's machine code
	// reads and advances on every call. Exhausting the arena overruns
	// adjacent Go memory; there is no growth or bounds check, a documented
	// limitation acceptable for the scenarios this build exercises.
	arena  []byte
	cursor []byte
}

// arenaSize is generous for the list/tuple/string workloads the example
// modules exercise (sorting, concatenation, formatting small messages).
const arenaSize = 1 << 20

// NewRuntime assembles and installs every native helper once.
func NewRuntime(cb *codebuffer.CodeBuffer) (*Runtime, error) {
	rt := &Runtime{
		arena:  make([]byte, arenaSize),
		cursor: make([]byte, 8),
	}

	addRef, err := assembleAddReference()
	if err != nil {
		return nil, err
	}
	rt.AddReferenceAddr, err = cb.Append(addRef, nil)
	if err != nil {
		return nil, err
	}

	delRef, err := assembleDeleteReference()
	if err != nil {
		return nil, err
	}
	rt.DeleteReferenceAddr, err = cb.Append(delRef, nil)
	if err != nil {
		return nil, err
	}

	arenaBase := uintptr(unsafe.Pointer(&rt.arena[0]))
	cursorAddr := uintptr(unsafe.Pointer(&rt.cursor[0]))

	allocCode, err := assembleAlloc(arenaBase, cursorAddr)
	if err != nil {
		return nil, err
	}
	rt.AllocAddr, err = cb.Append(allocCode, nil)
	if err != nil {
		return nil, err
	}

	itoaCode, err := assembleItoa()
	if err != nil {
		return nil, err
	}
	rt.ItoaAddr, err = cb.Append(itoaCode, nil)
	if err != nil {
		return nil, err
	}

	eqCode, err := assembleStrEqual()
	if err != nil {
		return nil, err
	}
	rt.StrEqualAddr, err = cb.Append(eqCode, nil)
	if err != nil {
		return nil, err
	}

	cmpCode, err := assembleStrCompare()
	if err != nil {
		return nil, err
	}
	rt.StrCompareAddr, err = cb.Append(cmpCode, nil)
	if err != nil {
		return nil, err
	}

	containsCode, err := assembleStrContains()
	if err != nil {
		return nil, err
	}
	rt.StrContainsAddr, err = cb.Append(containsCode, nil)
	if err != nil {
		return nil, err
	}

	concatCode, err := assembleStrConcat(rt.AllocAddr)
	if err != nil {
		return nil, err
	}
	rt.StrConcatAddr, err = cb.Append(concatCode, nil)
	if err != nil {
		return nil, err
	}

	formatCode, err := assembleStrFormat(rt.AllocAddr, rt.ItoaAddr)
	if err != nil {
		return nil, err
	}
	rt.StrFormatAddr, err = cb.Append(formatCode, nil)
	if err != nil {
		return nil, err
	}

	return rt, nil
}

func assembleAddReference() ([]byte, error) {
	a := asm.New()
	a.EmitBytes([]byte{0xF0}) // LOCK prefix
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Mem(amd64.RDI, 0), 1)
	a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Mem(amd64.RDI, 0))
	a.Ret()
	code, _, err := a.Assemble()
	return code, err
}

func assembleDeleteReference() ([]byte, error) {
	a := asm.New()
	a.EmitBytes([]byte{0xF0}) // LOCK prefix
	a.ArithImm(amd64.Sub, amd64.QWord, amd64.Mem(amd64.RDI, 0), 1)
	a.JccLabel(amd64.CondNE, "done")
	a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Mem(amd64.RDI, 8)) // destructor ptr
	a.TestRM(amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
	a.JccLabel(amd64.CondE, "done")
	a.CallReg(amd64.RAX)
	a.DefineLabel("done")
	a.Ret()
	code, _, err := a.Assemble()
	return code, err
}

// assembleAlloc builds `alloc(size uint64) -> ptr`: round size up to 8-byte
// alignment, bump the cursor cell at cursorAddr by that amount, and return
// arenaBase + the pre-bump cursor value.
func assembleAlloc(arenaBase, cursorAddr uintptr) ([]byte, error) {
	a := asm.New()
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.RDI), 7)
	a.ArithImm(amd64.And, amd64.QWord, amd64.Reg(amd64.RDI), -8)
	a.MovImm64(amd64.R10, uint64(cursorAddr))
	a.MovRMToReg(amd64.QWord, amd64.R11, amd64.Mem(amd64.R10, 0)) // r11 = old cursor
	a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Reg(amd64.R11))    // rax = old cursor
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.R11), amd64.RDI)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.R10, 0), amd64.R11) // store new cursor
	a.MovImm64(amd64.R10, uint64(arenaBase))
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.RAX), amd64.R10)
	a.Ret()
	code, _, err := a.Assemble()
	return code, err
}

// assembleItoa builds `itoa(value int64, dst *byte) -> bytes_written`,
// writing value's decimal ASCII representation (with a leading '-' for
// negative values) at dst. The INT64_MIN edge case is not special-cased
// (negating it overflows back to itself); every other value is handled
// correctly, a documented gap rather than an oversight.
func assembleItoa() ([]byte, error) {
	a := asm.New()
	a.Push(amd64.RBP)
	a.MovRegToRM(amd64.QWord, amd64.Reg(amd64.RBP), amd64.RSP)
	a.ArithImm(amd64.Sub, amd64.QWord, amd64.Reg(amd64.RSP), 32)

	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -8), amd64.RSI) // [rbp-8] = dst
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.R9), amd64.R9) // r9 = sign flag
	a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Reg(amd64.RDI))
	a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RAX), 0)
	a.JccLabel(amd64.CondGE, "itoa_nonneg")
	a.MovImm64(amd64.R9, 1)
	a.Neg(amd64.QWord, amd64.Reg(amd64.RAX))
	a.DefineLabel("itoa_nonneg")

	// digit-extraction loop: repeatedly divide by 10, storing least
	// significant digit first into the scratch buffer at [rbp-32..rbp-8).
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.R10), amd64.R10) // r10 = digit count
	a.DefineLabel("itoa_digit_loop")
	a.Cqo()
	a.MovImm64(amd64.R11, 10)
	a.Idiv(amd64.QWord, amd64.Reg(amd64.R11))
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.RDX), '0')
	a.MovRegToRM(amd64.Byte, amd64.MemIndexed(amd64.RBP, amd64.R10, 1, -32), amd64.RDX)
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R10), 1)
	a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RAX), 0)
	a.JccLabel(amd64.CondNE, "itoa_digit_loop")

	a.MovRMToReg(amd64.QWord, amd64.R8, amd64.Mem(amd64.RBP, -8)) // r8 = dst write ptr
	a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.R9), 0)
	a.JccLabel(amd64.CondE, "itoa_nosign")
	a.MovImm32(amd64.Byte, amd64.Mem(amd64.R8, 0), int32('-'))
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R8), 1)
	a.DefineLabel("itoa_nosign")

	// copy digits out most-significant-first.
	a.MovRMToReg(amd64.QWord, amd64.R11, amd64.Reg(amd64.R10))
	a.ArithImm(amd64.Sub, amd64.QWord, amd64.Reg(amd64.R11), 1)
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RCX), amd64.RCX)
	a.DefineLabel("itoa_copy_loop")
	a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.R11), 0)
	a.JccLabel(amd64.CondL, "itoa_copy_done")
	a.MovRMToReg(amd64.Byte, amd64.RDX, amd64.MemIndexed(amd64.RBP, amd64.R11, 1, -32))
	a.MovRegToRM(amd64.Byte, amd64.MemIndexed(amd64.R8, amd64.RCX, 1, 0), amd64.RDX)
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.RCX), 1)
	a.ArithImm(amd64.Sub, amd64.QWord, amd64.Reg(amd64.R11), 1)
	a.JmpLabel("itoa_copy_loop")
	a.DefineLabel("itoa_copy_done")

	a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Reg(amd64.R10))
	a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.R9), 0)
	a.JccLabel(amd64.CondE, "itoa_ret")
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.RAX), 1)
	a.DefineLabel("itoa_ret")
	a.MovRegToRM(amd64.QWord, amd64.Reg(amd64.RSP), amd64.RBP)
	a.Pop(amd64.RBP)
	a.Ret()
	code, _, err := a.Assemble()
	return code, err
}

// assembleStrEqual builds `str_equal(a, b *string) -> bool`: length-then-
// memcmp.
func assembleStrEqual() ([]byte, error) {
	a := asm.New()
	a.MovRMToReg(amd64.QWord, amd64.RCX, amd64.Mem(amd64.RDI, object.StrLengthOffset))
	a.MovRMToReg(amd64.QWord, amd64.RDX, amd64.Mem(amd64.RSI, object.StrLengthOffset))
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RCX), amd64.RDX)
	a.JccLabel(amd64.CondNE, "streq_false")

	a.MovRMToReg(amd64.QWord, amd64.R8, amd64.Mem(amd64.RDI, object.StrDataOffset))
	a.MovRMToReg(amd64.QWord, amd64.R9, amd64.Mem(amd64.RSI, object.StrDataOffset))
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.R11), amd64.R11)
	a.DefineLabel("streq_loop")
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.R11), amd64.RCX)
	a.JccLabel(amd64.CondE, "streq_true")
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
	a.MovRMToReg(amd64.Byte, amd64.RAX, amd64.MemIndexed(amd64.R8, amd64.R11, 1, 0))
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RDX), amd64.RDX)
	a.MovRMToReg(amd64.Byte, amd64.RDX, amd64.MemIndexed(amd64.R9, amd64.R11, 1, 0))
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RDX)
	a.JccLabel(amd64.CondNE, "streq_false")
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R11), 1)
	a.JmpLabel("streq_loop")

	a.DefineLabel("streq_true")
	a.MovImm64(amd64.RAX, 1)
	a.Ret()
	a.DefineLabel("streq_false")
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
	a.Ret()
	code, _, err := a.Assemble()
	return code, err
}

// assembleStrCompare builds `str_compare(a, b *string) -> int` returning a
// negative, zero, or positive value for lexicographic order.
func assembleStrCompare() ([]byte, error) {
	a := asm.New()
	a.Push(amd64.RBX) // callee-saved per System V; restored before every return below
	a.MovRMToReg(amd64.QWord, amd64.RCX, amd64.Mem(amd64.RDI, object.StrLengthOffset)) // lenA
	a.MovRMToReg(amd64.QWord, amd64.RDX, amd64.Mem(amd64.RSI, object.StrLengthOffset)) // lenB
	a.MovRMToReg(amd64.QWord, amd64.R8, amd64.Mem(amd64.RDI, object.StrDataOffset))
	a.MovRMToReg(amd64.QWord, amd64.R9, amd64.Mem(amd64.RSI, object.StrDataOffset))

	a.MovRMToReg(amd64.QWord, amd64.R10, amd64.Reg(amd64.RCX)) // r10 = min(lenA, lenB)
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.R10), amd64.RDX)
	a.JccLabel(amd64.CondLE, "strcmp_havemin")
	a.MovRMToReg(amd64.QWord, amd64.R10, amd64.Reg(amd64.RDX))
	a.DefineLabel("strcmp_havemin")

	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.R11), amd64.R11)
	a.DefineLabel("strcmp_loop")
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.R11), amd64.R10)
	a.JccLabel(amd64.CondE, "strcmp_bylen")
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
	a.MovRMToReg(amd64.Byte, amd64.RAX, amd64.MemIndexed(amd64.R8, amd64.R11, 1, 0))
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RBX), amd64.RBX)
	a.MovRMToReg(amd64.Byte, amd64.RBX, amd64.MemIndexed(amd64.R9, amd64.R11, 1, 0))
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RBX)
	a.JccLabel(amd64.CondE, "strcmp_next")
	a.JccLabel(amd64.CondB, "strcmp_less")
	a.JmpLabel("strcmp_greater")
	a.DefineLabel("strcmp_next")
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R11), 1)
	a.JmpLabel("strcmp_loop")

	a.DefineLabel("strcmp_bylen")
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RCX), amd64.RDX)
	a.JccLabel(amd64.CondE, "strcmp_equal")
	a.JccLabel(amd64.CondB, "strcmp_less")
	a.JmpLabel("strcmp_greater")

	a.DefineLabel("strcmp_less")
	a.MovImm64(amd64.RAX, ^uint64(0))
	a.Pop(amd64.RBX)
	a.Ret()
	a.DefineLabel("strcmp_greater")
	a.MovImm64(amd64.RAX, 1)
	a.Pop(amd64.RBX)
	a.Ret()
	a.DefineLabel("strcmp_equal")
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
	a.Pop(amd64.RBX)
	a.Ret()
	code, _, err := a.Assemble()
	return code, err
}

// assembleStrContains builds `str_contains(haystack, needle *string) -> bool`
// via naive substring search.
func assembleStrContains() ([]byte, error) {
	a := asm.New()
	a.Push(amd64.RBX) // callee-saved per System V; restored before every return below
	a.MovRMToReg(amd64.QWord, amd64.RCX, amd64.Mem(amd64.RDI, object.StrLengthOffset)) // lenH
	a.MovRMToReg(amd64.QWord, amd64.RDX, amd64.Mem(amd64.RSI, object.StrLengthOffset)) // lenN
	a.MovRMToReg(amd64.QWord, amd64.R8, amd64.Mem(amd64.RDI, object.StrDataOffset))
	a.MovRMToReg(amd64.QWord, amd64.R9, amd64.Mem(amd64.RSI, object.StrDataOffset))

	// an empty needle always matches.
	a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RDX), 0)
	a.JccLabel(amd64.CondE, "contains_true")

	// outer index i in r10, 0..lenH-lenN inclusive.
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.R10), amd64.R10)
	a.DefineLabel("contains_outer")
	a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Reg(amd64.R10))
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RDX)
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RCX)
	a.JccLabel(amd64.CondA, "contains_false")

	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.R11), amd64.R11) // inner index j
	a.DefineLabel("contains_inner")
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.R11), amd64.RDX)
	a.JccLabel(amd64.CondE, "contains_true")
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
	a.MovRMToReg(amd64.QWord, amd64.RBX, amd64.Reg(amd64.R10))
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.RBX), amd64.R11)
	a.MovRMToReg(amd64.Byte, amd64.RAX, amd64.MemIndexed(amd64.R8, amd64.RBX, 1, 0))
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RDX), amd64.RDX) // clobbers lenN! restored below
	a.MovRMToReg(amd64.Byte, amd64.RDX, amd64.MemIndexed(amd64.R9, amd64.R11, 1, 0))
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RDX)
	a.JccLabel(amd64.CondNE, "contains_mismatch")
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R11), 1)
	a.MovRMToReg(amd64.QWord, amd64.RDX, amd64.Mem(amd64.RSI, object.StrLengthOffset)) // restore lenN
	a.JmpLabel("contains_inner")

	a.DefineLabel("contains_mismatch")
	a.MovRMToReg(amd64.QWord, amd64.RDX, amd64.Mem(amd64.RSI, object.StrLengthOffset)) // restore lenN
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R10), 1)
	a.JmpLabel("contains_outer")

	a.DefineLabel("contains_true")
	a.MovImm64(amd64.RAX, 1)
	a.Pop(amd64.RBX)
	a.Ret()
	a.DefineLabel("contains_false")
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
	a.Pop(amd64.RBX)
	a.Ret()
	code, _, err := a.Assemble()
	return code, err
}

// assembleStrConcat builds `str_concat(a, b *string) -> *string`: allocate a
// fresh data buffer and header through allocAddr, copy both operands' bytes
// in.
func assembleStrConcat(allocAddr uintptr) ([]byte, error) {
	a := asm.New()
	a.Push(amd64.RBP)
	a.MovRegToRM(amd64.QWord, amd64.Reg(amd64.RBP), amd64.RSP)
	a.ArithImm(amd64.Sub, amd64.QWord, amd64.Reg(amd64.RSP), 32)
	// [rbp-8]=a, [rbp-16]=b, [rbp-24]=dataPtr

	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -8), amd64.RDI)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -16), amd64.RSI)

	a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Mem(amd64.RDI, object.StrLengthOffset))
	a.MovRMToReg(amd64.QWord, amd64.RDX, amd64.Mem(amd64.RSI, object.StrLengthOffset))
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RDX)
	a.MovRegToRM(amd64.QWord, amd64.Reg(amd64.RDI), amd64.RAX)
	a.MovImm64(amd64.R10, uint64(allocAddr))
	a.CallReg(amd64.R10)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -24), amd64.RAX)

	// copy a's bytes to dataPtr[0:lenA]
	a.MovRMToReg(amd64.QWord, amd64.RSI, amd64.Mem(amd64.RBP, -8))
	a.MovRMToReg(amd64.QWord, amd64.RCX, amd64.Mem(amd64.RSI, object.StrLengthOffset))
	a.MovRMToReg(amd64.QWord, amd64.RSI, amd64.Mem(amd64.RSI, object.StrDataOffset))
	a.MovRMToReg(amd64.QWord, amd64.RDX, amd64.Mem(amd64.RBP, -24))
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.R11), amd64.R11)
	a.DefineLabel("concat_a_loop")
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.R11), amd64.RCX)
	a.JccLabel(amd64.CondE, "concat_a_done")
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
	a.MovRMToReg(amd64.Byte, amd64.RAX, amd64.MemIndexed(amd64.RSI, amd64.R11, 1, 0))
	a.MovRegToRM(amd64.Byte, amd64.MemIndexed(amd64.RDX, amd64.R11, 1, 0), amd64.RAX)
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R11), 1)
	a.JmpLabel("concat_a_loop")
	a.DefineLabel("concat_a_done")

	// copy b's bytes to dataPtr[lenA:lenA+lenB]
	a.MovRMToReg(amd64.QWord, amd64.RSI, amd64.Mem(amd64.RBP, -16))
	a.MovRMToReg(amd64.QWord, amd64.RCX, amd64.Mem(amd64.RSI, object.StrLengthOffset))
	a.MovRMToReg(amd64.QWord, amd64.R8, amd64.Mem(amd64.RSI, object.StrDataOffset))
	a.MovRMToReg(amd64.QWord, amd64.RDX, amd64.Mem(amd64.RBP, -24))
	a.MovRMToReg(amd64.QWord, amd64.R9, amd64.Mem(amd64.RBP, -8))
	a.MovRMToReg(amd64.QWord, amd64.R9, amd64.Mem(amd64.R9, object.StrLengthOffset)) // lenA
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.RDX), amd64.R9)
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.R11), amd64.R11)
	a.DefineLabel("concat_b_loop")
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.R11), amd64.RCX)
	a.JccLabel(amd64.CondE, "concat_b_done")
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
	a.MovRMToReg(amd64.Byte, amd64.RAX, amd64.MemIndexed(amd64.R8, amd64.R11, 1, 0))
	a.MovRegToRM(amd64.Byte, amd64.MemIndexed(amd64.RDX, amd64.R11, 1, 0), amd64.RAX)
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R11), 1)
	a.JmpLabel("concat_b_loop")
	a.DefineLabel("concat_b_done")

	// build the result's header: {refcount=1, destructor=0, length, dataPtr}
	a.MovImm64(amd64.RDI, 32)
	a.MovImm64(amd64.R10, uint64(allocAddr))
	a.CallReg(amd64.R10)
	a.MovImm32(amd64.QWord, amd64.Mem(amd64.RAX, 0), 1)
	a.MovImm32(amd64.QWord, amd64.Mem(amd64.RAX, 8), 0)
	a.MovRMToReg(amd64.QWord, amd64.RCX, amd64.Mem(amd64.RBP, -8))
	a.MovRMToReg(amd64.QWord, amd64.RCX, amd64.Mem(amd64.RCX, object.StrLengthOffset))
	a.MovRMToReg(amd64.QWord, amd64.RDX, amd64.Mem(amd64.RBP, -16))
	a.MovRMToReg(amd64.QWord, amd64.RDX, amd64.Mem(amd64.RDX, object.StrLengthOffset))
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.RCX), amd64.RDX)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RAX, object.StrLengthOffset), amd64.RCX)
	a.MovRMToReg(amd64.QWord, amd64.RDX, amd64.Mem(amd64.RBP, -24))
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RAX, object.StrDataOffset), amd64.RDX)

	a.MovRegToRM(amd64.QWord, amd64.Reg(amd64.RSP), amd64.RBP)
	a.Pop(amd64.RBP)
	a.Ret()
	code, _, err := a.Assemble()
	return code, err
}

// assembleStrFormat builds `str_format(fmt *string, args *tuple) -> *string`,
// the `string % tuple` operator. It supports the
// `%d` (next tuple slot as a boxed int64) and `%s` (next tuple slot as a
// *string) conversions; any
// other two-character `%x` sequence is treated as a literal pair of bytes.
// The result is written into a fixed 256-byte scratch buffer -- generous for
// the short diagnostic-style messages exception paths format -- and the
// result string's recorded length is however many bytes were actually
// produced, not the scratch buffer's capacity.
func assembleStrFormat(allocAddr, itoaAddr uintptr) ([]byte, error) {
	a := asm.New()
	a.Push(amd64.RBP)
	a.MovRegToRM(amd64.QWord, amd64.Reg(amd64.RBP), amd64.RSP)
	a.ArithImm(amd64.Sub, amd64.QWord, amd64.Reg(amd64.RSP), 80)
	// [rbp-16]=args ptr  [rbp-24]=work buffer  [rbp-32]=fmt length
	// [rbp-40]=fmt data ptr  [rbp-48]=srcIdx  [rbp-56]=dstIdx  [rbp-64]=argIdx
	//
	// Every loop counter is kept canonically in memory, never trusted to
	// survive in a register across a call: Itoa clobbers r8-r11/rcx/rdx
	// internally, so a register-resident counter would be silently
	// corrupted by the very call that needs it read back afterward.

	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -8), amd64.RDI)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -16), amd64.RSI)

	a.MovImm64(amd64.RDI, 256)
	a.MovImm64(amd64.R10, uint64(allocAddr))
	a.CallReg(amd64.R10)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -24), amd64.RAX)

	a.MovRMToReg(amd64.QWord, amd64.R11, amd64.Mem(amd64.RBP, -8))
	a.MovRMToReg(amd64.QWord, amd64.RCX, amd64.Mem(amd64.R11, object.StrLengthOffset))
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -32), amd64.RCX)
	a.MovRMToReg(amd64.QWord, amd64.R11, amd64.Mem(amd64.R11, object.StrDataOffset))
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -40), amd64.R11)

	a.MovImm32(amd64.QWord, amd64.Mem(amd64.RBP, -48), 0) // srcIdx
	a.MovImm32(amd64.QWord, amd64.Mem(amd64.RBP, -56), 0) // dstIdx
	a.MovImm32(amd64.QWord, amd64.Mem(amd64.RBP, -64), 0) // argIdx

	a.DefineLabel("fmt_loop")
	a.MovRMToReg(amd64.QWord, amd64.RCX, amd64.Mem(amd64.RBP, -32))
	a.MovRMToReg(amd64.QWord, amd64.R8, amd64.Mem(amd64.RBP, -48))
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.R8), amd64.RCX)
	a.JccLabel(amd64.CondGE, "fmt_done")

	a.MovRMToReg(amd64.QWord, amd64.R11, amd64.Mem(amd64.RBP, -40))
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
	a.MovRMToReg(amd64.Byte, amd64.RAX, amd64.MemIndexed(amd64.R11, amd64.R8, 1, 0))
	a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RAX), '%')
	a.JccLabel(amd64.CondNE, "fmt_literal")

	a.MovRMToReg(amd64.QWord, amd64.RDX, amd64.Reg(amd64.R8))
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.RDX), 1)
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RDX), amd64.RCX)
	a.JccLabel(amd64.CondGE, "fmt_literal") // trailing '%': copy it literally
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.R9), amd64.R9)
	a.MovRMToReg(amd64.Byte, amd64.R9, amd64.MemIndexed(amd64.R11, amd64.RDX, 1, 0))
	a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.R9), 'd')
	a.JccLabel(amd64.CondE, "fmt_int")
	a.ArithImm(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.R9), 's')
	a.JccLabel(amd64.CondE, "fmt_str")
	// any other specifier (including a second '%'): copy both bytes
	// literally and consume them together, so the second byte never starts
	// a conversion of its own.
	a.MovRMToReg(amd64.QWord, amd64.R10, amd64.Mem(amd64.RBP, -56))
	a.MovRMToReg(amd64.QWord, amd64.RDI, amd64.Mem(amd64.RBP, -24))
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.RDI), amd64.R10)
	a.MovRegToRM(amd64.Byte, amd64.Mem(amd64.RDI, 0), amd64.RAX)
	a.MovRegToRM(amd64.Byte, amd64.Mem(amd64.RDI, 1), amd64.R9)
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R10), 2)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -56), amd64.R10)
	a.MovRMToReg(amd64.QWord, amd64.R8, amd64.Mem(amd64.RBP, -48))
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R8), 2)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -48), amd64.R8)
	a.JmpLabel("fmt_loop")

	a.DefineLabel("fmt_int")
	a.MovRMToReg(amd64.QWord, amd64.R11, amd64.Mem(amd64.RBP, -16))
	a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Mem(amd64.RBP, -64))
	a.MovImm64(amd64.RDX, 8)
	a.Imul(amd64.QWord, amd64.RAX, amd64.Reg(amd64.RDX))
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.RAX), 24) // TupleSlotsOffset
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.R11), amd64.RAX)
	a.MovRMToReg(amd64.QWord, amd64.RDI, amd64.Mem(amd64.R11, 0))
	a.MovRMToReg(amd64.QWord, amd64.RSI, amd64.Mem(amd64.RBP, -24))
	a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Mem(amd64.RBP, -56))
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.RSI), amd64.RAX)
	a.MovImm64(amd64.R10, uint64(itoaAddr))
	a.CallReg(amd64.R10)
	// rax = bytes written by itoa; every other scratch register (rcx, rdx,
	// r8-r11) is now garbage, so every counter comes back out of memory.
	a.MovRMToReg(amd64.QWord, amd64.R9, amd64.Mem(amd64.RBP, -56))
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.R9), amd64.RAX)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -56), amd64.R9)
	a.MovRMToReg(amd64.QWord, amd64.R10, amd64.Mem(amd64.RBP, -64))
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R10), 1)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -64), amd64.R10)
	a.MovRMToReg(amd64.QWord, amd64.R8, amd64.Mem(amd64.RBP, -48))
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R8), 2)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -48), amd64.R8)
	a.JmpLabel("fmt_loop")

	a.DefineLabel("fmt_str")
	a.MovRMToReg(amd64.QWord, amd64.R11, amd64.Mem(amd64.RBP, -16))
	a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Mem(amd64.RBP, -64))
	a.MovImm64(amd64.RDX, 8)
	a.Imul(amd64.QWord, amd64.RAX, amd64.Reg(amd64.RDX))
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.RAX), 24)
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.R11), amd64.RAX)
	a.MovRMToReg(amd64.QWord, amd64.R11, amd64.Mem(amd64.R11, 0)) // arg string ptr
	a.MovRMToReg(amd64.QWord, amd64.RCX, amd64.Mem(amd64.R11, object.StrLengthOffset))
	a.MovRMToReg(amd64.QWord, amd64.R8, amd64.Mem(amd64.R11, object.StrDataOffset))
	a.MovRMToReg(amd64.QWord, amd64.R10, amd64.Mem(amd64.RBP, -56)) // dstIdx
	a.MovRMToReg(amd64.QWord, amd64.R11, amd64.Mem(amd64.RBP, -24)) // work buffer
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.R11), amd64.R10) // write base
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RDX), amd64.RDX)
	a.DefineLabel("fmt_str_copy")
	a.ArithRegToRM(amd64.Cmp, amd64.QWord, amd64.Reg(amd64.RDX), amd64.RCX)
	a.JccLabel(amd64.CondGE, "fmt_str_done")
	a.ArithRegToRM(amd64.Xor, amd64.QWord, amd64.Reg(amd64.RAX), amd64.RAX)
	a.MovRMToReg(amd64.Byte, amd64.RAX, amd64.MemIndexed(amd64.R8, amd64.RDX, 1, 0))
	a.MovRegToRM(amd64.Byte, amd64.MemIndexed(amd64.R11, amd64.RDX, 1, 0), amd64.RAX)
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.RDX), 1)
	a.JmpLabel("fmt_str_copy")
	a.DefineLabel("fmt_str_done")
	a.MovRMToReg(amd64.QWord, amd64.R9, amd64.Mem(amd64.RBP, -56))
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.R9), amd64.RCX)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -56), amd64.R9)
	a.MovRMToReg(amd64.QWord, amd64.R9, amd64.Mem(amd64.RBP, -64))
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R9), 1)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -64), amd64.R9)
	a.MovRMToReg(amd64.QWord, amd64.R9, amd64.Mem(amd64.RBP, -48))
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R9), 2)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -48), amd64.R9)
	a.JmpLabel("fmt_loop")

	a.DefineLabel("fmt_literal")
	a.MovRMToReg(amd64.QWord, amd64.R9, amd64.Mem(amd64.RBP, -56))
	a.MovRMToReg(amd64.QWord, amd64.RDI, amd64.Mem(amd64.RBP, -24))
	a.ArithRegToRM(amd64.Add, amd64.QWord, amd64.Reg(amd64.RDI), amd64.R9)
	a.MovRegToRM(amd64.Byte, amd64.Mem(amd64.RDI, 0), amd64.RAX)
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R9), 1)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -56), amd64.R9)
	a.MovRMToReg(amd64.QWord, amd64.R8, amd64.Mem(amd64.RBP, -48))
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.R8), 1)
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RBP, -48), amd64.R8)
	a.JmpLabel("fmt_loop")

	a.DefineLabel("fmt_done")
	a.MovImm64(amd64.RDI, 32)
	a.MovImm64(amd64.R10, uint64(allocAddr))
	a.CallReg(amd64.R10)
	a.MovImm32(amd64.QWord, amd64.Mem(amd64.RAX, 0), 1)
	a.MovImm32(amd64.QWord, amd64.Mem(amd64.RAX, 8), 0)
	a.MovRMToReg(amd64.QWord, amd64.R9, amd64.Mem(amd64.RBP, -56))
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RAX, object.StrLengthOffset), amd64.R9)
	a.MovRMToReg(amd64.QWord, amd64.R11, amd64.Mem(amd64.RBP, -24))
	a.MovRegToRM(amd64.QWord, amd64.Mem(amd64.RAX, object.StrDataOffset), amd64.R11)

	a.MovRegToRM(amd64.QWord, amd64.Reg(amd64.RSP), amd64.RBP)
	a.Pop(amd64.RBP)
	a.Ret()
	code, _, err := a.Assemble()
	return code, err
}
