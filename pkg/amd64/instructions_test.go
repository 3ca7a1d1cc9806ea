package amd64

import (
	"bytes"
	"testing"
)

func TestEncodeMovImm64_IsTenBytes(t *testing.T) {
	buf := EncodeMovImm64(RAX, 0x0102030405060708)
	if len(buf) != 10 {
		t.Fatalf("movabs $imm64, %%rax: got %d bytes, want 10", len(buf))
	}
	want := []byte{0x48, 0xB8, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(buf, want) {
		t.Errorf("movabs $imm64, %%rax = % X, want % X", buf, want)
	}
}

func TestEncodeMovRegToRM_ExtensionDestination(t *testing.T) {
	// mov r8, rcx -> REX.WB (49), 0x89, ModR/M (reg=rcx=001, rm=r8=000 -> C8)
	buf, err := EncodeMovRegToRM(QWord, Reg(R8), RCX)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 3 {
		t.Fatalf("mov r8, rcx: got %d bytes, want 3", len(buf))
	}
	want := []byte{0x49, 0x89, 0xC8}
	if !bytes.Equal(buf, want) {
		t.Errorf("mov r8, rcx = % X, want % X", buf, want)
	}
}

func TestEncodeArithImm_RejectsOversizeByteImmediate(t *testing.T) {
	_, err := EncodeArithImm(Add, Byte, Reg(RAX), 1000)
	if err == nil {
		t.Fatal("expected an error for an out-of-range byte immediate")
	}
}

func TestEncodeAddressing_RSPIndexRejected(t *testing.T) {
	_, err := EncodeAddressing(QWord, 0, false, MemIndexed(RAX, RSP, 1, 0))
	if err == nil {
		t.Fatal("expected RSP-as-index to be rejected")
	}
}

func TestEncodeAddressing_RBPZeroDispForcesDisp8(t *testing.T) {
	// mov rax, [rbp+0]: mod=0,rm=5 is reserved for RIP-relative, so a
	// zero-displacement RBP base must be encoded with an explicit disp8.
	buf, err := EncodeMovRMToReg(QWord, RAX, Mem(RBP, 0))
	if err != nil {
		t.Fatal(err)
	}
	// REX.W, opcode, modrm(mod=01), disp8
	if len(buf) != 4 {
		t.Fatalf("mov rax, [rbp]: got %d bytes, want 4 (% X)", len(buf), buf)
	}
	if buf[2]&0xC0 != 0x40 {
		t.Errorf("expected mod=01 (disp8) for zero-offset RBP base, got modrm=%02X", buf[2])
	}
}

func TestEncodePushPop_ExtensionRegisters(t *testing.T) {
	if got := EncodePush(R12); !bytes.Equal(got, []byte{0x41, 0x54}) {
		t.Errorf("push r12 = % X, want 41 54", got)
	}
	if got := EncodePop(R12); !bytes.Equal(got, []byte{0x41, 0x5C}) {
		t.Errorf("pop r12 = % X, want 41 5C", got)
	}
}
