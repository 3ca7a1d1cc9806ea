package asm

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/lcox74/nsjit/internal/nativecall"
	"github.com/lcox74/nsjit/pkg/amd64"
	"github.com/lcox74/nsjit/pkg/codebuffer"
)

// decodeAll disassembles every instruction in code and fails the test if any
// byte is left over or undecodable, checking the emitted stream round-trips
// through a real, independent disassembler.
func decodeAll(t *testing.T, code []byte) []x86asm.Inst {
	t.Helper()
	var insts []x86asm.Inst
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			t.Fatalf("x86asm.Decode failed at instruction %d (remaining % X): %v", len(insts), code, err)
		}
		insts = append(insts, inst)
		code = code[inst.Len:]
	}
	return insts
}

func TestRoundTrip_PushMovPopRet(t *testing.T) {
	a := New()
	a.Push(amd64.RBP)
	a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Reg(amd64.RCX))
	a.Pop(amd64.RBP)
	a.Ret()
	code, patches, err := a.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	if len(patches) != 0 {
		t.Errorf("expected no absolute patches, got %v", patches)
	}

	insts := decodeAll(t, code)
	if len(insts) != 4 {
		t.Fatalf("got %d instructions, want 4: %v", len(insts), insts)
	}
	wantOps := []x86asm.Op{x86asm.PUSH, x86asm.MOV, x86asm.POP, x86asm.RET}
	for i, want := range wantOps {
		if insts[i].Op != want {
			t.Errorf("instruction %d = %v, want %v", i, insts[i].Op, want)
		}
	}
}

func TestExecute_InstalledCodeReturnsRcx(t *testing.T) {
	a := New()
	a.Push(amd64.RBP)
	a.MovRMToReg(amd64.QWord, amd64.RAX, amd64.Reg(amd64.RCX))
	a.Pop(amd64.RBP)
	a.Ret()
	code, patches, err := a.Assemble()
	if err != nil {
		t.Fatal(err)
	}

	cb := codebuffer.New(0)
	defer cb.Close()
	addr, err := cb.Append(code, patches)
	if err != nil {
		t.Fatal(err)
	}

	// RCX is the fourth System V integer argument.
	const want = int64(0x0102030405060708)
	if got := nativecall.CallInt64(addr, 0, 0, 0, want, 0, 0); got != want {
		t.Errorf("installed code returned %#x, want %#x", got, want)
	}
}

func TestForwardJump_BackwardJump_DisplacementInvariant(t *testing.T) {
	a := New()
	a.JmpLabel("end")     // forward reference
	a.DefineLabel("loop") // backward target for later
	a.ArithImm(amd64.Add, amd64.QWord, amd64.Reg(amd64.RAX), 1)
	a.JmpLabel("loop") // backward reference, should pick rel8
	a.DefineLabel("end")
	a.Ret()

	code, _, err := a.Assemble()
	if err != nil {
		t.Fatal(err)
	}

	insts := decodeAll(t, code)
	if insts[0].Op != x86asm.JMP {
		t.Fatalf("first instruction = %v, want JMP", insts[0].Op)
	}
	// Verify the forward jump's displacement lands exactly on "end".
	endOffset := a.Offset("end")
	jmpLen := insts[0].Len
	rel := insts[0].Args[0].(x86asm.Rel)
	if int(0+jmpLen)+int(rel) != endOffset {
		t.Errorf("forward jmp target = %d, want %d", int(jmpLen)+int(rel), endOffset)
	}
}

func TestDuplicateLabel_IsFatal(t *testing.T) {
	a := New()
	a.DefineLabel("x")
	a.DefineLabel("x")
	if _, _, err := a.Assemble(); err == nil {
		t.Fatal("expected duplicate label definition to be a fatal error")
	}
}

func TestUndefinedLabel_IsFatalAtAssemble(t *testing.T) {
	a := New()
	a.JmpLabel("nowhere")
	if _, _, err := a.Assemble(); err == nil {
		t.Fatal("expected a reference to an undefined label to fail at Assemble")
	}
}

func TestAbsolutePatch_RecordsOffset(t *testing.T) {
	a := New()
	off := a.EmitImm64(0x42)
	a.MarkAbsolutePatch(off)
	_, patches, err := a.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	if len(patches) != 1 || patches[0] != off {
		t.Errorf("patches = %v, want [%d]", patches, off)
	}
}

func TestMovImm64Patchable_OffsetSkipsPrefixAndOpcode(t *testing.T) {
	a := New()
	a.Push(amd64.RBP) // a leading instruction, so the offset isn't trivially 0
	off := a.MovImm64Patchable(amd64.R10)
	a.MarkAbsolutePatch(off)
	code, patches, err := a.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	if len(patches) != 1 || patches[0] != off {
		t.Fatalf("patches = %v, want [%d]", patches, off)
	}

	insts := decodeAll(t, code)
	if insts[1].Op != x86asm.MOV {
		t.Fatalf("second instruction = %v, want MOV", insts[1].Op)
	}
	if insts[1].Len != 10 {
		t.Fatalf("movabs r10, imm64 length = %d, want 10", insts[1].Len)
	}
	// The two-byte REX+opcode prefix precedes the patched immediate.
	if code[off] != 0 || code[off+7] != 0 {
		t.Errorf("placeholder immediate at offset %d was not all-zero before patching", off)
	}
}

func TestJmpAbsolute_EncodesPushMovRet(t *testing.T) {
	a := New()
	a.JmpAbsolute(0x1122334455667788)
	code, _, err := a.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	insts := decodeAll(t, code)
	wantOps := []x86asm.Op{x86asm.PUSH, x86asm.MOV, x86asm.RET}
	if len(insts) != len(wantOps) {
		t.Fatalf("got %d instructions, want %d", len(insts), len(wantOps))
	}
	for i, want := range wantOps {
		if insts[i].Op != want {
			t.Errorf("instruction %d = %v, want %v", i, insts[i].Op, want)
		}
	}
}
