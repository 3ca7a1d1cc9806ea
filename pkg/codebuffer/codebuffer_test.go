package codebuffer

import (
	"bytes"
	"testing"
)

func TestAppend_PatchIsBaseRelative(t *testing.T) {
	cb := New(0)
	defer cb.Close()

	data := make([]byte, 16)
	putLEUint64(data[8:16], 0x42) // pre-install value, patched at install time

	base, err := cb.Append(data, []int{8})
	if err != nil {
		t.Fatal(err)
	}

	got, err := cb.Read(base+8, 8)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, 8)
	putLEUint64(want, uint64(base)+0x42)
	if !bytes.Equal(got, want) {
		t.Errorf("patched bytes = % X, want % X", got, want)
	}
}

func TestAppend_PatchAtNonzeroBlockOffset(t *testing.T) {
	cb := New(0)
	defer cb.Close()

	// Push the second append away from the block's start, so the patch must
	// resolve to the installed copy's own base, not the block's.
	if _, err := cb.Append(make([]byte, 64), nil); err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 16)
	putLEUint64(data[0:8], 0x10)
	base, err := cb.Append(data, []int{0})
	if err != nil {
		t.Fatal(err)
	}

	got, err := cb.Read(base, 8)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, 8)
	putLEUint64(want, uint64(base)+0x10)
	if !bytes.Equal(got, want) {
		t.Errorf("patched bytes = % X, want % X", got, want)
	}
}

func TestTotalUsedBytes_AccumulatesAcrossAppendAndOverwrite(t *testing.T) {
	cb := New(4096)
	defer cb.Close()

	if _, err := cb.Append(make([]byte, 32), nil); err != nil {
		t.Fatal(err)
	}
	if got := cb.TotalUsedBytes(); got != 32 {
		t.Fatalf("after first append, TotalUsedBytes = %d, want 32", got)
	}

	base, err := cb.Append(make([]byte, 16), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := cb.TotalUsedBytes(); got != 48 {
		t.Fatalf("after second append, TotalUsedBytes = %d, want 48", got)
	}

	// Overwrite within the already-used range must not double-count.
	if err := cb.Overwrite(base, make([]byte, 16), nil); err != nil {
		t.Fatal(err)
	}
	if got := cb.TotalUsedBytes(); got != 48 {
		t.Errorf("overwrite of already-used bytes changed TotalUsedBytes to %d, want 48", got)
	}
}

func TestOverwrite_StraddlingBlockBoundaryIsRejected(t *testing.T) {
	cb := New(4096)
	defer cb.Close()

	base, err := cb.Append(make([]byte, 32), nil)
	if err != nil {
		t.Fatal(err)
	}

	blockEnd := base + uintptr(cb.blocks[0].free()) + 32
	_ = blockEnd
	// Request a write that starts inside the block and runs past its end.
	tooFar := base + uintptr(len(cb.blocks[0].mem)) - 4
	err = cb.Overwrite(tooFar, make([]byte, 8), nil)
	if err == nil {
		t.Fatal("expected an out-of-range overwrite to fail")
	}
	if _, ok := err.(*FatalError); !ok {
		t.Errorf("expected *FatalError, got %T", err)
	}
}

func TestAppend_SmallestFit(t *testing.T) {
	cb := New(4096)
	defer cb.Close()

	// Two blocks: one with 100 bytes free after the first append, another
	// with 10 free after the second. A later append of 50 bytes should land
	// in the first block.
	if _, err := cb.Append(make([]byte, 4096-100), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := cb.Append(make([]byte, 4096-10), nil); err != nil {
		t.Fatal(err)
	}
	if len(cb.blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(cb.blocks))
	}

	before0, before1 := cb.blocks[0].used, cb.blocks[1].used
	if _, err := cb.Append(make([]byte, 50), nil); err != nil {
		t.Fatal(err)
	}
	if cb.blocks[0].used != before0+50 {
		t.Errorf("expected smallest-fit block 0 to grow by 50, got %d -> %d", before0, cb.blocks[0].used)
	}
	if cb.blocks[1].used != before1 {
		t.Errorf("block 1 should not have been touched, got %d -> %d", before1, cb.blocks[1].used)
	}
}
