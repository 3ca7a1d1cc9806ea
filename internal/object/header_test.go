package object

import "testing"

func TestAddDeleteReference_NilDestructorRefcountRoundTrip(t *testing.T) {
	ran := 0
	h := NewHeader(0)
	AddReference(&h)
	if h.Refcount != 2 {
		t.Fatalf("refcount = %d, want 2", h.Refcount)
	}

	// A nil-destructor header must not call anything, and must not panic,
	// when it reaches zero.
	DeleteReference(&h)
	if h.Refcount != 1 {
		t.Fatalf("refcount = %d, want 1", h.Refcount)
	}
	DeleteReference(&h)
	if h.Refcount != 0 {
		t.Fatalf("refcount = %d, want 0", h.Refcount)
	}
	_ = ran
}

func TestDeleteReference_UnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double-free")
		}
	}()
	h := Header{Refcount: 0}
	DeleteReference(&h)
}

func TestList_RoundTripAndRelease(t *testing.T) {
	child := NewInstance(0, 0, 0)
	buf, backing := NewObjectList([]int64{int64(HeapPtr(child))}, 0)
	defer func() { _ = backing }()

	if ListLen(buf) != 1 {
		t.Fatalf("ListLen = %d, want 1", ListLen(buf))
	}
	if !ListItemsAreObjects(buf) {
		t.Fatal("items-are-objects flag not set")
	}
	AddReference(InstanceHeader(child)) // the list's own slot reference

	ReleaseListItems(buf)
	if got := InstanceHeader(child).Refcount; got != 1 {
		t.Errorf("child refcount after release = %d, want 1", got)
	}
}

func TestTuple_RefcountBitmap(t *testing.T) {
	child := NewInstance(0, 0, 0)
	AddReference(InstanceHeader(child)) // the tuple slot's reference
	buf := NewOwnedTuple([]int64{42, int64(HeapPtr(child))}, []bool{false, true}, 0)

	if TupleLen(buf) != 2 {
		t.Fatalf("TupleLen = %d, want 2", TupleLen(buf))
	}
	if TupleOwnsSlot(buf, 0) || !TupleOwnsSlot(buf, 1) {
		t.Fatalf("bitmap = [%v %v], want [false true]", TupleOwnsSlot(buf, 0), TupleOwnsSlot(buf, 1))
	}
	if TupleGet(buf, 0) != 42 {
		t.Errorf("slot 0 = %d, want 42", TupleGet(buf, 0))
	}

	ReleaseTupleSlots(buf)
	if got := InstanceHeader(child).Refcount; got != 1 {
		t.Errorf("child refcount after release = %d, want 1", got)
	}
}

func TestString_ValueAt(t *testing.T) {
	buf, data := NewString("hello", 0)
	defer func() { _ = data }()
	if got := StringValueAt(HeapPtr(buf)); got != "hello" {
		t.Errorf("StringValueAt = %q, want %q", got, "hello")
	}
	if StringLen(buf) != 5 {
		t.Errorf("StringLen = %d, want 5", StringLen(buf))
	}
}

func TestInstance_AttrRoundTrip(t *testing.T) {
	buf := NewInstance(7, 2, 0)
	if InstanceClassID(buf) != 7 {
		t.Fatalf("class id = %d, want 7", InstanceClassID(buf))
	}
	SetInstanceAttr(buf, 0, 0xdeadbeef)
	SetInstanceAttr(buf, 1, 0)
	if got := InstanceAttr(buf, 0); got != 0xdeadbeef {
		t.Errorf("attr 0 = %#x, want 0xdeadbeef", got)
	}
	if AttrOffset(1) != InstanceAttrsOffset+8 {
		t.Errorf("AttrOffset(1) = %d, want %d", AttrOffset(1), InstanceAttrsOffset+8)
	}
}
