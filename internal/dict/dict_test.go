package dict

import (
	"testing"

	"github.com/lcox74/nsjit/internal/object"
)

func h() *object.Header {
	hd := object.NewHeader(0)
	return &hd
}

func TestDict_BytesKeys_SetGetDelete(t *testing.T) {
	d := New(BytesKeyOps{})
	v1, v2 := h(), h()
	d.Set([]byte("alpha"), v1)
	d.Set([]byte("beta"), v2)
	if d.Len() != 2 {
		t.Fatalf("len = %d, want 2", d.Len())
	}
	if got := d.Get([]byte("alpha")); got != v1 {
		t.Errorf("get(alpha) = %v, want %v", got, v1)
	}
	if got := d.Get([]byte("missing")); got != nil {
		t.Errorf("get(missing) = %v, want nil", got)
	}
	d.Delete([]byte("alpha"))
	if d.Len() != 1 {
		t.Fatalf("len after delete = %d, want 1", d.Len())
	}
	if got := d.Get([]byte("alpha")); got != nil {
		t.Errorf("get(alpha) after delete = %v, want nil", got)
	}
}

func TestDict_IntKeys_OrderingMatchesNumeric(t *testing.T) {
	d := New(IntKeyOps{})
	keys := []int64{5, -3, 100, 0, -1000}
	for _, k := range keys {
		d.Set(k, h())
	}
	seen := map[int64]bool{}
	var order []int64
	tr := d.Iterate()
	for {
		k, _, ok := tr.Next()
		if !ok {
			break
		}
		seen[k.(int64)] = true
		order = append(order, k.(int64))
	}
	for _, k := range keys {
		if !seen[k] {
			t.Errorf("key %d missing from traversal", k)
		}
	}
	for i := 1; i < len(order); i++ {
		if order[i-1] >= order[i] {
			t.Errorf("traversal order %v is not ascending numeric order", order)
			break
		}
	}
}

func TestDict_Traversal_VisitsEveryKeyOnce(t *testing.T) {
	d := New(BytesKeyOps{})
	want := map[string]bool{"a": true, "ab": true, "b": true, "ba": true, "": true}
	for k := range want {
		d.Set([]byte(k), h())
	}
	got := map[string]int{}
	tr := d.Iterate()
	for {
		k, _, ok := tr.Next()
		if !ok {
			break
		}
		got[string(k.([]byte))]++
	}
	if len(got) != len(want) {
		t.Fatalf("traversal visited %d keys, want %d (%v)", len(got), len(want), got)
	}
	for k, n := range got {
		if n != 1 {
			t.Errorf("key %q visited %d times", k, n)
		}
		if !want[k] {
			t.Errorf("unexpected key %q in traversal", k)
		}
	}
}

func TestDict_SetOverwritesAndReleasesOldValue(t *testing.T) {
	d := New(BytesKeyOps{})
	v1 := h()
	object.AddReference(v1) // keep alive so we can observe the release
	d.Set([]byte("k"), v1)
	d.Set([]byte("k"), h())
	if v1.Refcount != 1 {
		t.Errorf("old value refcount = %d, want 1 after being overwritten", v1.Refcount)
	}
}
