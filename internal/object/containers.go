package object

// List, Tuple and the string types (Bytes/Unicode, unified into one
// "string object" shape since this build treats Unicode as UTF-8-encoded
// bytes, matching Go's own string representation) are laid out byte-exact
// as a fixed ABI contract, the same way instance.go lays out class
// instances: a
// fragment addresses an element or the backing data pointer directly with
// [ptr+offset] rather than going through a native call for every access.
//
// A list's items live in a separate backing allocation (ListItemsOffset
// holds a pointer to it) so that growing or replacing the backing array
// never moves the list header itself; a tuple's slots are immutable once
// built and so are stored inline right after its count, followed by a
// refcount bitmap with one bit per slot. Both containers and the compiler's
// own bump allocator (the routine at internal/compiler.Runtime.AllocAddr) agree on these
// offsets -- there is no Go-side allocation for values a fragment builds
// itself at runtime, only for the Go-backed constructors below, used by
// tests and by module-level values built before any fragment runs.

import (
	"encoding/binary"
	"unsafe"
)

const (
	ListCountOffset = 16
	ListFlagOffset  = 24 // items-are-objects flag (1 byte) + 7 bytes pad
	ListItemsOffset = 32 // pointer to the backing array of 8-byte slots

	TupleCountOffset = 16
	TupleSlotsOffset = 24 // first of Count inline 8-byte slots; bitmap follows

	StrLengthOffset = 16
	StrDataOffset   = 24 // pointer to the raw byte data
)

// HeapPtr returns the raw address of buf's first byte, the pointer value a
// compiled fragment receives when buf is passed as an object argument.
func HeapPtr(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

// NewList allocates a Go-backed list of plain (non-object) items and its
// backing array. Both must be kept reachable by the caller for as long as
// JIT-emitted code may dereference the returned pointer (see instance.go's
// NewInstance for the same caveat).
func NewList(items []int64, destructor uintptr) (buf []byte, backing []byte) {
	return newList(items, false, destructor)
}

// NewObjectList is NewList with the items-are-objects flag set: each slot
// holds a counted reference the list's destructor is responsible for.
func NewObjectList(items []int64, destructor uintptr) (buf []byte, backing []byte) {
	return newList(items, true, destructor)
}

func newList(items []int64, objects bool, destructor uintptr) (buf []byte, backing []byte) {
	backing = make([]byte, 8*len(items))
	for i, v := range items {
		binary.LittleEndian.PutUint64(backing[8*i:], uint64(v))
	}
	buf = make([]byte, ListItemsOffset+8)
	*ListHeader(buf) = NewHeader(destructor)
	binary.LittleEndian.PutUint64(buf[ListCountOffset:], uint64(len(items)))
	if objects {
		buf[ListFlagOffset] = 1
	}
	if len(backing) > 0 {
		binary.LittleEndian.PutUint64(buf[ListItemsOffset:], uint64(uintptr(unsafe.Pointer(&backing[0]))))
	}
	return buf, backing
}

func ListHeader(buf []byte) *Header { return (*Header)(unsafe.Pointer(&buf[0])) }

func ListLen(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf[ListCountOffset:]))
}

// ListItemsAreObjects reads the items-are-objects flag.
func ListItemsAreObjects(buf []byte) bool { return buf[ListFlagOffset] != 0 }

func listItemsPtr(buf []byte) uintptr {
	return uintptr(binary.LittleEndian.Uint64(buf[ListItemsOffset:]))
}

// ListGet reads element i (a raw 8-byte slot: either a boxed int64/float64
// bit pattern or a pointer to another heap object, per the element's static
// type as tracked by internal/compiler).
func ListGet(buf []byte, i int) int64 {
	p := listItemsPtr(buf) + uintptr(8*i)
	return *(*int64)(unsafe.Pointer(p))
}

func ListSet(buf []byte, i int, v int64) {
	p := listItemsPtr(buf) + uintptr(8*i)
	*(*int64)(unsafe.Pointer(p)) = v
}

// ReleaseListItems releases every item of an items-are-objects list, the
// work the table-provided list destructor does before freeing the backing
// array.
func ReleaseListItems(buf []byte) {
	if !ListItemsAreObjects(buf) {
		return
	}
	n := int(ListLen(buf))
	for i := 0; i < n; i++ {
		if p := ListGet(buf, i); p != 0 {
			DeleteReference(HeaderOf(unsafe.Pointer(uintptr(p))))
		}
	}
}

// tupleBitmapLen returns the byte length of an n-slot tuple's refcount
// bitmap: (n+7)/8.
func tupleBitmapLen(n int) int { return (n + 7) / 8 }

// NewTuple allocates a Go-backed tuple whose slots hold plain values: the
// refcount bitmap after the slots is all zero.
func NewTuple(items []int64, destructor uintptr) []byte {
	return NewOwnedTuple(items, nil, destructor)
}

// NewOwnedTuple allocates a tuple whose per-slot refcount bitmap is set from
// owned (nil means no slot is counted). Slots marked owned hold a counted
// reference the tuple's destructor must release.
func NewOwnedTuple(items []int64, owned []bool, destructor uintptr) []byte {
	n := len(items)
	buf := make([]byte, TupleSlotsOffset+8*n+tupleBitmapLen(n))
	*TupleHeader(buf) = NewHeader(destructor)
	binary.LittleEndian.PutUint64(buf[TupleCountOffset:], uint64(n))
	for i, v := range items {
		binary.LittleEndian.PutUint64(buf[TupleSlotsOffset+8*i:], uint64(v))
	}
	for i := range owned {
		if owned[i] {
			buf[TupleSlotsOffset+8*n+i/8] |= 1 << (i % 8)
		}
	}
	return buf
}

func TupleHeader(buf []byte) *Header { return (*Header)(unsafe.Pointer(&buf[0])) }

func TupleLen(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf[TupleCountOffset:]))
}

func TupleGet(buf []byte, i int) int64 {
	return int64(binary.LittleEndian.Uint64(buf[TupleSlotsOffset+8*i:]))
}

// TupleOwnsSlot consults the refcount bitmap for slot i.
func TupleOwnsSlot(buf []byte, i int) bool {
	n := int(TupleLen(buf))
	return buf[TupleSlotsOffset+8*n+i/8]&(1<<(i%8)) != 0
}

// ReleaseTupleSlots releases every slot the bitmap marks as owned, the work
// the table-provided tuple destructor does before freeing the block.
func ReleaseTupleSlots(buf []byte) {
	n := int(TupleLen(buf))
	for i := 0; i < n; i++ {
		if !TupleOwnsSlot(buf, i) {
			continue
		}
		if p := TupleGet(buf, i); p != 0 {
			DeleteReference(HeaderOf(unsafe.Pointer(uintptr(p))))
		}
	}
}

// NewString allocates a Go-backed string object (used for both the Bytes
// and Unicode type tags; see the package comment) and its data backing.
func NewString(s string, destructor uintptr) (buf []byte, data []byte) {
	data = []byte(s)
	buf = make([]byte, StrDataOffset+8)
	*StringHeader(buf) = NewHeader(destructor)
	binary.LittleEndian.PutUint64(buf[StrLengthOffset:], uint64(len(data)))
	if len(data) > 0 {
		binary.LittleEndian.PutUint64(buf[StrDataOffset:], uint64(uintptr(unsafe.Pointer(&data[0]))))
	}
	return buf, data
}

func StringHeader(buf []byte) *Header { return (*Header)(unsafe.Pointer(&buf[0])) }

func StringLen(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf[StrLengthOffset:]))
}

func stringDataPtr(buf []byte) uintptr {
	return uintptr(binary.LittleEndian.Uint64(buf[StrDataOffset:]))
}

// StringValue reads buf's bytes back out as a Go string, for tests to
// inspect a fragment's result.
func StringValue(buf []byte) string {
	n := StringLen(buf)
	if n == 0 {
		return ""
	}
	return readString(stringDataPtr(buf), n)
}

// StringValueAt reads a string object by raw address, for inspecting a
// string a fragment built itself (in the Runtime's arena) and returned as a
// bare pointer.
func StringValueAt(p uintptr) string {
	n := *(*int64)(unsafe.Pointer(p + StrLengthOffset))
	if n == 0 {
		return ""
	}
	data := *(*uintptr)(unsafe.Pointer(p + StrDataOffset))
	return readString(data, n)
}

func readString(p uintptr, n int64) string {
	out := make([]byte, n)
	for i := int64(0); i < n; i++ {
		out[i] = *(*byte)(unsafe.Pointer(p + uintptr(i)))
	}
	return string(out)
}
