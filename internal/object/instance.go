package object

import (
	"encoding/binary"
	"unsafe"
)

// Instance layout offsets: header (16 bytes), class id (8
// bytes), then one 8-byte slot per attribute in class-definition order.
const (
	InstanceClassIDOffset = 16
	InstanceAttrsOffset   = 24
)

// NewInstance allocates a raw instance buffer with attrCount attribute
// slots, all initially nil. The backing array is an ordinary Go byte slice:
// Go's collector does not move live heap objects, so a raw pointer into it
// stays valid for as long as some Go variable (the caller, or a registry)
// keeps the slice reachable. Callers that hand the returned pointer to
// JIT-emitted code must keep the slice alive themselves.
func NewInstance(classID uint64, attrCount int, destructor uintptr) []byte {
	buf := make([]byte, InstanceAttrsOffset+8*attrCount)
	*InstanceHeader(buf) = NewHeader(destructor)
	binary.LittleEndian.PutUint64(buf[InstanceClassIDOffset:], classID)
	return buf
}

// InstanceHeader returns the Header embedded at the start of buf.
func InstanceHeader(buf []byte) *Header {
	return (*Header)(unsafe.Pointer(&buf[0]))
}

// InstanceClassID reads the class id stored in buf.
func InstanceClassID(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[InstanceClassIDOffset:])
}

// InstancePtr returns the raw address of buf's first byte, the pointer
// value that a compiled fragment receives as "self".
func InstancePtr(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

// InstanceAttr reads attribute slot i (a raw pointer to another heap object,
// or 0 if unset).
func InstanceAttr(buf []byte, i int) uintptr {
	off := InstanceAttrsOffset + 8*i
	return uintptr(binary.LittleEndian.Uint64(buf[off : off+8]))
}

// SetInstanceAttr stores a raw pointer value into attribute slot i.
func SetInstanceAttr(buf []byte, i int, v uintptr) {
	off := InstanceAttrsOffset + 8*i
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(v))
}

// AttrOffset returns the byte offset of attribute slot i, for the compiler
// to emit direct [self+offset] addressing.
func AttrOffset(i int) int32 {
	return int32(InstanceAttrsOffset + 8*i)
}

// InstanceClassIDAt reads the class id of an instance by raw address, for
// inspecting an exception object a fragment left in the active-exception
// register.
func InstanceClassIDAt(p uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(p + InstanceClassIDOffset))
}

// InstanceAttrAt reads attribute slot i of an instance by raw address.
func InstanceAttrAt(p uintptr, i int) uintptr {
	return *(*uintptr)(unsafe.Pointer(p + uintptr(InstanceAttrsOffset+8*i)))
}
