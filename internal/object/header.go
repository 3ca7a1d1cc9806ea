// Package object implements the common heap-object header and the built-in
// container types whose byte layout is a fixed ABI contract. Most operations
// here are plain Go, the host-side counterparts of the assembled helper
// routines; the Header layout itself is byte-exact so that JIT-emitted code
// can address refcount and destructor fields directly, and so that
// internal/compiler's synthesized destructors (raw machine code, not Go
// closures) can be installed as a Header's Destructor pointer.
package object

import (
	"sync/atomic"
	"unsafe"

	"github.com/lcox74/nsjit/internal/nativecall"
)

// Header is the common prefix of every reference-counted heap object:
// {refcount uint64, destructor uintptr}. A
// Destructor of 0 means the object is trivially poolable.
type Header struct {
	Refcount   uint64
	Destructor uintptr
}

// NewHeader returns a Header with one reference held (the one returned to
// the allocator's caller).
func NewHeader(destructor uintptr) Header {
	return Header{Refcount: 1, Destructor: destructor}
}

// AddReference atomically increments h's refcount and returns the new
// value.
func AddReference(h *Header) uint64 {
	if h == nil {
		return 0
	}
	return atomic.AddUint64(&h.Refcount, 1)
}

// DeleteReference atomically decrements h's refcount. If it reaches zero,
// h's destructor runs exactly once, invoked through the same native-call
// bridge JIT-emitted code uses so that Go-synthesized destructors and
// machine-code-synthesized destructors behave identically.
func DeleteReference(h *Header) {
	if h == nil {
		return
	}
	n := atomic.AddUint64(&h.Refcount, ^uint64(0)) // -1
	if n == ^uint64(0) {
		panic("object: delete_reference underflow (refcount was already 0)")
	}
	if n != 0 {
		return
	}
	if h.Destructor != 0 {
		nativecall.CallVoid1(h.Destructor, uintptr(unsafe.Pointer(h)))
	}
}

// HeaderOf reinterprets a raw pointer to any object beginning with a Header
// (by Go struct-embedding or by the manual-layout helpers in instance.go)
// as *Header.
func HeaderOf(p unsafe.Pointer) *Header {
	return (*Header)(p)
}
