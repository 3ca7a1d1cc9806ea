// Package nativecall bridges Go and raw System V AMD64 machine code. A
// compiled fragment's entry point is a plain code address, not a Go func
// value, and Go's own calling convention does not place arguments in the
// registers System V (and therefore every fragment this module emits)
// expects. The asm stubs in call_amd64.s set those registers up and CALL
// the address directly, the native bridge a single-binary C runtime would
// get for free from its linker.
//
// Fragments reserve R15 as the active-exception register (NULL = no
// exception in flight). Every stub zeroes R15 before the call so a fragment
// never observes a stale exception from an earlier invocation; CallInt64Exc
// additionally reads R15 back out so the Go-side caller can tell a raise
// apart from a normal return.
package nativecall

// CallInt64 invokes fn as a System V function taking up to six integer
// arguments (RDI, RSI, RDX, RCX, R8, R9) and returning a 64-bit integer in
// RAX. Unused trailing arguments should be zero.
func CallInt64(fn uintptr, a0, a1, a2, a3, a4, a5 int64) int64

// CallInt64Exc is CallInt64 plus the post-call value of R15: zero if the
// fragment returned normally, or the raised exception object's address if
// it exited by unwinding.
func CallInt64Exc(fn uintptr, a0, a1, a2, a3, a4, a5 int64) (ret int64, exc uintptr)

// CallFloat64 invokes fn as a System V function taking one float64 argument
// in XMM0 and returning a float64 in XMM0.
func CallFloat64(fn uintptr, a0 float64) float64

// CallFloat64x2 invokes fn as a System V function taking two float64
// arguments in XMM0/XMM1 and returning a float64 in XMM0.
func CallFloat64x2(fn uintptr, a0, a1 float64) float64

// CallVoid1 invokes fn as a System V function taking one pointer-sized
// argument in RDI and returning nothing. Used for destructors, whose
// signature is void(void *self).
func CallVoid1(fn uintptr, a0 uintptr)
