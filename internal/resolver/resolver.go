// Package resolver implements the runtime resolver the compiler
// coordinates with to compile additional fragments on demand. A caller that only knows a function's
// FunctionContext and the concrete argument types it is about to pass gets
// back a stub address immediately; before that stub is first called,
// Resolve compiles the real fragment (if it isn't already cached) and
// repatches the stub in place via pkg/codebuffer.Overwrite so every future
// call through that same stub address lands directly on compiled code
// without another indirection.
//
// A stub cannot trap back into Go to trigger compilation itself -- doing so
// would need a native-code-to-Go callback, the same ABI crossing
// internal/nativecall exists to go the other direction (Go calling native),
// and building that direction too is out of scope here. So resolution is
// driven by the Go-side caller (a test, or cmd/nsjit) checking whether a
// fragment is already compiled and calling Resolve before first use, rather
// than by the JIT'd code trapping into the resolver mid-flight. This is
// recorded as a deliberate simplification, not an oversight.
package resolver

import (
	"github.com/lcox74/nsjit/internal/compiler"
	"github.com/lcox74/nsjit/internal/context"
	"github.com/lcox74/nsjit/internal/types"
	"github.com/lcox74/nsjit/pkg/asm"
	"github.com/lcox74/nsjit/pkg/codebuffer"
)

// Resolver installs and repatches stub trampolines for the compiler it
// wraps.
type Resolver struct {
	c  *compiler.Compiler
	cb *codebuffer.CodeBuffer

	// trapAddr is the address every freshly installed stub jumps to before
	// it has ever been resolved. It should never actually run in normal use
	// (Resolve always repatches a stub before the stub's first real call),
	// so it just loops forever -- a hang here means a call site was
	// invoked without going through Resolve first.
	trapAddr uintptr
}

// New builds a Resolver over c, installing its shared unresolved-stub trap
// routine into cb.
func New(c *compiler.Compiler, cb *codebuffer.CodeBuffer) (*Resolver, error) {
	trap := asm.New()
	trapLabel := "trap"
	trap.DefineLabel(trapLabel)
	trap.JmpLabel(trapLabel)
	code, _, err := trap.Assemble()
	if err != nil {
		return nil, err
	}
	addr, err := cb.Append(code, nil)
	if err != nil {
		return nil, err
	}
	return &Resolver{c: c, cb: cb, trapAddr: addr}, nil
}

// EnsureStub returns the stub address callers should bind to for
// (fc, argTypes), installing a fresh unresolved trap stub on first request.
// The returned address is stable for the fragment's lifetime: Resolve
// repatches it in place rather than relocating it.
func (r *Resolver) EnsureStub(fc *context.FunctionContext, argTypes []types.Value) (uintptr, error) {
	key := context.FragmentKey(types.SignatureOf(argTypes))
	frag, ok := fc.Fragments[key]
	if !ok {
		frag = &context.Fragment{Signature: key, ArgTypes: argTypes}
		fc.Fragments[key] = frag
	}
	if frag.StubAddr != 0 {
		return frag.StubAddr, nil
	}

	a := asm.New()
	a.JmpAbsolute(uint64(r.trapAddr))
	code, _, err := a.Assemble()
	if err != nil {
		return 0, err
	}
	addr, err := r.cb.Append(code, nil)
	if err != nil {
		return 0, err
	}
	frag.StubAddr = addr
	return addr, nil
}

// Resolve compiles (or reuses the cached compilation of) cf for argTypes and
// repatches the stub previously handed out by EnsureStub, if any, to jump
// straight to the compiled fragment. It returns the fragment's real entry
// address, which callers that have not cached a stub address can call
// directly.
func (r *Resolver) Resolve(cf *compiler.CompiledFunction, fc *context.FunctionContext, argTypes []types.Value) (uintptr, error) {
	key := context.FragmentKey(types.SignatureOf(argTypes))

	// Compile replaces fc.Fragments[key] with a freshly built *Fragment, so
	// capture any stub address EnsureStub installed before calling it, and
	// restore it afterward -- otherwise the first Resolve call for a given
	// signature would silently forget where its stub lives.
	var stubAddr uintptr
	if frag, ok := fc.Fragments[key]; ok {
		stubAddr = frag.StubAddr
	}

	addr, err := r.c.Compile(cf, argTypes)
	if err != nil {
		return 0, err
	}

	if frag, ok := fc.Fragments[key]; ok {
		frag.StubAddr = stubAddr
	}

	if stubAddr != 0 {
		patch := asm.New()
		patch.JmpAbsolute(uint64(addr))
		code, _, err := patch.Assemble()
		if err != nil {
			return 0, err
		}
		if err := r.cb.Overwrite(stubAddr, code, nil); err != nil {
			return 0, err
		}
	}
	return addr, nil
}
