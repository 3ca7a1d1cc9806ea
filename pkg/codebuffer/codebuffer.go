// Package codebuffer installs assembled byte strings into executable
// memory. It owns one or more memory-mapped blocks with page-level
// execute/write protection, serving variable-sized code chunks smallest-fit
// and supporting in-place overwrite for stub repatching.
package codebuffer

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultBlockSize is used when a requested append does not specify a
// larger size itself.
const DefaultBlockSize = 64 * 1024

const pageSize = 4096

// FatalError marks unrecoverable conditions: a failed mapping, or an
// overwrite whose range straddles block boundaries.
type FatalError struct{ Msg string }

func (e *FatalError) Error() string { return "codebuffer: " + e.Msg }

type block struct {
	mem      []byte
	base     uintptr
	used     int
	writable bool
}

func newBlock(size int) (*block, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, &FatalError{Msg: fmt.Sprintf("mmap failed: %v", err)}
	}
	return &block{mem: mem, base: uintptr(unsafe.Pointer(&mem[0]))}, nil
}

func (b *block) free() int { return len(b.mem) - b.used }

// write copies data at the given in-block offset, flipping the block to
// R|W|X for the duration and applying each absolute patch (adding the
// installed copy's base address, b.base+offset, to the 8 bytes at that
// patch offset) before flipping back to R|X.
func (b *block) write(offset int, data []byte, absPatches []int) error {
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return &FatalError{Msg: fmt.Sprintf("mprotect RWX failed: %v", err)}
	}
	copy(b.mem[offset:], data)
	for _, p := range absPatches {
		at := offset + p
		v := leUint64(b.mem[at : at+8])
		putLEUint64(b.mem[at:at+8], v+uint64(b.base)+uint64(offset))
	}
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return &FatalError{Msg: fmt.Sprintf("mprotect RX failed: %v", err)}
	}
	return nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLEUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

// CodeBuffer is a collection of executable blocks, kept in creation order;
// Append scans them for the smallest one that fits. Every method takes an
// internal mutex, so appends, overwrites and their page-protection flips
// are serialized.
type CodeBuffer struct {
	mu         sync.Mutex
	blockSize  int
	blocks     []*block
	totalSize  int
	totalUsed  int
}

// New creates an empty CodeBuffer whose blocks default to blockSize bytes
// (rounded up to the next page), growing larger only to fit an
// over-sized single append.
func New(blockSize int) *CodeBuffer {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &CodeBuffer{blockSize: alignUp(blockSize, pageSize)}
}

// Append installs data into a block with enough free space (smallest-fit),
// allocating a new block if none fits, and returns the installed base
// address. absPatches are byte offsets (relative to the start of data) of
// 8-byte little-endian integers that must have the returned base address
// added to them.
func (c *CodeBuffer) Append(data []byte, absPatches []int) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *block
	for _, b := range c.blocks {
		if b.free() >= len(data) {
			if best == nil || b.free() < best.free() {
				best = b
			}
		}
	}

	if best == nil {
		size := c.blockSize
		if len(data) > size {
			size = alignUp(len(data), pageSize)
		}
		nb, err := newBlock(size)
		if err != nil {
			return 0, err
		}
		c.blocks = append(c.blocks, nb)
		c.totalSize += size
		best = nb
	}

	offset := best.used
	if err := best.write(offset, data, absPatches); err != nil {
		return 0, err
	}
	best.used += len(data)
	c.totalUsed += len(data)
	return best.base + uintptr(offset), nil
}

// Overwrite replaces len(data) bytes at a previously returned address,
// applying absPatches the same way Append does. The range must lie within a
// single block and within that block's already-installed bytes, or at most
// extend it by the usual append discipline.
func (c *CodeBuffer) Overwrite(where uintptr, data []byte, absPatches []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range c.blocks {
		if where < b.base || where >= b.base+uintptr(len(b.mem)) {
			continue
		}
		offset := int(where - b.base)
		end := offset + len(data)
		if end > len(b.mem) {
			return &FatalError{Msg: "overwrite range straddles block boundary"}
		}
		if err := b.write(offset, data, absPatches); err != nil {
			return err
		}
		if end > b.used {
			c.totalUsed += end - b.used
			b.used = end
		}
		return nil
	}
	return &FatalError{Msg: fmt.Sprintf("address %#x is not within any block", where)}
}

// TotalSize returns the sum of all block sizes (mapped, not necessarily
// used).
func (c *CodeBuffer) TotalSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// TotalUsedBytes returns the sum of bytes passed across Append calls and any
// Overwrite call that extended a block's used range.
func (c *CodeBuffer) TotalUsedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalUsed
}

// Read returns a copy of n bytes starting at addr, for inspection in tests
// (reading executable memory directly is safe; only writes require the
// protection flip).
func (c *CodeBuffer) Read(addr uintptr, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blocks {
		if addr < b.base || addr >= b.base+uintptr(len(b.mem)) {
			continue
		}
		offset := int(addr - b.base)
		if offset+n > len(b.mem) {
			return nil, &FatalError{Msg: "read range straddles block boundary"}
		}
		out := make([]byte, n)
		copy(out, b.mem[offset:offset+n])
		return out, nil
	}
	return nil, &FatalError{Msg: fmt.Sprintf("address %#x is not within any block", addr)}
}

// Close releases all mapped blocks. The CodeBuffer must not be used
// afterward.
func (c *CodeBuffer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, b := range c.blocks {
		if err := unix.Munmap(b.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.blocks = nil
	return firstErr
}
