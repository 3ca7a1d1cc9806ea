// Package dict implements the dictionary object as a crit-bit (PATRICIA)
// trie. Keys are generalized behind the KeyOps interface so the same trie
// backs both string/bytes keys and integer keys: an integer key is treated
// as its 8-byte big-endian representation with the sign bit flipped (see
// IntKeyOps), so ordinary byte-at-a-time
// crit-bit comparison gives correct ordering without a second code path.
package dict

import "github.com/lcox74/nsjit/internal/object"

// KeyOps abstracts over a key type so one trie implementation serves every
// key kind the language supports.
type KeyOps interface {
	// Length returns the key's length in bytes.
	Length(k interface{}) int
	// ByteAt returns the byte at index i (0 <= i < Length(k)).
	ByteAt(k interface{}, i int) byte
	// Equal reports whether two keys are identical.
	Equal(a, b interface{}) bool
}

// node is an internal crit-bit branch or a leaf. Internal nodes have both
// children set; leaves have both nil and carry a key/value.
type node struct {
	// critByte/critBitMask identify the bit this node branches on: the
	// first byte position where two keys differ, and a mask isolating the
	// highest differing bit within that byte.
	critByte    int
	critBitMask byte
	children    [2]*node // 0 = bit clear, 1 = bit set

	isLeaf bool
	key    interface{}
	value  *object.Header
}

// Dict is a crit-bit trie mapping keys (of a single KeyOps kind) to
// reference-counted values.
type Dict struct {
	ops  KeyOps
	root *node
	size int
}

func New(ops KeyOps) *Dict {
	return &Dict{ops: ops}
}

func (d *Dict) Len() int { return d.size }

func direction(ops KeyOps, k interface{}, byteIdx int, mask byte) int {
	if byteIdx >= ops.Length(k) {
		return 0
	}
	if ops.ByteAt(k, byteIdx)&mask != 0 {
		return 1
	}
	return 0
}

// find walks the trie to the leaf that would hold k if present (crit-bit
// tries never backtrack during lookup; a final key comparison is required).
func (d *Dict) find(k interface{}) *node {
	n := d.root
	for n != nil && !n.isLeaf {
		n = n.children[direction(d.ops, k, n.critByte, n.critBitMask)]
	}
	return n
}

// Get returns the value for k, or nil if absent.
func (d *Dict) Get(k interface{}) *object.Header {
	if d.root == nil {
		return nil
	}
	n := d.find(k)
	if n != nil && d.ops.Equal(n.key, k) {
		return n.value
	}
	return nil
}

// firstCritBit returns the byte offset and bit mask of the first bit at
// which a and b differ, scanning both keys as if zero-padded past their own
// length (so a key that is a strict prefix of another still diverges at a
// well-defined point).
func firstCritBit(ops KeyOps, a, b interface{}) (int, byte) {
	maxLen := ops.Length(a)
	if l := ops.Length(b); l > maxLen {
		maxLen = l
	}
	for i := 0; i <= maxLen; i++ {
		var ba, bb byte
		if i < ops.Length(a) {
			ba = ops.ByteAt(a, i)
		}
		if i < ops.Length(b) {
			bb = ops.ByteAt(b, i)
		}
		if ba != bb {
			diff := ba ^ bb
			mask := byte(1) << 7
			for mask != 0 && diff&mask == 0 {
				mask >>= 1
			}
			return i, mask
		}
	}
	// Identical keys: degenerate, caller must handle via Equal before
	// reaching here.
	return maxLen, 1
}

// Set inserts or replaces the value for k. If a value already existed,
// its reference is released; the dict's slot owns exactly one reference to
// whatever value it currently holds.
func (d *Dict) Set(k interface{}, v *object.Header) {
	if d.root == nil {
		d.root = &node{isLeaf: true, key: k, value: v}
		d.size++
		return
	}

	leaf := d.find(k)
	if d.ops.Equal(leaf.key, k) {
		if leaf.value != nil {
			object.DeleteReference(leaf.value)
		}
		leaf.value = v
		return
	}

	byteIdx, mask := firstCritBit(d.ops, leaf.key, k)
	newLeaf := &node{isLeaf: true, key: k, value: v}

	// Re-walk from the root, inserting the new branch at the first place
	// whose crit-bit position is at or after byteIdx/mask -- the standard
	// crit-bit insertion rule.
	parent := &d.root
	n := d.root
	for !n.isLeaf {
		if n.critByte > byteIdx || (n.critByte == byteIdx && n.critBitMask < mask) {
			break
		}
		dir := direction(d.ops, k, n.critByte, n.critBitMask)
		parent = &n.children[dir]
		n = *parent
	}

	branch := &node{critByte: byteIdx, critBitMask: mask}
	if direction(d.ops, k, byteIdx, mask) == 1 {
		branch.children[0] = n
		branch.children[1] = newLeaf
	} else {
		branch.children[0] = newLeaf
		branch.children[1] = n
	}
	*parent = branch
	d.size++
}

// Delete removes k, releasing its value's reference if present.
func (d *Dict) Delete(k interface{}) {
	if d.root == nil {
		return
	}
	if d.root.isLeaf {
		if d.ops.Equal(d.root.key, k) {
			if d.root.value != nil {
				object.DeleteReference(d.root.value)
			}
			d.root = nil
			d.size--
		}
		return
	}

	var grandparent, parent **node
	n := &d.root
	for !(*n).isLeaf {
		dir := direction(d.ops, k, (*n).critByte, (*n).critBitMask)
		grandparent = parent
		parent = n
		n = &(*n).children[dir]
	}
	if !d.ops.Equal((*n).key, k) {
		return
	}
	if (*n).value != nil {
		object.DeleteReference((*n).value)
	}

	// n is a field of *parent (one of its two children); replace *parent
	// with n's sibling.
	sibling := (*parent).children[0]
	if sibling == *n {
		sibling = (*parent).children[1]
	}
	if grandparent != nil {
		*grandparent = sibling
	} else {
		d.root = sibling
	}
	d.size--
}

// Traversal is a resumable in-order cursor over a Dict's keys, mirroring
// a resumable next-item walk: a stack of not-yet-descended nodes
// plus the direction already taken at each, so iteration can be driven one
// item at a time from compiled code without holding a recursive call stack.
type Traversal struct {
	stack []traversalFrame
}

type traversalFrame struct {
	n   *node
	dir int // 0 = about to descend left, 1 = about to descend right, 2 = done
}

// Iterate returns a Traversal positioned before the first item.
func (d *Dict) Iterate() *Traversal {
	t := &Traversal{}
	if d.root != nil {
		t.push(d.root)
	}
	return t
}

func (t *Traversal) push(n *node) {
	for n != nil && !n.isLeaf {
		t.stack = append(t.stack, traversalFrame{n: n, dir: 1})
		n = n.children[0]
	}
	if n != nil {
		t.stack = append(t.stack, traversalFrame{n: n, dir: 2})
	}
}

// Next returns the next (key, value) pair and true, or (nil, nil, false)
// once exhausted.
func (t *Traversal) Next() (interface{}, *object.Header, bool) {
	for len(t.stack) > 0 {
		top := &t.stack[len(t.stack)-1]
		if top.n.isLeaf {
			k, v := top.n.key, top.n.value
			t.stack = t.stack[:len(t.stack)-1]
			return k, v, true
		}
		if top.dir == 1 {
			top.dir = 2
			t.push(top.n.children[1])
			continue
		}
		t.stack = t.stack[:len(t.stack)-1]
	}
	return nil, nil, false
}
