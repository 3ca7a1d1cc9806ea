package dict

import "encoding/binary"

// BytesKeyOps treats keys as []byte (also used for Unicode keys, encoded as
// UTF-8 bytes by the caller before insertion).
type BytesKeyOps struct{}

func (BytesKeyOps) Length(k interface{}) int        { return len(k.([]byte)) }
func (BytesKeyOps) ByteAt(k interface{}, i int) byte { return k.([]byte)[i] }
func (BytesKeyOps) Equal(a, b interface{}) bool {
	ab, bb := a.([]byte), b.([]byte)
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}

// IntKeyOps lets integer keys share the byte-oriented trie: an int64 key
// is compared as its 8-byte big-endian representation with the sign bit
// flipped, so crit-bit's byte-at-a-time comparison produces the same
// ordering as ordinary integer comparison (big-endian makes the
// most-significant byte diverge first, and the flipped sign bit puts every
// negative key before every non-negative one).
type IntKeyOps struct{}

func (IntKeyOps) Length(interface{}) int { return 8 }
func (IntKeyOps) ByteAt(k interface{}, i int) byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(k.(int64))^(1<<63))
	return buf[i]
}
func (IntKeyOps) Equal(a, b interface{}) bool { return a.(int64) == b.(int64) }
