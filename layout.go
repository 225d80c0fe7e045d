package crabtree

import (
	"bytes"
	"encoding/binary"
)

// Layout orders the keys of a tree. Keys are opaque byte strings to the tree;
// the layout decides what they mean.
type Layout interface {
	Compare(a, b []byte) int
}

// BytewiseLayout orders keys lexicographically. It is the default.
type BytewiseLayout struct{}

func (BytewiseLayout) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Int64Layout orders 8-byte signed integer keys built with Key.
type Int64Layout struct{}

// Key encodes v so that bytewise order matches numeric order.
func (Int64Layout) Key(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
	return buf[:]
}

// Decode reverses Key.
func (Int64Layout) Decode(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key) ^ (1 << 63))
}

func (Int64Layout) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}
