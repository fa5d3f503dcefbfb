// Package entry defines the fixed-width record shared by the buffer, runs,
// and load files.
package entry

import (
	"encoding/binary"
	"math"
)

// Size is the on-disk width of a single record: an 8-byte key followed by
// an 8-byte value, little-endian.
const Size = 16

// Tombstone is the sentinel value marking a logical delete. No user value
// may equal it.
const Tombstone int64 = math.MinInt64

// Entry is the atomic (key, value) record.
type Entry struct {
	Key   int64
	Value int64
}

// IsTombstone reports whether e represents a delete.
func (e Entry) IsTombstone() bool {
	return e.Value == Tombstone
}

// Encode writes e into b[:Size].
func Encode(e Entry, b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(e.Key))
	binary.LittleEndian.PutUint64(b[8:16], uint64(e.Value))
}

// Decode reads an Entry out of b[:Size].
func Decode(b []byte) Entry {
	return Entry{
		Key:   int64(binary.LittleEndian.Uint64(b[0:8])),
		Value: int64(binary.LittleEndian.Uint64(b[8:16])),
	}
}
