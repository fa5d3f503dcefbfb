// Package buffer implements the in-memory write tier above level 0: a
// bounded, sorted map of key to value.
package buffer

import (
	"github.com/huandu/skiplist"

	"lsmkv/compare"
	"lsmkv/entry"
)

// Buffer is the LSM tree's write tier. At most Capacity distinct keys are
// held at once; Put on a full buffer with an unseen key fails and the
// caller must flush.
type Buffer struct {
	capacity int
	list     *skiplist.SkipList
}

// compareKeys orders the skip list's int64 keys ascending via the
// GreaterThanFunc adapter huandu/skiplist expects.
func compareKeys(a, b interface{}) int {
	return compare.Default.Compare(a.(int64), b.(int64))
}

// New builds an empty buffer bounded at capacity entries.
func New(capacity int) *Buffer {
	return &Buffer{
		capacity: capacity,
		list:     skiplist.New(skiplist.GreaterThanFunc(compareKeys)),
	}
}

// Put inserts or overwrites key with value. It returns false iff the
// buffer was already at capacity and key was not already present, in
// which case no write happened and the caller must flush before retrying.
func (b *Buffer) Put(key, value int64) bool {
	if b.list.Get(key) == nil && b.list.Len() >= b.capacity {
		return false
	}
	b.list.Set(key, value)
	return true
}

// Get returns the stored value for key, which may be entry.Tombstone.
func (b *Buffer) Get(key int64) (int64, bool) {
	elem := b.list.Get(key)
	if elem == nil {
		return 0, false
	}
	return elem.Value.(int64), true
}

// Range returns every entry with lo <= key <= hiInclusive, ascending.
func (b *Buffer) Range(lo, hiInclusive int64) []entry.Entry {
	var out []entry.Entry
	for elem := b.list.Find(lo); elem != nil; elem = elem.Next() {
		key := elem.Key().(int64)
		if key > hiInclusive {
			break
		}
		out = append(out, entry.Entry{Key: key, Value: elem.Value.(int64)})
	}
	return out
}

// Entries returns every entry in ascending key order, used by flush.
func (b *Buffer) Entries() []entry.Entry {
	out := make([]entry.Entry, 0, b.list.Len())
	for elem := b.list.Front(); elem != nil; elem = elem.Next() {
		out = append(out, entry.Entry{Key: elem.Key().(int64), Value: elem.Value.(int64)})
	}
	return out
}

// Len returns the number of distinct keys currently buffered.
func (b *Buffer) Len() int {
	return b.list.Len()
}

// Empty clears every entry, called after a flush drains the buffer.
func (b *Buffer) Empty() {
	b.list.Init()
}
