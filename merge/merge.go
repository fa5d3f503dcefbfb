// Package merge implements the k-way merge used by Range and merge_down:
// MergeContext folds one or more ascending entry streams into a single
// ascending stream, resolving duplicate keys in favor of the
// lowest-numbered source (the most recent one).
package merge

import (
	"container/heap"

	"lsmkv/compare"
	"lsmkv/entry"
)

// source is one input stream to a merge, kept as a simple index cursor
// over a pre-sorted slice. Source index 0 is the most recent.
type source struct {
	entries []entry.Entry
	pos     int
	index   int
}

func (s *source) exhausted() bool { return s.pos >= len(s.entries) }
func (s *source) head() entry.Entry { return s.entries[s.pos] }

// sourceHeap is a min-heap of sources ordered by head key, with ties
// broken toward the lowest source index (the most recent source),
// implementing container/heap.Interface.
type sourceHeap []*source

func (h sourceHeap) Len() int { return len(h) }

func (h sourceHeap) Less(i, j int) bool {
	a, b := h[i].head(), h[j].head()
	if c := compare.Default.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return h[i].index < h[j].index
}

func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *sourceHeap) Push(x interface{}) { *h = append(*h, x.(*source)) }

func (h *sourceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeContext drives a k-way merge across sources added with Add, most
// recent first. Callers pull the merged stream with Next until Done.
type MergeContext struct {
	h sourceHeap
}

// New builds an empty merge context.
func New() *MergeContext {
	return &MergeContext{}
}

// Add registers one more source, an already key-ascending slice of
// entries. Sources must be added in recency order: index 0 is the
// buffer or newest run, and later calls add progressively older sources,
// matching the recency order set out for Get/Range.
func (m *MergeContext) Add(entries []entry.Entry) {
	if len(entries) == 0 {
		return
	}
	heap.Push(&m.h, &source{entries: entries, index: len(m.h)})
}

// Done reports whether every source has been fully consumed.
func (m *MergeContext) Done() bool {
	return m.h.Len() == 0
}

// Next returns the next entry in merged ascending order. When multiple
// sources hold the same key, the entry from the source added earliest
// (the most recent source) wins and every other copy of that key is
// silently discarded, matching the tree's recency rule that newer writes
// shadow older ones.
func (m *MergeContext) Next() (entry.Entry, bool) {
	if m.Done() {
		return entry.Entry{}, false
	}

	winner := m.h[0]
	result := winner.head()
	m.advance(winner)

	for !m.Done() && m.h[0].head().Key == result.Key {
		m.advance(m.h[0])
	}

	return result, true
}

func (m *MergeContext) advance(s *source) {
	s.pos++
	if s.exhausted() {
		for i, cand := range m.h {
			if cand == s {
				heap.Remove(&m.h, i)
				break
			}
		}
		return
	}
	for i, cand := range m.h {
		if cand == s {
			heap.Fix(&m.h, i)
			break
		}
	}
}

// Drain runs the merge to completion, returning every surviving entry in
// ascending order. Tombstones are included; callers that must suppress
// tombstones (the terminal level) filter the result themselves.
func (m *MergeContext) Drain() []entry.Entry {
	var out []entry.Entry
	for {
		e, ok := m.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}
