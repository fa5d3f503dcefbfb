package lsmtree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lsmkv/entry"
)

func newTestTree(t *testing.T, bufferCap, depth, fanout, threads int, ratio float64) *LSMTree {
	t.Helper()
	dir := t.TempDir()
	tr := New(Config{
		BufferCapacity: bufferCap,
		Depth:          depth,
		Fanout:         fanout,
		ThreadCount:    threads,
		MergeRatio:     ratio,
		Dir:            dir,
	}, zap.NewNop())
	t.Cleanup(tr.Close)
	return tr
}

func TestPutGetReadYourWrites(t *testing.T) {
	tr := newTestTree(t, 4, 3, 2, 2, 1.0)

	require.NoError(t, tr.Put(1, 100))
	require.NoError(t, tr.Put(2, 200))

	v, ok := tr.Get(1)
	assert.True(t, ok)
	assert.Equal(t, int64(100), v)

	v, ok = tr.Get(2)
	assert.True(t, ok)
	assert.Equal(t, int64(200), v)

	_, ok = tr.Get(3)
	assert.False(t, ok)
}

func TestPutOverwrite(t *testing.T) {
	tr := newTestTree(t, 4, 3, 2, 2, 1.0)

	require.NoError(t, tr.Put(5, 1))
	require.NoError(t, tr.Put(5, 2))

	v, ok := tr.Get(5)
	assert.True(t, ok)
	assert.Equal(t, int64(2), v)
}

func TestDelRemovesValue(t *testing.T) {
	tr := newTestTree(t, 4, 3, 2, 2, 1.0)

	require.NoError(t, tr.Put(7, 70))
	require.NoError(t, tr.Del(7))

	_, ok := tr.Get(7)
	assert.False(t, ok)
}

func TestDelIdempotent(t *testing.T) {
	tr := newTestTree(t, 4, 3, 2, 2, 1.0)

	require.NoError(t, tr.Put(7, 70))
	require.NoError(t, tr.Del(7))
	require.NoError(t, tr.Del(7))

	_, ok := tr.Get(7)
	assert.False(t, ok)
}

func TestFlushTriggeredByFullBuffer(t *testing.T) {
	tr := newTestTree(t, 2, 3, 2, 2, 1.0)

	require.NoError(t, tr.Put(1, 1))
	require.NoError(t, tr.Put(2, 2))
	// Buffer at capacity with two distinct keys; a third key forces a flush.
	require.NoError(t, tr.Put(3, 3))

	if assert.Len(t, tr.levels[0].Runs, 1) {
		assert.Equal(t, 2, tr.levels[0].Runs[0].Size())
	}

	for _, k := range []int64{1, 2, 3} {
		v, ok := tr.Get(k)
		assert.True(t, ok, "key %d", k)
		assert.Equal(t, k, v)
	}
}

func TestRecencyAcrossCompaction(t *testing.T) {
	// buffer capacity 2, depth 3, fanout 1: every level holds a single
	// run, so each flush into a full level 0 cascades a compaction one
	// level further down, until key 1's original value sits in level 2.
	tr := newTestTree(t, 2, 3, 1, 2, 1.0)

	require.NoError(t, tr.Put(1, 1))
	require.NoError(t, tr.Put(2, 1))
	require.NoError(t, tr.Put(3, 1)) // flush -> level 0, then cascades are still pending
	require.NoError(t, tr.Put(4, 1))
	require.NoError(t, tr.Put(5, 1)) // forces merge_down: key 1's original value lands in level 1

	require.NoError(t, tr.Put(1, 999)) // overwrite the already-compacted key
	require.NoError(t, tr.Put(6, 1))   // cascades key 1's original value into level 2, then flushes {1: 999} into level 0

	v, ok := tr.Get(1)
	assert.True(t, ok)
	assert.Equal(t, int64(999), v)
}

func TestRangeAscendingNoDuplicates(t *testing.T) {
	tr := newTestTree(t, 2, 3, 2, 2, 1.0)

	for k := int64(1); k <= 6; k++ {
		require.NoError(t, tr.Put(k, k*10))
	}
	require.NoError(t, tr.Put(3, 333)) // overwrite, must shadow the compacted copy

	got := tr.Range(1, 7)
	want := map[int64]int64{1: 10, 2: 20, 3: 333, 4: 40, 5: 50, 6: 60}
	assert.Len(t, got, len(want))

	var lastKey int64 = -1
	for _, e := range got {
		assert.Greater(t, e.Key, lastKey)
		lastKey = e.Key
		assert.Equal(t, want[e.Key], e.Value)
	}
}

func TestRangeEmptyInterval(t *testing.T) {
	tr := newTestTree(t, 4, 3, 2, 2, 1.0)
	require.NoError(t, tr.Put(1, 1))

	assert.Empty(t, tr.Range(5, 5))
	assert.Empty(t, tr.Range(5, 1))
}

func TestRangeSuppressesTombstones(t *testing.T) {
	tr := newTestTree(t, 4, 3, 2, 2, 1.0)

	require.NoError(t, tr.Put(1, 1))
	require.NoError(t, tr.Put(2, 2))
	require.NoError(t, tr.Del(2))

	got := tr.Range(1, 3)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Key)
}

func TestTombstoneDroppedAtTerminalLevel(t *testing.T) {
	// buffer capacity 2, depth 2, fanout 1: level 0 holds a single run
	// before cascading into level 1, the terminal level.
	tr := newTestTree(t, 2, 2, 1, 2, 1.0)

	require.NoError(t, tr.Put(1, 1))
	require.NoError(t, tr.Put(2, 2))
	require.NoError(t, tr.Del(1))  // buffer: {1: tombstone, 2: 2}
	require.NoError(t, tr.Put(3, 3)) // flush #1 -> level 0
	require.NoError(t, tr.Put(4, 4))
	require.NoError(t, tr.Put(5, 5)) // level 0 full -> merge_down into terminal level 1

	terminal := tr.levels[len(tr.levels)-1]
	require.NotEmpty(t, terminal.Runs, "expected merge_down to have populated the terminal level")

	sawKey2 := false
	for _, r := range terminal.Runs {
		require.NoError(t, r.MapRead())
		entries, err := r.Entries()
		require.NoError(t, r.UnmapRead())
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, e.IsTombstone(), "tombstone leaked into terminal level: %+v", e)
			assert.NotEqual(t, int64(1), e.Key, "deleted key survived compaction into the terminal level")
			if e.Key == 2 {
				sawKey2 = true
			}
		}
	}
	assert.True(t, sawKey2, "expected surviving key 2 to reach the terminal level")
}

func TestMergeDownReturnsErrTreeFullAtCapacity(t *testing.T) {
	tr := newTestTree(t, 1, 1, 1, 1, 1.0)

	require.NoError(t, tr.Put(1, 1))
	// Buffer capacity 1, depth 1: the second distinct key forces a flush
	// into the only (terminal) level; a third forces merge_down on it.
	require.NoError(t, tr.Put(2, 2))

	err := tr.Put(3, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTreeFull)
}

func TestLoadAppliesRecords(t *testing.T) {
	tr := newTestTree(t, 4, 3, 2, 2, 1.0)

	dir := t.TempDir()
	path := filepath.Join(dir, "load.bin")

	entries := []entry.Entry{{Key: 1, Value: 11}, {Key: 2, Value: 22}}
	var data []byte
	for _, e := range entries {
		var buf [entry.Size]byte
		entry.Encode(e, buf[:])
		data = append(data, buf[:]...)
	}
	// A short trailing partial record, expected to be silently dropped.
	data = append(data, 0x01, 0x02, 0x03)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, tr.Load(path))

	for _, e := range entries {
		v, ok := tr.Get(e.Key)
		assert.True(t, ok)
		assert.Equal(t, e.Value, v)
	}
}
