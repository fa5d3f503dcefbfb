// Package lsmtree implements the LSMTree façade: it owns the buffer, the
// leveled run layout, a run-index cache, and a worker pool, and
// orchestrates Put/Del/Get/Range/Load and the cascading merge_down
// compaction policy.
package lsmtree

import (
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lsmkv/buffer"
	"lsmkv/entry"
	"lsmkv/internal/cache"
	"lsmkv/level"
	"lsmkv/merge"
	"lsmkv/pool"
	"lsmkv/run"
)

// Entry is the result type returned by Range.
type Entry = entry.Entry

// ErrTreeFull is returned when mergeDown would have to compact past the
// terminal level. Callers must treat this as unrecoverable: the tree has
// run out of space at the configured depth and fanout.
var ErrTreeFull = errors.New("lsmtree: terminal level is full, tree cannot absorb further writes")

// Config captures every construction parameter, plumbed through New
// rather than parsed here — flag parsing is cmd/lsmrepl's job, kept
// separate from the plain options struct the CLI layer populates.
type Config struct {
	BufferCapacity int     // B
	Depth          int     // D, number of on-disk levels
	Fanout         int     // F, max runs per level and level size ratio
	ThreadCount    int     // T, worker pool size for Get/Range
	MergeRatio     float64 // (0, 1], fraction of a level merged per cascade
	Dir            string  // directory holding run files
}

// LSMTree is the top-level store. The zero value is not usable; build
// one with New.
type LSMTree struct {
	cfg    Config
	buf    *buffer.Buffer
	levels []*level.Level
	pool   *pool.WorkerPool
	cache  *cache.RunIndex
	log    *zap.Logger

	nextRunID uint64
}

// New constructs an LSMTree with an empty buffer and D empty levels
// geometrically sized per §3: level i has max_run_size = B*F^i and
// max_runs = F.
func New(cfg Config, log *zap.Logger) *LSMTree {
	if log == nil {
		log = zap.NewNop()
	}
	levels := make([]*level.Level, cfg.Depth)
	runSize := cfg.BufferCapacity
	for i := 0; i < cfg.Depth; i++ {
		levels[i] = level.New(cfg.Fanout, runSize)
		runSize *= cfg.Fanout
	}
	return &LSMTree{
		cfg:    cfg,
		buf:    buffer.New(cfg.BufferCapacity),
		levels: levels,
		pool:   pool.New(cfg.ThreadCount),
		cache:  cache.NewRunIndex(cfg.Depth * cfg.Fanout),
		log:    log,
	}
}

// Close stops the tree's worker pool. Call once the tree is no longer
// in use.
func (t *LSMTree) Close() {
	t.pool.Close()
}

func (t *LSMTree) runPath(level, id uint64) string {
	return filepath.Join(t.cfg.Dir, fmt.Sprintf("run-L%d-%d", level, id))
}

// Put inserts or overwrites key with value, flushing the buffer into
// level 0 and cascading merge_down as needed.
func (t *LSMTree) Put(key, value int64) error {
	if t.buf.Put(key, value) {
		return nil
	}

	if t.levels[0].Remaining() == 0 {
		if err := t.mergeDown(0); err != nil {
			return errors.Wrap(err, "lsmtree: put")
		}
	}

	if err := t.flush(); err != nil {
		return errors.Wrap(err, "lsmtree: put")
	}

	if !t.buf.Put(key, value) {
		panic("lsmtree: buffer.Put failed immediately after a flush, invariant violated")
	}
	return nil
}

// Del marks key as deleted. Deletes are indistinguishable from writes
// until a terminal-level compaction drops the tombstone.
func (t *LSMTree) Del(key int64) error {
	return t.Put(key, entry.Tombstone)
}

// flush drains the buffer, ascending, into a brand-new level-0 run.
func (t *LSMTree) flush() error {
	entries := t.buf.Entries()
	if len(entries) == 0 {
		return nil
	}

	id := atomic.AddUint64(&t.nextRunID, 1)
	r := run.New(t.runPath(0, id), t.cfg.BufferCapacity)
	r.AttachCache(t.cache, id)
	if err := r.MapWrite(); err != nil {
		return errors.Wrap(err, "lsmtree: flush")
	}

	keys := make([]int64, len(entries))
	for i, e := range entries {
		if err := r.Put(e); err != nil {
			return errors.Wrap(err, "lsmtree: flush")
		}
		keys[i] = e.Key
	}
	if err := r.UnmapWrite(keys); err != nil {
		return errors.Wrap(err, "lsmtree: flush")
	}

	t.levels[0].Append(r)
	t.buf.Empty()
	t.log.Info("flushed buffer to level 0", zap.Uint64("run_id", id), zap.Int("entries", len(entries)))
	return nil
}

// mergeDown cascades a compaction starting at level l, recursing into
// l+1 first if that level has no free run slot.
func (t *LSMTree) mergeDown(l int) error {
	if l < 0 || l >= len(t.levels) {
		panic("lsmtree: mergeDown called with an out-of-range level index")
	}

	src := t.levels[l]
	if len(src.Runs) == 0 {
		return nil
	}

	terminal := l == len(t.levels)-1
	if terminal {
		t.log.Error("merge_down reached the terminal level", zap.Int("level", l))
		return ErrTreeFull
	}

	dst := t.levels[l+1]
	if dst.Remaining() == 0 {
		if err := t.mergeDown(l + 1); err != nil {
			return err
		}
	}

	k := int(math.Floor(t.cfg.MergeRatio * float64(src.MaxRuns)))
	if k < 1 {
		k = 1
	}
	if k > len(src.Runs) {
		k = len(src.Runs)
	}

	selected := src.Runs[:k]

	mc := merge.New()
	for i := 0; i < k; i++ {
		r := selected[k-1-i]
		if err := r.MapRead(); err != nil {
			return errors.Wrap(err, "lsmtree: merge_down")
		}
		defer r.UnmapRead()
		entries, err := r.Entries()
		if err != nil {
			return errors.Wrap(err, "lsmtree: merge_down")
		}
		mc.Add(entries)
	}

	dstTerminal := l+1 == len(t.levels)-1
	id := atomic.AddUint64(&t.nextRunID, 1)
	out := run.New(t.runPath(uint64(l+1), id), dst.MaxRunSize)
	out.AttachCache(t.cache, id)
	if err := out.MapWrite(); err != nil {
		return errors.Wrap(err, "lsmtree: merge_down")
	}

	var keys []int64
	for {
		e, ok := mc.Next()
		if !ok {
			break
		}
		if dstTerminal && e.IsTombstone() {
			continue
		}
		if err := out.Put(e); err != nil {
			return errors.Wrap(err, "lsmtree: merge_down")
		}
		keys = append(keys, e.Key)
	}
	if err := out.UnmapWrite(keys); err != nil {
		return errors.Wrap(err, "lsmtree: merge_down")
	}
	dst.Append(out)

	for _, r := range selected {
		t.cache.Remove(r.ID())
		r.UnmapRead()
		if err := r.Remove(); err != nil {
			t.log.Warn("failed to remove consumed run", zap.Error(err))
		}
	}
	src.Runs = src.Runs[k:]

	t.log.Info("merge_down complete",
		zap.Int("from_level", l), zap.Int("to_level", l+1),
		zap.Int("runs_consumed", k), zap.Uint64("new_run_id", id))
	return nil
}

// recencyRuns returns every run across the tree in newest-to-oldest
// order: level 0's tail first, descending through each level's runs
// tail-to-head, then level 1, and so on.
func (t *LSMTree) recencyRuns() []*run.Run {
	var out []*run.Run
	for _, lvl := range t.levels {
		for i := len(lvl.Runs) - 1; i >= 0; i-- {
			out = append(out, lvl.Runs[i])
		}
	}
	return out
}

// Get returns the value stored for key, honoring buffer-then-recency
// ordering. The second result is false if key is absent or tombstoned.
func (t *LSMTree) Get(key int64) (int64, bool) {
	if v, ok := t.buf.Get(key); ok {
		if v == entry.Tombstone {
			return 0, false
		}
		return v, true
	}

	runs := t.recencyRuns()
	if len(runs) == 0 {
		return 0, false
	}

	var counter int64 = -1
	var mu sync.Mutex
	latestRun := -1
	var latestVal int64

	worker := func() {
		for {
			idx := int(atomic.AddInt64(&counter, 1))
			if idx >= len(runs) {
				return
			}

			mu.Lock()
			alreadyWon := latestRun >= 0 && latestRun <= idx
			mu.Unlock()
			if alreadyWon {
				continue
			}

			r := runs[idx]
			if err := r.MapRead(); err != nil {
				t.log.Warn("map_read failed during get", zap.Error(err))
				continue
			}
			v, ok, err := r.Get(key)
			r.UnmapRead()
			if err != nil {
				t.log.Warn("get failed against mapped run", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}

			mu.Lock()
			if latestRun < 0 || idx < latestRun {
				latestRun = idx
				latestVal = v
			}
			mu.Unlock()
		}
	}

	for i := 0; i < t.cfg.ThreadCount; i++ {
		t.pool.Launch(worker)
	}
	t.pool.WaitAll()

	if latestRun < 0 || latestVal == entry.Tombstone {
		return 0, false
	}
	return latestVal, true
}

// Range returns every entry with lo <= key < hi, ascending, suppressing
// tombstones and shadowed older writes.
func (t *LSMTree) Range(lo, hi int64) []Entry {
	if hi <= lo {
		return nil
	}
	hiInclusive := hi - 1

	sources := make(map[int][]entry.Entry)
	sources[0] = t.buf.Range(lo, hiInclusive)

	runs := t.recencyRuns()
	if len(runs) > 0 {
		var mu sync.Mutex
		var counter int64 = -1

		worker := func() {
			for {
				idx := int(atomic.AddInt64(&counter, 1))
				if idx >= len(runs) {
					return
				}
				r := runs[idx]
				if err := r.MapRead(); err != nil {
					t.log.Warn("map_read failed during range", zap.Error(err))
					continue
				}
				entries, err := r.Range(lo, hiInclusive)
				r.UnmapRead()
				if err != nil {
					t.log.Warn("range failed against mapped run", zap.Error(err))
					continue
				}
				mu.Lock()
				sources[idx+1] = entries
				mu.Unlock()
			}
		}

		for i := 0; i < t.cfg.ThreadCount; i++ {
			t.pool.Launch(worker)
		}
		t.pool.WaitAll()
	}

	mc := merge.New()
	for i := 0; i <= len(runs); i++ {
		if es, ok := sources[i]; ok {
			mc.Add(es)
		}
	}

	var out []Entry
	for {
		e, ok := mc.Next()
		if !ok {
			break
		}
		if e.IsTombstone() {
			continue
		}
		out = append(out, Entry{Key: e.Key, Value: e.Value})
	}
	return out
}

// Load reads path as a flat sequence of 16-byte (key, value) records
// with no footer and applies each as a Put. A short trailing partial
// record is silently dropped.
func (t *LSMTree) Load(path string) error {
	entries, err := readLoadFile(path)
	if err != nil {
		return errors.Wrap(err, "lsmtree: load")
	}
	t.log.Info("loading records", zap.String("path", path), zap.Int("count", len(entries)))
	for _, e := range entries {
		if err := t.Put(e.Key, e.Value); err != nil {
			return errors.Wrap(err, "lsmtree: load")
		}
	}
	return nil
}
