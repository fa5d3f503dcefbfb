// Package run implements the on-disk sorted file backing a single LSM
// run: an append-only write phase followed by a finalized, Bloom- and
// checksum-protected read phase mapped via golang.org/x/sys/unix.
package run

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"lsmkv/compare"
	"lsmkv/entry"
	"lsmkv/internal/cache"
)

// accelerator is the part of a run's footer worth caching across
// map_read/unmap_read cycles: the decoded Bloom filter and key range.
// The mapped bytes and checksum are never cached, since integrity must
// be reverified on every mapping.
type accelerator struct {
	filter *bloom.BloomFilter
	minKey int64
	maxKey int64
}

// footerFixedSize is the width of the footer's trailing, fixed-layout
// fields: an 8-byte bloom length followed by an 8-byte record count.
const footerFixedSize = 16

// checksumSize is the width of the xxhash64 checksum stored between the
// Bloom filter bytes and the fixed footer fields.
const checksumSize = 8

var (
	// ErrMappedForWrite is returned by MapWrite, MapRead or Remove against
	// a run that already holds a mapping, whether for write or for read.
	ErrMappedForWrite = errors.New("run: operation invalid while mapped for write")
	// ErrNotMapped is returned by an operation that requires a mapping the
	// run does not currently hold.
	ErrNotMapped = errors.New("run: not mapped")
	// ErrChecksumMismatch is returned by MapRead when the finalized
	// record region does not match the checksum recorded in its footer.
	ErrChecksumMismatch = errors.New("run: checksum mismatch, file is corrupt")
	// ErrFull is returned by Put once the run has reached its capacity.
	ErrFull = errors.New("run: at capacity")
	// ErrOutOfOrder is returned by Put when the supplied key would break
	// the run's non-decreasing key invariant.
	ErrOutOfOrder = errors.New("run: keys must be appended in non-decreasing order")
)

type mapState int

const (
	unmapped mapState = iota
	mappedForWrite
	mappedForRead
)

// Run is a single sorted, fixed-width-record run file. Zero value is not
// usable; construct with New, then populate via MapWrite/Put/UnmapWrite
// before reading via MapRead.
type Run struct {
	path     string
	capacity int
	id       uint64
	idx      *cache.RunIndex

	state mapState

	// write-phase state
	file    *os.File
	w       *bufio.Writer
	hash    *xxhash.Digest
	size    int
	lastKey int64
	hasLast bool

	// read-phase state
	mapped   []byte
	records  []byte // the record region within mapped
	filter   *bloom.BloomFilter
	count    int
	minKey   int64
	maxKey   int64
}

// New returns a run bound to path with the given capacity, ready for
// MapWrite.
func New(path string, capacity int) *Run {
	return &Run{path: path, capacity: capacity}
}

// AttachCache registers this run under id in idx, so its decoded Bloom
// filter survives across map_read/unmap_read cycles instead of being
// reparsed from the footer every time. Must be called before the first
// MapRead; safe to call with a nil idx to disable caching.
func (r *Run) AttachCache(idx *cache.RunIndex, id uint64) {
	r.idx = idx
	r.id = id
}

// ID returns the run-index cache key this run was attached under.
func (r *Run) ID() uint64 { return r.id }

// Size reports the number of records written so far (write phase) or
// held in the finalized file (read phase).
func (r *Run) Size() int {
	if r.state == mappedForRead {
		return r.count
	}
	return r.size
}

// Capacity reports the run's maximum record count.
func (r *Run) Capacity() int { return r.capacity }

// Path returns the run's backing file path.
func (r *Run) Path() string { return r.path }

// MapWrite opens the run for append-only population. It must be called
// before any Put and must be closed with UnmapWrite before the run can
// ever be read.
func (r *Run) MapWrite() error {
	if r.state != unmapped {
		return ErrMappedForWrite
	}
	f, err := os.Create(r.path)
	if err != nil {
		return errors.Wrap(err, "run: create")
	}
	r.file = f
	r.w = bufio.NewWriter(f)
	r.hash = xxhash.New()
	r.size = 0
	r.hasLast = false
	r.state = mappedForWrite
	return nil
}

// Put appends the next entry. The caller guarantees keys are appended in
// strictly non-decreasing order and that Size() < Capacity() beforehand.
func (r *Run) Put(e entry.Entry) error {
	if r.state != mappedForWrite {
		return ErrNotMapped
	}
	if r.size >= r.capacity {
		return ErrFull
	}
	if r.hasLast && compare.Default.Compare(e.Key, r.lastKey) < 0 {
		return ErrOutOfOrder
	}

	var buf [entry.Size]byte
	entry.Encode(e, buf[:])
	if _, err := r.w.Write(buf[:]); err != nil {
		return errors.Wrap(err, "run: write record")
	}
	r.hash.Write(buf[:])

	r.lastKey = e.Key
	r.hasLast = true
	r.size++
	return nil
}

// UnmapWrite finalizes the run: flushes buffered writes, appends the
// Bloom filter, its xxhash64 checksum, and the footer's fixed fields,
// then closes the file. The filter is built over keys, which the caller
// passes as the keys it wrote with Put; the record bytes themselves are
// not re-read.
func (r *Run) UnmapWrite(keys []int64) error {
	if r.state != mappedForWrite {
		return ErrNotMapped
	}
	if err := r.w.Flush(); err != nil {
		return errors.Wrap(err, "run: flush")
	}

	filter := bloom.NewWithEstimates(uint(maxInt(r.size, 1)), 0.01)
	for _, k := range keys {
		filter.Add(keyBytes(k))
	}
	checksum := r.hash.Sum64()

	n, err := filter.WriteTo(r.file)
	if err != nil {
		return errors.Wrap(err, "run: write bloom filter")
	}

	var footer [checksumSize + footerFixedSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], checksum)
	binary.LittleEndian.PutUint64(footer[8:16], uint64(n))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(r.size))
	if _, err := r.file.Write(footer[:]); err != nil {
		return errors.Wrap(err, "run: write footer")
	}

	if err := r.file.Close(); err != nil {
		return errors.Wrap(err, "run: close")
	}
	r.file = nil
	r.w = nil
	r.hash = nil
	r.state = unmapped
	return nil
}

// MapRead opens the finalized file for read via mmap(2), verifies its
// checksum, and decodes its footer. A run holds at most one mapping at a
// time: MapRead on a run that is already mapped, for read or for write,
// returns ErrMappedForWrite, so concurrent readers of one run are not
// supported.
func (r *Run) MapRead() error {
	if r.state != unmapped {
		return ErrMappedForWrite
	}

	f, err := os.Open(r.path)
	if err != nil {
		return errors.Wrap(err, "run: open")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "run: stat")
	}
	size := int(info.Size())
	if size < footerFixedSize+checksumSize {
		return errors.New("run: file too small to contain a footer")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "run: mmap")
	}

	fixed := data[size-footerFixedSize:]
	bloomLen := int(binary.LittleEndian.Uint64(fixed[0:8]))
	count := int(binary.LittleEndian.Uint64(fixed[8:16]))

	recordBytes := count * entry.Size
	wantSize := recordBytes + bloomLen + checksumSize + footerFixedSize
	if wantSize != size {
		unix.Munmap(data)
		return errors.New("run: footer lengths inconsistent with file size")
	}

	records := data[:recordBytes]
	bloomBytes := data[recordBytes : recordBytes+bloomLen]
	checksum := binary.LittleEndian.Uint64(data[recordBytes+bloomLen : recordBytes+bloomLen+checksumSize])

	if xxhash.Sum64(records) != checksum {
		unix.Munmap(data)
		return ErrChecksumMismatch
	}

	acc, decodeErr := r.decodeAccelerator(records, bloomBytes, count)
	if decodeErr != nil {
		unix.Munmap(data)
		return decodeErr
	}

	r.mapped = data
	r.records = records
	r.filter = acc.filter
	r.minKey = acc.minKey
	r.maxKey = acc.maxKey
	r.count = count
	r.state = mappedForRead
	return nil
}

// decodeAccelerator returns the Bloom filter and key range for this run,
// consulting the run-index cache (if attached) before parsing bloomBytes.
func (r *Run) decodeAccelerator(records, bloomBytes []byte, count int) (accelerator, error) {
	fetch := func() interface{} {
		filter := &bloom.BloomFilter{}
		if _, err := filter.ReadFrom(bytes.NewReader(bloomBytes)); err != nil {
			return accelerator{}
		}
		acc := accelerator{filter: filter}
		if count > 0 {
			acc.minKey = entry.Decode(records[0:entry.Size]).Key
			acc.maxKey = entry.Decode(records[(count-1)*entry.Size : count*entry.Size]).Key
		}
		return acc
	}

	if r.idx == nil {
		acc := fetch().(accelerator)
		if acc.filter == nil {
			return accelerator{}, errors.New("run: decode bloom filter")
		}
		return acc, nil
	}

	acc := r.idx.Get(r.id, fetch).(accelerator)
	if acc.filter == nil {
		return accelerator{}, errors.New("run: decode bloom filter")
	}
	return acc, nil
}

// UnmapRead releases the mmap view. The run returns to unmapped.
func (r *Run) UnmapRead() error {
	if r.state != mappedForRead {
		return ErrNotMapped
	}
	if err := unix.Munmap(r.mapped); err != nil {
		return errors.Wrap(err, "run: munmap")
	}
	r.mapped = nil
	r.records = nil
	r.filter = nil
	r.state = unmapped
	return nil
}

// MayContain reports whether key could be present, consulting only the
// cached Bloom filter. A false result is conclusive; a true result
// requires a Get to confirm.
func (r *Run) MayContain(key int64) (bool, error) {
	if r.state != mappedForRead {
		return false, ErrNotMapped
	}
	return r.filter.Test(keyBytes(key)), nil
}

// Get locates the entry for key, consulting the Bloom filter before
// touching the mapped bytes.
func (r *Run) Get(key int64) (int64, bool, error) {
	if r.state != mappedForRead {
		return 0, false, ErrNotMapped
	}
	if !r.filter.Test(keyBytes(key)) {
		return 0, false, nil
	}
	if compare.Default.Compare(key, r.minKey) < 0 || compare.Default.Compare(key, r.maxKey) > 0 {
		return 0, false, nil
	}

	idx := sort.Search(r.count, func(i int) bool {
		return compare.Default.Compare(entry.Decode(r.records[i*entry.Size:(i+1)*entry.Size]).Key, key) >= 0
	})
	if idx >= r.count {
		return 0, false, nil
	}
	found := entry.Decode(r.records[idx*entry.Size : (idx+1)*entry.Size])
	if found.Key != key {
		return 0, false, nil
	}
	return found.Value, true, nil
}

// Range returns every entry with key in [lo, hiInclusive], ascending.
func (r *Run) Range(lo, hiInclusive int64) ([]entry.Entry, error) {
	if r.state != mappedForRead {
		return nil, ErrNotMapped
	}
	if r.count == 0 || compare.Default.Compare(hiInclusive, r.minKey) < 0 || compare.Default.Compare(lo, r.maxKey) > 0 {
		return nil, nil
	}

	start := sort.Search(r.count, func(i int) bool {
		return compare.Default.Compare(entry.Decode(r.records[i*entry.Size:(i+1)*entry.Size]).Key, lo) >= 0
	})

	var out []entry.Entry
	for i := start; i < r.count; i++ {
		e := entry.Decode(r.records[i*entry.Size : (i+1)*entry.Size])
		if e.Key > hiInclusive {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// Entries returns every entry in the finalized run, ascending, used by
// merge_down to re-merge a level's runs.
func (r *Run) Entries() ([]entry.Entry, error) {
	if r.state != mappedForRead {
		return nil, ErrNotMapped
	}
	out := make([]entry.Entry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = entry.Decode(r.records[i*entry.Size : (i+1)*entry.Size])
	}
	return out, nil
}

// Remove deletes the run's backing file. The run must be unmapped.
func (r *Run) Remove() error {
	if r.state != unmapped {
		return ErrMappedForWrite
	}
	return errors.Wrap(os.Remove(r.path), "run: remove")
}

func keyBytes(k int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(k))
	return b[:]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
