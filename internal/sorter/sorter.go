// Package sorter implements the bounded-memory external-merge sorter behind
// the extraction pipeline. Pairs are appended in arbitrary order; when the
// in-memory run exceeds its byte budget it is stable-sorted and spilled to a
// chunk file, LZ4-compressed when Options.Compression selects it. Finishing yields one sorted cursor per chunk;
// the key-ordered merge of those cursors produces each distinct key once,
// with all its values collapsed by a caller-supplied merge function.
package sorter

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
)

var (
	// Pool for 256KB bufio.Writers (used in flushChunk)
	bufWriterPool = sync.Pool{
		New: func() interface{} {
			return bufio.NewWriterSize(nil, 256*1024)
		},
	}
	// Pool for 64KB bufio.Readers (used by chunk cursors)
	bufReaderPool = sync.Pool{
		New: func() interface{} {
			return bufio.NewReaderSize(nil, 64*1024)
		},
	}
)

// MergeFunc collapses all values inserted under one key into a single value.
// Values arrive in insertion order. The function must be commutative and
// associative so that the output does not depend on how inserts were
// partitioned across workers and chunks.
type MergeFunc func(key []byte, values [][]byte) ([]byte, error)

// Compression selects the codec for spill chunk files.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionLZ4
)

const (
	defaultMaxMemory = 64 * 1024 * 1024

	// Per-entry bookkeeping overhead counted against the memory budget.
	entryOverhead = 48
)

// Options configures a Sorter.
type Options struct {
	Compression      Compression
	CompressionLevel int   // lz4 level 1-9, 0 = fast default
	MaxChunks        int   // compact spill files above this count, 0 = unbounded
	MaxMemory        int64 // in-memory run budget in bytes
	TempDir          string
}

// Stats reports a sorter's progress counters.
type Stats struct {
	Inserted     int64
	Chunks       int
	BytesSpilled int64
}

type entry struct {
	key   []byte
	value []byte
}

// Sorter accumulates key/value pairs and spills sorted runs to disk. It is
// owned by a single goroutine.
type Sorter struct {
	opts     Options
	merge    MergeFunc
	entries  []entry
	memBytes int64
	chunks   []string
	stats    Stats
}

// New creates a sorter with the given merge function.
func New(merge MergeFunc, opts Options) *Sorter {
	if opts.MaxMemory <= 0 {
		opts.MaxMemory = defaultMaxMemory
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Sorter{opts: opts, merge: merge}
}

// Insert appends a pair. Key and value are copied; duplicates are tolerated
// and collapsed by the merge function later.
func (s *Sorter) Insert(key, value []byte) error {
	s.entries = append(s.entries, entry{
		key:   bytes.Clone(key),
		value: bytes.Clone(value),
	})
	s.stats.Inserted++
	s.memBytes += int64(len(key)+len(value)) + entryOverhead

	if s.memBytes >= s.opts.MaxMemory {
		return s.flushChunk()
	}
	return nil
}

// flushChunk stable-sorts the in-memory run, collapses duplicate keys, and
// writes the result to a compressed chunk file.
func (s *Sorter) flushChunk() error {
	if len(s.entries) == 0 {
		return nil
	}

	// Stable: ties keep insertion order, which the merge function sees.
	slices.SortStableFunc(s.entries, func(a, b entry) int {
		return bytes.Compare(a.key, b.key)
	})

	file, err := os.CreateTemp(s.opts.TempDir, "chunk_*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	cw, err := s.newChunkWriter(file)
	if err != nil {
		file.Close()
		os.Remove(file.Name())
		return err
	}

	err = s.writeRuns(cw)
	if cerr := cw.close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(file.Name())
		return err
	}

	s.chunks = append(s.chunks, file.Name())
	s.stats.Chunks = len(s.chunks)
	s.entries = s.entries[:0]
	s.memBytes = 0

	if s.opts.MaxChunks > 0 && len(s.chunks) > s.opts.MaxChunks {
		return s.compactChunks()
	}
	return nil
}

// writeRuns writes the sorted in-memory entries, merging runs of equal keys
// into a single value.
func (s *Sorter) writeRuns(cw *chunkWriter) error {
	values := make([][]byte, 0, 8)
	for i := 0; i < len(s.entries); {
		j := i + 1
		for j < len(s.entries) && bytes.Equal(s.entries[j].key, s.entries[i].key) {
			j++
		}
		value := s.entries[i].value
		if j-i > 1 {
			values = values[:0]
			for _, e := range s.entries[i:j] {
				values = append(values, e.value)
			}
			merged, err := s.merge(s.entries[i].key, values)
			if err != nil {
				return fmt.Errorf("merge failed during spill: %w", err)
			}
			value = merged
		}
		if err := cw.writeEntry(s.entries[i].key, value); err != nil {
			return err
		}
		s.stats.BytesSpilled += int64(len(s.entries[i].key) + len(value))
		i = j
	}
	return nil
}

// compactChunks k-way merges every existing chunk into a single new one,
// bounding the number of open spill files.
func (s *Sorter) compactChunks() error {
	cursors := make([]*Cursor, 0, len(s.chunks))
	for _, path := range s.chunks {
		c, err := openCursor(path, s.opts.Compression)
		if err != nil {
			closeCursors(cursors)
			return err
		}
		cursors = append(cursors, c)
	}

	merger, err := NewMerger(s.merge, cursors)
	if err != nil {
		closeCursors(cursors)
		return err
	}

	file, err := os.CreateTemp(s.opts.TempDir, "chunk_*.tmp")
	if err != nil {
		merger.Close()
		return fmt.Errorf("failed to create compaction file: %w", err)
	}
	cw, err := s.newChunkWriter(file)
	if err != nil {
		merger.Close()
		file.Close()
		os.Remove(file.Name())
		return err
	}

	err = drainInto(merger, cw)
	if cerr := cw.close(); err == nil {
		err = cerr
	}
	merger.Close()
	if err != nil {
		os.Remove(file.Name())
		return err
	}

	for _, path := range s.chunks {
		os.Remove(path)
	}
	s.chunks = append(s.chunks[:0], file.Name())
	s.stats.Chunks = len(s.chunks)
	return nil
}

// Finish spills any remaining entries and returns one sorted cursor per
// chunk. The sorter must not be used afterwards; call Cleanup once the
// cursors are drained and closed.
func (s *Sorter) Finish() ([]*Cursor, error) {
	if err := s.flushChunk(); err != nil {
		return nil, err
	}
	cursors := make([]*Cursor, 0, len(s.chunks))
	for _, path := range s.chunks {
		c, err := openCursor(path, s.opts.Compression)
		if err != nil {
			closeCursors(cursors)
			return nil, err
		}
		cursors = append(cursors, c)
	}
	return cursors, nil
}

// Cleanup removes all spill files.
func (s *Sorter) Cleanup() {
	for _, path := range s.chunks {
		os.Remove(path)
	}
	s.chunks = nil
}

// GetStats returns current progress counters.
func (s *Sorter) GetStats() Stats {
	st := s.stats
	st.Chunks = len(s.chunks)
	return st
}

func drainInto(m *Merger, cw *chunkWriter) error {
	for {
		key, value, err := m.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := cw.writeEntry(key, value); err != nil {
			return err
		}
	}
}

func closeCursors(cursors []*Cursor) {
	for _, c := range cursors {
		c.Close()
	}
}
