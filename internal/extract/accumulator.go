package extract

import (
	"encoding/binary"

	"github.com/csvquery/wordindex/internal/common"
	"github.com/csvquery/wordindex/internal/sorter"
)

// maxCountedWords is the hard ceiling for fid_word_count_docids: fields with
// more words than this are silent in that stream.
const maxCountedWords = 30

// wordCount tracks how many words a field held before and after the change
// currently being processed.
type wordCount struct {
	prev int
	next int
}

// Accumulator owns one worker's five cached sorters plus the running
// per-field word-count tally for the document being processed. It is never
// shared between goroutines.
type Accumulator struct {
	wordDocids         *cachedSorter
	exactWordDocids    *cachedSorter
	wordFidDocids      *cachedSorter
	wordPositionDocids *cachedSorter
	fidWordCountDocids *cachedSorter

	fidWordCount map[common.FieldID]*wordCount
	currentDocid common.DocumentID
	hasDocid     bool
}

func newAccumulator(cfg Config) *Accumulator {
	// Four of the five streams compete for the worker's memory budget; the
	// word-count stream stays small and runs on the sorter's default budget.
	perStream := cfg.MaxMemory / 4

	newSorter := func(maxMemory int64) *sorter.Sorter {
		return sorter.New(common.MergeDelAddBitmaps, sorter.Options{
			Compression:      cfg.Compression,
			CompressionLevel: cfg.CompressionLevel,
			MaxChunks:        cfg.MaxChunks,
			MaxMemory:        maxMemory,
			TempDir:          cfg.TempDir,
		})
	}

	return &Accumulator{
		wordDocids:         newCachedSorter(cfg.CacheCapacity, newSorter(perStream)),
		exactWordDocids:    newCachedSorter(cfg.CacheCapacity, newSorter(perStream)),
		wordFidDocids:      newCachedSorter(cfg.CacheCapacity, newSorter(perStream)),
		wordPositionDocids: newCachedSorter(cfg.CacheCapacity, newSorter(perStream)),
		fidWordCountDocids: newCachedSorter(cfg.CacheCapacity, newSorter(0)),
		fidWordCount:       make(map[common.FieldID]*wordCount),
	}
}

// insertAddU32 records one token added for docid: the word itself routed to
// the exact or regular word stream, the word+field key, the word+bucketed
// position key, and a bump of the field's next word count. buf is the
// worker's reusable key scratch; the grown slice is returned.
func (a *Accumulator) insertAddU32(fid common.FieldID, pos common.Position, word string, exact bool, docid common.DocumentID, buf []byte) ([]byte, error) {
	buf = append(buf[:0], word...)
	target := a.wordDocids
	if exact {
		target = a.exactWordDocids
	}
	if err := target.insertAddU32(buf, docid); err != nil {
		return buf, err
	}

	buf = appendWordFidKey(buf[:0], word, fid)
	if err := a.wordFidDocids.insertAddU32(buf, docid); err != nil {
		return buf, err
	}

	buf = appendWordPositionKey(buf[:0], word, common.BucketedPosition(pos))
	if err := a.wordPositionDocids.insertAddU32(buf, docid); err != nil {
		return buf, err
	}

	if a.hasDocid && docid != a.currentDocid {
		var err error
		if buf, err = a.flushFidWordCount(buf); err != nil {
			return buf, err
		}
	}

	count := a.countFor(fid)
	count.next++
	a.currentDocid = docid
	a.hasDocid = true
	return buf, nil
}

// insertDelU32 is the deletion-side mirror of insertAddU32: same keys, del
// sides, and a bump of the field's previous word count.
func (a *Accumulator) insertDelU32(fid common.FieldID, pos common.Position, word string, exact bool, docid common.DocumentID, buf []byte) ([]byte, error) {
	buf = append(buf[:0], word...)
	target := a.wordDocids
	if exact {
		target = a.exactWordDocids
	}
	if err := target.insertDelU32(buf, docid); err != nil {
		return buf, err
	}

	buf = appendWordFidKey(buf[:0], word, fid)
	if err := a.wordFidDocids.insertDelU32(buf, docid); err != nil {
		return buf, err
	}

	buf = appendWordPositionKey(buf[:0], word, common.BucketedPosition(pos))
	if err := a.wordPositionDocids.insertDelU32(buf, docid); err != nil {
		return buf, err
	}

	if a.hasDocid && docid != a.currentDocid {
		var err error
		if buf, err = a.flushFidWordCount(buf); err != nil {
			return buf, err
		}
	}

	count := a.countFor(fid)
	count.prev++
	a.currentDocid = docid
	a.hasDocid = true
	return buf, nil
}

// flushFidWordCount drains the tally against fid_word_count_docids for the
// current document. A field whose count did not change emits nothing; counts
// above the ceiling are silent on that side.
func (a *Accumulator) flushFidWordCount(buf []byte) ([]byte, error) {
	for fid, count := range a.fidWordCount {
		if count.prev != count.next {
			if count.prev <= maxCountedWords {
				buf = appendFidCountKey(buf[:0], fid, uint8(count.prev))
				if err := a.fidWordCountDocids.insertDelU32(buf, a.currentDocid); err != nil {
					return buf, err
				}
			}
			if count.next <= maxCountedWords {
				buf = appendFidCountKey(buf[:0], fid, uint8(count.next))
				if err := a.fidWordCountDocids.insertAddU32(buf, a.currentDocid); err != nil {
					return buf, err
				}
			}
		}
		delete(a.fidWordCount, fid)
	}
	return buf, nil
}

func (a *Accumulator) countFor(fid common.FieldID) *wordCount {
	count, ok := a.fidWordCount[fid]
	if !ok {
		count = &wordCount{}
		a.fidWordCount[fid] = count
	}
	return count
}

// sortedStreams is a worker's five finished sorters, ready for cursor
// conversion.
type sortedStreams struct {
	wordDocids         *sorter.Sorter
	exactWordDocids    *sorter.Sorter
	wordFidDocids      *sorter.Sorter
	wordPositionDocids *sorter.Sorter
	fidWordCountDocids *sorter.Sorter
}

// finish flushes all five caches and consumes the accumulator.
func (a *Accumulator) finish() (*sortedStreams, error) {
	out := &sortedStreams{}
	var err error
	if out.wordDocids, err = a.wordDocids.intoSorter(); err != nil {
		return nil, err
	}
	if out.exactWordDocids, err = a.exactWordDocids.intoSorter(); err != nil {
		return nil, err
	}
	if out.wordFidDocids, err = a.wordFidDocids.intoSorter(); err != nil {
		return nil, err
	}
	if out.wordPositionDocids, err = a.wordPositionDocids.intoSorter(); err != nil {
		return nil, err
	}
	if out.fidWordCountDocids, err = a.fidWordCountDocids.intoSorter(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sortedStreams) all() []*sorter.Sorter {
	return []*sorter.Sorter{
		s.wordDocids,
		s.exactWordDocids,
		s.wordFidDocids,
		s.wordPositionDocids,
		s.fidWordCountDocids,
	}
}

// appendWordFidKey builds `word \x00 be(fid)`. The null byte keeps composite
// keys ordered whenever the word prefix is shared.
func appendWordFidKey(dst []byte, word string, fid common.FieldID) []byte {
	dst = append(dst, word...)
	dst = append(dst, 0)
	return binary.BigEndian.AppendUint16(dst, fid)
}

// appendWordPositionKey builds `word \x00 be(bucketedPosition)`.
func appendWordPositionKey(dst []byte, word string, pos common.Position) []byte {
	dst = append(dst, word...)
	dst = append(dst, 0)
	return binary.BigEndian.AppendUint16(dst, pos)
}

// appendFidCountKey builds `be(fid) u8(count)`.
func appendFidCountKey(dst []byte, fid common.FieldID, count uint8) []byte {
	dst = binary.BigEndian.AppendUint16(dst, fid)
	return append(dst, count)
}
