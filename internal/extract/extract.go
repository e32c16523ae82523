package extract

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/csvquery/wordindex/internal/common"
	"github.com/csvquery/wordindex/internal/sorter"
	"github.com/csvquery/wordindex/internal/store"
)

// defaultCacheCapacity is the per-stream coalescing cache size, in entries.
const defaultCacheCapacity = 100_000

// ChangeKind says which transition a DocumentChange describes.
type ChangeKind uint8

const (
	Deletion ChangeKind = iota
	Insertion
	Update
)

// DocumentChange is one per-document transition. Deletion carries the old
// body in Current, Insertion the new body in New, Update both.
type DocumentChange struct {
	Kind    ChangeKind
	DocID   common.DocumentID
	Current *store.Document
	New     *store.Document
}

// NewDeletion describes a document being removed.
func NewDeletion(docid common.DocumentID, current *store.Document) DocumentChange {
	return DocumentChange{Kind: Deletion, DocID: docid, Current: current}
}

// NewInsertion describes a document appearing for the first time.
func NewInsertion(docid common.DocumentID, body *store.Document) DocumentChange {
	return DocumentChange{Kind: Insertion, DocID: docid, New: body}
}

// NewUpdate describes a document replacing a prior version.
func NewUpdate(docid common.DocumentID, current, next *store.Document) DocumentChange {
	return DocumentChange{Kind: Update, DocID: docid, Current: current, New: next}
}

// Config tunes an extraction pass.
type Config struct {
	Workers          int   // 0 means GOMAXPROCS
	MaxMemory        int64 // per-worker sorter budget; each of four streams gets a quarter
	CacheCapacity    int   // per-stream coalescing cache entries
	Compression      sorter.Compression
	CompressionLevel int
	MaxChunks        int
	TempDir          string

	// WordBloom, when set, collects every distinct word_docids key during
	// the final merge.
	WordBloom *common.BloomFilter
}

// Mergers is the extraction output: five key-ordered streams of
// (composite key, DelAdd bitmap pair) entries.
type Mergers struct {
	WordDocids         *sorter.Merger
	ExactWordDocids    *sorter.Merger
	WordFidDocids      *sorter.Merger
	WordPositionDocids *sorter.Merger
	FidWordCountDocids *sorter.Merger

	sorters []*sorter.Sorter
}

// Close releases every cursor and removes the spill files.
func (m *Mergers) Close() error {
	var err error
	for _, merger := range []*sorter.Merger{
		m.WordDocids, m.ExactWordDocids, m.WordFidDocids,
		m.WordPositionDocids, m.FidWordCountDocids,
	} {
		if merger == nil {
			continue
		}
		if cerr := merger.Close(); err == nil {
			err = cerr
		}
	}
	for _, s := range m.sorters {
		s.Cleanup()
	}
	return err
}

// Run executes a full extraction pass: the change stream is distributed
// across workers, each worker owns an accumulator, and on completion all
// per-worker sorters merge into the five output streams. The first error on
// any worker aborts the pass.
func Run(ctx context.Context, changes []DocumentChange, settings *store.Settings, fields *common.FieldIDMap, cfg Config) (*Mergers, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = defaultCacheCapacity
	}

	// Register searchable fields up front so ids and attribute indexes do
	// not depend on worker scheduling.
	weights := common.NewFieldWeightsMap()
	for i, name := range settings.SearchableFields {
		fid, err := fields.IDOrInsert(name)
		if err != nil {
			return nil, err
		}
		weights.Insert(fid, common.Weight(i))
	}

	tokenizer, err := NewDocumentTokenizer(settings, weights)
	if err != nil {
		return nil, err
	}

	isExact := func(fieldName string) bool {
		for _, attr := range settings.ExactAttributes {
			if containedIn(fieldName, attr) {
				return true
			}
		}
		return false
	}

	accs := make([]*Accumulator, cfg.Workers)
	feed := make(chan DocumentChange)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(feed)
		for _, change := range changes {
			if err := ctx.Err(); err != nil {
				return err
			}
			select {
			case feed <- change:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < cfg.Workers; i++ {
		worker := newWorker(tokenizer, fields, isExact, cfg)
		accs[i] = worker.acc
		g.Go(func() error {
			for change := range feed {
				if err := worker.process(change); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, acc := range accs {
			discardAccumulator(acc)
		}
		return nil, err
	}

	streams := make([]*sortedStreams, len(accs))
	for i, acc := range accs {
		s, err := acc.finish()
		if err != nil {
			for _, done := range streams {
				cleanupStreams(done)
			}
			for _, rest := range accs[i:] {
				discardAccumulator(rest)
			}
			return nil, err
		}
		streams[i] = s
	}

	return assembleMergers(streams, cfg)
}

// worker is one extraction goroutine's thread-local state.
type worker struct {
	acc       *Accumulator
	tokenizer *DocumentTokenizer
	fields    *common.FieldIDMap
	isExact   func(string) bool
	buf       []byte
}

func newWorker(tokenizer *DocumentTokenizer, fields *common.FieldIDMap, isExact func(string) bool, cfg Config) *worker {
	return &worker{
		acc:       newAccumulator(cfg),
		tokenizer: tokenizer,
		fields:    fields,
		isExact:   isExact,
	}
}

// process routes one change through the accumulator: the old version feeds
// del sides, the new version add sides, and the word-count tally flushes
// once the change is fully tokenized.
func (w *worker) process(change DocumentChange) error {
	del := func(fieldName string, fid common.FieldID, pos common.Position, word string) error {
		var err error
		w.buf, err = w.acc.insertDelU32(fid, pos, word, w.isExact(fieldName), change.DocID, w.buf)
		return err
	}
	add := func(fieldName string, fid common.FieldID, pos common.Position, word string) error {
		var err error
		w.buf, err = w.acc.insertAddU32(fid, pos, word, w.isExact(fieldName), change.DocID, w.buf)
		return err
	}

	switch change.Kind {
	case Deletion:
		if err := w.tokenizer.TokenizeDocument(change.Current, w.fields, del); err != nil {
			return err
		}
	case Insertion:
		if err := w.tokenizer.TokenizeDocument(change.New, w.fields, add); err != nil {
			return err
		}
	case Update:
		if err := w.tokenizer.TokenizeDocument(change.Current, w.fields, del); err != nil {
			return err
		}
		if err := w.tokenizer.TokenizeDocument(change.New, w.fields, add); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown change kind %d", change.Kind)
	}

	// The tally belongs to this change's document; it must drain before the
	// next document's writes begin.
	var err error
	w.buf, err = w.acc.flushFidWordCount(w.buf)
	return err
}

// assembleMergers converts every worker's finished sorters into cursors,
// five streams in parallel, and feeds all cursors of a stream into one
// multi-way merger.
func assembleMergers(streams []*sortedStreams, cfg Config) (*Mergers, error) {
	out := &Mergers{}
	for _, s := range streams {
		out.sorters = append(out.sorters, s.all()...)
	}

	pick := []struct {
		sorterOf func(*sortedStreams) *sorter.Sorter
		target   **sorter.Merger
		opts     []sorter.MergerOption
	}{
		{func(s *sortedStreams) *sorter.Sorter { return s.wordDocids }, &out.WordDocids, bloomOpts(cfg)},
		{func(s *sortedStreams) *sorter.Sorter { return s.exactWordDocids }, &out.ExactWordDocids, nil},
		{func(s *sortedStreams) *sorter.Sorter { return s.wordFidDocids }, &out.WordFidDocids, nil},
		{func(s *sortedStreams) *sorter.Sorter { return s.wordPositionDocids }, &out.WordPositionDocids, nil},
		{func(s *sortedStreams) *sorter.Sorter { return s.fidWordCountDocids }, &out.FidWordCountDocids, nil},
	}

	var g errgroup.Group
	for _, p := range pick {
		p := p
		g.Go(func() error {
			var cursors []*sorter.Cursor
			for _, s := range streams {
				cs, err := p.sorterOf(s).Finish()
				if err != nil {
					for _, c := range cursors {
						c.Close()
					}
					return err
				}
				cursors = append(cursors, cs...)
			}
			merger, err := sorter.NewMerger(common.MergeDelAddBitmaps, cursors, p.opts...)
			if err != nil {
				for _, c := range cursors {
					c.Close()
				}
				return err
			}
			*p.target = merger
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

func bloomOpts(cfg Config) []sorter.MergerOption {
	if cfg.WordBloom == nil {
		return nil
	}
	return []sorter.MergerOption{sorter.WithKeyBloom(cfg.WordBloom)}
}

// discardAccumulator flushes nothing and removes whatever a failed worker
// already spilled.
func discardAccumulator(a *Accumulator) {
	if a == nil {
		return
	}
	for _, c := range []*cachedSorter{
		a.wordDocids, a.exactWordDocids, a.wordFidDocids,
		a.wordPositionDocids, a.fidWordCountDocids,
	} {
		c.sorter.Cleanup()
	}
}

func cleanupStreams(s *sortedStreams) {
	if s == nil {
		return
	}
	for _, srt := range s.all() {
		srt.Cleanup()
	}
}
