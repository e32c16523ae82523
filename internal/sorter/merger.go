package sorter

import (
	"bytes"
	"io"

	"github.com/csvquery/wordindex/internal/common"
)

// Merger k-way merges any number of sorted cursors, applying the merge
// function to all values sharing a key. Cursors typically come from several
// sorters owned by different workers; their relative order breaks ties, so a
// stable per-sorter insertion order survives the merge.
type Merger struct {
	merge   MergeFunc
	cursors []*Cursor
	h       mergeHeap
	bloom   *common.BloomFilter
	values  [][]byte
}

// MergerOption configures a Merger.
type MergerOption func(*Merger)

// WithKeyBloom makes the merger add every distinct key it emits to bloom.
func WithKeyBloom(bloom *common.BloomFilter) MergerOption {
	return func(m *Merger) { m.bloom = bloom }
}

// NewMerger primes a merger with the first entry of every cursor. The merger
// takes ownership of the cursors; Close releases them.
func NewMerger(merge MergeFunc, cursors []*Cursor, opts ...MergerOption) (*Merger, error) {
	m := &Merger{merge: merge, cursors: cursors}
	for _, opt := range opts {
		opt(m)
	}
	m.h = make(mergeHeap, 0, len(cursors))
	for i := range cursors {
		if err := m.refill(i); err != nil {
			return nil, err
		}
	}
	m.h.init()
	return m, nil
}

// Next returns the smallest remaining key with its merged value. The
// returned slices must not be retained across calls. Returns io.EOF when
// every cursor is drained.
func (m *Merger) Next() ([]byte, []byte, error) {
	if len(m.h) == 0 {
		return nil, nil, io.EOF
	}

	top := m.h.pop()
	key := top.key
	m.values = append(m.values[:0], top.value)
	if err := m.refill(top.source); err != nil {
		return nil, nil, err
	}

	for len(m.h) > 0 && bytes.Equal(m.h[0].key, key) {
		item := m.h.pop()
		m.values = append(m.values, item.value)
		if err := m.refill(item.source); err != nil {
			return nil, nil, err
		}
	}

	value := m.values[0]
	if len(m.values) > 1 {
		merged, err := m.merge(key, m.values)
		if err != nil {
			return nil, nil, err
		}
		value = merged
	}
	if m.bloom != nil {
		m.bloom.Add(key)
	}
	return key, value, nil
}

// Close releases every cursor. It does not remove the underlying spill
// files; that stays with each sorter's Cleanup.
func (m *Merger) Close() error {
	var err error
	for _, c := range m.cursors {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// refill pushes the next entry of cursor i onto the heap. Keys and values
// are copied out of the cursor's scratch buffers because heap items outlive
// the cursor's next read.
func (m *Merger) refill(i int) error {
	key, value, err := m.cursors[i].Next()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	m.h.push(mergeItem{
		key:    bytes.Clone(key),
		value:  bytes.Clone(value),
		source: i,
	})
	return nil
}

// mergeItem is one pending entry in the k-way merge.
type mergeItem struct {
	key    []byte
	value  []byte
	source int
}

func (a mergeItem) less(b mergeItem) bool {
	if cmp := bytes.Compare(a.key, b.key); cmp != 0 {
		return cmp < 0
	}
	return a.source < b.source
}

// mergeHeap is a manual min-heap of mergeItems. container/heap boxes through
// interface{} and allocates on every push; this does not.
type mergeHeap []mergeItem

func (h *mergeHeap) init() {
	n := len(*h)
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
}

func (h *mergeHeap) push(x mergeItem) {
	*h = append(*h, x)
	h.up(len(*h) - 1)
}

func (h *mergeHeap) pop() mergeItem {
	old := *h
	n := len(old)
	x := old[0]
	old[0] = old[n-1]
	*h = old[:n-1]
	h.down(0, n-1)
	return x
}

func (h *mergeHeap) up(j int) {
	for {
		i := (j - 1) / 2
		if i == j || !(*h)[j].less((*h)[i]) {
			break
		}
		(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
		j = i
	}
}

func (h *mergeHeap) down(i0, n int) {
	i := i0
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 {
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && (*h)[j2].less((*h)[j1]) {
			j = j2
		}
		if !(*h)[j].less((*h)[i]) {
			break
		}
		(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
		i = j
	}
}
