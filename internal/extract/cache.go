// Package extract is the word-postings extraction pipeline: document changes
// fan out over worker goroutines, each worker tokenizes old and new document
// versions and coalesces del/add postings in LRU caches in front of external
// sorters, and the per-worker results merge into five sorted output streams.
package extract

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/csvquery/wordindex/internal/common"
	"github.com/csvquery/wordindex/internal/sorter"
)

// cachedEntry holds the pending del/add docids for one key.
type cachedEntry struct {
	key  string
	del  *roaring.Bitmap
	add  *roaring.Bitmap
	prev *cachedEntry
	next *cachedEntry
}

// cachedSorter coalesces repeated writes to the same key before they reach
// the external sorter. Extraction hits the same word over and over, so the
// cache cuts the number of values the sorter must sort and merge by one or
// two orders of magnitude. Capacity is an entry count; evicting the
// least-recently-used entry flushes its coalesced value down, so no docid is
// ever lost. Owned by a single worker, not synchronized.
type cachedSorter struct {
	capacity int
	items    map[string]*cachedEntry
	head     *cachedEntry // most recent
	tail     *cachedEntry // least recent
	sorter   *sorter.Sorter
	buf      []byte
}

func newCachedSorter(capacity int, s *sorter.Sorter) *cachedSorter {
	return &cachedSorter{
		capacity: capacity,
		items:    make(map[string]*cachedEntry, capacity),
		sorter:   s,
	}
}

// insertDelU32 records docid on the del side of key.
func (c *cachedSorter) insertDelU32(key []byte, docid common.DocumentID) error {
	entry, err := c.entryFor(key)
	if err != nil {
		return err
	}
	if entry.del == nil {
		entry.del = roaring.New()
	}
	entry.del.Add(docid)
	return nil
}

// insertAddU32 records docid on the add side of key.
func (c *cachedSorter) insertAddU32(key []byte, docid common.DocumentID) error {
	entry, err := c.entryFor(key)
	if err != nil {
		return err
	}
	if entry.add == nil {
		entry.add = roaring.New()
	}
	entry.add.Add(docid)
	return nil
}

// entryFor returns the cached entry for key, promoting it on a hit and
// inserting it on a miss. The insert may evict the LRU entry into the
// sorter.
func (c *cachedSorter) entryFor(key []byte) (*cachedEntry, error) {
	if entry, ok := c.items[string(key)]; ok {
		c.moveToHead(entry)
		return entry, nil
	}

	entry := &cachedEntry{key: string(key)}
	c.items[entry.key] = entry
	c.addToHead(entry)

	if len(c.items) > c.capacity {
		if err := c.evict(); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// evict flushes the least-recently-used entry to the sorter.
func (c *cachedSorter) evict() error {
	victim := c.tail
	c.removeFromList(victim)
	delete(c.items, victim.key)
	return c.flushEntry(victim)
}

func (c *cachedSorter) flushEntry(entry *cachedEntry) error {
	value, err := common.AppendDelAdd(c.buf[:0], entry.del, entry.add)
	if err != nil {
		return err
	}
	c.buf = value
	return c.sorter.Insert([]byte(entry.key), value)
}

// intoSorter flushes every remaining entry and hands back the underlying
// sorter. The cache must not be used afterwards.
func (c *cachedSorter) intoSorter() (*sorter.Sorter, error) {
	for entry := c.tail; entry != nil; entry = entry.prev {
		if err := c.flushEntry(entry); err != nil {
			return nil, err
		}
	}
	c.items = nil
	c.head, c.tail = nil, nil
	return c.sorter, nil
}

// --- internal linked list operations ---

func (c *cachedSorter) addToHead(entry *cachedEntry) {
	entry.prev = nil
	entry.next = c.head
	if c.head != nil {
		c.head.prev = entry
	}
	c.head = entry
	if c.tail == nil {
		c.tail = entry
	}
}

func (c *cachedSorter) moveToHead(entry *cachedEntry) {
	if entry == c.head {
		return
	}
	c.removeFromList(entry)
	c.addToHead(entry)
}

func (c *cachedSorter) removeFromList(entry *cachedEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.head = entry.next
	}
	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.tail = entry.prev
	}
	entry.prev, entry.next = nil, nil
}
