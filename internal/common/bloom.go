package common

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
)

// BloomFilter is a space-efficient probabilistic set of posting keys. The
// final merge can populate one with every distinct key it emits, so that
// downstream lookups can skip words that are definitely not indexed.
type BloomFilter struct {
	bits      []byte
	size      int // size in bits
	hashCount int
	count     int // keys added
}

// NewBloomFilter sizes a filter for n expected keys at the given false
// positive rate (0.01 = 1%).
func NewBloomFilter(n int, fpRate float64) *BloomFilter {
	if n < 1 {
		n = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	// m = -n*ln(p) / ln(2)^2, k = (m/n)*ln(2)
	m := int(-float64(n) * math.Log(fpRate) / (math.Ln2 * math.Ln2))
	if m < 1024 {
		m = 1024
	}
	m = ((m + 7) / 8) * 8

	k := int(float64(m) / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}

	return &BloomFilter{
		bits:      make([]byte, m/8),
		size:      m,
		hashCount: k,
	}
}

// Add inserts a key into the filter.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.hashPair(key)
	for i := 0; i < bf.hashCount; i++ {
		pos := int((h1 + uint64(i)*h2) % uint64(bf.size))
		bf.bits[pos/8] |= 1 << (pos % 8)
	}
	bf.count++
}

// MightContain reports whether a key might be in the set. A false result is
// definitive; a true result is wrong with the configured false positive rate.
func (bf *BloomFilter) MightContain(key []byte) bool {
	h1, h2 := bf.hashPair(key)
	for i := 0; i < bf.hashCount; i++ {
		pos := int((h1 + uint64(i)*h2) % uint64(bf.size))
		if bf.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// hashPair derives the two base hashes for double hashing. Posting keys are
// short, so two CRC32 passes stay cheap and allocation free.
func (bf *BloomFilter) hashPair(key []byte) (uint64, uint64) {
	h1 := crc32.ChecksumIEEE(key)
	h2 := crc32.Update(h1, crc32.IEEETable, []byte("wordindex"))
	return uint64(h1), uint64(h2) | 1
}

// Stats returns the filter's size in bits, hash count and number of keys
// added.
func (bf *BloomFilter) Stats() (size, hashCount, count int) {
	return bf.size, bf.hashCount, bf.count
}

// MemoryUsage returns the in-memory footprint in bytes.
func (bf *BloomFilter) MemoryUsage() int {
	return len(bf.bits) + 24
}

// Serialize converts the filter to bytes for storage.
//
// Binary format (24 byte header + bits):
//
//	bytes 0-7   size (bits)
//	bytes 8-15  hash count
//	bytes 16-23 key count
//	bytes 24+   bit array
func (bf *BloomFilter) Serialize() []byte {
	out := make([]byte, 24, 24+len(bf.bits))
	binary.BigEndian.PutUint64(out[0:8], uint64(bf.size))
	binary.BigEndian.PutUint64(out[8:16], uint64(bf.hashCount))
	binary.BigEndian.PutUint64(out[16:24], uint64(bf.count))
	return append(out, bf.bits...)
}

// DeserializeBloom reconstructs a filter from Serialize output. Returns nil
// on malformed data.
func DeserializeBloom(data []byte) *BloomFilter {
	if len(data) < 24 {
		return nil
	}
	size := int(binary.BigEndian.Uint64(data[0:8]))
	if size <= 0 || size/8 != len(data)-24 {
		return nil
	}
	return &BloomFilter{
		bits:      data[24:],
		size:      size,
		hashCount: int(binary.BigEndian.Uint64(data[8:16])),
		count:     int(binary.BigEndian.Uint64(data[16:24])),
	}
}

// LoadBloomFilter reads a serialized filter from a file.
func LoadBloomFilter(path string) (*BloomFilter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	bloom := DeserializeBloom(data)
	if bloom == nil {
		return nil, fmt.Errorf("invalid bloom filter data in %s", path)
	}
	return bloom, nil
}
