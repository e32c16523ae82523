package common

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(10_000, 0.01)
	for i := 0; i < 10_000; i++ {
		bf.Add([]byte(fmt.Sprintf("word%d", i)))
	}
	for i := 0; i < 10_000; i++ {
		require.True(t, bf.MightContain([]byte(fmt.Sprintf("word%d", i))))
	}
}

func TestBloomFilterRejectsMostAbsentKeys(t *testing.T) {
	bf := NewBloomFilter(10_000, 0.01)
	for i := 0; i < 10_000; i++ {
		bf.Add([]byte(fmt.Sprintf("word%d", i)))
	}

	falsePositives := 0
	probes := 10_000
	for i := 0; i < probes; i++ {
		if bf.MightContain([]byte(fmt.Sprintf("absent%d", i))) {
			falsePositives++
		}
	}
	// 1% configured; leave generous slack.
	assert.Less(t, falsePositives, probes/20)
}

func TestBloomFilterSerializeRoundtrip(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	bf.Add([]byte("hello"))
	bf.Add([]byte("world"))

	path := filepath.Join(t.TempDir(), "keys.bloom")
	require.NoError(t, os.WriteFile(path, bf.Serialize(), 0644))

	loaded, err := LoadBloomFilter(path)
	require.NoError(t, err)

	assert.True(t, loaded.MightContain([]byte("hello")))
	assert.True(t, loaded.MightContain([]byte("world")))

	size, hashes, count := loaded.Stats()
	wantSize, wantHashes, wantCount := bf.Stats()
	assert.Equal(t, wantSize, size)
	assert.Equal(t, wantHashes, hashes)
	assert.Equal(t, wantCount, count)
}

func TestDeserializeBloomRejectsGarbage(t *testing.T) {
	assert.Nil(t, DeserializeBloom(nil))
	assert.Nil(t, DeserializeBloom([]byte("short")))
	assert.Nil(t, DeserializeBloom(make([]byte, 30)))
}
