package sorter

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csvquery/wordindex/internal/common"
)

// sortedChunk spills one pre-sorted run and returns its cursor.
func sortedChunk(t *testing.T, tempDir string, pairs ...[2]string) *Cursor {
	t.Helper()
	s := New(concatMerge, Options{TempDir: tempDir})
	for _, p := range pairs {
		require.NoError(t, s.Insert([]byte(p[0]), []byte(p[1])))
	}
	cursors, err := s.Finish()
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	return cursors[0]
}

func TestMergerInterleavesSources(t *testing.T) {
	tempDir := t.TempDir()
	cursors := []*Cursor{
		sortedChunk(t, tempDir, [2]string{"apple", "1"}, [2]string{"cherry", "2"}),
		sortedChunk(t, tempDir, [2]string{"banana", "3"}, [2]string{"durian", "4"}),
	}

	m, err := NewMerger(concatMerge, cursors)
	require.NoError(t, err)
	defer m.Close()

	keys, values := drainMerger(t, m)
	assert.Equal(t, []string{"apple", "banana", "cherry", "durian"}, keys)
	assert.Equal(t, []string{"1", "3", "2", "4"}, values)
}

func TestMergerTiesResolveInCursorOrder(t *testing.T) {
	tempDir := t.TempDir()
	cursors := []*Cursor{
		sortedChunk(t, tempDir, [2]string{"same", "first"}),
		sortedChunk(t, tempDir, [2]string{"same", "second"}),
		sortedChunk(t, tempDir, [2]string{"same", "third"}),
	}

	m, err := NewMerger(concatMerge, cursors)
	require.NoError(t, err)
	defer m.Close()

	keys, values := drainMerger(t, m)
	assert.Equal(t, []string{"same"}, keys)
	assert.Equal(t, []string{"first,second,third"}, values)
}

func TestMergerManyCursors(t *testing.T) {
	tempDir := t.TempDir()
	var cursors []*Cursor
	for i := 0; i < 16; i++ {
		cursors = append(cursors,
			sortedChunk(t, tempDir, [2]string{fmt.Sprintf("k%02d", i), "v"}))
	}

	m, err := NewMerger(concatMerge, cursors)
	require.NoError(t, err)
	defer m.Close()

	keys, _ := drainMerger(t, m)
	require.Len(t, keys, 16)
	for i, key := range keys {
		assert.Equal(t, fmt.Sprintf("k%02d", i), key)
	}
}

func TestMergerPopulatesKeyBloom(t *testing.T) {
	tempDir := t.TempDir()
	cursors := []*Cursor{
		sortedChunk(t, tempDir, [2]string{"hello", "1"}, [2]string{"world", "2"}),
		sortedChunk(t, tempDir, [2]string{"hello", "3"}),
	}

	bloom := common.NewBloomFilter(100, 0.01)
	m, err := NewMerger(concatMerge, cursors, WithKeyBloom(bloom))
	require.NoError(t, err)
	defer m.Close()

	for {
		_, _, err := m.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	assert.True(t, bloom.MightContain([]byte("hello")))
	assert.True(t, bloom.MightContain([]byte("world")))
	// Distinct keys only: two emitted, despite three entries.
	_, _, count := bloom.Stats()
	assert.Equal(t, 2, count)
}
