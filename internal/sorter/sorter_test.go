package sorter

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// concatMerge joins all values for a key in the order the merger sees them,
// which makes insertion-order violations visible in the output.
func concatMerge(_ []byte, values [][]byte) ([]byte, error) {
	return bytes.Join(values, []byte(",")), nil
}

func drainMerger(t *testing.T, m *Merger) (keys []string, values []string) {
	t.Helper()
	for {
		key, value, err := m.Next()
		if err == io.EOF {
			return keys, values
		}
		require.NoError(t, err)
		keys = append(keys, string(key))
		values = append(values, string(value))
	}
}

func finishAndMerge(t *testing.T, s *Sorter) (keys []string, values []string) {
	t.Helper()
	cursors, err := s.Finish()
	require.NoError(t, err)
	m, err := NewMerger(concatMerge, cursors)
	require.NoError(t, err)
	defer m.Close()
	return drainMerger(t, m)
}

func TestSorterSortsAndDeduplicates(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionLZ4} {
		t.Run(fmt.Sprintf("compression=%d", compression), func(t *testing.T) {
			s := New(concatMerge, Options{
				Compression: compression,
				TempDir:     t.TempDir(),
			})
			defer s.Cleanup()

			require.NoError(t, s.Insert([]byte("cherry"), []byte("c1")))
			require.NoError(t, s.Insert([]byte("apple"), []byte("a1")))
			require.NoError(t, s.Insert([]byte("banana"), []byte("b1")))
			require.NoError(t, s.Insert([]byte("apple"), []byte("a2")))

			keys, values := finishAndMerge(t, s)
			assert.Equal(t, []string{"apple", "banana", "cherry"}, keys)
			assert.Equal(t, []string{"a1,a2", "b1", "c1"}, values)
		})
	}
}

func TestSorterSpillsUnderMemoryPressure(t *testing.T) {
	tempDir := t.TempDir()
	s := New(concatMerge, Options{
		Compression: CompressionLZ4,
		MaxMemory:   512, // force frequent spills
		TempDir:     tempDir,
	})
	defer s.Cleanup()

	const n = 1000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key%04d", i%100)
		require.NoError(t, s.Insert([]byte(key), []byte(fmt.Sprintf("v%d", i))))
	}
	require.Greater(t, s.GetStats().Chunks, 1, "expected multiple spill chunks")

	keys, values := finishAndMerge(t, s)
	require.Len(t, keys, 100)
	for i, key := range keys {
		assert.Equal(t, fmt.Sprintf("key%04d", i), key)
	}
	// Every inserted value survives the spills, in insertion order.
	assert.Equal(t, "v0,v100,v200,v300,v400,v500,v600,v700,v800,v900", values[0])
}

func TestSorterStableTieOrderAcrossChunks(t *testing.T) {
	s := New(concatMerge, Options{
		MaxMemory: 1, // one entry per chunk
		TempDir:   t.TempDir(),
	})
	defer s.Cleanup()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Insert([]byte("same"), []byte(fmt.Sprintf("v%d", i))))
	}

	keys, values := finishAndMerge(t, s)
	assert.Equal(t, []string{"same"}, keys)
	assert.Equal(t, []string{"v0,v1,v2,v3,v4"}, values)
}

func TestSorterMaxChunksCompaction(t *testing.T) {
	s := New(concatMerge, Options{
		MaxMemory: 1,
		MaxChunks: 3,
		TempDir:   t.TempDir(),
	})
	defer s.Cleanup()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Insert([]byte(fmt.Sprintf("k%02d", i)), []byte("v")))
	}
	assert.LessOrEqual(t, s.GetStats().Chunks, 3)

	keys, _ := finishAndMerge(t, s)
	assert.Len(t, keys, 20)
}

func TestSorterCleanupRemovesSpillFiles(t *testing.T) {
	tempDir := t.TempDir()
	s := New(concatMerge, Options{MaxMemory: 1, TempDir: tempDir})

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Insert([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	cursors, err := s.Finish()
	require.NoError(t, err)
	for _, c := range cursors {
		require.NoError(t, c.Close())
	}

	s.Cleanup()
	left, err := filepath.Glob(filepath.Join(tempDir, "chunk_*"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSorterEmptyFinish(t *testing.T) {
	s := New(concatMerge, Options{TempDir: t.TempDir()})
	cursors, err := s.Finish()
	require.NoError(t, err)
	assert.Empty(t, cursors)

	m, err := NewMerger(concatMerge, cursors)
	require.NoError(t, err)
	defer m.Close()
	_, _, err = m.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSorterStatsCount(t *testing.T) {
	s := New(concatMerge, Options{TempDir: t.TempDir()})
	defer s.Cleanup()
	for i := 0; i < 7; i++ {
		require.NoError(t, s.Insert([]byte("k"), []byte("v")))
	}
	assert.Equal(t, int64(7), s.GetStats().Inserted)
}

func TestCursorOwnsItsBuffers(t *testing.T) {
	s := New(concatMerge, Options{TempDir: t.TempDir()})
	defer s.Cleanup()
	require.NoError(t, s.Insert([]byte("aa"), []byte("1")))
	require.NoError(t, s.Insert([]byte("bb"), []byte("2")))

	cursors, err := s.Finish()
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	c := cursors[0]
	defer c.Close()

	key1, _, err := c.Next()
	require.NoError(t, err)
	got1 := string(key1)

	_, _, err = c.Next()
	require.NoError(t, err)
	// The first returned slice may be reused; the copied string must not be.
	assert.Equal(t, "aa", got1)

	_, _, err = c.Next()
	assert.Equal(t, io.EOF, err)
}
