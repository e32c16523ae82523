package sorter

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
)

// Chunk entry framing: uvarint key length, key bytes, uvarint value length,
// value bytes. Entries within a chunk are sorted and hold distinct keys.

type chunkWriter struct {
	file *os.File
	lz   *lz4.Writer
	bw   *bufio.Writer
	scratch [binary.MaxVarintLen64]byte
}

func (s *Sorter) newChunkWriter(file *os.File) (*chunkWriter, error) {
	cw := &chunkWriter{file: file}
	var sink io.Writer = file
	if s.opts.Compression == CompressionLZ4 {
		cw.lz = lz4.NewWriter(file)
		if lvl := lz4Level(s.opts.CompressionLevel); lvl != lz4.Fast {
			if err := cw.lz.Apply(lz4.CompressionLevelOption(lvl)); err != nil {
				return nil, fmt.Errorf("invalid compression level: %w", err)
			}
		}
		sink = cw.lz
	}
	cw.bw = bufWriterPool.Get().(*bufio.Writer)
	cw.bw.Reset(sink)
	return cw, nil
}

func (cw *chunkWriter) writeEntry(key, value []byte) error {
	n := binary.PutUvarint(cw.scratch[:], uint64(len(key)))
	if _, err := cw.bw.Write(cw.scratch[:n]); err != nil {
		return err
	}
	if _, err := cw.bw.Write(key); err != nil {
		return err
	}
	n = binary.PutUvarint(cw.scratch[:], uint64(len(value)))
	if _, err := cw.bw.Write(cw.scratch[:n]); err != nil {
		return err
	}
	_, err := cw.bw.Write(value)
	return err
}

func (cw *chunkWriter) close() error {
	err := cw.bw.Flush()
	cw.bw.Reset(nil)
	bufWriterPool.Put(cw.bw)
	if cw.lz != nil {
		if cerr := cw.lz.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := cw.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func lz4Level(level int) lz4.CompressionLevel {
	levels := []lz4.CompressionLevel{
		lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
		lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
	}
	if level < 0 || level >= len(levels) {
		return lz4.Level9
	}
	return levels[level]
}

// Cursor iterates a sorted chunk file in key order.
type Cursor struct {
	file *os.File
	br   *bufio.Reader
	key  []byte
	val  []byte
}

func openCursor(path string, compression Compression) (*Cursor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk: %w", err)
	}
	var src io.Reader = file
	if compression == CompressionLZ4 {
		src = lz4.NewReader(file)
	}
	// Buffering is critical: entries are small and read one varint at a time.
	br := bufReaderPool.Get().(*bufio.Reader)
	br.Reset(src)
	return &Cursor{file: file, br: br}, nil
}

// Next advances to the next entry and returns its key and value. The
// returned slices are owned by the cursor until the following call. Returns
// io.EOF after the last entry.
func (c *Cursor) Next() ([]byte, []byte, error) {
	klen, err := binary.ReadUvarint(c.br)
	if err != nil {
		if err == io.EOF {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("failed to read key length: %w", err)
	}
	c.key = grow(c.key, int(klen))
	if _, err := io.ReadFull(c.br, c.key); err != nil {
		return nil, nil, fmt.Errorf("failed to read key: %w", err)
	}
	vlen, err := binary.ReadUvarint(c.br)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read value length: %w", err)
	}
	c.val = grow(c.val, int(vlen))
	if _, err := io.ReadFull(c.br, c.val); err != nil {
		return nil, nil, fmt.Errorf("failed to read value: %w", err)
	}
	return c.key, c.val, nil
}

// Close releases the cursor's reader and file handle.
func (c *Cursor) Close() error {
	if c.br != nil {
		c.br.Reset(nil)
		bufReaderPool.Put(c.br)
		c.br = nil
	}
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

func grow(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}
