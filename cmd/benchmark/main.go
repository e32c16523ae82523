// Benchmark drives a full extraction pass over a synthetic document corpus
// and reports throughput plus per-stream key counts.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/spf13/pflag"

	"github.com/csvquery/wordindex/internal/common"
	"github.com/csvquery/wordindex/internal/extract"
	"github.com/csvquery/wordindex/internal/sorter"
	"github.com/csvquery/wordindex/internal/store"
)

var words = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf",
	"hotel", "india", "juliett", "kilo", "lima", "mike", "november",
	"oscar", "papa", "quebec", "romeo", "sierra", "tango", "uniform",
	"victor", "whiskey", "xray", "yankee", "zulu",
}

func main() {
	docs := pflag.Int("docs", 100_000, "number of synthetic documents")
	updates := pflag.Float64("updates", 0.2, "fraction of changes that are updates")
	workers := pflag.Int("workers", runtime.NumCPU(), "extraction workers")
	memoryMB := pflag.Int("memory-mb", 256, "per-worker sorter budget in MB")
	bloomPath := pflag.String("bloom", "", "write a distinct-word bloom filter to this file")
	pflag.Parse()

	settings := &store.Settings{
		SearchableFields: []string{"title", "body", "tags"},
		ExactAttributes:  []string{"tags"},
	}

	fmt.Println("Generating corpus...")
	rng := rand.New(rand.NewSource(123))
	changes := make([]extract.DocumentChange, 0, *docs)
	for i := 0; i < *docs; i++ {
		docid := common.DocumentID(i)
		doc := randomDocument(rng)
		if rng.Float64() < *updates {
			changes = append(changes, extract.NewUpdate(docid, randomDocument(rng), doc))
		} else {
			changes = append(changes, extract.NewInsertion(docid, doc))
		}
	}

	var bloom *common.BloomFilter
	if *bloomPath != "" {
		bloom = common.NewBloomFilter(len(words)*2, 0.01)
	}

	tempDir, err := os.MkdirTemp("", "wordindex_bench")
	if err != nil {
		fatal(err)
	}
	defer os.RemoveAll(tempDir)

	cfg := extract.Config{
		Workers:     *workers,
		MaxMemory:   int64(*memoryMB) * 1024 * 1024,
		Compression: sorter.CompressionLZ4,
		TempDir:     tempDir,
		WordBloom:   bloom,
	}

	fmt.Printf("Extracting %d changes with %d workers...\n", len(changes), *workers)
	start := time.Now()

	fields := common.NewFieldIDMap()
	mergers, err := extract.Run(context.Background(), changes, settings, fields, cfg)
	if err != nil {
		fatal(err)
	}
	defer mergers.Close()

	elapsed := time.Since(start)
	fmt.Printf("\nExtraction: %v (%.0f docs/sec)\n\n", elapsed.Round(time.Millisecond),
		float64(len(changes))/elapsed.Seconds())

	streams := []struct {
		name   string
		merger *sorter.Merger
	}{
		{"word_docids", mergers.WordDocids},
		{"exact_word_docids", mergers.ExactWordDocids},
		{"word_fid_docids", mergers.WordFidDocids},
		{"word_position_docids", mergers.WordPositionDocids},
		{"fid_word_count_docids", mergers.FidWordCountDocids},
	}
	for _, s := range streams {
		keys, valueBytes, err := drain(s.merger)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("  %-24s %8d keys  %10d value bytes\n", s.name, keys, valueBytes)
	}

	if bloom != nil {
		if err := os.WriteFile(*bloomPath, bloom.Serialize(), 0644); err != nil {
			fatal(err)
		}
		_, hashes, count := bloom.Stats()
		fmt.Printf("\nBloom: %d keys, %d hashes, %d bytes -> %s\n",
			count, hashes, bloom.MemoryUsage(), *bloomPath)
	}
}

func randomDocument(rng *rand.Rand) *store.Document {
	doc := store.NewDocument()
	doc.Set("title", randomText(rng, 3+rng.Intn(5)))
	doc.Set("body", randomText(rng, 20+rng.Intn(60)))
	doc.Set("tags", words[rng.Intn(len(words))])
	return doc
}

func randomText(rng *rand.Rand, n int) string {
	buf := make([]byte, 0, n*8)
	for i := 0; i < n; i++ {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, words[rng.Intn(len(words))]...)
	}
	return string(buf)
}

func drain(m *sorter.Merger) (keys int, valueBytes int64, err error) {
	for {
		_, value, err := m.Next()
		if err == io.EOF {
			return keys, valueBytes, nil
		}
		if err != nil {
			return keys, valueBytes, err
		}
		keys++
		valueBytes += int64(len(value))
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "benchmark: %v\n", err)
	os.Exit(1)
}
