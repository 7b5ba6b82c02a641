// Package loader seeds a chunk store from the dumps ingestion writes: JSON
// arrays or JSON-lines files of CodeChunk records.
package loader

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/hybridsearch/internal/apperr"
	"github.com/seanblong/hybridsearch/internal/store"
	"github.com/seanblong/hybridsearch/pkg/models"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

const maxWorkers = 8

// Loader walks a directory of chunk dumps and upserts every record.
type Loader struct {
	Store      store.ChunkWriter
	Root       string
	Dim        int // expected embedding size; 0 skips the check
	Workers    int
	Walker     FileSystemWalker
	FileReader FileReader
}

// Stats summarises one run.
type Stats struct {
	Files   int64
	Chunks  int64
	Skipped int64
}

type counters struct {
	files, chunks, skipped atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{Files: c.files.Load(), Chunks: c.chunks.Load(), Skipped: c.skipped.Load()}
}

func New(w store.ChunkWriter, root string, dim int) *Loader {
	return &Loader{
		Store:      w,
		Root:       root,
		Dim:        dim,
		Walker:     &DefaultFileSystemWalker{},
		FileReader: &DefaultFileReader{},
	}
}

// Run loads every dump under Root. Malformed records are skipped with a
// warning; a dimension mismatch or a store failure stops the run.
func (l *Loader) Run(ctx context.Context) (Stats, error) {
	numWorkers := l.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
		if numWorkers > maxWorkers {
			numWorkers = maxWorkers
		}
	}
	log.Info().Int("workers", numWorkers).Str("root", l.Root).Msg("loading chunk dumps")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		stats    counters
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	work := make(chan string, numWorkers*2)
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")
			for path := range work {
				if ctx.Err() != nil {
					continue
				}
				if err := l.loadFile(ctx, path, &stats); err != nil {
					fail(err)
				}
			}
			log.Debug().Int("worker", workerID).Msg("worker finished")
		}(i)
	}

	walkErr := l.Walker.Walk(l.Root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if de != nil && de.IsDir() {
				if path != l.Root && strings.HasPrefix(filepath.Base(path), ".") {
					return godirwalk.SkipThis
				}
				return nil
			}
			if !isDump(path) {
				return nil
			}
			select {
			case work <- path:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	close(work)
	wg.Wait()

	st := stats.snapshot()
	if firstErr != nil {
		return st, firstErr
	}
	if walkErr != nil {
		return st, fmt.Errorf("walk %s: %w", l.Root, walkErr)
	}
	log.Info().Int64("files", st.Files).Int64("chunks", st.Chunks).Int64("skipped", st.Skipped).Msg("load complete")
	return st, nil
}

func (l *Loader) loadFile(ctx context.Context, path string, stats *counters) error {
	b, err := l.FileReader.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to read dump")
		return nil
	}
	chunks, err := Parse(path, b)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to parse dump")
		return nil
	}
	stats.files.Add(1)

	for _, raw := range chunks {
		c, err := normalize(raw)
		if err != nil {
			stats.skipped.Add(1)
			log.Warn().Err(err).Str("path", path).Str("id", raw.ID).Msg("skipping chunk")
			continue
		}
		if err := checkDim(c, l.Dim); err != nil {
			return fmt.Errorf("%s: chunk %s: %w", path, c.ID, err)
		}
		if err := l.Store.UpsertChunk(ctx, c); err != nil {
			return fmt.Errorf("%s: upsert %s: %w", path, c.ID, err)
		}
		stats.chunks.Add(1)
		log.Debug().Str("id", c.ID).Str("path", c.Path).Msg("loaded chunk")
	}
	return nil
}

// Parse decodes a dump. Files ending in .jsonl hold one record per line;
// anything else is read as a JSON array.
func Parse(path string, b []byte) ([]models.CodeChunk, error) {
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		var out []models.CodeChunk
		sc := bufio.NewScanner(bytes.NewReader(b))
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			raw := bytes.TrimSpace(sc.Bytes())
			if len(raw) == 0 {
				continue
			}
			var c models.CodeChunk
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			out = append(out, c)
		}
		return out, sc.Err()
	}

	var out []models.CodeChunk
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize fills derivable fields and rejects records the search path
// cannot serve.
func normalize(c models.CodeChunk) (models.CodeChunk, error) {
	if c.Repository == "" || c.Path == "" {
		return c, errors.New("repository and path are required")
	}
	if c.LineStart < 1 || c.LineEnd < c.LineStart {
		return c, fmt.Errorf("invalid line span %d-%d", c.LineStart, c.LineEnd)
	}
	kind, err := models.ParseChunkKind(string(c.Kind))
	if err != nil {
		return c, err
	}
	c.Kind = kind
	if c.Language == "" {
		c.Language = models.GuessLanguage(c.Path)
	}
	c.Language = strings.ToLower(c.Language)
	if c.ID == "" {
		c.ID = chunkID(c.Repository, c.Path, c.LineStart, c.LineEnd)
	}
	if c.Metadata.Complexity < 0 {
		c.Metadata.Complexity = 0
	}
	return c, nil
}

func checkDim(c models.CodeChunk, dim int) error {
	if dim <= 0 {
		return nil
	}
	for _, d := range models.AllDomains {
		if v := c.Embedding(d); v != nil && len(v) != dim {
			return apperr.DimensionMismatch(dim, len(v))
		}
	}
	return nil
}

func isDump(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl":
		return true
	}
	return false
}

func chunkID(repository, path string, a, b int) string {
	h := sha1.Sum([]byte(repository + ":" + path + "#" + strconv.Itoa(a) + ":" + strconv.Itoa(b)))
	return hex.EncodeToString(h[:])
}
