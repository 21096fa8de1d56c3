package vectorindex

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gardener/internal/ignore"
	"github.com/fyrsmithlabs/gardener/internal/secrets"
)

// IngestOptions controls how a source tree is chunked.
type IngestOptions struct {
	// ChunkLines is the number of lines per snippet.
	ChunkLines int
	// MaxFileBytes skips larger files.
	MaxFileBytes int64
	// Extensions limits ingestion to these file extensions. Empty means all text files.
	Extensions []string
	Compress   bool
	// Concurrency for embedding calls.
	Concurrency int
	// Scrubber redacts secrets from snippets before they are embedded and persisted.
	Scrubber secrets.Scrubber
}

// DefaultIngestOptions returns sensible chunking defaults.
func DefaultIngestOptions() IngestOptions {
	return IngestOptions{
		ChunkLines:   60,
		MaxFileBytes: 512 * 1024,
		Concurrency:  4,
	}
}

// IngestStats summarizes an ingestion run.
type IngestStats struct {
	Files    int
	Skipped  int
	Snippets int
	Redacted int
}

// Ingest rebuilds the index at ref from the source tree at sourceRoot.
// Files excluded by the project's ignore files are skipped. The previous
// index at ref is replaced only after the new one is fully written.
func Ingest(ctx context.Context, ref, sourceRoot string, embed chromem.EmbeddingFunc, opts IngestOptions, logger *zap.Logger) (*IngestStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChunkLines <= 0 {
		opts.ChunkLines = DefaultIngestOptions().ChunkLines
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	matcher, err := ignore.NewParser(ignore.DefaultIgnoreFiles, nil).ParseProject(sourceRoot)
	if err != nil {
		return nil, fmt.Errorf("read ignore files: %w", err)
	}

	staging := ref + stagingSuffix
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0700); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	built := false
	defer func() {
		if !built {
			_ = os.RemoveAll(staging)
		}
	}()

	db, err := chromem.NewPersistentDB(staging, opts.Compress)
	if err != nil {
		return nil, fmt.Errorf("open chromem db %s: %w", staging, err)
	}
	collection, err := db.CreateCollection(CollectionName, map[string]string{"source": sourceRoot}, embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	stats := &IngestStats{}
	var docs []chromem.Document

	err = filepath.WalkDir(sourceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(sourceRoot, path)
		if err != nil {
			return err
		}
		if matcher.Excluded(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			stats.Skipped++
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !opts.accepts(path) {
			stats.Skipped++
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if opts.MaxFileBytes > 0 && info.Size() > opts.MaxFileBytes {
			stats.Skipped++
			return nil
		}

		chunks, err := chunkFile(path, filepath.ToSlash(rel), opts.ChunkLines)
		if err != nil {
			logger.Debug("skipping unreadable file", zap.String("path", rel), zap.Error(err))
			stats.Skipped++
			return nil
		}
		if len(chunks) == 0 {
			return nil
		}
		if opts.Scrubber != nil {
			for i := range chunks {
				clean := opts.Scrubber.Scrub(chunks[i].Content)
				if clean != chunks[i].Content {
					chunks[i].Content = clean
					stats.Redacted++
				}
			}
		}
		stats.Files++
		docs = append(docs, chunks...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", sourceRoot, err)
	}

	if len(docs) > 0 {
		if err := collection.AddDocuments(ctx, docs, opts.Concurrency); err != nil {
			return nil, fmt.Errorf("add documents: %w", err)
		}
	}
	stats.Snippets = len(docs)

	if err := swapDir(staging, ref); err != nil {
		return nil, err
	}
	built = true

	logger.Info("vector index built",
		zap.String("ref", ref),
		zap.Int("files", stats.Files),
		zap.Int("snippets", stats.Snippets),
		zap.Int("skipped", stats.Skipped),
		zap.Int("redacted", stats.Redacted))
	return stats, nil
}

const (
	stagingSuffix = ".building"
	retiredSuffix = ".old"
)

// swapDir replaces dst with src. dst may not exist yet.
func swapDir(src, dst string) error {
	retired := dst + retiredSuffix
	if err := os.RemoveAll(retired); err != nil {
		return fmt.Errorf("clear %s: %w", retired, err)
	}
	hadPrevious := true
	if err := os.Rename(dst, retired); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("retire index %s: %w", dst, err)
		}
		hadPrevious = false
	}
	if err := os.Rename(src, dst); err != nil {
		if hadPrevious {
			_ = os.Rename(retired, dst)
		}
		return fmt.Errorf("install index %s: %w", dst, err)
	}
	if hadPrevious {
		_ = os.RemoveAll(retired)
	}
	return nil
}

func (o IngestOptions) accepts(path string) bool {
	if len(o.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range o.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// chunkFile splits a text file into line-bounded snippets. Binary files
// (containing NUL bytes) yield an error.
func chunkFile(path, rel string, chunkLines int) ([]chromem.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var docs []chromem.Document
	var buf strings.Builder
	start, line := 1, 0

	flush := func() {
		content := buf.String()
		buf.Reset()
		if strings.TrimSpace(content) == "" {
			return
		}
		sum := sha256.Sum256([]byte(rel + ":" + strconv.Itoa(start)))
		docs = append(docs, chromem.Document{
			ID: hex.EncodeToString(sum[:8]),
			Metadata: map[string]string{
				"path":       rel,
				"start_line": strconv.Itoa(start),
			},
			Content: content,
		})
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if strings.IndexByte(text, 0) >= 0 {
			return nil, fmt.Errorf("binary file")
		}
		line++
		buf.WriteString(text)
		buf.WriteByte('\n')
		if line%chunkLines == 0 {
			flush()
			start = line + 1
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	return docs, nil
}
