package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemConfig configures the chromem-backed opener.
type ChromemConfig struct {
	// Compress gzips the persisted documents.
	Compress bool
	// WorkingSetBytes is the fixed per-index overhead added to on-disk size.
	WorkingSetBytes int64
	// Dimensions of the embedding vectors, used for the in-memory estimate.
	Dimensions int
}

// ChromemOpener opens chromem-go persistent databases.
type ChromemOpener struct {
	embed  chromem.EmbeddingFunc
	config ChromemConfig
	logger *zap.Logger
}

// NewChromemOpener creates an opener. embed vectorizes query text.
func NewChromemOpener(embed chromem.EmbeddingFunc, config ChromemConfig, logger *zap.Logger) *ChromemOpener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Dimensions <= 0 {
		config.Dimensions = 768
	}
	return &ChromemOpener{embed: embed, config: config, logger: logger}
}

// NewOllamaEmbedding returns a chromem embedding func served by ollama.
func NewOllamaEmbedding(model, baseURL string) chromem.EmbeddingFunc {
	return chromem.NewEmbeddingFuncOllama(model, baseURL)
}

// Estimate returns on-disk size plus the configured working set.
func (o *ChromemOpener) Estimate(ctx context.Context, ref string) (int64, error) {
	size, err := dirSize(ref)
	if err != nil {
		return 0, err
	}
	return size + o.config.WorkingSetBytes, nil
}

// Open loads the persistent database at ref.
func (o *ChromemOpener) Open(ctx context.Context, ref string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size, err := dirSize(ref)
	if err != nil {
		return nil, err
	}

	db, err := chromem.NewPersistentDB(ref, o.config.Compress)
	if err != nil {
		return nil, fmt.Errorf("open chromem db %s: %w", ref, err)
	}
	collection := db.GetCollection(CollectionName, o.embed)
	if collection == nil {
		return nil, fmt.Errorf("%w: %s has no %s collection", ErrIndexNotFound, ref, CollectionName)
	}

	count := collection.Count()
	vectors := int64(count) * int64(o.config.Dimensions) * 4
	h := &chromemHandle{
		ref:        ref,
		collection: collection,
		workingSet: size + vectors + o.config.WorkingSetBytes,
	}

	o.logger.Debug("vector index opened",
		zap.String("ref", ref),
		zap.Int("documents", count),
		zap.Int64("working_set_bytes", h.workingSet))
	return h, nil
}

type chromemHandle struct {
	mu         sync.RWMutex
	ref        string
	collection *chromem.Collection
	workingSet int64
	closed     bool
}

func (h *chromemHandle) Query(ctx context.Context, text string, k int) ([]Snippet, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrClosed
	}

	// chromem requires nResults <= document count
	count := h.collection.Count()
	if count == 0 || k <= 0 {
		return []Snippet{}, nil
	}
	if k > count {
		k = count
	}

	results, err := h.collection.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", h.ref, err)
	}
	snippets := make([]Snippet, len(results))
	for i, r := range results {
		line, _ := strconv.Atoi(r.Metadata["start_line"])
		snippets[i] = Snippet{
			ID:        r.ID,
			Path:      r.Metadata["path"],
			StartLine: line,
			Content:   r.Content,
			Score:     r.Similarity,
		}
	}
	return snippets, nil
}

func (h *chromemHandle) EstimatedWorkingSetBytes() int64 {
	return h.workingSet
}

func (h *chromemHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.collection = nil
	return nil
}

// dirSize sums regular file sizes under dir.
func dirSize(dir string) (int64, error) {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrIndexNotFound, dir)
	}
	if err != nil {
		return 0, fmt.Errorf("stat index %s: %w", dir, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%w: %s is not a directory", ErrIndexNotFound, dir)
	}

	var total int64
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure index %s: %w", dir, err)
	}
	return total, nil
}

// Delete removes the index directory at ref. Missing is not an error.
func Delete(ref string) error {
	if ref == "" {
		return nil
	}
	if err := os.RemoveAll(ref); err != nil {
		return fmt.Errorf("delete index %s: %w", ref, err)
	}
	return nil
}
