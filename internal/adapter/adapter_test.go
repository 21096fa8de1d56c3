package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gardener/internal/kvstore"
)

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestNewArtifact(t *testing.T) {
	path := writeArtifact(t, t.TempDir(), "lora.bin", "weights")

	a, err := NewArtifact("p1", path, "qwen2.5-coder:7b")
	require.NoError(t, err)
	assert.Equal(t, int64(len("weights")), a.SizeBytes)
	// sha256("weights")
	assert.Len(t, a.ContentHash, 64)
	assert.True(t, a.CompatibleWith("qwen2.5-coder:7b"))
	assert.False(t, a.CompatibleWith("llama3:8b"))

	_, err = NewArtifact("", path, "m")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = NewArtifact("p1", filepath.Join(t.TempDir(), "missing"), "m")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kvstore.NewMemoryStore(), "")

	_, err := s.Get(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	path := writeArtifact(t, t.TempDir(), "lora.bin", "weights")
	a, err := NewArtifact("p1", path, "base")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, a))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, got.ContentHash)
	assert.Equal(t, path, got.ArtifactPath)

	require.NoError(t, s.Delete(ctx, "p1"))
	require.NoError(t, s.Delete(ctx, "p1"))
	_, err = s.Get(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Unmanaged artifacts are left on disk.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestStore_ImportAndDeleteManaged(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewStore(kvstore.NewMemoryStore(), root)

	src := writeArtifact(t, t.TempDir(), "out.safetensors", "trained")
	a, err := s.Import(ctx, "p1", src, "base")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "p1", "adapter.bin"), a.ArtifactPath)

	srcHash, _, err := HashFile(src)
	require.NoError(t, err)
	assert.Equal(t, srcHash, a.ContentHash)

	require.NoError(t, s.Delete(ctx, "p1"))
	_, err = os.Stat(filepath.Join(root, "p1"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_ImportRejectsBadProjectID(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore(), t.TempDir())
	src := writeArtifact(t, t.TempDir(), "out", "x")
	_, err := s.Import(context.Background(), "../escape", src, "base")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFileLoader(t *testing.T) {
	ctx := context.Background()
	path := writeArtifact(t, t.TempDir(), "lora.bin", "weights")
	a, err := NewArtifact("p1", path, "base")
	require.NoError(t, err)
	a.ModelName = "gardener-p1"

	l := NewFileLoader()
	h, err := l.Load(ctx, *a)
	require.NoError(t, err)
	assert.Equal(t, "gardener-p1", h.ModelName())
	assert.Equal(t, a.ContentHash, h.Artifact().ContentHash)
	require.NoError(t, l.Unload(ctx, h))

	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0600))
	_, err = l.Load(ctx, *a)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestWatcher_ReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "adapter.bin", "v1")
	other := writeArtifact(t, dir, "unrelated.txt", "x")

	changed := make(chan string, 10)
	w, err := NewWatcher(func(id string) { changed <- id }, nil)
	require.NoError(t, err)
	require.NoError(t, w.Add("p1", path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(other, []byte("y"), 0600))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0600))

	select {
	case id := <-changed:
		assert.Equal(t, "p1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestWatcher_RemoveStopsReports(t *testing.T) {
	dir := t.TempDir()
	kept := writeArtifact(t, dir, "kept.bin", "v1")
	dropped := writeArtifact(t, dir, "dropped.bin", "v1")

	changed := make(chan string, 10)
	w, err := NewWatcher(func(id string) { changed <- id }, nil)
	require.NoError(t, err)
	require.NoError(t, w.Add("p1", kept))
	require.NoError(t, w.Add("p2", dropped))
	w.Remove(dropped)
	w.Remove(dropped)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(dropped, []byte("v2"), 0600))
	require.NoError(t, os.WriteFile(kept, []byte("v2"), 0600))

	select {
	case id := <-changed:
		assert.Equal(t, "p1", id, "removed artifact is not reported")
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	w, err := NewWatcher(nil, nil)
	require.NoError(t, err)
	w.Stop()
	w.Stop()
}
