package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/mvexec/internal/engine/core"
	"github.com/nemanja-m/mvexec/internal/shared/logging"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func createTestView(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	view := filepath.Join(root, "sales")
	writeFile(t, filepath.Join(view, "part-0002.blk"), "c\nd\n")
	writeFile(t, filepath.Join(view, "part-0001.blk"), "a\nb\n")
	writeFile(t, filepath.Join(view, "2024", "part-0003.blk"), "e\n")
	writeFile(t, filepath.Join(view, "README.md"), "not a block")
	writeFile(t, filepath.Join(root, "orders"), "a plain file")
	return root
}

func TestLocalBlockStore_Blocks(t *testing.T) {
	root := createTestView(t)
	store, err := NewLocalBlockStore(root, "**/*.blk", 16, time.Minute, logging.NewNopLogger())
	require.NoError(t, err)

	blocks, err := store.Blocks(context.Background(), "sales")
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	ids := make([]string, len(blocks))
	for i, block := range blocks {
		ids[i] = block.ID
		require.Equal(t, i, block.Index)
		require.NotEmpty(t, block.Metadata["modified"])
	}
	require.Equal(t, []string{"2024/part-0003.blk", "part-0001.blk", "part-0002.blk"}, ids)
	require.Equal(t, int64(2), blocks[0].Size)
	require.Equal(t, filepath.Join(root, "sales", "2024", "part-0003.blk"), blocks[0].Path)
}

func TestLocalBlockStore_NotFound(t *testing.T) {
	root := createTestView(t)
	store, err := NewLocalBlockStore(root, "**/*.blk", 16, time.Minute, logging.NewNopLogger())
	require.NoError(t, err)

	for _, file := range []string{"missing", "orders", "../sales", "/etc"} {
		t.Run(file, func(t *testing.T) {
			_, err := store.Blocks(context.Background(), file)
			require.ErrorIs(t, err, core.ErrFileNotFound)
		})
	}
}

func TestLocalBlockStore_EmptyView(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	store, err := NewLocalBlockStore(root, "**/*.blk", 16, time.Minute, logging.NewNopLogger())
	require.NoError(t, err)

	blocks, err := store.Blocks(context.Background(), "empty")
	require.NoError(t, err)
	require.Empty(t, blocks)
}

func TestLocalBlockStore_CacheAndInvalidate(t *testing.T) {
	root := createTestView(t)
	store, err := NewLocalBlockStore(root, "**/*.blk", 16, time.Minute, logging.NewNopLogger())
	require.NoError(t, err)

	blocks, err := store.Blocks(context.Background(), "sales")
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	blocks[0].ID = "mutated"
	// A nested write leaves the view directory modification time unchanged.
	writeFile(t, filepath.Join(root, "sales", "2024", "part-0004.blk"), "f\n")

	cached, err := store.Blocks(context.Background(), "sales")
	require.NoError(t, err)
	require.Len(t, cached, 3)
	require.Equal(t, "2024/part-0003.blk", cached[0].ID, "callers get a copy of the cached listing")

	store.Invalidate("sales")
	fresh, err := store.Blocks(context.Background(), "sales")
	require.NoError(t, err)
	require.Len(t, fresh, 4)
}

func TestLocalBlockStore_RebuiltViewIsRelisted(t *testing.T) {
	root := t.TempDir()
	view := filepath.Join(root, "daily")
	writeFile(t, filepath.Join(view, "0.blk"), "a\n")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(view, past, past))

	store, err := NewLocalBlockStore(root, "**/*.blk", 16, time.Hour, logging.NewNopLogger())
	require.NoError(t, err)

	blocks, err := store.Blocks(context.Background(), "daily")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, "0.blk", blocks[0].ID)

	writeFile(t, filepath.Join(view, "1.blk"), "b\n")
	require.NoError(t, os.Remove(filepath.Join(view, "0.blk")))

	blocks, err = store.Blocks(context.Background(), "daily")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, "1.blk", blocks[0].ID)
	require.Equal(t, 0, blocks[0].Index)
}

func TestLocalBlockStore_RemovedViewIsNotServedFromCache(t *testing.T) {
	root := createTestView(t)
	store, err := NewLocalBlockStore(root, "**/*.blk", 16, time.Hour, logging.NewNopLogger())
	require.NoError(t, err)

	_, err = store.Blocks(context.Background(), "sales")
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "sales")))
	_, err = store.Blocks(context.Background(), "sales")
	require.ErrorIs(t, err, core.ErrFileNotFound)
}

func TestLocalBlockStore_CacheExpires(t *testing.T) {
	tests := []struct {
		name    string
		ttl     time.Duration
		advance time.Duration
		want    int
	}{
		{name: "within ttl", ttl: time.Minute, advance: 30 * time.Second, want: 3},
		{name: "after ttl", ttl: time.Minute, advance: 2 * time.Minute, want: 4},
		{name: "no ttl", ttl: 0, advance: time.Hour, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := createTestView(t)
			store, err := NewLocalBlockStore(root, "**/*.blk", 16, tt.ttl, logging.NewNopLogger())
			require.NoError(t, err)
			now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			store.now = func() time.Time { return now }

			blocks, err := store.Blocks(context.Background(), "sales")
			require.NoError(t, err)
			require.Len(t, blocks, 3)

			writeFile(t, filepath.Join(root, "sales", "2024", "part-0004.blk"), "f\n")
			now = now.Add(tt.advance)

			blocks, err = store.Blocks(context.Background(), "sales")
			require.NoError(t, err)
			require.Len(t, blocks, tt.want)
		})
	}
}

func TestLocalBlockStore_Open(t *testing.T) {
	root := createTestView(t)
	store, err := NewLocalBlockStore(root, "**/*.blk", 16, time.Minute, logging.NewNopLogger())
	require.NoError(t, err)

	blocks, err := store.Blocks(context.Background(), "sales")
	require.NoError(t, err)

	r, err := store.Open(context.Background(), blocks[1])
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "a\nb\n", string(data))
}

func TestNewLocalBlockStore_InvalidPattern(t *testing.T) {
	_, err := NewLocalBlockStore(t.TempDir(), "[", 16, time.Minute, logging.NewNopLogger())
	require.Error(t, err)
}
