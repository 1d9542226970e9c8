package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/mvexec/internal/engine/core"
	"github.com/nemanja-m/mvexec/internal/shared/logging"
)

const statConcurrency = 8

// LocalBlockStore serves views stored as directories under root. Every file
// matching pattern inside a view directory is one block.
type LocalBlockStore struct {
	root    string
	pattern string
	cache   *lru.Cache
	ttl     time.Duration
	now     func() time.Time
	logger  logging.Logger
}

// listing is a cached view listing together with the view directory
// modification time it was taken at.
type listing struct {
	blocks   []core.BlockInfo
	modTime  time.Time
	listedAt time.Time
}

// NewLocalBlockStore creates a store rooted at root. A cached listing is
// served while the view directory modification time is unchanged and, when
// cacheTTL is positive, for at most cacheTTL.
func NewLocalBlockStore(root, pattern string, cacheSize int, cacheTTL time.Duration, logger logging.Logger) (*LocalBlockStore, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid block pattern: %s", pattern)
	}
	cache, err := lru.New(max(cacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to create block cache: %w", err)
	}
	return &LocalBlockStore{
		root:    root,
		pattern: pattern,
		cache:   cache,
		ttl:     cacheTTL,
		now:     time.Now,
		logger:  logger,
	}, nil
}

// Blocks lists the blocks of file sorted by their path relative to the view
// directory. A rebuilt view is relisted on the next call.
func (s *LocalBlockStore) Blocks(ctx context.Context, file string) ([]core.BlockInfo, error) {
	if !filepath.IsLocal(file) {
		return nil, fmt.Errorf("%w: %s", core.ErrFileNotFound, file)
	}
	dir := filepath.Join(s.root, file)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		s.cache.Remove(file)
		return nil, fmt.Errorf("%w: %s", core.ErrFileNotFound, file)
	}
	if err != nil {
		return nil, err
	}

	if cached, ok := s.cache.Get(file); ok {
		entry := cached.(listing)
		if s.fresh(entry, info.ModTime()) {
			return slices.Clone(entry.blocks), nil
		}
	}

	matches, err := doublestar.Glob(os.DirFS(dir), s.pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks of %s: %w", file, err)
	}
	slices.Sort(matches)

	candidates := make([]core.BlockInfo, len(matches))
	regular := make([]bool, len(matches))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for i, rel := range matches {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(dir, filepath.FromSlash(rel))
			info, err := os.Lstat(path)
			if err != nil {
				return err
			}
			regular[i] = info.Mode().IsRegular()
			candidates[i] = core.BlockInfo{
				ID:   rel,
				Size: info.Size(),
				Path: path,
				Metadata: map[string]string{
					"modified": info.ModTime().UTC().Format(time.RFC3339),
				},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to stat blocks of %s: %w", file, err)
	}

	blocks := make([]core.BlockInfo, 0, len(candidates))
	var total int64
	for i, block := range candidates {
		if !regular[i] {
			continue
		}
		block.Index = len(blocks)
		blocks = append(blocks, block)
		total += block.Size
	}

	s.cache.Add(file, listing{blocks: blocks, modTime: info.ModTime(), listedAt: s.now()})
	s.logger.Debug("Listed view blocks", "file", file, "blocks", len(blocks), "size", humanize.Bytes(uint64(total)))

	return slices.Clone(blocks), nil
}

func (s *LocalBlockStore) fresh(entry listing, modTime time.Time) bool {
	if !entry.modTime.Equal(modTime) {
		return false
	}
	return s.ttl <= 0 || s.now().Sub(entry.listedAt) < s.ttl
}

func (s *LocalBlockStore) Open(ctx context.Context, block core.BlockInfo) (io.ReadCloser, error) {
	return os.Open(block.Path)
}

// Invalidate drops the cached listing of file.
func (s *LocalBlockStore) Invalidate(file string) {
	s.cache.Remove(file)
}
