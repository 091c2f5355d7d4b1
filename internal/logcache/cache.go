// Package logcache is the two-tier log cache: a local filesystem layer
// sharded by build number, backed by a database log_metadata row per
// build step, plus an optional in-memory layer for hot reads within one
// scan batch.
package logcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/flakehunter/ciscan/internal/db/model"
	"github.com/flakehunter/ciscan/internal/logging"
)

// MetaStore is the persistence dependency this package needs; *db.Pool
// satisfies it.
type MetaStore interface {
	InsertLogMetadata(ctx context.Context, a model.LogArtifact) error
	LogMetadataByBuildStep(ctx context.Context, buildStep int64) (*model.LogArtifact, error)
}

// Fetcher downloads the raw log text for a build step from the CI
// provider. Implementations resolve whatever URL is needed before
// calling out; the cache itself is transport-agnostic.
type Fetcher func(ctx context.Context) (string, error)

// Cache is the log cache. Safe for concurrent use by multiple workers.
type Cache struct {
	root   string
	meta   MetaStore
	mem    *lru.Cache[int64, string]
	logger *logging.Logger

	hits    atomic.Int64
	misses  atomic.Int64
	fetches atomic.Int64
}

// Stats is a point-in-time snapshot of cache activity, read by
// internal/metrics to populate its Prometheus gauges.
type Stats struct {
	Hits    int64
	Misses  int64
	Fetches int64
}

// Stats returns the current hit/miss/fetch counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Fetches: c.fetches.Load()}
}

// New builds a Cache rooted at dir, with an in-memory front of memSize
// entries (0 disables the in-memory layer).
func New(dir string, memSize int, meta MetaStore) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	var mem *lru.Cache[int64, string]
	if memSize > 0 {
		var err error
		mem, err = lru.New[int64, string](memSize)
		if err != nil {
			return nil, fmt.Errorf("create in-memory cache: %w", err)
		}
	}
	return &Cache{root: dir, meta: meta, mem: mem, logger: logging.GetLogger("logcache")}, nil
}

// shardPath returns the on-disk path for a build number, bounding
// directory size by bucketing on the low three digits of the build
// number.
func (c *Cache) shardPath(buildNum int64) string {
	shard := fmt.Sprintf("%03d", buildNum%1000)
	return filepath.Join(c.root, shard, fmt.Sprintf("%d.log", buildNum))
}

// GetOrFetch returns the log text for (buildNum, stepID). If a cached
// file already exists it is read directly. Otherwise, if log_metadata
// already holds this step's content (the filesystem shard was lost but
// the database row survives), the shard is rehydrated from that content
// instead of re-fetching from the CI provider. Only when neither copy
// exists is fetch invoked, after which both the filesystem shard and
// log_metadata.content are written so either can recover the other.
func (c *Cache) GetOrFetch(ctx context.Context, buildNum, stepID int64, fetch Fetcher) (string, error) {
	if c.mem != nil {
		if text, ok := c.mem.Get(buildNum); ok {
			c.hits.Add(1)
			return text, nil
		}
	}

	path := c.shardPath(buildNum)
	if data, err := os.ReadFile(path); err == nil {
		c.hits.Add(1)
		text := string(data)
		if err := c.ensureMetadata(ctx, stepID, text); err != nil {
			return "", err
		}
		c.cacheInMem(buildNum, text)
		return text, nil
	}

	existing, err := c.meta.LogMetadataByBuildStep(ctx, stepID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		c.hits.Add(1)
		if err := c.writeAtomic(path, existing.Content); err != nil {
			c.logger.WarnWithFields("rehydrating shard from database failed", logging.BuildField(buildNum), logging.Field("error", err.Error()))
		}
		c.cacheInMem(buildNum, existing.Content)
		return existing.Content, nil
	}

	c.misses.Add(1)
	c.fetches.Add(1)
	text, err := fetch(ctx)
	if err != nil {
		return "", err
	}

	if err := c.writeAtomic(path, text); err != nil {
		c.logger.WarnWithFields("atomic write failed", logging.BuildField(buildNum), logging.Field("error", err.Error()))
	}
	if err := c.ensureMetadata(ctx, stepID, text); err != nil {
		return "", err
	}
	c.cacheInMem(buildNum, text)
	return text, nil
}

func (c *Cache) cacheInMem(buildNum int64, text string) {
	if c.mem != nil {
		c.mem.Add(buildNum, text)
	}
}

func (c *Cache) ensureMetadata(ctx context.Context, stepID int64, text string) error {
	existing, err := c.meta.LogMetadataByBuildStep(ctx, stepID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return c.meta.InsertLogMetadata(ctx, model.LogArtifact{
		BuildStep: stepID,
		LineCount: strings.Count(text, "\n"),
		ByteCount: len(text),
		Content:   text,
	})
}

// writeAtomic writes text to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial write. If the
// final path already exists (a concurrent worker won the race to cache
// this build), the temp file is discarded instead of overwriting it.
func (c *Cache) writeAtomic(path, text string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		os.Remove(tmpPath)
		return nil
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
