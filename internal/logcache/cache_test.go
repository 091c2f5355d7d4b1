package logcache_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flakehunter/ciscan/internal/db/model"
	"github.com/flakehunter/ciscan/internal/logcache"
)

type fakeMetaStore struct {
	byStep map[int64]*model.LogArtifact
}

func newFakeMetaStore() *fakeMetaStore {
	return &fakeMetaStore{byStep: map[int64]*model.LogArtifact{}}
}

func (f *fakeMetaStore) InsertLogMetadata(ctx context.Context, a model.LogArtifact) error {
	f.byStep[a.BuildStep] = &a
	return nil
}

func (f *fakeMetaStore) LogMetadataByBuildStep(ctx context.Context, buildStep int64) (*model.LogArtifact, error) {
	return f.byStep[buildStep], nil
}

func TestGetOrFetchCachesAcrossCalls(t *testing.T) {
	meta := newFakeMetaStore()
	cache, err := logcache.New(t.TempDir(), 8, meta)
	require.NoError(t, err)

	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		return "line one\nline two\n", nil
	}

	text, err := cache.GetOrFetch(t.Context(), 1, 10, fetch)
	require.NoError(t, err)
	require.Equal(t, "line one\nline two\n", text)
	require.Equal(t, 1, calls)

	text, err = cache.GetOrFetch(t.Context(), 1, 10, fetch)
	require.NoError(t, err)
	require.Equal(t, "line one\nline two\n", text)
	require.Equal(t, 1, calls, "second call must hit the cache, not invoke fetch again")

	stats := cache.Stats()
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(1), stats.Fetches)
	require.GreaterOrEqual(t, stats.Hits, int64(1))

	meta2 := meta.byStep[10]
	require.NotNil(t, meta2)
	require.Equal(t, 2, meta2.LineCount)
	require.Equal(t, len("line one\nline two\n"), meta2.ByteCount)
}

func TestGetOrFetchRehydratesMetadataFromFilesystemOnly(t *testing.T) {
	dir := t.TempDir()
	meta := newFakeMetaStore()
	cache, err := logcache.New(dir, 0, meta)
	require.NoError(t, err)

	_, err = cache.GetOrFetch(t.Context(), 5, 50, func(ctx context.Context) (string, error) {
		return "hello\n", nil
	})
	require.NoError(t, err)
	require.NotNil(t, meta.byStep[50])

	delete(meta.byStep, 50)

	cache2, err := logcache.New(dir, 0, meta)
	require.NoError(t, err)
	text, err := cache2.GetOrFetch(t.Context(), 5, 50, func(ctx context.Context) (string, error) {
		return "", errors.New("fetch should not be called when the file is already on disk")
	})
	require.NoError(t, err)
	require.Equal(t, "hello\n", text)
	require.NotNil(t, meta.byStep[50], "metadata must be rehydrated")
}

func TestGetOrFetchRehydratesShardFromDatabaseContent(t *testing.T) {
	dir := t.TempDir()
	meta := newFakeMetaStore()
	cache, err := logcache.New(dir, 0, meta)
	require.NoError(t, err)

	_, err = cache.GetOrFetch(t.Context(), 7, 70, func(ctx context.Context) (string, error) {
		return "boom\nfailed\n", nil
	})
	require.NoError(t, err)

	// Simulate losing the filesystem shard while the database survives.
	shard := filepath.Join(dir, fmt.Sprintf("%03d", 7%1000), "7.log")
	require.NoError(t, os.Remove(shard))

	text, err := cache.GetOrFetch(t.Context(), 7, 70, func(ctx context.Context) (string, error) {
		return "", errors.New("fetch should not be called when log_metadata.content still holds the log")
	})
	require.NoError(t, err)
	require.Equal(t, "boom\nfailed\n", text)

	_, err = os.Stat(shard)
	require.NoError(t, err, "the shard must be rewritten to disk after rehydrating from the database")
}

func TestGetOrFetchPropagatesFetchError(t *testing.T) {
	meta := newFakeMetaStore()
	cache, err := logcache.New(t.TempDir(), 8, meta)
	require.NoError(t, err)

	wantErr := errors.New("network down")
	_, err = cache.GetOrFetch(t.Context(), 1, 10, func(ctx context.Context) (string, error) {
		return "", wantErr
	})
	require.ErrorIs(t, err, wantErr)
}
