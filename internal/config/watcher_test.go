package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flakehunter/ciscan/internal/config"
)

func writeConfigFile(t *testing.T, path, baseURL string) {
	t.Helper()
	content := "ci:\n  base_url: " + baseURL + "\ndatabase:\n  dsn: postgres://localhost/ciscan\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWatcherInvokesCallbackOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, "http://initial")

	reloaded := make(chan *config.Config, 4)
	w, err := config.NewWatcher(config.WatcherConfig{FilePath: path, DebounceMillis: 50}, func(cfg *config.Config) error {
		reloaded <- cfg
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	select {
	case cfg := <-reloaded:
		require.Equal(t, "http://initial", cfg.CIBaseURL)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial callback")
	}

	writeConfigFile(t, path, "http://updated")

	select {
	case cfg := <-reloaded:
		require.Equal(t, "http://updated", cfg.CIBaseURL)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestNewWatcherRejectsEmptyFilePath(t *testing.T) {
	_, err := config.NewWatcher(config.WatcherConfig{}, func(cfg *config.Config) error { return nil })
	require.Error(t, err)
}

func TestNewWatcherRejectsNilCallback(t *testing.T) {
	_, err := config.NewWatcher(config.WatcherConfig{FilePath: "x.yaml"}, nil)
	require.Error(t, err)
}
