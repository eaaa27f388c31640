package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jgivc/resyncserver/internal/common"
	"github.com/jgivc/resyncserver/internal/config"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Parse([]byte(`listen: "127.0.0.1:0"
source:
  resource_dir: /data
  url_prefix: http://example.org
`))
	require.NoError(t, err)

	return cfg
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	log := NewLogger(&config.LogConfig{Level: config.LogLevelWarn, Format: config.LogFormatJSON}, &buf)
	log.Info("hidden")
	log.Warn("shown")

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/a.txt", []byte("a"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/docs/b.txt", []byte("b"), 0o644))

	a, err := newApp(context.Background(), fs, testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.source.LastRun() != nil
	}, 5*time.Second, 10*time.Millisecond)

	run := a.source.LastRun()
	require.Equal(t, 2, run.ResourceCount)
	require.Equal(t, 2, a.source.ResourceCount())

	for _, name := range []string{"/data/metadata/capabilitylist.xml", "/data/metadata/resourcelist_0000.xml", "/data/.well-known/resourcesync"} {
		ok, err := afero.Exists(fs, filepath.FromSlash(name))
		require.NoError(t, err)
		require.True(t, ok, name)
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestScheduledRunPicksUpNewFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/a.txt", []byte("a"), 0o644))

	cfg := testConfig(t)
	cfg.Generator.Interval = 50 * time.Millisecond

	a, err := newApp(context.Background(), fs, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.source.LastRun() != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, afero.WriteFile(fs, "/data/b.txt", []byte("b"), 0o644))

	require.Eventually(t, func() bool {
		run := a.source.LastRun()

		return run != nil && run.ResourceCount == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, a.source.ResourceCount())

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestNewInvalidStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generator.Strategy = "everything"

	_, err := newApp(context.Background(), afero.NewMemMapFs(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.ErrorIs(t, err, common.ErrConfiguration)
}
