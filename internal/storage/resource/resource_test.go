package resource

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/jgivc/resyncserver/internal/common"
	"github.com/jgivc/resyncserver/internal/entity"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func identifiers(resources []entity.Resource) []string {
	ids := make([]string, 0, len(resources))
	for _, res := range resources {
		ids = append(ids, res.Identifier)
	}

	return ids
}

func TestScan(t *testing.T) {
	fs := afero.NewMemMapFs()

	files := map[string]string{
		"/data/index.html":                     "<html></html>",
		"/data/about.md":                       "# About",
		"/data/docs/a.txt":                     "hello",
		"/data/docs/nested/b.json":             "{}",
		"/data/docs/.hidden":                   "secret",
		"/data/docs/.a.txt.123.tmp":            "partial",
		"/data/.git/config":                    "[core]",
		"/data/.well-known/resourcesync":       "<urlset/>",
		"/data/metadata/resourcelist_0000.xml": "<urlset/>",
		"/data/metadata/capabilitylist.xml":    "<urlset/>",
		"/data/skip.me":                        "x",
	}
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}

	scanner := NewResourceScanner(fs, ScannerConfig{
		ResourceDir: "/data",
		SkipDirs:    []string{"/data/metadata"},
		SkipFiles:   []string{"skip.me"},
		Workers:     2,
	}, testLogger())

	resources, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"about.md", "docs/a.txt", "docs/nested/b.json", "index.html"}, identifiers(resources))

	require.Equal(t, int64(5), resources[1].Length)
	require.Equal(t, "text/plain; charset=utf-8", resources[1].MIMEType)
	require.False(t, resources[1].LastModified.IsZero())
}

func TestScanEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))

	scanner := NewResourceScanner(fs, ScannerConfig{ResourceDir: "/data"}, testLogger())

	resources, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, resources)
}

func TestScanMissingDir(t *testing.T) {
	scanner := NewResourceScanner(afero.NewMemMapFs(), ScannerConfig{ResourceDir: "/missing"}, testLogger())

	_, err := scanner.Scan(context.Background())
	require.Error(t, err)
}

func TestScanAlreadyRunning(t *testing.T) {
	scanner := NewResourceScanner(afero.NewMemMapFs(), ScannerConfig{ResourceDir: "/data"}, testLogger())
	scanner.running.Store(true)

	_, err := scanner.Scan(context.Background())
	require.ErrorIs(t, err, common.ErrRefreshHasAlreadyStarted)
}

func TestScanCanceled(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/a.txt", []byte("a"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scanner := NewResourceScanner(fs, ScannerConfig{ResourceDir: "/data"}, testLogger())

	_, err := scanner.Scan(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
