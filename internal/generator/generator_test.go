package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jgivc/resyncserver/internal/common"
	"github.com/jgivc/resyncserver/internal/entity"
	"github.com/jgivc/resyncserver/internal/util"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(time.Second)

	return c.t
}

type fakeWriter struct {
	fs    afero.Fs
	fail  error
	calls int
}

func (w *fakeWriter) Write(_ context.Context, resources []entity.Resource, outDir string, meta entity.RunMeta) ([]string, time.Time, error) {
	w.calls++
	if w.fail != nil {
		return nil, time.Time{}, w.fail
	}

	var b strings.Builder
	for _, r := range resources {
		fmt.Fprintf(&b, "%s %d\n", r.Identifier, r.Length)
	}

	path := filepath.Join(outDir, "resourcelist_0000.xml")
	if err := util.WriteFileAtomic(w.fs, path, []byte(b.String()), 0o644); err != nil {
		return nil, time.Time{}, err
	}

	return []string{path}, meta.StartTime.Add(time.Minute), nil
}

// stateFailFs fails every rename onto the generation state file.
type stateFailFs struct {
	afero.Fs
}

func (f stateFailFs) Rename(oldname, newname string) error {
	if filepath.Base(newname) == StateFileName {
		return errors.New("read-only file system")
	}

	return f.Fs.Rename(oldname, newname)
}

func testResources() []entity.Resource {
	return []entity.Resource{
		{Identifier: "b.txt", Length: 2, LastModified: testStart},
		{Identifier: "a.txt", Length: 1, LastModified: testStart},
	}
}

func staticEnumerator(resources []entity.Resource) EnumeratorFunc {
	return func(context.Context) ([]entity.Resource, error) {
		return resources, nil
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestParams(t *testing.T, fs afero.Fs, strategy entity.Strategy) *Parameters {
	t.Helper()

	params, err := NewParameters(fs, Parameters{
		MetadataDir:     "/data/metadata",
		ResourceDir:     "/data",
		DescriptionPath: ".well-known/resourcesync",
		URLPrefix:       "http://example.org",
		Strategy:        strategy,
		SaveSitemaps:    true,
	})
	require.NoError(t, err)

	return params
}

func TestNewParameters(t *testing.T) {
	fs := afero.NewMemMapFs()

	params := newTestParams(t, fs, entity.StrategyResourceList)
	exists, err := afero.DirExists(fs, "/data/metadata")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, "/data/metadata/generation.yaml", params.AbsMetadataPath(StateFileName))
	require.Equal(t, "http://example.org/metadata", params.MetadataURLPrefix())
	require.Equal(t, "http://example.org/.well-known/resourcesync", params.DescriptionURL())
	require.Equal(t, "/data/.well-known/resourcesync", params.DescriptionFile())

	_, err = NewParameters(fs, Parameters{MetadataDir: "/data/metadata", Strategy: "diff"})
	require.ErrorIs(t, err, common.ErrConfiguration)

	require.NoError(t, afero.WriteFile(fs, "/file", []byte("x"), 0o644))
	_, err = NewParameters(fs, Parameters{MetadataDir: "/file", Strategy: entity.StrategyResourceList})
	require.ErrorIs(t, err, common.ErrConfiguration)

	_, err = NewParameters(afero.NewReadOnlyFs(afero.NewMemMapFs()), Parameters{MetadataDir: "/missing", Strategy: entity.StrategyResourceList})
	require.ErrorIs(t, err, common.ErrConfiguration)
}

func TestNewParametersMetadataOutsideResources(t *testing.T) {
	testCases := []struct {
		name        string
		metadataDir string
	}{
		{name: "Absolute elsewhere", metadataDir: "/srv/metadata"},
		{name: "Same directory", metadataDir: "/data"},
		{name: "Common prefix", metadataDir: "/data-metadata"},
		{name: "Escaping", metadataDir: "/data/../srv"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()

			_, err := NewParameters(fs, Parameters{
				MetadataDir: tc.metadataDir,
				ResourceDir: "/data",
				URLPrefix:   "http://example.org",
				Strategy:    entity.StrategyResourceList,
			})
			require.ErrorIs(t, err, common.ErrConfiguration)

			exists, err := afero.DirExists(fs, tc.metadataDir)
			require.NoError(t, err)
			require.False(t, exists)
		})
	}

	params, err := NewParameters(afero.NewMemMapFs(), Parameters{
		MetadataDir: "/data/sub/rs",
		ResourceDir: "/data",
		URLPrefix:   "http://example.org",
		Strategy:    entity.StrategyResourceList,
	})
	require.NoError(t, err)
	require.Equal(t, "http://example.org/sub/rs", params.MetadataURLPrefix())
}

func TestParametersSaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	params := newTestParams(t, fs, entity.StrategyResourceList)

	require.NoError(t, params.Load())
	require.Nil(t, params.LastExecution)

	last := testStart
	params.LastExecution = &last
	require.NoError(t, params.Save())

	other := newTestParams(t, fs, entity.StrategyResourceList)
	require.NoError(t, other.Load())
	require.NotNil(t, other.LastExecution)
	require.True(t, testStart.Equal(*other.LastExecution))

	clone := other.Clone()
	*clone.LastExecution = testStart.Add(time.Hour)
	require.True(t, testStart.Equal(*other.LastExecution))
}

func TestSnapshotFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	params := newTestParams(t, fs, entity.StrategyResourceList)

	files, err := params.SnapshotFiles()
	require.NoError(t, err)
	require.Empty(t, files)

	latest, err := params.LatestSnapshot()
	require.NoError(t, err)
	require.Empty(t, latest)

	for _, name := range []string{"resourcelist_0001.xml", "resourcelist_0000.xml", "capabilitylist.xml"} {
		require.NoError(t, afero.WriteFile(fs, params.AbsMetadataPath(name), []byte("x"), 0o644))
	}

	files, err = params.SnapshotFiles()
	require.NoError(t, err)
	require.Equal(t, []string{
		"/data/metadata/resourcelist_0000.xml",
		"/data/metadata/resourcelist_0001.xml",
	}, files)

	latest, err = params.LatestSnapshot()
	require.NoError(t, err)
	require.Equal(t, "/data/metadata/resourcelist_0001.xml", latest)
}

func TestExecute(t *testing.T) {
	fs := afero.NewMemMapFs()
	params := newTestParams(t, fs, entity.StrategyResourceList)
	writer := &fakeWriter{fs: fs}
	clock := &stepClock{t: testStart}

	exec := NewSnapshotExecutor(staticEnumerator(testResources()), writer, ExecutorConfig{Now: clock.Now}, testLogger())

	var events []EventType
	exec.Register(ObserverFunc(func(e Event) { events = append(events, e.Type) }))

	run, err := exec.Execute(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, entity.StrategyResourceList, run.Strategy)
	require.Equal(t, 2, run.ResourceCount)
	require.Equal(t, []string{"/data/metadata/resourcelist_0000.xml"}, run.DocumentPaths)
	require.NotNil(t, params.LastExecution)
	require.Equal(t, run.StartTime, *params.LastExecution)
	require.NotEqual(t, run.CompletedTime, *params.LastExecution)
	require.Equal(t, []EventType{EventStart, EventProgress, EventProgress, EventCompletion}, events)

	data, err := afero.ReadFile(fs, "/data/metadata/resourcelist_0000.xml")
	require.NoError(t, err)
	require.Equal(t, "a.txt 1\nb.txt 2\n", string(data))
}

func TestExecuteFailures(t *testing.T) {
	testCases := []struct {
		name       string
		enumerator EnumeratorFunc
		writeErr   error
		timeout    time.Duration
		target     error
		transient  bool
		writes     int
	}{
		{
			name: "Transient enumeration error",
			enumerator: func(context.Context) ([]entity.Resource, error) {
				return nil, &common.TransientError{Err: errors.New("index unavailable")}
			},
			target:    common.ErrEnumeration,
			transient: true,
		},
		{
			name: "Fatal enumeration error",
			enumerator: func(context.Context) ([]entity.Resource, error) {
				return nil, errors.New("bad query")
			},
			target: common.ErrEnumeration,
		},
		{
			name: "Enumeration timeout",
			enumerator: func(ctx context.Context) ([]entity.Resource, error) {
				<-ctx.Done()

				return nil, ctx.Err()
			},
			timeout:   20 * time.Millisecond,
			target:    common.ErrEnumeration,
			transient: true,
		},
		{
			name:       "Write error",
			enumerator: staticEnumerator(testResources()),
			writeErr:   errors.New("disk full"),
			target:     common.ErrWrite,
			writes:     1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			params := newTestParams(t, fs, entity.StrategyResourceList)
			writer := &fakeWriter{fs: fs, fail: tc.writeErr}

			exec := NewSnapshotExecutor(tc.enumerator, writer, ExecutorConfig{EnumerationTimeout: tc.timeout}, testLogger())

			var failures int
			exec.Register(ObserverFunc(func(e Event) {
				if e.Type == EventFailure {
					failures++
				}
			}))

			run, err := exec.Execute(context.Background(), params)
			require.Nil(t, run)
			require.ErrorIs(t, err, tc.target)
			require.Equal(t, tc.transient, common.IsTransient(err))
			require.Nil(t, params.LastExecution)
			require.Equal(t, tc.writes, writer.calls)
			require.Equal(t, 1, failures)

			files, err := params.SnapshotFiles()
			require.NoError(t, err)
			require.Empty(t, files)
		})
	}
}

func TestExecuteDryRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	params := newTestParams(t, fs, entity.StrategyResourceList)
	params.SaveSitemaps = false
	writer := &fakeWriter{fs: fs}

	exec := NewSnapshotExecutor(staticEnumerator(testResources()), writer, ExecutorConfig{}, testLogger())

	run, err := exec.Execute(context.Background(), params)
	require.NoError(t, err)
	require.True(t, run.DryRun)
	require.Equal(t, 2, run.ResourceCount)
	require.Zero(t, writer.calls)
	require.Nil(t, params.LastExecution)
}

func TestExecuteCanceled(t *testing.T) {
	fs := afero.NewMemMapFs()
	params := newTestParams(t, fs, entity.StrategyResourceList)
	writer := &fakeWriter{fs: fs}

	ctx, cancel := context.WithCancel(context.Background())
	enumerator := EnumeratorFunc(func(context.Context) ([]entity.Resource, error) {
		cancel()

		return testResources(), nil
	})

	exec := NewSnapshotExecutor(enumerator, writer, ExecutorConfig{}, testLogger())

	_, err := exec.Execute(ctx, params)
	require.ErrorIs(t, err, common.ErrGenerationCanceled)
	require.Zero(t, writer.calls)
	require.Nil(t, params.LastExecution)
}

func newTestGenerator(t *testing.T, fs afero.Fs, strategy entity.Strategy, enumerator Enumerator, writer DocumentWriter, clock *stepClock) *Generator {
	t.Helper()

	gen := NewGenerator(newTestParams(t, fs, strategy), testLogger())
	gen.RegisterExecutor(entity.StrategyResourceList,
		SnapshotExecutorFactory(enumerator, writer, ExecutorConfig{Now: clock.Now}, testLogger()))

	return gen
}

func TestGenerateFirstRunForcing(t *testing.T) {
	fs := afero.NewMemMapFs()
	gen := newTestGenerator(t, fs, entity.StrategyIncrementalChangeList,
		staticEnumerator(testResources()), &fakeWriter{fs: fs}, &stepClock{t: testStart})

	run, err := gen.Generate(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, entity.StrategyResourceList, run.Strategy)

	_, err = gen.Generate(context.Background(), false)
	require.ErrorIs(t, err, common.ErrUnsupportedStrategy)

	run, err = gen.Generate(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, entity.StrategyResourceList, run.Strategy)
}

func TestGenerateUnsupportedStrategyLeavesStateUnchanged(t *testing.T) {
	fs := afero.NewMemMapFs()
	gen := NewGenerator(newTestParams(t, fs, entity.StrategyResourceList), testLogger())

	var failures []error
	gen.Register(ObserverFunc(func(e Event) {
		if e.Type == EventFailure {
			failures = append(failures, e.Err)
		}
	}))

	_, err := gen.Generate(context.Background(), false)
	require.ErrorIs(t, err, common.ErrUnsupportedStrategy)
	require.Len(t, failures, 1)
	require.Nil(t, gen.Parameters().LastExecution)

	exists, err := afero.Exists(fs, "/data/metadata/generation.yaml")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestGenerateStateSaveFailureReportsOneOutcome(t *testing.T) {
	fs := stateFailFs{Fs: afero.NewMemMapFs()}
	gen := newTestGenerator(t, fs, entity.StrategyResourceList,
		staticEnumerator(testResources()), &fakeWriter{fs: fs}, &stepClock{t: testStart})
	gen.Register(NewMetricsObserver())

	counts := make(map[EventType]int)
	gen.Register(ObserverFunc(func(e Event) {
		counts[e.Type]++
	}))

	strategy := entity.StrategyResourceList.String()
	successes := testutil.ToFloat64(generationRunsTotal.WithLabelValues(strategy, "success"))
	failures := testutil.ToFloat64(generationRunsTotal.WithLabelValues(strategy, "failure"))
	saveFailures := testutil.ToFloat64(stateSaveFailuresTotal)

	run, err := gen.Generate(context.Background(), false)
	require.Nil(t, run)
	require.ErrorIs(t, err, common.ErrWrite)

	require.Equal(t, 1, counts[EventCompletion])
	require.Zero(t, counts[EventFailure])

	require.Equal(t, successes+1, testutil.ToFloat64(generationRunsTotal.WithLabelValues(strategy, "success")))
	require.Equal(t, failures, testutil.ToFloat64(generationRunsTotal.WithLabelValues(strategy, "failure")))
	require.Equal(t, saveFailures+1, testutil.ToFloat64(stateSaveFailuresTotal))
}

func TestGenerateTimestampMonotonicity(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := &stepClock{t: testStart}
	gen := newTestGenerator(t, fs, entity.StrategyResourceList,
		staticEnumerator(testResources()), &fakeWriter{fs: fs}, clock)

	var previous time.Time
	for i := 0; i < 5; i++ {
		run, err := gen.Generate(context.Background(), false)
		require.NoError(t, err)

		last := gen.Parameters().LastExecution
		require.NotNil(t, last)
		require.Equal(t, run.StartTime, *last)
		require.False(t, last.Before(previous))
		previous = *last

		stored := newTestParams(t, fs, entity.StrategyResourceList)
		require.NoError(t, stored.Load())
		require.True(t, run.StartTime.Equal(*stored.LastExecution))
	}
}

func TestGenerateIdempotentRetry(t *testing.T) {
	failing := afero.NewMemMapFs()
	writer := &fakeWriter{fs: failing, fail: common.NewWriteError("/data/metadata", errors.New("disk full"))}
	gen := newTestGenerator(t, failing, entity.StrategyResourceList,
		staticEnumerator(testResources()), writer, &stepClock{t: testStart})

	_, err := gen.Generate(context.Background(), false)
	require.ErrorIs(t, err, common.ErrWrite)
	require.Nil(t, gen.Parameters().LastExecution)

	writer.fail = nil
	_, err = gen.Generate(context.Background(), false)
	require.NoError(t, err)

	clean := afero.NewMemMapFs()
	cleanGen := newTestGenerator(t, clean, entity.StrategyResourceList,
		staticEnumerator(testResources()), &fakeWriter{fs: clean}, &stepClock{t: testStart})
	_, err = cleanGen.Generate(context.Background(), false)
	require.NoError(t, err)

	retried, err := afero.ReadFile(failing, "/data/metadata/resourcelist_0000.xml")
	require.NoError(t, err)
	expected, err := afero.ReadFile(clean, "/data/metadata/resourcelist_0000.xml")
	require.NoError(t, err)
	require.Equal(t, expected, retried)

	entries, err := afero.ReadDir(failing, "/data/metadata")
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, util.IsTempFile(entry.Name()), entry.Name())
	}
}

func TestGenerateObserversSeeFullLifecycle(t *testing.T) {
	fs := afero.NewMemMapFs()
	gen := newTestGenerator(t, fs, entity.StrategyResourceList,
		staticEnumerator(testResources()), &fakeWriter{fs: fs}, &stepClock{t: testStart})

	var first, second []EventType
	gen.Register(
		ObserverFunc(func(e Event) { first = append(first, e.Type) }),
		ObserverFunc(func(e Event) { second = append(second, e.Type) }),
	)

	_, err := gen.Generate(context.Background(), false)
	require.NoError(t, err)

	expected := []EventType{EventStart, EventProgress, EventProgress, EventCompletion}
	require.Equal(t, expected, first)
	require.Equal(t, expected, second)
}

func TestEventTypeString(t *testing.T) {
	require.Equal(t, "start", EventStart.String())
	require.Equal(t, "failure", EventFailure.String())
	require.Equal(t, "SELECTING_STRATEGY", StateSelectingStrategy.String())
}
