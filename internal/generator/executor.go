package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jgivc/resyncserver/internal/common"
	"github.com/jgivc/resyncserver/internal/entity"
)

const defaultEnumerationTimeout = time.Minute

// Enumerator returns the resources to publish. Implementations may mark failures with
// common.TransientError.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]entity.Resource, error)
}

type EnumeratorFunc func(ctx context.Context) ([]entity.Resource, error)

func (f EnumeratorFunc) Enumerate(ctx context.Context) ([]entity.Resource, error) {
	return f(ctx)
}

// DocumentWriter writes the documents of one run into outDir. Every document must be
// written to a temporary file and renamed in place.
type DocumentWriter interface {
	Write(ctx context.Context, resources []entity.Resource, outDir string, meta entity.RunMeta) ([]string, time.Time, error)
}

type Executor interface {
	Register(observers ...Observer)
	Execute(ctx context.Context, params *Parameters) (*entity.GenerationRun, error)
}

type ExecutorFactory func(params *Parameters) (Executor, error)

type ExecutorConfig struct {
	EnumerationTimeout time.Duration
	Now                func() time.Time
}

// SnapshotExecutor produces a full resource list from a single enumeration.
type SnapshotExecutor struct {
	enumerator Enumerator
	writer     DocumentWriter
	timeout    time.Duration
	now        func() time.Time
	observers  Observable
	log        *slog.Logger
}

func NewSnapshotExecutor(enumerator Enumerator, writer DocumentWriter, cfg ExecutorConfig, log *slog.Logger) *SnapshotExecutor {
	e := &SnapshotExecutor{
		enumerator: enumerator,
		writer:     writer,
		timeout:    cfg.EnumerationTimeout,
		now:        cfg.Now,
		log:        log.With(slog.String("item", "SnapshotExecutor")),
	}

	if e.timeout <= 0 {
		e.timeout = defaultEnumerationTimeout
	}

	if e.now == nil {
		e.now = time.Now
	}

	return e
}

// SnapshotExecutorFactory builds a SnapshotExecutor for every invocation.
func SnapshotExecutorFactory(enumerator Enumerator, writer DocumentWriter, cfg ExecutorConfig, log *slog.Logger) ExecutorFactory {
	return func(_ *Parameters) (Executor, error) {
		return NewSnapshotExecutor(enumerator, writer, cfg, log), nil
	}
}

func (e *SnapshotExecutor) Register(observers ...Observer) {
	e.observers.Register(observers...)
}

// Execute runs one snapshot. On success params.LastExecution is set to the start time of the run.
// On failure params is left untouched.
func (e *SnapshotExecutor) Execute(ctx context.Context, params *Parameters) (*entity.GenerationRun, error) {
	run := &entity.GenerationRun{
		ID:        uuid.NewString(),
		StartTime: e.now(),
		Strategy:  entity.StrategyResourceList,
		DryRun:    !params.SaveSitemaps,
	}

	log := e.log.With(slog.String("run_id", run.ID))
	log.Debug("Start snapshot", slog.String("metadata_dir", params.MetadataDir), slog.Bool("dry_run", run.DryRun))

	e.notify(run, EventStart, nil)

	if err := ctx.Err(); err != nil {
		return nil, e.fail(run, canceled(err))
	}

	resources, err := e.enumerate(ctx)
	if err != nil {
		return nil, e.fail(run, err)
	}

	run.ResourceCount = len(resources)
	e.observers.Notify(Event{Type: EventProgress, RunID: run.ID, Strategy: run.Strategy, Time: e.now(), Stage: "enumerated", Count: len(resources)})

	if err := ctx.Err(); err != nil {
		return nil, e.fail(run, canceled(err))
	}

	if run.DryRun {
		run.CompletedTime = e.now()
		e.notify(run, EventCompletion, nil)

		return run, nil
	}

	meta := entity.RunMeta{
		RunID:             run.ID,
		StartTime:         run.StartTime,
		ResourceURLPrefix: params.URLPrefix,
		MetadataURLPrefix: params.MetadataURLPrefix(),
		DescriptionFile:   params.DescriptionFile(),
		DescriptionURL:    params.DescriptionURL(),
		MaxItemsInList:    params.MaxItemsInList,
	}

	paths, completed, err := e.writer.Write(ctx, resources, params.MetadataDir, meta)
	if err != nil {
		if errors.Is(err, common.ErrGenerationCanceled) {
			return nil, e.fail(run, err)
		}

		var we *common.WriteError
		if !errors.As(err, &we) {
			err = common.NewWriteError(params.MetadataDir, err)
		}

		return nil, e.fail(run, err)
	}

	run.DocumentPaths = paths
	run.CompletedTime = completed
	e.observers.Notify(Event{Type: EventProgress, RunID: run.ID, Strategy: run.Strategy, Time: e.now(), Stage: "written", Count: len(paths)})

	last := run.StartTime
	params.LastExecution = &last

	e.notify(run, EventCompletion, nil)

	return run, nil
}

type enumeration struct {
	resources []entity.Resource
	err       error
}

// enumerate calls the enumerator once and bounds the call with the enumeration timeout,
// even if the enumerator ignores its context.
func (e *SnapshotExecutor) enumerate(ctx context.Context) ([]entity.Resource, error) {
	ectx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ch := make(chan enumeration, 1)
	go func() {
		resources, err := e.enumerator.Enumerate(ectx)
		ch <- enumeration{resources: resources, err: err}
	}()

	select {
	case <-ectx.Done():
		if err := ctx.Err(); err != nil {
			return nil, canceled(err)
		}

		return nil, common.NewEnumerationError(fmt.Errorf("timed out after %s: %w", e.timeout, ectx.Err()), true)
	case res := <-ch:
		if res.err != nil {
			if ctx.Err() != nil {
				return nil, canceled(ctx.Err())
			}

			transient := common.IsTransient(res.err) || errors.Is(res.err, context.DeadlineExceeded)

			return nil, common.NewEnumerationError(res.err, transient)
		}

		resources := make([]entity.Resource, len(res.resources))
		copy(resources, res.resources)
		entity.SortResources(resources)

		return resources, nil
	}
}

func (e *SnapshotExecutor) fail(run *entity.GenerationRun, err error) error {
	e.notify(run, EventFailure, err)

	return err
}

func (e *SnapshotExecutor) notify(run *entity.GenerationRun, typ EventType, err error) {
	event := Event{
		Type:     typ,
		RunID:    run.ID,
		Strategy: run.Strategy,
		Time:     e.now(),
		Count:    run.ResourceCount,
		Err:      err,
	}

	if typ == EventCompletion {
		event.Run = run
	}

	e.observers.Notify(event)
}

func canceled(err error) error {
	return fmt.Errorf("%w: %w", common.ErrGenerationCanceled, err)
}
