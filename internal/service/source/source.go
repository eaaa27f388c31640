package source

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jgivc/resyncserver/internal/common"
	"github.com/jgivc/resyncserver/internal/entity"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 16
)

type Scanner interface {
	Scan(ctx context.Context) ([]entity.Resource, error)
}

// Index receives every refreshed repository, e.g. an external search index.
type Index interface {
	Save(ctx context.Context, resources []entity.Resource) error
}

type Generator interface {
	Generate(ctx context.Context, startNew bool) (*entity.GenerationRun, error)
}

type Config struct {
	Name           string
	DescriptionURL string
	Workers        int
	QueueSize      int
	RunOnStart     bool
}

type Status struct {
	Name           string
	DescriptionURL string
	ResourceCount  int
	LastRun        *entity.GenerationRun
	LastError      string
	LastErrorTime  time.Time
	Running        bool
}

type repository map[string]entity.Resource

type job struct {
	task *Task
	fn   func(task *Task) (*entity.GenerationRun, error)
}

// Source owns the repository map and the worker pool used for generation and refresh.
// Readers always see a complete map, writers replace it under writeMu.
type Source struct {
	cfg       Config
	repo      atomic.Pointer[repository]
	writeMu   sync.Mutex
	refreshMu sync.Mutex // serializes scans, the scanner rejects concurrent ones
	scanner   Scanner
	index     Index
	generator Generator

	jobs    chan job
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	genMu   sync.Mutex // held for the duration of one generation run
	mu      sync.Mutex
	pending *Task
	closed  bool

	running   atomic.Bool
	lastRun   atomic.Pointer[entity.GenerationRun]
	lastError atomic.Pointer[failure]

	log *slog.Logger
}

type failure struct {
	err  error
	time time.Time
}

func New(cfg Config, scanner Scanner, index Index, log *slog.Logger) *Source {
	if cfg.Workers < 1 {
		cfg.Workers = defaultWorkers
	}

	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Source{
		cfg:     cfg,
		scanner: scanner,
		index:   index,
		jobs:    make(chan job, cfg.QueueSize),
		baseCtx: ctx,
		stop:    cancel,
		log:     log.With(slog.String("item", "Source")),
	}

	empty := make(repository)
	s.repo.Store(&empty)

	s.wg.Add(cfg.Workers)
	for n := 0; n < cfg.Workers; n++ {
		go s.worker(n)
	}

	return s
}

// UseGenerator sets the generator. It must be called before Bootstrap.
func (s *Source) UseGenerator(g Generator) {
	s.generator = g
}

func (s *Source) snapshot() repository {
	return *s.repo.Load()
}

func (s *Source) ResourceCount() int {
	return len(s.snapshot())
}

func (s *Source) Resource(id string) (entity.Resource, bool) {
	res, ok := s.snapshot()[id]

	return res, ok
}

// RandomResources returns min(n, count) distinct resources sampled uniformly.
func (s *Source) RandomResources(n int) []entity.Resource {
	snap := s.snapshot()

	if n > len(snap) {
		n = len(snap)
	}

	if n <= 0 {
		return []entity.Resource{}
	}

	keys := make([]string, 0, len(snap))
	for id := range snap {
		keys = append(keys, id)
	}

	resources := make([]entity.Resource, 0, n)
	for i := 0; i < n; i++ {
		j := i + rand.IntN(len(keys)-i)
		keys[i], keys[j] = keys[j], keys[i]
		resources = append(resources, snap[keys[i]])
	}

	return resources
}

// RandomResource returns false when the repository is empty.
func (s *Source) RandomResource() (entity.Resource, bool) {
	resources := s.RandomResources(1)
	if len(resources) == 0 {
		return entity.Resource{}, false
	}

	return resources[0], true
}

func (s *Source) Put(resources ...entity.Resource) {
	s.update(func(repo repository) {
		for _, res := range resources {
			repo[res.Identifier] = res
		}
	})
}

func (s *Source) Remove(ids ...string) {
	s.update(func(repo repository) {
		for _, id := range ids {
			delete(repo, id)
		}
	})
}

// Replace swaps the whole repository.
func (s *Source) Replace(resources []entity.Resource) {
	repo := make(repository, len(resources))
	for _, res := range resources {
		repo[res.Identifier] = res
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.repo.Store(&repo)
}

func (s *Source) update(fn func(repo repository)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.snapshot()
	next := make(repository, len(current))
	for id, res := range current {
		next[id] = res
	}

	fn(next)
	s.repo.Store(&next)
}

// Enumerate returns a point in time view of the repository sorted by identifier.
func (s *Source) Enumerate(ctx context.Context) ([]entity.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := s.snapshot()
	resources := make([]entity.Resource, 0, len(snap))
	for _, res := range snap {
		resources = append(resources, res)
	}

	entity.SortResources(resources)

	return resources, nil
}

// Bootstrap ingests the resource directory and schedules the first generation when RunOnStart is set.
func (s *Source) Bootstrap(ctx context.Context) error {
	if s.generator == nil {
		return fmt.Errorf("%w: generator is not set", common.ErrConfiguration)
	}

	if err := s.Refresh(ctx); err != nil {
		return fmt.Errorf("cannot ingest resources: %w", err)
	}

	s.log.Info("Source is ready", slog.String("name", s.cfg.Name), slog.Int("resource_count", s.ResourceCount()))

	if !s.cfg.RunOnStart {
		return nil
	}

	task, err := s.Generate(false)
	if err != nil {
		return fmt.Errorf("cannot schedule initial generation: %w", err)
	}

	s.log.Info("Initial generation scheduled", slog.String("task_id", task.ID()))

	return nil
}

// Refresh re-reads the resource directory and publishes the result to the index.
// Concurrent calls wait for each other.
func (s *Source) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	resources, err := s.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("cannot scan resources: %w", err)
	}

	s.Replace(resources)

	if s.index != nil {
		if err := s.index.Save(ctx, resources); err != nil {
			return fmt.Errorf("cannot save index: %w", err)
		}
	}

	s.log.Info("Repository refreshed", slog.Int("resource_count", len(resources)))

	return nil
}

// RefreshAsync runs Refresh on the worker pool.
func (s *Source) RefreshAsync() (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, common.ErrSourceClosed
	}

	task := newTask(s.baseCtx, TaskRefresh)
	if err := s.submit(job{task: task, fn: func(task *Task) (*entity.GenerationRun, error) {
		return nil, s.Refresh(task.ctx)
	}}); err != nil {
		return nil, err
	}

	return task, nil
}

// Generate schedules a generation run over the current repository. A run that is still
// queued absorbs new requests, startNew is kept if any of them asked for it.
func (s *Source) Generate(startNew bool) (*Task, error) {
	return s.schedule(startNew, false)
}

// Sync schedules a generation run that refreshes the repository first.
func (s *Source) Sync(startNew bool) (*Task, error) {
	return s.schedule(startNew, true)
}

func (s *Source) schedule(startNew, refresh bool) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, common.ErrSourceClosed
	}

	if s.generator == nil {
		return nil, fmt.Errorf("%w: generator is not set", common.ErrConfiguration)
	}

	if s.pending != nil && s.pending.ctx.Err() == nil {
		if startNew {
			s.pending.startNew.Store(true)
		}
		if refresh {
			s.pending.refresh.Store(true)
		}
		s.log.Debug("Generation coalesced", slog.String("task_id", s.pending.ID()))

		return s.pending, nil
	}

	task := newTask(s.baseCtx, TaskGenerate)
	task.startNew.Store(startNew)
	task.refresh.Store(refresh)

	if err := s.submit(job{task: task, fn: s.generate}); err != nil {
		return nil, err
	}

	s.pending = task

	return task, nil
}

// Trigger schedules a refresh followed by a generation and returns the task id.
func (s *Source) Trigger(startNew bool) (string, error) {
	task, err := s.Sync(startNew)
	if err != nil {
		return "", err
	}

	return task.ID(), nil
}

// submit must be called with s.mu held.
func (s *Source) submit(j job) error {
	select {
	case s.jobs <- j:
		return nil
	default:
		j.task.cancel()

		return common.ErrGenerationQueueFull
	}
}

func (s *Source) generate(task *Task) (*entity.GenerationRun, error) {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	s.mu.Lock()
	if s.pending == task {
		s.pending = nil
	}
	s.mu.Unlock()

	if err := task.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrGenerationCanceled, err)
	}

	task.started.Store(true)
	s.running.Store(true)
	defer s.running.Store(false)

	if task.refresh.Load() {
		if err := s.Refresh(task.ctx); err != nil {
			err = fmt.Errorf("cannot refresh resources: %w", err)
			s.lastError.Store(&failure{err: err, time: time.Now()})

			return nil, err
		}
	}

	run, err := s.generator.Generate(task.ctx, task.startNew.Load())
	if err != nil {
		s.lastError.Store(&failure{err: err, time: time.Now()})

		return nil, err
	}

	s.lastRun.Store(run)
	s.lastError.Store(nil)

	return run, nil
}

func (s *Source) worker(n int) {
	defer s.wg.Done()

	log := s.log.With(slog.Int("worker_id", n))
	log.Debug("Started")

	for j := range s.jobs {
		log := log.With(slog.String("task_id", j.task.ID()), slog.String("kind", string(j.task.Kind())))

		if err := j.task.ctx.Err(); err != nil {
			s.mu.Lock()
			if s.pending == j.task {
				s.pending = nil
			}
			s.mu.Unlock()

			log.Info("Task canceled before start")
			j.task.finish(nil, fmt.Errorf("%w: %w", common.ErrGenerationCanceled, err))

			continue
		}

		run, err := j.fn(j.task)
		if err != nil {
			log.Error("Task failed", slog.Any("error", err))
		} else {
			log.Debug("Task finished")
		}

		j.task.finish(run, err)
	}

	log.Debug("Done")
}

func (s *Source) LastRun() *entity.GenerationRun {
	return s.lastRun.Load()
}

func (s *Source) Status() Status {
	st := Status{
		Name:           s.cfg.Name,
		DescriptionURL: s.cfg.DescriptionURL,
		ResourceCount:  s.ResourceCount(),
		LastRun:        s.lastRun.Load(),
		Running:        s.running.Load(),
	}

	if f := s.lastError.Load(); f != nil {
		st.LastError = f.err.Error()
		st.LastErrorTime = f.time
	}

	return st
}

// Close stops accepting work and waits for the workers. Queued tasks are canceled
// when ctx expires before the queue drains.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stop()

		return nil
	case <-ctx.Done():
		s.log.Warn("Cancel pending tasks")
		s.stop()
		<-done

		return fmt.Errorf("cannot drain worker pool: %w", ctx.Err())
	}
}
