package generator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jgivc/resyncserver/internal/common"
	"github.com/jgivc/resyncserver/internal/entity"
)

type State int

const (
	StateIdle State = iota
	StateSelectingStrategy
	StateExecuting
	StateSucceeded
	StatePersisting
	StateFailed
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSelectingStrategy:
		return "SELECTING_STRATEGY"
	case StateExecuting:
		return "EXECUTING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StatePersisting:
		return "PERSISTING"
	case StateFailed:
		return "FAILED"
	case StateDone:
		return "DONE"
	}

	return "UNKNOWN"
}

// Generator selects a strategy from the state of the metadata directory and dispatches to
// the executor registered for it.
type Generator struct {
	mu        sync.Mutex
	params    *Parameters
	executors map[entity.Strategy]ExecutorFactory
	observers Observable
	now       func() time.Time
	log       *slog.Logger
}

func NewGenerator(params *Parameters, log *slog.Logger) *Generator {
	return &Generator{
		params:    params.Clone(),
		executors: make(map[entity.Strategy]ExecutorFactory),
		now:       time.Now,
		log:       log.With(slog.String("item", "Generator")),
	}
}

func (g *Generator) RegisterExecutor(strategy entity.Strategy, factory ExecutorFactory) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.executors[strategy] = factory
}

// Register subscribes observers to every future run.
func (g *Generator) Register(observers ...Observer) {
	g.observers.Register(observers...)
}

// Parameters returns a copy of the current parameters.
func (g *Generator) Parameters() *Parameters {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.params.Clone()
}

// Generate runs one generation. startNew forces a full resource list.
// Callers must not run Generate concurrently for the same metadata directory.
func (g *Generator) Generate(ctx context.Context, startNew bool) (*entity.GenerationRun, error) {
	log := g.log
	state := StateIdle
	setState := func(s State) {
		log.Debug("State changed", slog.String("from", state.String()), slog.String("to", s.String()))
		state = s
	}
	defer setState(StateDone)

	setState(StateSelectingStrategy)

	params := g.Parameters()
	if err := params.Load(); err != nil {
		log.Warn("Cannot load state record, use in-memory state", slog.Any("error", err))
	}

	files, err := params.SnapshotFiles()
	if err != nil {
		setState(StateFailed)
		g.failure(params.Strategy, err)

		return nil, err
	}

	if startNew || len(files) == 0 {
		if params.Strategy != entity.StrategyResourceList {
			log.Info("Force full resource list", slog.Bool("start_new", startNew), slog.Int("snapshot_count", len(files)),
				slog.String("configured_strategy", params.Strategy.String()))
		}
		params.Strategy = entity.StrategyResourceList
	}

	log = log.With(slog.String("strategy", params.Strategy.String()))

	g.mu.Lock()
	factory, ok := g.executors[params.Strategy]
	g.mu.Unlock()

	if !ok {
		err := fmt.Errorf("%w: %s", common.ErrUnsupportedStrategy, params.Strategy)
		setState(StateFailed)
		log.Error("Cannot select executor", slog.Any("error", err))
		g.failure(params.Strategy, err)

		return nil, err
	}

	executor, err := factory(params)
	if err != nil {
		setState(StateFailed)
		log.Error("Cannot create executor", slog.Any("error", err))
		g.failure(params.Strategy, err)

		return nil, fmt.Errorf("cannot create executor: %w", err)
	}

	executor.Register(g.observers.Observers()...)

	setState(StateExecuting)

	run, err := executor.Execute(ctx, params)
	if err != nil {
		setState(StateFailed)
		log.Error("Cannot execute generation", slog.Any("error", err))

		return nil, err
	}

	setState(StateSucceeded)

	if params.SaveSitemaps {
		setState(StatePersisting)

		if err := params.Save(); err != nil {
			setState(StateFailed)
			log.Error("Cannot persist parameters", slog.Any("error", err))
			stateSaveFailuresTotal.Inc()

			return nil, err
		}

		g.mu.Lock()
		g.params.LastExecution = params.LastExecution
		g.mu.Unlock()
	}

	return run, nil
}

func (g *Generator) failure(strategy entity.Strategy, err error) {
	g.observers.Notify(Event{Type: EventFailure, Strategy: strategy, Time: g.now(), Err: err})
}
