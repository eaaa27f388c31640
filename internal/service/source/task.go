package source

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jgivc/resyncserver/internal/entity"
)

type TaskKind string

const (
	TaskGenerate TaskKind = "generate"
	TaskRefresh  TaskKind = "refresh"
)

// Task is a handle to work submitted to the source worker pool.
type Task struct {
	id       string
	kind     TaskKind
	startNew atomic.Bool
	refresh  atomic.Bool
	started  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	run      *entity.GenerationRun
	err      error
}

func newTask(parent context.Context, kind TaskKind) *Task {
	ctx, cancel := context.WithCancel(parent)

	return &Task{
		id:     uuid.NewString(),
		kind:   kind,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (t *Task) ID() string {
	return t.id
}

func (t *Task) Kind() TaskKind {
	return t.kind
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (*entity.GenerationRun, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return t.run, t.err
	}
}

// Cancel asks the task to stop. A running generation stops at its next safe point.
func (t *Task) Cancel() {
	t.cancel()
}

func (t *Task) finish(run *entity.GenerationRun, err error) {
	t.run = run
	t.err = err
	t.cancel()
	close(t.done)
}
