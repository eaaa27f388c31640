package generator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jgivc/resyncserver/internal/entity"
)

type EventType int

const (
	EventStart EventType = iota
	EventProgress
	EventCompletion
	EventFailure
)

func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventProgress:
		return "progress"
	case EventCompletion:
		return "completion"
	case EventFailure:
		return "failure"
	}

	return "unknown"
}

type Event struct {
	Type     EventType
	RunID    string
	Strategy entity.Strategy
	Time     time.Time
	Stage    string // Progress stage, e.g. "enumerated" or "written"
	Count    int
	Run      *entity.GenerationRun // Set on completion
	Err      error                 // Set on failure
}

type Observer interface {
	Notify(event Event)
}

type ObserverFunc func(event Event)

func (f ObserverFunc) Notify(event Event) {
	f(event)
}

// Observable is a registry of observers. Events are delivered synchronously in registration order.
type Observable struct {
	mu        sync.RWMutex
	observers []Observer
}

func (o *Observable) Register(observers ...Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.observers = append(o.observers, observers...)
}

func (o *Observable) Observers() []Observer {
	o.mu.RLock()
	defer o.mu.RUnlock()

	observers := make([]Observer, len(o.observers))
	copy(observers, o.observers)

	return observers
}

func (o *Observable) Notify(event Event) {
	for _, obs := range o.Observers() {
		obs.Notify(event)
	}
}

type logObserver struct {
	log *slog.Logger
}

// NewLogObserver returns an observer that writes every event to the log.
func NewLogObserver(log *slog.Logger) Observer {
	return &logObserver{
		log: log.With(slog.String("item", "GenerationLog")),
	}
}

func (l *logObserver) Notify(event Event) {
	log := l.log.With(slog.String("run_id", event.RunID), slog.String("strategy", event.Strategy.String()))

	switch event.Type {
	case EventStart:
		log.Info("Generation started")
	case EventProgress:
		log.Info("Generation progress", slog.String("stage", event.Stage), slog.Int("count", event.Count))
	case EventCompletion:
		attrs := []any{slog.Int("resource_count", event.Count)}
		if event.Run != nil {
			attrs = append(attrs,
				slog.Duration("duration", event.Run.CompletedTime.Sub(event.Run.StartTime)),
				slog.Bool("dry_run", event.Run.DryRun),
			)
		}
		log.Info("Generation completed", attrs...)
	case EventFailure:
		log.Error("Generation failed", slog.Any("error", event.Err))
	}
}
