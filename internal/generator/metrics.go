package generator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resync_generation_runs_total",
			Help: "Total number of finished generation runs",
		},
		[]string{"strategy", "result"},
	)

	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resync_generation_duration_seconds",
			Help:    "Duration of successful generation runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"strategy"},
	)

	generationResources = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resync_generation_resources",
			Help: "Number of resources in the last successful generation run",
		},
	)

	// Runs already reported as completed whose state file could not be written.
	stateSaveFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resync_state_save_failures_total",
			Help: "Total number of generation state files that could not be saved",
		},
	)

	generationLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resync_generation_last_success_timestamp_seconds",
			Help: "Start time of the last successful generation run",
		},
	)
)

type metricsObserver struct{}

// NewMetricsObserver returns an observer that exports run results as prometheus metrics.
func NewMetricsObserver() Observer {
	return metricsObserver{}
}

func (metricsObserver) Notify(event Event) {
	switch event.Type {
	case EventCompletion:
		generationRunsTotal.WithLabelValues(event.Strategy.String(), "success").Inc()
		if event.Run == nil {
			return
		}

		generationResources.Set(float64(event.Run.ResourceCount))
		generationDuration.WithLabelValues(event.Strategy.String()).
			Observe(event.Run.CompletedTime.Sub(event.Run.StartTime).Seconds())

		if !event.Run.DryRun {
			generationLastSuccess.Set(float64(event.Run.StartTime.Unix()))
		}
	case EventFailure:
		generationRunsTotal.WithLabelValues(event.Strategy.String(), "failure").Inc()
	}
}
