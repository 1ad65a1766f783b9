package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forever",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forever",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	// Pipeline stages
	StageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forever",
			Subsystem: "pipeline",
			Name:      "stage_total",
			Help:      "Pipeline stage executions by outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forever",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	EntriesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forever",
			Subsystem: "pipeline",
			Name:      "entries_finished_total",
			Help:      "Queue entries that reached a terminal status",
		},
		[]string{"status"},
	)

	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forever",
			Subsystem: "quota",
			Name:      "rejections_total",
			Help:      "Bottle submissions rejected by the daily limit",
		},
	)

	SyncedBottles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forever",
			Subsystem: "sync",
			Name:      "bottles_total",
			Help:      "Bottles processed by the chain sync job",
		},
		[]string{"outcome"},
	)

	ReapedEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forever",
			Subsystem: "reaper",
			Name:      "entries_total",
			Help:      "Stale queue entries handled by the reaper",
		},
		[]string{"action"},
	)
)

// ObserveStage records one stage run.
func ObserveStage(stage string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StageTotal.WithLabelValues(stage, outcome).Inc()
	StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}
