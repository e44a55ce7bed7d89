package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// attemptsTotal counts upstream attempts by model and outcome class.
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tashkeel_attempts_total",
		Help: "Upstream generate attempts by model and outcome.",
	}, []string{"model", "class"})

	// rotationsTotal counts credential rotations.
	rotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tashkeel_rotations_total",
		Help: "Number of API key rotations after quota or auth failures.",
	})

	// OperationDuration tracks end-to-end gateway latency per operation.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tashkeel_operation_duration_seconds",
		Help:    "Time spent in a gateway operation including all fallback attempts.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"operation", "outcome"})

	// InputChars tracks the distribution of restoration input lengths.
	InputChars = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tashkeel_input_chars",
		Help:    "Number of characters in restoration input text.",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})
)

// MetricsObserver 将尝试结果写入 Prometheus 指标
type MetricsObserver struct{}

func (MetricsObserver) ObserveAttempt(rec AttemptRecord) {
	class := "success"
	if !rec.Success {
		class = rec.Class.String()
	}
	attemptsTotal.WithLabelValues(rec.Model, class).Inc()
}

// MultiObserver 依次通知多个 Observer
type MultiObserver []AttemptObserver

func (m MultiObserver) ObserveAttempt(rec AttemptRecord) {
	for _, o := range m {
		if o != nil {
			o.ObserveAttempt(rec)
		}
	}
}
