package bot

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	runs      *prometheus.CounterVec
	stages    *prometheus.HistogramVec
	teardowns *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudbot",
			Name:      "pipeline_runs_total",
			Help:      "Completed bot creation pipelines by result",
		}, []string{"result"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cloudbot",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of bot pipeline stages",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage", "result"}),
		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudbot",
			Name:      "teardowns_total",
			Help:      "Bot teardowns by result",
		}, []string{"result"}),
	}
	if reg == nil {
		return m
	}
	m.runs = register(reg, m.runs)
	m.stages = register(reg, m.stages)
	m.teardowns = register(reg, m.teardowns)
	return m
}

// register adopts an already registered collector so several services can share one
// registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) observeStage(stage string, started time.Time, err error) {
	m.stages.WithLabelValues(stage, result(err)).Observe(time.Since(started).Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
