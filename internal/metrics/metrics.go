// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus metrics of a cost-table run, on a private registry.
//
// All methods accept a nil *Metrics, in which case they do nothing.
package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "predtop"

// Phases timed by Metrics.Time.
const (
	PhaseAssemble = "assemble"
	PhaseProfile  = "profile"
	PhaseGraphs   = "graphs"
	PhasePredict  = "predict"
	PhaseTrain    = "train"
)

// Metrics of a run.
type Metrics struct {
	Registry *prometheus.Registry

	// Entries of the cost matrix, by source ("measured", "predicted", "cached").
	Entries *prometheus.CounterVec

	// FailedChunks counts profiling chunks discarded after a remote execution failure.
	FailedChunks prometheus.Counter

	// Models counts model trainings by outcome ("trained", "skipped").
	Models *prometheus.CounterVec

	// PhaseSeconds is the duration of each phase, per mesh.
	PhaseSeconds *prometheus.HistogramVec
}

// New creates the metrics, registered on a new registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		Registry: registry,
		Entries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_entries_total",
			Help:      "Cost matrix entries filled, by source",
		}, []string{"source"}),
		FailedChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_chunks_total",
			Help:      "Profiling chunks discarded after a remote execution failure",
		}),
		Models: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "models_total",
			Help:      "Cost model trainings, by outcome",
		}, []string{"outcome"}),
		PhaseSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of each phase of the run",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
		}, []string{"phase"}),
	}
}

// AddEntries counts n cost matrix entries filled from source.
func (m *Metrics) AddEntries(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Entries.WithLabelValues(source).Add(float64(n))
}

// ChunkFailed counts a discarded profiling chunk.
func (m *Metrics) ChunkFailed() {
	if m == nil {
		return
	}
	m.FailedChunks.Inc()
}

// ModelTrained counts a training, trained reports whether a model was produced or the training skipped.
func (m *Metrics) ModelTrained(trained bool) {
	if m == nil {
		return
	}
	outcome := "skipped"
	if trained {
		outcome = "trained"
	}
	m.Models.WithLabelValues(outcome).Inc()
}

// Time starts timing phase. Call the returned function when the phase ends.
func (m *Metrics) Time(phase string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.PhaseSeconds.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	}
}

// WriteToTextfile writes the metrics in the Prometheus text format.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return errors.Wrapf(err, "writing metrics to %q", path)
	}
	return nil
}
