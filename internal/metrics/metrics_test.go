// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.AddEntries("measured", 3)
	m.AddEntries("predicted", 5)
	m.AddEntries("predicted", 0)
	m.ChunkFailed()
	m.ModelTrained(true)
	m.ModelTrained(false)
	m.ModelTrained(false)
	m.Time(PhaseProfile)()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Entries.WithLabelValues("measured")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Entries.WithLabelValues("predicted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailedChunks))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Models.WithLabelValues("skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.PhaseSeconds))

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, m.WriteToTextfile(path))
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `predtop_cost_entries_total{source="measured"} 3`)
	assert.Contains(t, string(contents), "predtop_phase_duration_seconds_count")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AddEntries("measured", 1)
		m.ChunkFailed()
		m.ModelTrained(true)
		m.Time(PhaseTrain)()
		require.NoError(t, m.WriteToTextfile(filepath.Join(t.TempDir(), "unused")))
	})
}
