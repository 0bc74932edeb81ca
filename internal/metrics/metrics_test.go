package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ProvisionFinished("created", 3*time.Second)
	m.ProvisionFinished("failed", time.Second)
	m.Operation("stop", nil)
	m.Operation("stop", errors.New("boom"))
	m.SweepFinished(2, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.provisions.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("stop", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reaped))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ProvisionFinished("created", time.Second)
	m.Operation("start", nil)
	m.SweepFinished(1, time.Second)
}
