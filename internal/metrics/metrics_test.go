package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusSink_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink("test", reg)

	s.IncProcessed("orders")
	s.IncProcessed("orders")
	s.IncDuplicate("orders")
	s.IncErrored("orders")
	s.IncRetried("orders")
	s.IncDeadLettered("orders")

	assert.Equal(t, 2.0, testutil.ToFloat64(s.processed.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.duplicates.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.errored.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.retried.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.deadLettered.WithLabelValues("orders")))
}

func TestPrometheusSink_Gauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink("test", reg)

	s.SetInFlight(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(s.inFlight))

	s.SetPaused(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.paused))
	s.SetPaused(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(s.paused))

	s.AddPausedDuration(1500 * time.Millisecond)
	assert.InDelta(t, 1.5, testutil.ToFloat64(s.pausedSeconds), 1e-9)
}

func TestPrometheusSink_HealthyProbe(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink("test", reg)

	assert.True(t, s.Healthy(), "初始状态为健康")
	s.SetHealthy(false)
	assert.False(t, s.Healthy())
	s.SetHealthy(true)
	assert.True(t, s.Healthy())
}
