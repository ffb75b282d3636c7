package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.Received("Hello")
	m.Received("Hello")
	m.Dropped(DropStale, 3)
	m.Dropped(DropStale, 0)
	m.SamplesSent(5)
	m.BatchSent(120)
	m.BatchSent(80)
	m.ObserveTick(2 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.received.WithLabelValues("Hello")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.dropped.WithLabelValues(DropStale)))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.samplesSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.batchFrames))
	assert.Equal(t, 200.0, testutil.ToFloat64(m.batchBytes))
	assert.Equal(t, 1, testutil.CollectAndCount(m.tickDuration))
}

func TestMetrics_Population(t *testing.T) {
	m := New("test", prometheus.NewRegistry())
	m.Population(3, 2, 4, 1, 4)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.characters.WithLabelValues("player")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.characters.WithLabelValues("npc")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.peers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.readyPlayers))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.sessionState))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Received("x")
		m.Dropped(DropMalformed, 1)
		m.SamplesSent(1)
		m.BatchSent(1)
		m.ObserveTick(time.Millisecond)
		m.Population(0, 0, 0, 0, 0)
	}, "узел без метрик")
}
