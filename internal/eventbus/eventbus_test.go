package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type spawnPayload struct {
	Entity uint64 `msgpack:"entity"`
	Name   string `msgpack:"name"`
}

func TestEnvelope_RoundTripPayload(t *testing.T) {
	env, err := NewEnvelope("server", "s-1", TypeCharacterSpawned, 3, spawnPayload{Entity: 7, Name: "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "s-1", env.CorrelationID)

	var got spawnPayload
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, spawnPayload{Entity: 7, Name: "alice"}, got)
}

func TestMemoryBus_FilterAndOrder(t *testing.T) {
	bus := NewMemoryBus(16)

	var mu sync.Mutex
	var got []string
	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{TypeSessionState}}, func(_ context.Context, ev *Envelope) {
		mu.Lock()
		got = append(got, ev.CorrelationID)
		mu.Unlock()
	})
	require.NoError(t, err)

	for _, corr := range []string{"a", "b", "c"} {
		env, err := NewEnvelope("server", corr, TypeSessionState, 5, nil)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(context.Background(), env))
	}
	other, err := NewEnvelope("server", "x", TypeWorldEvent, 1, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), other))

	require.NoError(t, bus.Close(), "Close дожидается доставки буфера")
	assert.Equal(t, []string{"a", "b", "c"}, got, "фильтр по типу и порядок публикации")

	stats := bus.Metrics()
	assert.Equal(t, uint64(4), stats.Published)
	assert.Equal(t, uint64(3), stats.Consumed)
}

func TestMemoryBus_DropsLowPriorityWhenFull(t *testing.T) {
	bus := NewMemoryBus(1)
	block := make(chan struct{})
	_, err := bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) { <-block })
	require.NoError(t, err)

	publish := func() {
		env, _ := NewEnvelope("server", "", TypeWorldEvent, 1, nil)
		require.NoError(t, bus.Publish(context.Background(), env))
	}
	// первое событие забирает доставка, второе занимает буфер
	publish()
	require.Eventually(t, func() bool { return bus.Metrics().InFlight == 0 }, time.Second, time.Millisecond)
	publish()
	publish()

	assert.Equal(t, uint64(1), bus.Metrics().Dropped, "низкий приоритет отброшен без блокировки")
	close(block)
	require.NoError(t, bus.Close())
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(4)
	calls := 0
	sub, err := bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) { calls++ })
	require.NoError(t, err)
	sub.Unsubscribe()

	env, _ := NewEnvelope("server", "", TypeWorldEvent, 1, nil)
	require.NoError(t, bus.Publish(context.Background(), env))
	require.NoError(t, bus.Close())
	assert.Zero(t, calls)

	assert.Error(t, bus.Publish(context.Background(), env), "после Close публикация невозможна")
}

func TestMetricsExporter_CollectsDeltas(t *testing.T) {
	bus := NewMemoryBus(8)
	reg := prometheus.NewRegistry()
	me := NewMetricsExporter(bus, reg)

	for i := 0; i < 3; i++ {
		env, _ := NewEnvelope("server", "", TypeWorldEvent, 1, nil)
		require.NoError(t, bus.Publish(context.Background(), env))
	}
	me.Collect()
	assert.Equal(t, 3.0, testutil.ToFloat64(me.published))

	me.Collect()
	assert.Equal(t, 3.0, testutil.ToFloat64(me.published), "повторный сбор не удваивает счётчик")
	require.NoError(t, bus.Close())
}
