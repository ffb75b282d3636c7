// Package metrics собирает Prometheus-метрики ядра синхронизации.
// Все методы безопасны для nil-получателя: узел без метрик просто их не пишет.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Причины отброса входящих сообщений
const (
	DropMalformed   = "malformed"
	DropStale       = "stale"
	DropViolation   = "authority_violation"
	DropRateLimited = "rate_limited"
	DropInvalid     = "invalid_parameter"
	DropDuplicate   = "duplicate"
	DropUnknown     = "unknown_target"
	DropInboxFull   = "inbox_full"
	DropBatchFull   = "batch_capacity"
	DropIllegal     = "illegal_transition"
)

// Metrics коллекторы одного узла
type Metrics struct {
	tickDuration prometheus.Histogram
	received     *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	samplesSent  prometheus.Counter
	batchFrames  prometheus.Counter
	batchBytes   prometheus.Counter
	characters   *prometheus.GaugeVec
	peers        prometheus.Gauge
	sessionState prometheus.Gauge
	readyPlayers prometheus.Gauge
}

// New создаёт коллекторы и регистрирует их в reg (nil: без регистрации)
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "charsync"
	}
	m := &Metrics{
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Длительность тика симуляции.",
			Buckets:   []float64{0.0005, 0.001, 0.002, 0.004, 0.008, 0.016, 0.033, 0.066},
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Принятые сообщения по типу.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Отброшенные сообщения по причине.",
		}, []string{"reason"}),
		samplesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_samples_sent_total",
			Help:      "Отправленные сэмплы трансформов.",
		}),
		batchFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_batches_sent_total",
			Help:      "Отправленные пакеты трансформов.",
		}),
		batchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_batch_bytes_total",
			Help:      "Байты пакетов трансформов.",
		}),
		characters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "characters",
			Help:      "Зарегистрированные персонажи по виду.",
		}, []string{"kind"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Подключённые участники.",
		}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Текущее состояние сессии (числовой код).",
		}),
		readyPlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_players",
			Help:      "Участники, отметившие готовность.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.tickDuration, m.received, m.dropped, m.samplesSent,
			m.batchFrames, m.batchBytes, m.characters, m.peers, m.sessionState, m.readyPlayers)
	}
	return m
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) Received(kind string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(kind).Inc()
}

// Dropped учитывает отброшенные сообщения; n == 0 игнорируется
func (m *Metrics) Dropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) SamplesSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.samplesSent.Add(float64(n))
}

func (m *Metrics) BatchSent(bytes int) {
	if m == nil {
		return
	}
	m.batchFrames.Inc()
	m.batchBytes.Add(float64(bytes))
}

// Population обновляет gauges состава сессии
func (m *Metrics) Population(players, npcs, peers, ready int, state uint8) {
	if m == nil {
		return
	}
	m.characters.WithLabelValues("player").Set(float64(players))
	m.characters.WithLabelValues("npc").Set(float64(npcs))
	m.peers.Set(float64(peers))
	m.readyPlayers.Set(float64(ready))
	m.sessionState.Set(float64(state))
}
