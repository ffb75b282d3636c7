package node

import (
	"context"
	"time"

	"github.com/annel0/charsync/internal/eventbus"
	"github.com/annel0/charsync/internal/events"
	"github.com/annel0/charsync/internal/logging"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/session"
)

// publishTimeout сколько тик готов ждать заполненную шину
const publishTimeout = 5 * time.Millisecond

// publisher выносит подтверждённые изменения во внешнюю шину и журнал.
// Ошибки шины не влияют на симуляцию.
type publisher struct {
	source  string
	session string
	bus     eventbus.EventBus
	journal Journal
	logger  *logging.Logger
	failed  uint64
}

func newPublisher(source string, bus eventbus.EventBus, journal Journal) *publisher {
	if source == "" {
		source = "charsync"
	}
	return &publisher{
		source:  source,
		session: source,
		bus:     bus,
		journal: journal,
		logger:  logging.GetEventsLogger(),
	}
}

func (p *publisher) publish(eventType string, priority int, payload interface{}) {
	if p == nil || (p.bus == nil && p.journal == nil) {
		return
	}
	ev, err := eventbus.NewEnvelope(p.source, p.session, eventType, priority, payload)
	if err != nil {
		p.failed++
		p.logger.Warn("конверт %s: %v", eventType, err)
		return
	}
	if p.journal != nil {
		p.journal.Append(ev)
	}
	if p.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.bus.Publish(ctx, ev); err != nil {
		p.failed++
		p.logger.Debug("публикация %s: %v", eventType, err)
	}
}

// StateChange полезная нагрузка TypeSessionState
type StateChange struct {
	Prev     string  `msgpack:"prev" json:"prev"`
	Next     string  `msgpack:"next" json:"next"`
	GameTime float64 `msgpack:"game_time" json:"game_time"`
}

// ReadyChange полезная нагрузка TypeReadyChanged
type ReadyChange struct {
	Conn       netid.ConnectionID `msgpack:"conn" json:"conn"`
	Ready      bool               `msgpack:"ready" json:"ready"`
	ReadyCount int                `msgpack:"ready_count" json:"ready_count"`
}

// WorldEventDelivered полезная нагрузка TypeWorldEvent
type WorldEventDelivered struct {
	Origin    netid.ConnectionID `msgpack:"origin" json:"origin"`
	Sequence  uint32             `msgpack:"seq" json:"seq"`
	Category  string             `msgpack:"category" json:"category"`
	X         float64            `msgpack:"x" json:"x"`
	Y         float64            `msgpack:"y" json:"y"`
	Z         float64            `msgpack:"z" json:"z"`
	Radius    float64            `msgpack:"radius" json:"radius"`
	Intensity float64            `msgpack:"intensity" json:"intensity"`
	Hearers   []uint64           `msgpack:"hearers" json:"hearers"`
}

func (n *Node) onStateChanged(prev, next session.State) {
	if !n.isAuthority {
		return
	}
	n.publisher.publish(eventbus.TypeSessionState, 7, StateChange{
		Prev:     prev.String(),
		Next:     next.String(),
		GameTime: n.session.GameTime(),
	})
}

func (n *Node) onReadyChanged(conn netid.ConnectionID, ready bool, count int) {
	if !n.isAuthority {
		return
	}
	n.publisher.publish(eventbus.TypeReadyChanged, 5, ReadyChange{Conn: conn, Ready: ready, ReadyCount: count})
}

func (n *Node) onEventDelivered(d events.Delivery) {
	if !n.isAuthority {
		return
	}
	ev := d.Event
	msg := WorldEventDelivered{
		Origin:    ev.Origin,
		Sequence:  ev.Sequence,
		Category:  ev.Category,
		X:         ev.Position.X,
		Y:         ev.Position.Y,
		Z:         ev.Position.Z,
		Radius:    ev.Radius,
		Intensity: ev.Intensity,
		Hearers:   make([]uint64, 0, len(d.Hearers)),
	}
	for _, c := range d.Hearers {
		msg.Hearers = append(msg.Hearers, uint64(c.ID))
	}
	n.publisher.publish(eventbus.TypeWorldEvent, 2, msg)
}
