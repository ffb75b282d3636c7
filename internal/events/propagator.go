// Package events проверяет и распространяет дискретные события мира (шум и т.п.).
//
// Участник отправляет запрос авторитету, авторитет проверяет источник,
// лимит частоты и границы параметров и рассылает событие всем. Каждый
// получатель сам определяет, кто из персонажей находится в радиусе.
package events

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/annel0/charsync/internal/authority"
	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/config"
	"github.com/annel0/charsync/internal/logging"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/protocol"
	"github.com/annel0/charsync/internal/vec"
)

var (
	// ErrRateLimited источник превысил лимит событий
	ErrRateLimited = errors.New("event rate limit exceeded")
	// ErrInvalidParameter радиус или интенсивность вне границ
	ErrInvalidParameter = errors.New("event parameter out of bounds")
	// ErrDuplicate событие с такой парой (origin, sequence) уже доставлено
	ErrDuplicate = errors.New("duplicate or stale event")
)

// Event событие мира в том виде, в каком оно идёт по сети
type Event = protocol.WorldEvent

// Delivery событие и персонажи в его радиусе. Срез Hearers действителен
// только во время вызова слушателя.
type Delivery struct {
	Event   Event
	Hearers []*character.Character
}

// Listener получатель доставленных событий
type Listener func(Delivery)

// Outbox отправка по надёжному каналу
type Outbox interface {
	SendControl(to netid.ConnectionID, kind protocol.Kind, body interface{})
}

type nopOutbox struct{}

func (nopOutbox) SendControl(netid.ConnectionID, protocol.Kind, interface{}) {}

// Limits границы параметров и лимит частоты на источник
type Limits struct {
	MinRadius    float64
	MaxRadius    float64
	MinIntensity float64
	MaxIntensity float64
	RatePerSec   float64
	Burst        int
}

// LimitsFromConfig переводит секцию events конфигурации
func LimitsFromConfig(c config.EventsConfig) Limits {
	return Limits{
		MinRadius:    c.MinRadius,
		MaxRadius:    c.MaxRadius,
		MinIntensity: c.MinIntensity,
		MaxIntensity: c.MaxIntensity,
		RatePerSec:   c.RatePerSec,
		Burst:        c.Burst,
	}
}

// Validate проверяет радиус и интенсивность события
func (l Limits) Validate(radius, intensity float64) error {
	if math.IsNaN(radius) || radius < l.MinRadius || radius > l.MaxRadius {
		return fmt.Errorf("radius %.3f вне [%.3f, %.3f]: %w", radius, l.MinRadius, l.MaxRadius, ErrInvalidParameter)
	}
	if math.IsNaN(intensity) || intensity < l.MinIntensity || intensity > l.MaxIntensity {
		return fmt.Errorf("intensity %.3f вне [%.3f, %.3f]: %w", intensity, l.MinIntensity, l.MaxIntensity, ErrInvalidParameter)
	}
	return nil
}

// Stats счётчики отброшенных событий
type Stats struct {
	Accepted    uint64
	RateLimited uint64
	Invalid     uint64
	Duplicates  uint64
	Violations  uint64
}

// Propagator распространитель событий процесса. Используется только из тика.
type Propagator struct {
	isAuthority bool
	local       netid.ConnectionID
	registry    *character.Registry
	out         Outbox
	limits      Limits
	logger      *logging.Logger

	// Время симуляции, по нему работают лимитеры
	epoch time.Time
	now   float64

	nextSeq  uint32
	limiters map[netid.ConnectionID]*rate.Limiter
	windows  map[netid.ConnectionID]*window

	listeners []Listener
	hearers   []*character.Character
	stats     Stats
}

// NewPropagator создаёт распространитель
func NewPropagator(limits Limits, isAuthority bool, local netid.ConnectionID, registry *character.Registry, out Outbox) *Propagator {
	if out == nil {
		out = nopOutbox{}
	}
	return &Propagator{
		isAuthority: isAuthority,
		local:       local,
		registry:    registry,
		out:         out,
		limits:      limits,
		logger:      logging.GetEventsLogger(),
		epoch:       time.Unix(0, 0),
		limiters:    make(map[netid.ConnectionID]*rate.Limiter),
		windows:     make(map[netid.ConnectionID]*window),
	}
}

// OnDelivery подписка на доставленные события
func (p *Propagator) OnDelivery(l Listener) { p.listeners = append(p.listeners, l) }

// Stats счётчики
func (p *Propagator) Stats() Stats { return p.stats }

// Advance продвигает время симуляции для лимитеров
func (p *Propagator) Advance(dt float64) {
	if dt > 0 {
		p.now += dt
	}
}

// Emit создаёт событие от имени этого процесса со следующим номером.
// На авторитете событие сразу проверяется и рассылается, у участника
// уходит запросом авторитету.
func (p *Propagator) Emit(category string, pos vec.Vec3, radius, intensity float64) (Event, error) {
	ev := Event{
		Origin:    p.local,
		Category:  category,
		Position:  pos,
		Radius:    radius,
		Intensity: intensity,
	}
	if err := p.limits.Validate(radius, intensity); err != nil {
		p.stats.Invalid++
		return ev, err
	}
	p.nextSeq++
	ev.Sequence = p.nextSeq

	if p.isAuthority {
		return ev, p.HandleRequest(p.local, ev)
	}
	p.out.SendControl(netid.Server, protocol.KindEventRequest, ev)
	return ev, nil
}

// HandleRequest проверяет запрос участника и рассылает событие
func (p *Propagator) HandleRequest(from netid.ConnectionID, ev Event) error {
	if !p.isAuthority {
		return fmt.Errorf("event request на участнике: %w", authority.ErrViolation)
	}
	if ev.Origin != from {
		p.stats.Violations++
		p.logger.Warn("⛔ %s выдаёт событие за %s", from, ev.Origin)
		return fmt.Errorf("event origin %s от %s: %w", ev.Origin, from, authority.ErrViolation)
	}
	w := p.window(ev.Origin)
	if !w.fresh(ev.Sequence) {
		p.stats.Duplicates++
		return fmt.Errorf("event %s#%d: %w", ev.Origin, ev.Sequence, ErrDuplicate)
	}
	if !p.limiter(from).AllowN(p.simTime(), 1) {
		p.stats.RateLimited++
		p.logger.Debug("🚫 событие %s#%d отброшено лимитом", from, ev.Sequence)
		return fmt.Errorf("event %s#%d: %w", ev.Origin, ev.Sequence, ErrRateLimited)
	}
	if err := p.limits.Validate(ev.Radius, ev.Intensity); err != nil {
		p.stats.Invalid++
		return err
	}

	w.mark(ev.Sequence)
	p.stats.Accepted++
	p.out.SendControl(netid.Broadcast, protocol.KindEventBroadcast, ev)
	p.deliver(ev)
	return nil
}

// HandleBroadcast принимает событие, разосланное авторитетом
func (p *Propagator) HandleBroadcast(ev Event) error {
	if p.isAuthority {
		return nil
	}
	w := p.window(ev.Origin)
	if !w.fresh(ev.Sequence) {
		p.stats.Duplicates++
		p.logger.Trace("дубликат события %s#%d", ev.Origin, ev.Sequence)
		return fmt.Errorf("event %s#%d: %w", ev.Origin, ev.Sequence, ErrDuplicate)
	}
	w.mark(ev.Sequence)
	p.stats.Accepted++
	p.deliver(ev)
	return nil
}

// PeerDisconnected забывает лимитер и окно источника
func (p *Propagator) PeerDisconnected(conn netid.ConnectionID) {
	delete(p.limiters, conn)
	delete(p.windows, conn)
}

func (p *Propagator) deliver(ev Event) {
	p.hearers = p.hearers[:0]
	if p.registry != nil {
		p.registry.WithinRadius(ev.Position, ev.Radius, func(c *character.Character) {
			p.hearers = append(p.hearers, c)
		})
	}
	d := Delivery{Event: ev, Hearers: p.hearers}
	for _, l := range p.listeners {
		l(d)
	}
}

func (p *Propagator) window(origin netid.ConnectionID) *window {
	w, ok := p.windows[origin]
	if !ok {
		w = &window{}
		p.windows[origin] = w
	}
	return w
}

func (p *Propagator) limiter(conn netid.ConnectionID) *rate.Limiter {
	l, ok := p.limiters[conn]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.limits.RatePerSec), p.limits.Burst)
		p.limiters[conn] = l
	}
	return l
}

func (p *Propagator) simTime() time.Time {
	return p.epoch.Add(time.Duration(p.now * float64(time.Second)))
}
