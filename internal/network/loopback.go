package network

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/annel0/charsync/internal/netid"
)

// LossFunc решает, потерять ли best-effort кадр (true = потерять)
type LossFunc func(from, to netid.ConnectionID, data []byte) bool

type heldFrame struct {
	from, to netid.ConnectionID
	data     []byte
}

// LoopbackHub сеть в памяти в виде звезды: авторитет в центре, клиенты
// общаются только с ним. Используется в тестах и в режиме хоста.
// Доставка синхронная: кадр сразу попадает в обработчик получателя.
type LoopbackHub struct {
	mu        sync.Mutex
	endpoints map[netid.ConnectionID]*LoopbackEndpoint
	nextConn  netid.ConnectionID

	loss    LossFunc
	holding bool
	held    []heldFrame
}

// NewLoopbackHub создаёт пустую сеть
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{
		endpoints: make(map[netid.ConnectionID]*LoopbackEndpoint),
		nextConn:  netid.FirstClient,
	}
}

// SetLoss задаёт потери best-effort канала
func (h *LoopbackHub) SetLoss(fn LossFunc) {
	h.mu.Lock()
	h.loss = fn
	h.mu.Unlock()
}

// HoldUnreliable задерживает best-effort кадры до ReleaseHeld
func (h *LoopbackHub) HoldUnreliable(hold bool) {
	h.mu.Lock()
	h.holding = hold
	h.mu.Unlock()
}

// ReleaseHeld доставляет задержанные кадры; reverse меняет порядок на обратный
func (h *LoopbackHub) ReleaseHeld(reverse bool) int {
	h.mu.Lock()
	held := h.held
	h.held = nil
	h.mu.Unlock()

	if reverse {
		slices.Reverse(held)
	}
	for _, f := range held {
		if ep := h.endpoint(f.to); ep != nil {
			ep.deliver(f.from, Unreliable, f.data)
		}
	}
	return len(held)
}

// Server конечная точка авторитета
func (h *LoopbackHub) Server() *LoopbackEndpoint {
	return &LoopbackEndpoint{hub: h, id: netid.Server, authority: true}
}

// Client новая клиентская точка со следующим ConnectionID
func (h *LoopbackHub) Client() *LoopbackEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep := &LoopbackEndpoint{hub: h, id: h.nextConn}
	h.nextConn++
	return ep
}

func (h *LoopbackHub) endpoint(id netid.ConnectionID) *LoopbackEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoints[id]
}

func (h *LoopbackHub) peers(except netid.ConnectionID) []*LoopbackEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := make([]*LoopbackEndpoint, 0, len(h.endpoints))
	for id, ep := range h.endpoints {
		if id != except && id != netid.Server {
			list = append(list, ep)
		}
	}
	slices.SortFunc(list, func(a, b *LoopbackEndpoint) int { return int(a.id) - int(b.id) })
	return list
}

func (h *LoopbackHub) route(from, to netid.ConnectionID, ch Channel, data []byte) error {
	frame := append([]byte(nil), data...)

	var targets []*LoopbackEndpoint
	switch {
	case from != netid.Server:
		// Клиент говорит только с авторитетом
		if to != netid.Server && to != netid.Broadcast {
			return fmt.Errorf("loopback %s → %s: %w", from, to, ErrUnknownConnection)
		}
		if ep := h.endpoint(netid.Server); ep != nil {
			targets = append(targets, ep)
		}
	case to == netid.Broadcast:
		targets = h.peers(from)
	default:
		ep := h.endpoint(to)
		if ep == nil {
			return fmt.Errorf("loopback → %s: %w", to, ErrUnknownConnection)
		}
		targets = append(targets, ep)
	}

	for _, ep := range targets {
		if ch == Unreliable {
			h.mu.Lock()
			loss, holding := h.loss, h.holding
			if holding {
				h.held = append(h.held, heldFrame{from: from, to: ep.id, data: frame})
			}
			h.mu.Unlock()
			if holding || (loss != nil && loss(from, ep.id, frame)) {
				continue
			}
		}
		ep.deliver(from, ch, frame)
	}
	return nil
}

// LoopbackEndpoint транспорт одного участника LoopbackHub
type LoopbackEndpoint struct {
	hub       *LoopbackHub
	id        netid.ConnectionID
	authority bool

	mu       sync.Mutex
	handlers Handlers
	started  bool
	closed   bool
}

var _ Transport = (*LoopbackEndpoint)(nil)

func (e *LoopbackEndpoint) LocalConnectionID() netid.ConnectionID { return e.id }
func (e *LoopbackEndpoint) IsAuthority() bool                     { return e.authority }

// Start подключает точку к сети. Клиент и авторитет получают OnConnected.
func (e *LoopbackEndpoint) Start(_ context.Context, h Handlers) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("loopback %s уже запущен", e.id)
	}
	e.started = true
	e.handlers = h
	e.mu.Unlock()

	e.hub.mu.Lock()
	e.hub.endpoints[e.id] = e
	e.hub.mu.Unlock()

	if e.authority {
		return nil
	}
	if srv := e.hub.endpoint(netid.Server); srv != nil {
		srv.handlersSnapshot().connected(e.id)
	}
	h.connected(netid.Server)
	return nil
}

func (e *LoopbackEndpoint) SendReliable(to netid.ConnectionID, data []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.hub.route(e.id, to, Reliable, data)
}

func (e *LoopbackEndpoint) SendUnreliable(to netid.ConnectionID, data []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.hub.route(e.id, to, Unreliable, data)
}

// Close отключает точку; противоположная сторона получает OnConnectionLost
func (e *LoopbackEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.hub.mu.Lock()
	delete(e.hub.endpoints, e.id)
	e.hub.mu.Unlock()

	if e.authority {
		for _, ep := range e.hub.peers(netid.Server) {
			ep.handlersSnapshot().lost(netid.Server, ErrClosed)
		}
		return nil
	}
	if srv := e.hub.endpoint(netid.Server); srv != nil {
		srv.handlersSnapshot().lost(e.id, ErrClosed)
	}
	return nil
}

func (e *LoopbackEndpoint) deliver(from netid.ConnectionID, ch Channel, data []byte) {
	h := e.handlersSnapshot()
	h.receive(from, ch, data)
}

func (e *LoopbackEndpoint) handlersSnapshot() *Handlers {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.handlers
	return &h
}

func (e *LoopbackEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
