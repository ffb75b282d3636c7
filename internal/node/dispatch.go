package node

import (
	"errors"
	"fmt"

	"github.com/annel0/charsync/internal/authority"
	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/events"
	"github.com/annel0/charsync/internal/metrics"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/network"
	"github.com/annel0/charsync/internal/protocol"
	"github.com/annel0/charsync/internal/replication"
	"github.com/annel0/charsync/internal/session"
)

// handleItem обрабатывает один элемент очереди. Паника в обработчике
// считается повреждённым сообщением и не останавливает тик.
func (n *Node) handleItem(it network.Item) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("паника при обработке кадра от %s: %v", it.From, r)
			n.drop(metrics.DropMalformed)
		}
	}()

	switch it.Kind {
	case network.ItemConnected:
		n.onConnected(it.From)
	case network.ItemConnectionLost:
		n.onConnectionLost(it.From, it.Err)
	case network.ItemMessage:
		if err := n.handleFrame(it.From, it.Channel, it.Data); err != nil {
			n.reject(it.From, it.Data, err)
		}
	}
}

// reject переводит ошибку обработки в причину отброса
func (n *Node) reject(from netid.ConnectionID, data []byte, err error) {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		n.drop(metrics.DropMalformed)
		n.logger.LogProtocolError(from.String(), err, data)
	case errors.Is(err, authority.ErrViolation):
		// шлюз уже записал нарушение
	case errors.Is(err, events.ErrRateLimited):
		n.drop(metrics.DropRateLimited)
	case errors.Is(err, events.ErrInvalidParameter):
		n.drop(metrics.DropInvalid)
		n.logger.Debug("событие от %s: %v", from, err)
	case errors.Is(err, events.ErrDuplicate):
		n.drop(metrics.DropDuplicate)
	case errors.Is(err, character.ErrUnknownCharacter):
		n.drop(metrics.DropUnknown)
		n.logger.Debug("%s: %v", from, err)
	case errors.Is(err, session.ErrIllegalTransition),
		errors.Is(err, session.ErrNotInLobby),
		errors.Is(err, session.ErrUnknownPeer):
		n.drop(metrics.DropIllegal)
		n.logger.Debug("сессия, запрос от %s: %v", from, err)
	default:
		n.drop(metrics.DropInvalid)
		n.logger.Debug("запрос от %s отклонён: %v", from, err)
	}
}

func (n *Node) handleFrame(from netid.ConnectionID, ch network.Channel, data []byte) error {
	kind, body, err := protocol.Split(data)
	if err != nil {
		return err
	}
	n.metrics.Received(kind.String())

	if kind == protocol.KindTransformBatch {
		return n.receiveBatch(from, body)
	}
	if ch != network.Reliable {
		return fmt.Errorf("%s по %s каналу: %w", kind, ch, protocol.ErrMalformed)
	}
	if n.isAuthority {
		return n.handleOnAuthority(from, kind, body)
	}
	if from != netid.Server {
		return fmt.Errorf("%s от %s: %w", kind, from, authority.ErrViolation)
	}
	return n.handleOnParticipant(kind, body)
}

func (n *Node) requester(conn netid.ConnectionID) authority.Requester {
	return authority.Requester{Conn: conn, IsAuthority: n.isAuthority && conn == n.local}
}

func (n *Node) handleOnAuthority(from netid.ConnectionID, kind protocol.Kind, body []byte) error {
	req := n.requester(from)

	switch kind {
	case protocol.KindReadyRequest:
		var m protocol.ReadyRequest
		if err := protocol.DecodeBody(body, &m); err != nil {
			return err
		}
		return n.session.HandleReadyRequest(from, m.Ready)

	case protocol.KindSessionCommand:
		// Состояние сессии меняет только авторитет
		return n.gate.Authorize(authority.OpSessionState, req, nil)

	case protocol.KindSpawnRequest:
		var m protocol.SpawnRequest
		if err := protocol.DecodeBody(body, &m); err != nil {
			return err
		}
		_, err := n.spawnPlayer(from, m.Name, m.Position)
		return err

	case protocol.KindOwnershipRequest:
		var m protocol.OwnershipRequest
		if err := protocol.DecodeBody(body, &m); err != nil {
			return err
		}
		return n.claim(from, m)

	case protocol.KindShapeUpdate:
		var m protocol.ShapeUpdate
		if err := protocol.DecodeBody(body, &m); err != nil {
			return err
		}
		return n.applyShape(req, m)

	case protocol.KindEventRequest:
		var ev events.Event
		if err := protocol.DecodeBody(body, &ev); err != nil {
			return err
		}
		return n.events.HandleRequest(from, ev)

	case protocol.KindSpawn, protocol.KindDespawn, protocol.KindOwnershipUpdate,
		protocol.KindSessionSnapshot, protocol.KindReadyUpdate, protocol.KindEventBroadcast:
		return n.gate.Authorize(authority.OpSessionState, req, nil)

	default:
		return fmt.Errorf("%s после рукопожатия: %w", kind, protocol.ErrMalformed)
	}
}

func (n *Node) handleOnParticipant(kind protocol.Kind, body []byte) error {
	switch kind {
	case protocol.KindSessionSnapshot:
		var m protocol.SessionSnapshot
		if err := protocol.DecodeBody(body, &m); err != nil {
			return err
		}
		n.session.ApplySnapshot(m)
		return nil

	case protocol.KindReadyUpdate:
		var m protocol.ReadyUpdate
		if err := protocol.DecodeBody(body, &m); err != nil {
			return err
		}
		n.session.ApplyReadyUpdate(m)
		return nil

	case protocol.KindSpawn:
		var m protocol.Spawn
		if err := protocol.DecodeBody(body, &m); err != nil {
			return err
		}
		return n.mirrorSpawn(m)

	case protocol.KindDespawn:
		var m protocol.Despawn
		if err := protocol.DecodeBody(body, &m); err != nil {
			return err
		}
		n.registry.Unregister(m.Entity)
		return nil

	case protocol.KindOwnershipUpdate:
		var m protocol.OwnershipUpdate
		if err := protocol.DecodeBody(body, &m); err != nil {
			return err
		}
		c, ok := n.registry.Get(m.Entity)
		if !ok {
			return fmt.Errorf("ownership %s: %w", m.Entity, character.ErrUnknownCharacter)
		}
		return n.registry.TransferOwnership(m.Entity, c.Control.Owner, m.Owner)

	case protocol.KindShapeUpdate:
		var m protocol.ShapeUpdate
		if err := protocol.DecodeBody(body, &m); err != nil {
			return err
		}
		r, ok := n.replicators[m.Entity]
		if !ok {
			return fmt.Errorf("shape %s: %w", m.Entity, character.ErrUnknownCharacter)
		}
		r.ApplyShape(m.Height, m.Radius)
		return nil

	case protocol.KindEventBroadcast:
		var ev events.Event
		if err := protocol.DecodeBody(body, &ev); err != nil {
			return err
		}
		return n.events.HandleBroadcast(ev)

	default:
		return fmt.Errorf("%s от авторитета: %w", kind, protocol.ErrMalformed)
	}
}

// receiveBatch применяет пакет трансформов. Авторитет проверяет владельца
// каждого сэмпла и пересылает принятые остальным участникам.
func (n *Node) receiveBatch(from netid.ConnectionID, body []byte) error {
	var err error
	n.samples, err = n.decoder.DecodeBatch(n.samples[:0], body)
	for i := range n.samples {
		n.receiveSample(from, n.samples[i])
	}
	return err
}

func (n *Node) receiveSample(from netid.ConnectionID, s protocol.TransformSample) {
	r, ok := n.replicators[s.Entity]
	if !ok {
		n.drop(metrics.DropUnknown)
		return
	}
	if n.isAuthority {
		if err := n.gate.Authorize(authority.OpTransform, n.requester(from), r.Character()); err != nil {
			return
		}
	} else if from != netid.Server {
		n.drop(metrics.DropViolation)
		return
	}

	switch r.Receive(s) {
	case replication.Stale:
		n.drop(metrics.DropStale)
	case replication.Applied, replication.Snapped:
		if n.isAuthority {
			n.batcher.AddChange(nsyncChange(s, n.settings.Classify(s.Velocity.Length())))
		}
	}
}

// ---- Соединения ----

func (n *Node) onConnected(conn netid.ConnectionID) {
	if !n.isAuthority {
		if conn != netid.Server {
			return
		}
		n.connected = true
		n.logger.Info("🔗 Подключены к авторитету как %s", n.local)
		if n.opts.AutoSpawn && !n.spawnSent {
			n.spawnSent = true
			n.SendControl(netid.Server, protocol.KindSpawnRequest, protocol.SpawnRequest{
				Name:     n.opts.Name,
				Position: n.opts.SpawnPosition,
			})
		}
		return
	}

	n.session.PeerConnected(conn)
	for c := range n.registry.All() {
		n.SendControl(conn, protocol.KindSpawn, spawnMessage(c, n.now))
	}
	if id, ok := n.identity(conn); ok {
		n.logger.Info("👤 %s подключился как %s", conn, id)
	}
}

func (n *Node) onConnectionLost(conn netid.ConnectionID, err error) {
	if !n.isAuthority {
		if conn != netid.Server {
			return
		}
		n.connected = false
		n.spawnSent = false
		n.logger.Warn("🔌 Соединение с авторитетом потеряно: %v", err)
		for c := range n.registry.All() {
			n.registry.Unregister(c.ID)
		}
		return
	}

	n.logger.Info("🔌 %s отключился: %v", conn, err)
	n.session.PeerDisconnected(conn)
	n.events.PeerDisconnected(conn)

	c, ok := n.registry.GetByConnection(conn)
	if !ok {
		return
	}
	if n.opts.DespawnOnDisconnect {
		n.registry.Unregister(c.ID)
		return
	}
	// Персонаж остаётся в мире под управлением авторитета
	if terr := n.registry.TransferOwnership(c.ID, conn, netid.None); terr != nil {
		n.logger.Warn("осиротить %s: %v", c.ID, terr)
	}
}

func (n *Node) identity(conn netid.ConnectionID) (string, bool) {
	if n.opts.Identities == nil {
		return "", false
	}
	id, ok := n.opts.Identities.Identity(conn)
	if !ok {
		return "", false
	}
	return id.PlayerName, true
}
