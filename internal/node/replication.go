package node

import (
	"fmt"
	"slices"

	"github.com/annel0/charsync/internal/authority"
	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/eventbus"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/protocol"
	"github.com/annel0/charsync/internal/replication"
	nsync "github.com/annel0/charsync/internal/sync"
	"github.com/annel0/charsync/internal/vec"
)

func nsyncChange(s protocol.TransformSample, band replication.Band) nsync.Change {
	return nsync.Change{Sample: s, Priority: int(band)}
}

func spawnMessage(c *character.Character, now float64) protocol.Spawn {
	return protocol.Spawn{
		Entity:   c.ID,
		NPC:      c.IsNPC(),
		Owner:    c.Control.Owner,
		Name:     c.Name,
		Position: c.Transform.Position,
		Rotation: c.Transform.Rotation,
		Velocity: c.Transform.Velocity,
		Height:   c.Shape.Height,
		Radius:   c.Shape.Radius,
		Time:     now,
	}
}

// ---- Уведомления реестра ----

func (n *Node) onRegistry(note character.Notification) {
	c := note.Character
	switch note.Kind {
	case character.Spawned:
		r := replication.NewReplicator(c, n.local, n.isAuthority, n.settings)
		n.replicators[c.ID] = r
		n.order = append(n.order, r)
		slices.SortFunc(n.order, func(a, b *replication.Replicator) int {
			return cmpEntity(a.Character().ID, b.Character().ID)
		})
		if n.isAuthority {
			msg := spawnMessage(c, n.now)
			n.SendControl(netid.Broadcast, protocol.KindSpawn, msg)
			n.publisher.publish(eventbus.TypeCharacterSpawned, 3, msg)
		}
		n.logger.Debug("✨ %s появился (владелец %s)", c.ID, c.Control.Owner)

	case character.Despawned:
		if r, ok := n.replicators[c.ID]; ok {
			delete(n.replicators, c.ID)
			n.order = slices.DeleteFunc(n.order, func(x *replication.Replicator) bool { return x == r })
		}
		delete(n.controllers, c.ID)
		n.gate.Forget(c.ID)
		if n.isAuthority {
			msg := protocol.Despawn{Entity: c.ID}
			n.SendControl(netid.Broadcast, protocol.KindDespawn, msg)
			n.publisher.publish(eventbus.TypeCharacterDespawned, 3, msg)
		}
		n.logger.Debug("💨 %s удалён", c.ID)

	case character.OwnershipChanged:
		if r, ok := n.replicators[c.ID]; ok {
			r.OwnershipChanged()
		}
		n.gate.OwnershipChanged(c)
		if n.isAuthority {
			msg := protocol.OwnershipUpdate{Entity: c.ID, Prev: note.PrevOwner, Owner: note.NewOwner}
			n.SendControl(netid.Broadcast, protocol.KindOwnershipUpdate, msg)
			n.publisher.publish(eventbus.TypeOwnershipChanged, 5, msg)
		}
		n.logger.Info("🔁 %s: владелец %s → %s", c.ID, note.PrevOwner, note.NewOwner)
	}
	n.syncHostPeer()
}

// syncHostPeer в режиме host считает авторитет участником сессии, пока у него
// есть свой игрок: без этого его готовность не учитывается в AllReady.
func (n *Node) syncHostPeer() {
	if !n.isAuthority {
		return
	}
	lp, ok := n.registry.LocalPlayer()
	playing := ok && lp.IsPlayer()
	if playing == n.hostPeer {
		return
	}
	n.hostPeer = playing
	if playing {
		n.session.PeerConnected(n.local)
		return
	}
	n.session.PeerDisconnected(n.local)
}

func cmpEntity(a, b netid.EntityID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ---- Операции авторитета ----

func (n *Node) allocateEntity() netid.EntityID {
	n.nextEntity++
	return n.nextEntity
}

func (n *Node) spawnPlayer(owner netid.ConnectionID, name string, pos vec.Vec3) (*character.Character, error) {
	if !pos.IsFinite() {
		return nil, fmt.Errorf("spawn %s: позиция вне мира: %w", owner, protocol.ErrMalformed)
	}
	if _, taken := n.registry.GetByConnection(owner); taken {
		return nil, fmt.Errorf("spawn %s: %w", owner, character.ErrConnectionTaken)
	}
	c := character.New(n.allocateEntity(), character.PlayerControl(owner), pos)
	c.Name = name
	if c.Name == "" {
		if id, ok := n.identity(owner); ok {
			c.Name = id
		}
	}
	c.UpdatedAt = n.now
	if err := n.registry.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// claim участник захватывает серверного персонажа. Из нескольких
// одновременных запросов выигрывает первый, остальные получают конфликт.
func (n *Node) claim(from netid.ConnectionID, m protocol.OwnershipRequest) error {
	c, ok := n.registry.Get(m.Entity)
	if !ok {
		return fmt.Errorf("claim %s: %w", m.Entity, character.ErrUnknownCharacter)
	}
	if !c.Control.ServerControlled() {
		return n.gate.Authorize(authority.OpOwnershipTransfer, n.requester(from), c)
	}
	if err := n.registry.TransferOwnership(m.Entity, m.Expected, from); err != nil {
		n.logger.Debug("захват %s от %s отклонён: %v", m.Entity, from, err)
	}
	return nil
}

func (n *Node) applyShape(req authority.Requester, m protocol.ShapeUpdate) error {
	r, ok := n.replicators[m.Entity]
	if !ok {
		return fmt.Errorf("shape %s: %w", m.Entity, character.ErrUnknownCharacter)
	}
	if err := n.gate.Authorize(authority.OpShape, req, r.Character()); err != nil {
		return err
	}
	if m.Height <= 0 || m.Radius <= 0 {
		return fmt.Errorf("shape %s: %.2fx%.2f: %w", m.Entity, m.Height, m.Radius, protocol.ErrMalformed)
	}
	r.ApplyShape(m.Height, m.Radius)
	n.SendControl(netid.Broadcast, protocol.KindShapeUpdate, m)
	return nil
}

// ---- Участник ----

func (n *Node) mirrorSpawn(m protocol.Spawn) error {
	if c, exists := n.registry.Get(m.Entity); exists {
		if c.Control.Owner == m.Owner {
			return nil
		}
		return n.registry.TransferOwnership(m.Entity, c.Control.Owner, m.Owner)
	}
	control := character.PlayerControl(m.Owner)
	if m.NPC {
		control = character.NPCControl()
		control.Owner = m.Owner
	}
	c := character.New(m.Entity, control, m.Position)
	c.Name = m.Name
	if m.Rotation != (vec.Quat{}) {
		c.Transform.Rotation = m.Rotation
	}
	c.Transform.Velocity = m.Velocity
	if m.Height > 0 && m.Radius > 0 {
		c.Shape.Height = m.Height
		c.Shape.Radius = m.Radius
		c.Shape.Center.Y = m.Height / 2
	}
	return n.registry.Register(c)
}

// ---- Тик ----

// observeOwned опрашивает контроллеры персонажей этого процесса и ставит
// готовые сэмплы в пакет
func (n *Node) observeOwned(dt float64) {
	for _, r := range n.order {
		if r.IsNetworkControlled() {
			continue
		}
		c := r.Character()
		t := c.Transform
		if ctrl, ok := n.controllers[c.ID]; ok {
			t = ctrl.Control(c, n.now, dt)
		}
		if s, send := r.Observe(n.now, t); send {
			n.batcher.AddChange(nsyncChange(s, r.Band()))
		}
	}
}

func (n *Node) advanceRemote(dt float64) {
	for _, r := range n.order {
		if r.IsNetworkControlled() {
			r.Advance(dt)
		}
	}
}

func (n *Node) flush() {
	to := netid.Broadcast
	if !n.isAuthority {
		if !n.connected {
			n.batcher.Flush(func([]byte) {})
			return
		}
		to = netid.Server
	}
	n.metrics.SamplesSent(n.batcher.Pending())
	_, err := n.batcher.Flush(func(frame []byte) {
		n.metrics.BatchSent(len(frame))
		if serr := n.transport.SendUnreliable(to, frame); serr != nil {
			n.logger.Trace("пакет трансформов → %s: %v", to, serr)
		}
	})
	if err != nil {
		n.logger.Warn("сборка пакета трансформов: %v", err)
	}
}

// ---- API тика (вызывать из команд) ----

// SpawnNPC создаёт персонажа под управлением авторитета
func (n *Node) SpawnNPC(name string, pos vec.Vec3) (*character.Character, error) {
	if err := n.gate.Authorize(authority.OpSpawn, n.requester(n.local), nil); err != nil {
		return nil, err
	}
	c := character.New(n.allocateEntity(), character.NPCControl(), pos)
	c.Name = name
	c.UpdatedAt = n.now
	if err := n.registry.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// SpawnLocalPlayer создаёт персонажа игрока самого авторитета (режим host)
func (n *Node) SpawnLocalPlayer(name string, pos vec.Vec3) (*character.Character, error) {
	if err := n.gate.Authorize(authority.OpSpawn, n.requester(n.local), nil); err != nil {
		return nil, err
	}
	return n.spawnPlayer(n.local, name, pos)
}

// Despawn удаляет персонажа (только авторитет)
func (n *Node) Despawn(id netid.EntityID) error {
	if err := n.gate.Authorize(authority.OpDespawn, n.requester(n.local), nil); err != nil {
		return err
	}
	n.registry.Unregister(id)
	return nil
}

// TransferOwnership меняет владельца персонажа (только авторитет)
func (n *Node) TransferOwnership(id netid.EntityID, expected, next netid.ConnectionID) error {
	c, _ := n.registry.Get(id)
	if err := n.gate.Authorize(authority.OpOwnershipTransfer, n.requester(n.local), c); err != nil {
		return err
	}
	return n.registry.TransferOwnership(id, expected, next)
}

// RequestOwnership участник просит авторитета передать ему серверного персонажа
func (n *Node) RequestOwnership(id netid.EntityID) error {
	c, ok := n.registry.Get(id)
	if !ok {
		return fmt.Errorf("claim %s: %w", id, character.ErrUnknownCharacter)
	}
	m := protocol.OwnershipRequest{Entity: id, Expected: c.Control.Owner}
	if n.isAuthority {
		return n.claim(n.local, m)
	}
	n.SendControl(netid.Server, protocol.KindOwnershipRequest, m)
	return nil
}

// SetShape меняет коллайдер своего персонажа. Участник применяет изменение
// локально и отправляет его авторитету.
func (n *Node) SetShape(id netid.EntityID, height, radius float64) error {
	m := protocol.ShapeUpdate{Entity: id, Height: height, Radius: radius}
	if n.isAuthority {
		return n.applyShape(n.requester(n.local), m)
	}
	r, ok := n.replicators[id]
	if !ok {
		return fmt.Errorf("shape %s: %w", id, character.ErrUnknownCharacter)
	}
	if err := n.gate.Authorize(authority.OpShape, n.requester(n.local), r.Character()); err != nil {
		return err
	}
	r.ApplyShape(height, radius)
	n.SendControl(netid.Server, protocol.KindShapeUpdate, m)
	return nil
}

// Emit создаёт событие мира от имени этого процесса
func (n *Node) Emit(category string, pos vec.Vec3, radius, intensity float64) error {
	_, err := n.events.Emit(category, pos, radius, intensity)
	return err
}

// RequestReady меняет готовность этого процесса
func (n *Node) RequestReady(ready bool) error {
	return n.session.RequestReady(ready)
}

// ExecuteSession выполняет команду сессии (только авторитет)
func (n *Node) ExecuteSession(command string, duration float64) error {
	if err := n.gate.Authorize(authority.OpSessionState, n.requester(n.local), nil); err != nil {
		return err
	}
	return n.session.Execute(command, duration)
}
