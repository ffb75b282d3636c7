package node

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/config"
	"github.com/annel0/charsync/internal/eventbus"
	"github.com/annel0/charsync/internal/metrics"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/network"
	"github.com/annel0/charsync/internal/protocol"
	"github.com/annel0/charsync/internal/vec"
)

const dt = 1.0 / 60.0

type cluster struct {
	t       *testing.T
	hub     *network.LoopbackHub
	server  *Node
	clients []*Node
}

func baseOptions(t *testing.T) Options {
	t.Helper()
	opts, err := OptionsFromConfig(config.Default())
	require.NoError(t, err)
	return opts
}

func newCluster(t *testing.T, clients int, tweak, clientTweak func(*Options)) *cluster {
	t.Helper()
	c := &cluster{t: t, hub: network.NewLoopbackHub()}

	opts := baseOptions(t)
	if tweak != nil {
		tweak(&opts)
	}
	c.server = New(c.hub.Server(), opts)
	require.NoError(t, c.server.Start(context.Background()))
	t.Cleanup(func() { c.server.Close() })

	for i := 0; i < clients; i++ {
		copts := baseOptions(t)
		copts.Name = "player"
		copts.AutoSpawn = true
		if clientTweak != nil {
			clientTweak(&copts)
		}
		n := New(c.hub.Client(), copts)
		require.NoError(t, n.Start(context.Background()))
		t.Cleanup(func() { n.Close() })
		c.clients = append(c.clients, n)
	}
	return c
}

// step тик всех узлов: клиенты, затем авторитет, затем снова клиенты
func (c *cluster) step(count int) {
	for i := 0; i < count; i++ {
		for _, n := range c.clients {
			n.Tick(dt)
		}
		c.server.Tick(dt)
	}
	for _, n := range c.clients {
		n.Tick(dt)
	}
}

// run выполняет команду в ближайшем тике узла
func run(t *testing.T, n *Node, cmd Command) {
	t.Helper()
	done := n.Submit(cmd)
	n.Tick(dt)
	require.NoError(t, <-done)
}

func TestNode_SpawnVisibleEverywhere(t *testing.T) {
	c := newCluster(t, 2, nil, nil)
	c.step(3)

	st := c.server.Status()
	assert.Equal(t, 2, st.Players, "авторитет должен видеть двух игроков")
	assert.Equal(t, 2, st.Peers)

	for _, n := range c.clients {
		cs := n.Status()
		assert.True(t, cs.Connected)
		assert.Equal(t, 2, cs.Players, "каждый клиент должен видеть обоих игроков")

		lp, ok := n.Registry().LocalPlayer()
		require.True(t, ok, "у клиента должен быть свой персонаж")
		r, ok := n.Replicator(lp.ID)
		require.True(t, ok)
		assert.False(t, r.IsNetworkControlled(), "свой персонаж управляется локально")
	}
}

func TestNode_LateJoinerReceivesExistingCharacters(t *testing.T) {
	c := newCluster(t, 0, nil, nil)
	run(t, c.server, func(n *Node) error {
		_, err := n.SpawnNPC("guard", vec.Vec3{X: 3})
		return err
	})

	copts := baseOptions(t)
	late := New(c.hub.Client(), copts)
	require.NoError(t, late.Start(context.Background()))
	defer late.Close()
	c.clients = append(c.clients, late)
	c.step(2)

	st := late.Status()
	require.Len(t, st.Characters, 1)
	assert.Equal(t, "guard", st.Characters[0].Name)
	assert.Equal(t, "npc", st.Characters[0].Kind)
	assert.True(t, st.Characters[0].NetworkControlled)
}

func TestNode_ReadyUpStartsCountdownThenPlaying(t *testing.T) {
	c := newCluster(t, 2, nil, nil)
	c.step(2)

	run(t, c.clients[0], func(n *Node) error { return n.RequestReady(true) })
	c.step(1)
	assert.Equal(t, "Lobby", c.server.Status().State, "готов только один из двух")

	run(t, c.clients[1], func(n *Node) error { return n.RequestReady(true) })
	c.step(1)
	assert.Equal(t, "Countdown", c.server.Status().State)
	assert.Equal(t, "Countdown", c.clients[0].Status().State, "участник получает снимок")

	c.step(200)
	assert.Equal(t, "Playing", c.server.Status().State)
	for _, n := range c.clients {
		assert.Equal(t, "Playing", n.Status().State)
	}
}

func TestNode_DisconnectWhileReadyKeepsState(t *testing.T) {
	c := newCluster(t, 2, nil, nil)
	c.step(2)
	run(t, c.clients[0], func(n *Node) error { return n.RequestReady(true) })
	c.step(1)
	require.Len(t, c.server.Status().Ready, 1)

	gone := c.clients[0]
	c.clients = c.clients[1:]
	require.NoError(t, gone.Close())
	c.step(1)

	st := c.server.Status()
	assert.Equal(t, "Lobby", st.State, "отключение не меняет состояние")
	assert.Empty(t, st.Ready)
	assert.Equal(t, 1, st.Peers)
	assert.Equal(t, 1, st.Players, "персонаж ушедшего удалён")
	assert.Equal(t, 1, c.clients[0].Status().Players)
}

func TestNode_DisconnectOrphansCharacter(t *testing.T) {
	c := newCluster(t, 1, func(o *Options) { o.DespawnOnDisconnect = false }, nil)
	c.step(2)

	gone := c.clients[0]
	lp, ok := gone.Registry().LocalPlayer()
	require.True(t, ok)
	id := lp.ID
	c.clients = nil
	require.NoError(t, gone.Close())
	c.step(1)

	cs, ok := c.server.Status().Character(id)
	require.True(t, ok, "персонаж остаётся в мире")
	assert.True(t, cs.ServerControlled)
	assert.False(t, cs.NetworkControlled, "теперь им управляет авторитет")
}

func TestNode_TransformRelay(t *testing.T) {
	c := newCluster(t, 2, nil, nil)
	c.step(3)

	mover := c.clients[0]
	var id netid.EntityID
	run(t, mover, func(n *Node) error {
		lp, ok := n.Registry().LocalPlayer()
		require.True(t, ok)
		id = lp.ID
		n.SetController(id, ControllerFunc(func(ch *character.Character, now, _ float64) character.Transform {
			tr := ch.Transform
			tr.Velocity = vec.Vec3{X: 2}
			tr.Position = tr.Position.Add(tr.Velocity.Mul(dt))
			return tr
		}))
		return nil
	})

	c.step(120)

	local, ok := mover.Status().Character(id)
	require.True(t, ok)
	assert.InDelta(t, 4.0, local.Position.X, 0.2, "владелец двигается по контроллеру")

	onServer, ok := c.server.Status().Character(id)
	require.True(t, ok)
	assert.True(t, onServer.NetworkControlled)
	assert.Greater(t, onServer.Position.X, 2.0, "авторитет видит движение")

	remote, ok := c.clients[1].Status().Character(id)
	require.True(t, ok)
	assert.True(t, remote.NetworkControlled)
	assert.Greater(t, remote.Position.X, 1.5, "второй клиент получает пересланные сэмплы")
	assert.LessOrEqual(t, remote.Position.X, local.Position.X+0.5)
}

func TestNode_EventFanOut(t *testing.T) {
	c := newCluster(t, 2, nil, nil)
	c.step(3)

	run(t, c.clients[0], func(n *Node) error {
		return n.Emit("noise", vec.Vec3{}, 5, 0.5)
	})
	c.step(1)

	assert.Equal(t, uint64(1), c.server.Status().Events.Accepted)
	for _, n := range c.clients {
		assert.Equal(t, uint64(1), n.Status().Events.Accepted, "событие доставлено каждому")
	}
}

func TestNode_OwnershipClaimSingleWinner(t *testing.T) {
	// Без своих персонажей: соединение владеет не более чем одним
	c := newCluster(t, 2, nil, func(o *Options) { o.AutoSpawn = false })
	var npc netid.EntityID
	run(t, c.server, func(n *Node) error {
		ch, err := n.SpawnNPC("horse", vec.Vec3{Z: 2})
		npc = ch.ID
		return err
	})
	c.step(2)

	for _, n := range c.clients {
		done := n.Submit(func(n *Node) error { return n.RequestOwnership(npc) })
		n.Tick(dt)
		require.NoError(t, <-done)
	}
	c.server.Tick(dt)
	c.step(1)

	st, ok := c.server.Status().Character(npc)
	require.True(t, ok)
	winner := st.Owner
	assert.Contains(t, []netid.ConnectionID{c.clients[0].LocalConnectionID(), c.clients[1].LocalConnectionID()}, winner)

	for _, n := range c.clients {
		cs, ok := n.Status().Character(npc)
		require.True(t, ok)
		assert.Equal(t, winner, cs.Owner, "все видят одного владельца")
		assert.Equal(t, n.LocalConnectionID() != winner, cs.NetworkControlled)
	}
}

// join подключает клиента к уже работающему кластеру
func (c *cluster) join(tweak func(*Options)) *Node {
	c.t.Helper()
	opts := baseOptions(c.t)
	if tweak != nil {
		tweak(&opts)
	}
	n := New(c.hub.Client(), opts)
	require.NoError(c.t, n.Start(context.Background()))
	c.t.Cleanup(func() { n.Close() })
	c.clients = append(c.clients, n)
	return n
}

func walkX(speed float64) Controller {
	return ControllerFunc(func(ch *character.Character, _, _ float64) character.Transform {
		tr := ch.Transform
		tr.Velocity = vec.Vec3{X: speed}
		tr.Position = tr.Position.Add(tr.Velocity.Mul(dt))
		return tr
	})
}

func TestNode_ObserverFollowsClaimedNPC(t *testing.T) {
	c := newCluster(t, 0, nil, nil)
	var npc netid.EntityID
	run(t, c.server, func(n *Node) error {
		ch, err := n.SpawnNPC("horse", vec.Vec3{Z: 2})
		npc = ch.ID
		return err
	})
	// Часы авторитета уходят далеко вперёд часов будущих клиентов
	c.step(600)

	owner := c.join(nil)
	observer := c.join(nil)
	c.step(3)
	_, ok := observer.Status().Character(npc)
	require.True(t, ok, "наблюдатель видит NPC")

	run(t, owner, func(n *Node) error { return n.RequestOwnership(npc) })
	c.step(2)
	st, ok := c.server.Status().Character(npc)
	require.True(t, ok)
	require.Equal(t, owner.LocalConnectionID(), st.Owner)

	run(t, owner, func(n *Node) error {
		n.SetController(npc, walkX(2))
		return nil
	})
	c.step(120)

	mine, ok := owner.Status().Character(npc)
	require.True(t, ok)
	assert.InDelta(t, 4.0, mine.Position.X, 0.2)

	seen, ok := observer.Status().Character(npc)
	require.True(t, ok)
	assert.True(t, seen.NetworkControlled)
	assert.Greater(t, seen.Position.X, 1.5, "наблюдатель видит движение после смены владельца")
	assert.Zero(t, observer.Status().Drops[metrics.DropStale], "сэмплы нового владельца не считаются устаревшими")
}

func TestNode_RejectsMalformedAndViolations(t *testing.T) {
	c := newCluster(t, 0, nil, nil)
	raw := c.hub.Client()
	require.NoError(t, raw.Start(context.Background(), network.Handlers{}))

	require.NoError(t, raw.SendReliable(netid.Server, []byte{0xFF, 1, 2}))
	require.NoError(t, raw.SendReliable(netid.Server, []byte{byte(protocol.KindReadyRequest), 0xc1}))
	cmd := protocol.MustEncode(protocol.KindSessionCommand, protocol.SessionCommand{Command: "start_now"})
	require.NoError(t, raw.SendReliable(netid.Server, cmd))
	c.server.Tick(dt)

	st := c.server.Status()
	assert.Equal(t, uint64(2), st.Drops[metrics.DropMalformed])
	assert.Equal(t, uint64(1), st.Drops[metrics.DropViolation])
	assert.Equal(t, "Lobby", st.State, "участник не может менять состояние")
	assert.Equal(t, uint64(1), c.server.Gate().Denied())
}

func TestNode_HostPlayerTakesPartInReadyUp(t *testing.T) {
	c := newCluster(t, 1, nil, nil)
	c.step(2)

	var host netid.EntityID
	run(t, c.server, func(n *Node) error {
		ch, err := n.SpawnLocalPlayer("host", vec.Vec3{X: -2})
		if err == nil {
			host = ch.ID
		}
		return err
	})
	c.step(1)
	st := c.server.Status()
	assert.Equal(t, 2, st.Peers, "игрок авторитета считается участником")

	run(t, c.server, func(n *Node) error { return n.RequestReady(true) })
	c.step(1)
	st = c.server.Status()
	assert.Equal(t, []netid.ConnectionID{c.server.LocalConnectionID()}, st.Ready)
	assert.Equal(t, "Lobby", st.State, "клиент ещё не готов")
	assert.Len(t, c.clients[0].Status().Ready, 1, "готовность host рассылается участникам")

	run(t, c.clients[0], func(n *Node) error { return n.RequestReady(true) })
	c.step(1)
	assert.Equal(t, "Countdown", c.server.Status().State)

	run(t, c.server, func(n *Node) error { return n.Despawn(host) })
	assert.Equal(t, 1, c.server.Status().Peers, "без своего игрока авторитет не участвует")
}

func TestNode_SecondSpawnRequestRejected(t *testing.T) {
	c := newCluster(t, 1, nil, nil)
	c.step(2)
	c.clients[0].SendControl(netid.Server, protocol.KindSpawnRequest, protocol.SpawnRequest{Name: "again"})
	c.step(1)
	assert.Equal(t, 1, c.server.Status().Players)
}

func TestNode_PublishesToBus(t *testing.T) {
	bus := eventbus.NewMemoryBus(64)
	defer bus.Close()

	got := make(chan *eventbus.Envelope, 16)
	_, err := bus.Subscribe(context.Background(), eventbus.Filter{Types: []string{eventbus.TypeCharacterSpawned}}, func(_ context.Context, ev *eventbus.Envelope) {
		got <- ev
	})
	require.NoError(t, err)

	c := newCluster(t, 1, func(o *Options) { o.Bus = bus }, nil)
	c.step(2)

	select {
	case ev := <-got:
		assert.Equal(t, c.server.Status().SessionID, ev.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("событие спавна не опубликовано")
	}
}

func TestNode_MetricsAndCommands(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newCluster(t, 1, func(o *Options) { o.Metrics = metrics.New("test", reg) }, nil)
	c.step(2)

	n, err := testutil.GatherAndCount(reg, "test_characters")
	require.NoError(t, err)
	assert.Positive(t, n)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for ctx.Err() == nil {
			c.server.Tick(dt)
			time.Sleep(time.Millisecond)
		}
	}()
	err = c.server.Do(ctx, func(n *Node) error {
		return n.ExecuteSession("start_now", 0)
	})
	cancel()
	<-finished
	require.NoError(t, err)
	assert.Equal(t, "Playing", c.server.Status().State)

	require.NoError(t, c.server.Close())
	assert.ErrorIs(t, <-c.server.Submit(func(*Node) error { return nil }), ErrStopped)
}
