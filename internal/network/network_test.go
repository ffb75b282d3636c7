package network

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/charsync/internal/auth"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/protocol"
)

func TestFraming_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("первый")))
	require.NoError(t, writeFrame(&buf, []byte{1, 2, 3}))

	first, err := readFrame(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, "первый", string(first))

	second, err := readFrame(&buf, first)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, second)
}

func TestFraming_RejectsOversizedLength(t *testing.T) {
	data := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, err := readFrame(bytes.NewReader(data), nil)
	assert.ErrorIs(t, err, protocol.ErrMalformed, "длина больше предела - ошибка формата")

	_, err = readFrame(bytes.NewReader([]byte{0, 0, 0, 0}), nil)
	assert.ErrorIs(t, err, protocol.ErrMalformed, "пустой кадр недопустим")
}

func TestDecodeHello_WrongKind(t *testing.T) {
	frame := protocol.MustEncode(protocol.KindWelcome, &protocol.Welcome{Conn: 2})
	_, err := decodeHello(frame)
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestInbox_DrainPreservesOrder(t *testing.T) {
	in := NewInbox(16)
	h := in.Handlers()

	h.OnConnected(2)
	payload := []byte{9}
	h.OnReceive(2, Reliable, payload)
	payload[0] = 7 // очередь хранит копию
	h.OnConnectionLost(2, ErrClosed)
	assert.Equal(t, 3, in.Len())

	var kinds []ItemKind
	n := in.Drain(func(it Item) {
		kinds = append(kinds, it.Kind)
		if it.Kind == ItemMessage {
			assert.Equal(t, []byte{9}, it.Data)
		}
	})
	assert.Equal(t, 3, n)
	assert.Equal(t, []ItemKind{ItemConnected, ItemMessage, ItemConnectionLost}, kinds)
	assert.Zero(t, in.Len(), "после Drain очередь пуста")
	assert.Zero(t, in.Drain(func(Item) {}))
}

func TestInbox_DropsOnlyUnreliableWhenFull(t *testing.T) {
	in := NewInbox(2)
	in.PushMessage(2, Unreliable, []byte{1})
	in.PushMessage(2, Unreliable, []byte{2})
	in.PushMessage(2, Unreliable, []byte{3})
	in.PushMessage(2, Reliable, []byte{4})

	assert.Equal(t, uint64(1), in.Dropped())
	assert.Equal(t, 3, in.Len(), "надёжный кадр принят сверх ёмкости")
}

func TestInbox_ConcurrentProducers(t *testing.T) {
	in := NewInbox(100000)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(conn netid.ConnectionID) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				in.PushMessage(conn, Reliable, []byte{byte(i)})
			}
		}(netid.ConnectionID(p + 2))
	}

	total := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		total += in.Drain(func(Item) {})
		select {
		case <-done:
			total += in.Drain(func(Item) {})
			assert.Equal(t, 8*500, total)
			return
		default:
		}
	}
}

type recorder struct {
	mu        sync.Mutex
	connected []netid.ConnectionID
	lost      []netid.ConnectionID
	frames    map[netid.ConnectionID][]string
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[netid.ConnectionID][]string)}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnReceive: func(from netid.ConnectionID, ch Channel, data []byte) {
			r.mu.Lock()
			r.frames[from] = append(r.frames[from], ch.String()+":"+string(data))
			r.mu.Unlock()
		},
		OnConnected: func(conn netid.ConnectionID) {
			r.mu.Lock()
			r.connected = append(r.connected, conn)
			r.mu.Unlock()
		},
		OnConnectionLost: func(conn netid.ConnectionID, _ error) {
			r.mu.Lock()
			r.lost = append(r.lost, conn)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) got(from netid.ConnectionID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames[from]...)
}

func (r *recorder) lostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lost)
}

func TestLoopback_StarRouting(t *testing.T) {
	hub := NewLoopbackHub()
	srvRec, aRec, bRec := newRecorder(), newRecorder(), newRecorder()

	srv := hub.Server()
	require.NoError(t, srv.Start(context.Background(), srvRec.handlers()))
	a, b := hub.Client(), hub.Client()
	require.NoError(t, a.Start(context.Background(), aRec.handlers()))
	require.NoError(t, b.Start(context.Background(), bRec.handlers()))

	assert.Equal(t, netid.FirstClient, a.LocalConnectionID())
	assert.True(t, srv.IsAuthority())
	assert.False(t, a.IsAuthority())
	assert.Equal(t, []netid.ConnectionID{a.LocalConnectionID(), b.LocalConnectionID()}, srvRec.connected)
	assert.Equal(t, []netid.ConnectionID{netid.Server}, aRec.connected)

	require.NoError(t, srv.SendReliable(netid.Broadcast, []byte("всем")))
	assert.Equal(t, []string{"reliable:всем"}, aRec.got(netid.Server))
	assert.Equal(t, []string{"reliable:всем"}, bRec.got(netid.Server))

	require.NoError(t, a.SendUnreliable(netid.Server, []byte("x")))
	assert.Equal(t, []string{"unreliable:x"}, srvRec.got(a.LocalConnectionID()))

	err := a.SendReliable(b.LocalConnectionID(), []byte("напрямую"))
	assert.ErrorIs(t, err, ErrUnknownConnection, "клиенты не общаются напрямую")

	require.NoError(t, b.Close())
	assert.Equal(t, []netid.ConnectionID{b.LocalConnectionID()}, srvRec.lost)
	assert.ErrorIs(t, b.SendReliable(netid.Server, nil), ErrClosed)
}

func TestLoopback_HoldAndReorderUnreliable(t *testing.T) {
	hub := NewLoopbackHub()
	srvRec, cRec := newRecorder(), newRecorder()
	srv := hub.Server()
	require.NoError(t, srv.Start(context.Background(), srvRec.handlers()))
	c := hub.Client()
	require.NoError(t, c.Start(context.Background(), cRec.handlers()))

	hub.HoldUnreliable(true)
	require.NoError(t, srv.SendUnreliable(c.LocalConnectionID(), []byte("1")))
	require.NoError(t, srv.SendUnreliable(c.LocalConnectionID(), []byte("2")))
	require.NoError(t, srv.SendReliable(c.LocalConnectionID(), []byte("r")))
	assert.Equal(t, []string{"reliable:r"}, cRec.got(netid.Server), "надёжный канал не задерживается")

	hub.HoldUnreliable(false)
	assert.Equal(t, 2, hub.ReleaseHeld(true))
	assert.Equal(t, []string{"reliable:r", "unreliable:2", "unreliable:1"}, cRec.got(netid.Server))

	hub.SetLoss(func(_, _ netid.ConnectionID, _ []byte) bool { return true })
	require.NoError(t, srv.SendUnreliable(c.LocalConnectionID(), []byte("lost")))
	assert.Len(t, cRec.got(netid.Server), 3, "потерянный кадр не доставлен")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocket_HandshakeAndChannels(t *testing.T) {
	srvRec := newRecorder()
	srv := NewWSServer(WSServerOptions{SessionID: "s-1"})
	require.NoError(t, srv.Start(context.Background(), srvRec.handlers()))
	defer srv.Close()

	ts := httptest.NewServer(srv)
	defer ts.Close()

	cliRec := newRecorder()
	cli := NewWSClient(WSClientOptions{
		URL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		Hello: protocol.Hello{Name: "alice"},
	})
	require.NoError(t, cli.Start(context.Background(), cliRec.handlers()))
	defer cli.Close()

	conn := cli.LocalConnectionID()
	assert.Equal(t, netid.FirstClient, conn)
	assert.Equal(t, "s-1", cli.Welcome().SessionID)
	id, ok := srv.Identity(conn)
	require.True(t, ok)
	assert.Equal(t, "alice", id.PlayerName)

	require.NoError(t, cli.SendReliable(netid.Server, []byte("ping")))
	waitFor(t, func() bool { return len(srvRec.got(conn)) == 1 })
	assert.Equal(t, []string{"reliable:ping"}, srvRec.got(conn))

	require.NoError(t, srv.SendUnreliable(netid.Broadcast, []byte("pong")))
	waitFor(t, func() bool { return len(cliRec.got(netid.Server)) == 1 })
	assert.Equal(t, []string{"unreliable:pong"}, cliRec.got(netid.Server))

	require.NoError(t, cli.Close())
	waitFor(t, func() bool { return srvRec.lostCount() == 1 })
	_, ok = srv.Identity(conn)
	assert.False(t, ok, "личность удалена после отключения")
}

func TestWebSocket_RejectedHello(t *testing.T) {
	srv := NewWSServer(WSServerOptions{
		Accept: func(protocol.Hello) (auth.Identity, error) { return auth.Identity{}, auth.ErrInvalidToken },
	})
	require.NoError(t, srv.Start(context.Background(), Handlers{}))
	defer srv.Close()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	cli := NewWSClient(WSClientOptions{
		URL:              "ws" + strings.TrimPrefix(ts.URL, "http"),
		HandshakeTimeout: time.Second,
	})
	err := cli.Start(context.Background(), Handlers{})
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestKCP_HandshakeAndBothChannels(t *testing.T) {
	srvRec := newRecorder()
	srv := NewKCPServer(KCPServerOptions{
		ReliableAddr:   "127.0.0.1:0",
		UnreliableAddr: "127.0.0.1:0",
		SessionID:      "kcp-1",
	})
	require.NoError(t, srv.Start(context.Background(), srvRec.handlers()))
	defer srv.Close()
	reliable, unreliable := srv.Addrs()

	cliRec := newRecorder()
	cli := NewKCPClient(KCPClientOptions{
		ReliableAddr:   reliable,
		UnreliableAddr: unreliable,
		Hello:          protocol.Hello{Name: "bob"},
	})
	require.NoError(t, cli.Start(context.Background(), cliRec.handlers()))
	defer cli.Close()

	conn := cli.LocalConnectionID()
	assert.Equal(t, netid.FirstClient, conn)
	assert.NotZero(t, cli.Welcome().BindToken)
	waitFor(t, func() bool {
		srvRec.mu.Lock()
		defer srvRec.mu.Unlock()
		return len(srvRec.connected) == 1
	})

	require.NoError(t, cli.SendReliable(netid.Server, []byte("hello")))
	waitFor(t, func() bool { return len(srvRec.got(conn)) >= 1 })
	assert.Equal(t, "reliable:hello", srvRec.got(conn)[0])

	// UDP адрес привязывается bind-датаграммой клиента
	waitFor(t, func() bool {
		require.NoError(t, srv.SendUnreliable(conn, []byte("u")))
		return len(cliRec.got(netid.Server)) > 0
	})
	assert.Equal(t, "unreliable:u", cliRec.got(netid.Server)[0])
}
