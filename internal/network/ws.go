package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/annel0/charsync/internal/logging"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/protocol"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsPeer одна сторона WebSocket соединения. Каждое сообщение
// [channel byte][кадр]; best-effort кадры идут тем же сокетом, но
// отбрасываются при заполненной очереди.
type wsPeer struct {
	id   netid.ConnectionID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSPeer(conn *websocket.Conn, queue int) *wsPeer {
	return &wsPeer{
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// enqueue false означает переполнение очереди
func (p *wsPeer) enqueue(ch Channel, data []byte) bool {
	msg := make([]byte, 1+len(data))
	msg[0] = byte(ch)
	copy(msg[1:], data)
	select {
	case p.send <- msg:
		return true
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *wsPeer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		p.close()
	}()
	for {
		select {
		case msg := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (p *wsPeer) readPump(from netid.ConnectionID, h *Handlers) error {
	p.conn.SetReadLimit(maxFrameSize + 1)
	p.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		kind, msg, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.BinaryMessage || len(msg) < 2 {
			continue
		}
		ch := Channel(msg[0])
		if ch != Reliable && ch != Unreliable {
			continue
		}
		h.receive(from, ch, msg[1:])
	}
}

// readHandshake первое сообщение соединения
func readHandshake(conn *websocket.Conn, timeout time.Duration) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	kind, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage || len(msg) < 2 || Channel(msg[0]) != Reliable {
		return nil, fmt.Errorf("неверное первое сообщение: %w", ErrHandshake)
	}
	return msg[1:], nil
}

func writeHandshake(conn *websocket.Conn, frame []byte) error {
	msg := make([]byte, 1+len(frame))
	msg[0] = byte(Reliable)
	copy(msg[1:], frame)
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.BinaryMessage, msg)
}

// WSServerOptions параметры WebSocket сервера
type WSServerOptions struct {
	// Addr если задан, Start поднимает собственный http.Server;
	// иначе сервер монтируется как http.Handler
	Addr             string
	Path             string
	SessionID        string
	Accept           AcceptFunc
	HandshakeTimeout time.Duration
	SendQueue        int
}

// WSServer авторитетная сторона поверх gorilla/websocket
type WSServer struct {
	*peerDirectory

	opts     WSServerOptions
	logger   *logging.Logger
	handlers Handlers
	started  atomic.Bool
	closed   atomic.Bool

	httpServer *http.Server
	listener   net.Listener

	mu    sync.RWMutex
	peers map[netid.ConnectionID]*wsPeer
	wg    sync.WaitGroup
}

var (
	_ Transport      = (*WSServer)(nil)
	_ IdentitySource = (*WSServer)(nil)
	_ http.Handler   = (*WSServer)(nil)
)

// NewWSServer создаёт сервер
func NewWSServer(opts WSServerOptions) *WSServer {
	if opts.Accept == nil {
		opts.Accept = acceptAll
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	return &WSServer{
		peerDirectory: newPeerDirectory(opts.SessionID),
		opts:          opts,
		logger:        logging.GetNetworkLogger(),
		peers:         make(map[netid.ConnectionID]*wsPeer),
	}
}

func (s *WSServer) LocalConnectionID() netid.ConnectionID { return netid.Server }
func (s *WSServer) IsAuthority() bool                     { return true }

// Start запоминает обработчики и, если задан Addr, начинает слушать
func (s *WSServer) Start(ctx context.Context, h Handlers) error {
	s.handlers = h
	s.started.Store(true)
	if s.opts.Addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	mux := http.NewServeMux()
	mux.Handle(s.opts.Path, s)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket сервер: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	s.logger.Info("🚀 WebSocket сервер слушает ws://%s%s", ln.Addr(), s.opts.Path)
	return nil
}

// Addr фактический адрес слушателя
func (s *WSServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ServeHTTP апгрейд соединения и рукопожатие
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.started.Load() || s.closed.Load() {
		http.Error(w, "transport not started", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade %s: %v", r.RemoteAddr, err)
		return
	}

	frame, err := readHandshake(conn, s.opts.HandshakeTimeout)
	if err != nil {
		s.logger.Debug("рукопожатие %s: %v", r.RemoteAddr, err)
		conn.Close()
		return
	}
	hello, err := decodeHello(frame)
	if err != nil {
		s.logger.LogProtocolError(r.RemoteAddr, err, frame)
		conn.Close()
		return
	}
	identity, err := s.opts.Accept(hello)
	if err != nil {
		s.logger.Warn("⛔ %s отклонён: %v", r.RemoteAddr, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}

	id := s.allocate(identity)
	if err := writeHandshake(conn, s.welcome(id, 0)); err != nil {
		s.release(id)
		conn.Close()
		return
	}

	p := newWSPeer(conn, s.opts.SendQueue)
	p.id = id
	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()

	s.logger.Info("✅ %s подключён как %s (%s)", r.RemoteAddr, id, identity.PlayerName)
	s.handlers.connected(id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.writePump()
	}()
	err = p.readPump(id, &s.handlers)
	s.drop(p, err)
}

func (s *WSServer) SendReliable(to netid.ConnectionID, data []byte) error {
	return s.send(to, Reliable, data)
}

func (s *WSServer) SendUnreliable(to netid.ConnectionID, data []byte) error {
	return s.send(to, Unreliable, data)
}

func (s *WSServer) send(to netid.ConnectionID, ch Channel, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var targets []*wsPeer
	s.mu.RLock()
	if to == netid.Broadcast {
		targets = make([]*wsPeer, 0, len(s.peers))
		for _, p := range s.peers {
			targets = append(targets, p)
		}
	} else if p, ok := s.peers[to]; ok {
		targets = []*wsPeer{p}
	}
	s.mu.RUnlock()

	if len(targets) == 0 && to != netid.Broadcast {
		return fmt.Errorf("ws → %s: %w", to, ErrUnknownConnection)
	}
	for _, p := range targets {
		if p.enqueue(ch, data) || ch == Unreliable {
			continue
		}
		s.logger.Warn("очередь %s переполнена, соединение разорвано", p.id)
		p.close()
	}
	return nil
}

// Close закрывает все соединения и собственный http.Server
func (s *WSServer) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.httpServer.Shutdown(ctx)
	}
	s.mu.RLock()
	for _, p := range s.peers {
		p.close()
	}
	s.mu.RUnlock()
	s.wg.Wait()
	s.logger.Info("👋 WebSocket сервер остановлен")
	return err
}

func (s *WSServer) drop(p *wsPeer, err error) {
	p.close()
	s.mu.Lock()
	_, present := s.peers[p.id]
	delete(s.peers, p.id)
	s.mu.Unlock()
	s.release(p.id)

	if present && !s.closed.Load() {
		s.logger.Info("👋 %s отключён: %v", p.id, err)
		s.handlers.lost(p.id, err)
	}
}

// WSClientOptions параметры WebSocket клиента
type WSClientOptions struct {
	URL              string
	Hello            protocol.Hello
	HandshakeTimeout time.Duration
	SendQueue        int
}

// WSClient участник поверх WebSocket
type WSClient struct {
	opts     WSClientOptions
	logger   *logging.Logger
	handlers Handlers
	peer     *wsPeer
	welcome  protocol.Welcome
	local    atomic.Uint32
	closed   atomic.Bool
	wg       sync.WaitGroup
}

var _ Transport = (*WSClient)(nil)

// NewWSClient создаёт клиента
func NewWSClient(opts WSClientOptions) *WSClient {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.Hello.Version == 0 {
		opts.Hello.Version = protocol.ProtocolVersion
	}
	return &WSClient{opts: opts, logger: logging.GetNetworkLogger()}
}

func (c *WSClient) LocalConnectionID() netid.ConnectionID {
	return netid.ConnectionID(c.local.Load())
}

func (c *WSClient) IsAuthority() bool { return false }

// Welcome ответ авторитета
func (c *WSClient) Welcome() protocol.Welcome { return c.welcome }

// Start подключается и выполняет рукопожатие
func (c *WSClient) Start(ctx context.Context, h Handlers) error {
	c.handlers = h
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	hello := c.opts.Hello
	if err := writeHandshake(conn, protocol.MustEncode(protocol.KindHello, &hello)); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}
	frame, err := readHandshake(conn, c.opts.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return fmt.Errorf("await welcome: %w", errors.Join(ErrHandshake, err))
	}
	welcome, err := decodeWelcome(frame)
	if err != nil {
		conn.Close()
		return err
	}
	c.welcome = welcome
	c.local.Store(uint32(welcome.Conn))

	c.peer = newWSPeer(conn, c.opts.SendQueue)
	c.peer.id = netid.Server

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.peer.writePump()
	}()
	go func() {
		defer c.wg.Done()
		err := c.peer.readPump(netid.Server, &c.handlers)
		c.peer.close()
		if c.closed.CompareAndSwap(false, true) {
			c.logger.Warn("❌ соединение с авторитетом потеряно: %v", err)
			c.handlers.lost(netid.Server, err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.peer.done:
		}
	}()

	c.logger.Info("✅ подключён к %s как %s (сессия %s)", c.opts.URL, welcome.Conn, welcome.SessionID)
	c.handlers.connected(netid.Server)
	return nil
}

func (c *WSClient) SendReliable(to netid.ConnectionID, data []byte) error {
	return c.send(to, Reliable, data)
}

func (c *WSClient) SendUnreliable(to netid.ConnectionID, data []byte) error {
	return c.send(to, Unreliable, data)
}

func (c *WSClient) send(to netid.ConnectionID, ch Channel, data []byte) error {
	if c.closed.Load() || c.peer == nil {
		return ErrClosed
	}
	if to != netid.Server && to != netid.Broadcast {
		return fmt.Errorf("ws → %s: %w", to, ErrUnknownConnection)
	}
	if !c.peer.enqueue(ch, data) && ch == Reliable {
		c.peer.close()
		return ErrClosed
	}
	return nil
}

// Close закрывает соединение без уведомления OnConnectionLost
func (c *WSClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.peer != nil {
		c.peer.close()
	}
	c.wg.Wait()
	c.logger.Info("👋 WebSocket клиент остановлен")
	return nil
}
