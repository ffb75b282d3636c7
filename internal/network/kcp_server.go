package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtaci/kcp-go/v5"

	"github.com/annel0/charsync/internal/logging"
	"github.com/annel0/charsync/internal/netid"
)

// KCPServerOptions параметры серверного KCP транспорта
type KCPServerOptions struct {
	ReliableAddr     string
	UnreliableAddr   string
	SessionID        string
	Accept           AcceptFunc
	HandshakeTimeout time.Duration
	SendQueue        int
}

// KCPServer авторитетная сторона: KCP поток для надёжного канала и
// голый UDP для best-effort. UDP адрес клиента привязывается токеном из Welcome.
type KCPServer struct {
	*peerDirectory

	opts     KCPServerOptions
	logger   *logging.Logger
	handlers Handlers

	listener *kcp.Listener
	udp      *net.UDPConn

	mu      sync.RWMutex
	peers   map[netid.ConnectionID]*kcpPeer
	byToken map[uint64]*kcpPeer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

type kcpPeer struct {
	id      netid.ConnectionID
	sess    *kcp.UDPSession
	token   uint64
	udpAddr atomic.Pointer[net.UDPAddr]
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

var (
	_ Transport      = (*KCPServer)(nil)
	_ IdentitySource = (*KCPServer)(nil)
)

// NewKCPServer создаёт сервер; слушать начинает Start
func NewKCPServer(opts KCPServerOptions) *KCPServer {
	if opts.Accept == nil {
		opts.Accept = acceptAll
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	return &KCPServer{
		peerDirectory: newPeerDirectory(opts.SessionID),
		opts:          opts,
		logger:        logging.GetNetworkLogger(),
		peers:         make(map[netid.ConnectionID]*kcpPeer),
		byToken:       make(map[uint64]*kcpPeer),
	}
}

func (s *KCPServer) LocalConnectionID() netid.ConnectionID { return netid.Server }
func (s *KCPServer) IsAuthority() bool                     { return true }

// Start открывает KCP и UDP сокеты
func (s *KCPServer) Start(ctx context.Context, h Handlers) error {
	s.handlers = h
	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := kcp.ListenWithOptions(s.opts.ReliableAddr, nil, 10, 3)
	if err != nil {
		return fmt.Errorf("failed to listen KCP on %s: %w", s.opts.ReliableAddr, err)
	}
	s.listener = listener

	udpAddr, err := net.ResolveUDPAddr("udp", s.opts.UnreliableAddr)
	if err != nil {
		listener.Close()
		return fmt.Errorf("resolve %s: %w", s.opts.UnreliableAddr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to listen UDP on %s: %w", s.opts.UnreliableAddr, err)
	}
	s.udp = udp

	s.wg.Add(2)
	go s.acceptLoop()
	go s.udpLoop()

	s.logger.Info("🚀 KCP сервер слушает %s (надёжный), %s (best-effort)", listener.Addr(), udp.LocalAddr())
	return nil
}

// Addrs фактические адреса сокетов (полезно при порте 0)
func (s *KCPServer) Addrs() (reliable, unreliable string) {
	if s.listener != nil {
		reliable = s.listener.Addr().String()
	}
	if s.udp != nil {
		unreliable = s.udp.LocalAddr().String()
	}
	return reliable, unreliable
}

func (s *KCPServer) SendReliable(to netid.ConnectionID, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	frame := append([]byte(nil), data...)
	if to == netid.Broadcast {
		for _, p := range s.snapshot() {
			s.enqueue(p, frame)
		}
		return nil
	}
	p := s.peer(to)
	if p == nil {
		return fmt.Errorf("kcp → %s: %w", to, ErrUnknownConnection)
	}
	s.enqueue(p, frame)
	return nil
}

func (s *KCPServer) SendUnreliable(to netid.ConnectionID, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if to == netid.Broadcast {
		for _, p := range s.snapshot() {
			s.writeUDP(p, data)
		}
		return nil
	}
	p := s.peer(to)
	if p == nil {
		return fmt.Errorf("udp → %s: %w", to, ErrUnknownConnection)
	}
	s.writeUDP(p, data)
	return nil
}

// Close закрывает сокеты и все соединения
func (s *KCPServer) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	var errs []error
	if s.listener != nil {
		errs = append(errs, s.listener.Close())
	}
	if s.udp != nil {
		errs = append(errs, s.udp.Close())
	}
	for _, p := range s.snapshot() {
		p.close()
	}
	s.wg.Wait()
	s.logger.Info("👋 KCP сервер остановлен")
	return errors.Join(errs...)
}

func (s *KCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		sess, err := s.listener.AcceptKCP()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Warn("accept KCP: %v", err)
			continue
		}
		tuneSession(sess)
		s.wg.Add(1)
		go s.handshake(sess)
	}
}

func (s *KCPServer) handshake(sess *kcp.UDPSession) {
	defer s.wg.Done()

	sess.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	reader := bufio.NewReader(sess)
	frame, err := readFrame(reader, nil)
	if err != nil {
		s.logger.Debug("рукопожатие %s: %v", sess.RemoteAddr(), err)
		sess.Close()
		return
	}
	hello, err := decodeHello(frame)
	if err != nil {
		s.logger.LogProtocolError(sess.RemoteAddr().String(), err, frame)
		sess.Close()
		return
	}
	identity, err := s.opts.Accept(hello)
	if err != nil {
		s.logger.Warn("⛔ %s отклонён: %v", sess.RemoteAddr(), err)
		sess.Close()
		return
	}
	token, err := newBindToken()
	if err != nil {
		sess.Close()
		return
	}

	id := s.allocate(identity)
	p := &kcpPeer{
		id:    id,
		sess:  sess,
		token: token,
		send:  make(chan []byte, s.opts.SendQueue),
		done:  make(chan struct{}),
	}
	if err := writeFrame(sess, s.welcome(id, token)); err != nil {
		s.release(id)
		sess.Close()
		return
	}
	sess.SetReadDeadline(time.Time{})

	s.mu.Lock()
	s.peers[id] = p
	s.byToken[token] = p
	s.mu.Unlock()

	s.logger.Info("✅ %s подключён как %s (%s)", sess.RemoteAddr(), id, identity.PlayerName)
	s.handlers.connected(id)

	s.wg.Add(1)
	go s.writeLoop(p)
	s.readLoop(p, reader)
}

func (s *KCPServer) readLoop(p *kcpPeer, r *bufio.Reader) {
	var buf []byte
	var err error
	for {
		buf, err = readFrame(r, buf)
		if err != nil {
			break
		}
		s.handlers.receive(p.id, Reliable, buf)
	}
	s.drop(p, err)
}

func (s *KCPServer) writeLoop(p *kcpPeer) {
	defer s.wg.Done()
	for {
		select {
		case frame := <-p.send:
			if err := writeFrame(p.sess, frame); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (s *KCPServer) udpLoop() {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			continue
		}
		if n < tokenSize {
			continue
		}
		token := binary.BigEndian.Uint64(buf[:tokenSize])
		s.mu.RLock()
		p := s.byToken[token]
		s.mu.RUnlock()
		if p == nil {
			continue
		}
		p.udpAddr.Store(addr)
		if n > tokenSize {
			s.handlers.receive(p.id, Unreliable, buf[tokenSize:n])
		}
	}
}

// enqueue ставит надёжный кадр в очередь соединения. Переполнение очереди
// означает, что клиент не успевает читать: соединение разрывается, потому что
// надёжный кадр нельзя потерять.
func (s *KCPServer) enqueue(p *kcpPeer, frame []byte) {
	select {
	case p.send <- frame:
	case <-p.done:
	default:
		s.logger.Warn("очередь %s переполнена, соединение разорвано", p.id)
		p.close()
	}
}

func (s *KCPServer) writeUDP(p *kcpPeer, data []byte) {
	addr := p.udpAddr.Load()
	if addr == nil {
		return
	}
	_, _ = s.udp.WriteToUDP(data, addr)
}

func (s *KCPServer) drop(p *kcpPeer, err error) {
	p.close()
	s.mu.Lock()
	_, present := s.peers[p.id]
	delete(s.peers, p.id)
	delete(s.byToken, p.token)
	s.mu.Unlock()
	s.release(p.id)

	if present && !s.closed.Load() {
		s.logger.Info("👋 %s отключён: %v", p.id, err)
		s.handlers.lost(p.id, err)
	}
}

func (s *KCPServer) peer(id netid.ConnectionID) *kcpPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

func (s *KCPServer) snapshot() []*kcpPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*kcpPeer, 0, len(s.peers))
	for _, p := range s.peers {
		list = append(list, p)
	}
	return list
}

func (p *kcpPeer) close() {
	p.once.Do(func() {
		close(p.done)
		p.sess.Close()
	})
}

// tuneSession настройки KCP для игрового трафика
func tuneSession(sess *kcp.UDPSession) {
	sess.SetStreamMode(true)
	sess.SetWriteDelay(false)
	sess.SetNoDelay(1, 20, 2, 1)
	sess.SetWindowSize(512, 512)
	sess.SetMtu(1400)
}
