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
	"github.com/annel0/charsync/internal/protocol"
)

// KCPClientOptions параметры клиентского KCP транспорта
type KCPClientOptions struct {
	ReliableAddr     string
	UnreliableAddr   string
	Hello            protocol.Hello
	HandshakeTimeout time.Duration
	SendQueue        int
}

// KCPClient участник: держит одно соединение с авторитетом
type KCPClient struct {
	opts     KCPClientOptions
	logger   *logging.Logger
	handlers Handlers

	sess    *kcp.UDPSession
	udp     *net.UDPConn
	welcome protocol.Welcome
	local   atomic.Uint32

	send   chan []byte
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
	wg     sync.WaitGroup

	udpMu  sync.Mutex
	udpBuf []byte
}

var _ Transport = (*KCPClient)(nil)

// NewKCPClient создаёт клиента; соединение устанавливает Start
func NewKCPClient(opts KCPClientOptions) *KCPClient {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.Hello.Version == 0 {
		opts.Hello.Version = protocol.ProtocolVersion
	}
	return &KCPClient{
		opts:   opts,
		logger: logging.GetNetworkLogger(),
		send:   make(chan []byte, opts.SendQueue),
		done:   make(chan struct{}),
	}
}

func (c *KCPClient) LocalConnectionID() netid.ConnectionID {
	return netid.ConnectionID(c.local.Load())
}

func (c *KCPClient) IsAuthority() bool { return false }

// Welcome ответ авторитета на рукопожатие
func (c *KCPClient) Welcome() protocol.Welcome { return c.welcome }

// Start подключается, выполняет рукопожатие и привязывает UDP адрес
func (c *KCPClient) Start(ctx context.Context, h Handlers) error {
	c.handlers = h

	sess, err := kcp.DialWithOptions(c.opts.ReliableAddr, nil, 10, 3)
	if err != nil {
		return fmt.Errorf("dial KCP %s: %w", c.opts.ReliableAddr, err)
	}
	tuneSession(sess)
	c.sess = sess

	hello := c.opts.Hello
	if err := writeFrame(sess, protocol.MustEncode(protocol.KindHello, &hello)); err != nil {
		sess.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	sess.SetReadDeadline(deadline)
	reader := bufio.NewReader(sess)
	frame, err := readFrame(reader, nil)
	if err != nil {
		sess.Close()
		return fmt.Errorf("await welcome: %w", errors.Join(ErrHandshake, err))
	}
	welcome, err := decodeWelcome(frame)
	if err != nil {
		sess.Close()
		return err
	}
	sess.SetReadDeadline(time.Time{})
	c.welcome = welcome
	c.local.Store(uint32(welcome.Conn))

	raddr, err := net.ResolveUDPAddr("udp", c.opts.UnreliableAddr)
	if err != nil {
		sess.Close()
		return fmt.Errorf("resolve %s: %w", c.opts.UnreliableAddr, err)
	}
	udp, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		sess.Close()
		return fmt.Errorf("dial UDP %s: %w", c.opts.UnreliableAddr, err)
	}
	c.udp = udp
	c.udpBuf = make([]byte, tokenSize, 1500)
	binary.BigEndian.PutUint64(c.udpBuf, welcome.BindToken)
	c.bind()

	c.wg.Add(3)
	go c.readLoop(reader)
	go c.writeLoop()
	go c.udpLoop()
	go c.keepalive(ctx)

	c.logger.Info("✅ подключён к %s как %s (сессия %s)", c.opts.ReliableAddr, welcome.Conn, welcome.SessionID)
	c.handlers.connected(netid.Server)
	return nil
}

func (c *KCPClient) SendReliable(to netid.ConnectionID, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if to != netid.Server && to != netid.Broadcast {
		return fmt.Errorf("kcp → %s: %w", to, ErrUnknownConnection)
	}
	frame := append([]byte(nil), data...)
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.shutdown(errors.New("очередь отправки переполнена"))
		return ErrClosed
	}
}

func (c *KCPClient) SendUnreliable(to netid.ConnectionID, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if to != netid.Server && to != netid.Broadcast {
		return fmt.Errorf("udp → %s: %w", to, ErrUnknownConnection)
	}
	c.udpMu.Lock()
	defer c.udpMu.Unlock()
	buf := append(c.udpBuf[:tokenSize], data...)
	_, err := c.udp.Write(buf)
	c.udpBuf = buf[:tokenSize]
	if err != nil {
		// best-effort: ошибка записи не разрывает сессию
		c.logger.Trace("udp write: %v", err)
	}
	return nil
}

// Close разрывает соединение без уведомления OnConnectionLost
func (c *KCPClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stop()
	c.wg.Wait()
	c.logger.Info("👋 KCP клиент остановлен")
	return nil
}

func (c *KCPClient) bind() {
	c.udpMu.Lock()
	defer c.udpMu.Unlock()
	_, _ = c.udp.Write(c.udpBuf[:tokenSize])
}

func (c *KCPClient) keepalive(ctx context.Context) {
	ticker := time.NewTicker(bindInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.bind()
		case <-ctx.Done():
			c.shutdown(ctx.Err())
			return
		case <-c.done:
			return
		}
	}
}

func (c *KCPClient) readLoop(r *bufio.Reader) {
	defer c.wg.Done()
	var buf []byte
	var err error
	for {
		buf, err = readFrame(r, buf)
		if err != nil {
			c.shutdown(err)
			return
		}
		c.handlers.receive(netid.Server, Reliable, buf)
	}
}

func (c *KCPClient) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case frame := <-c.send:
			if err := writeFrame(c.sess, frame); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *KCPClient) udpLoop() {
	defer c.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, err := c.udp.Read(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			continue
		}
		if n > 0 {
			c.handlers.receive(netid.Server, Unreliable, buf[:n])
		}
	}
}

// shutdown разрыв по ошибке: уведомляет OnConnectionLost один раз
func (c *KCPClient) shutdown(err error) {
	if c.closed.CompareAndSwap(false, true) {
		c.stop()
		c.logger.Warn("❌ соединение с авторитетом потеряно: %v", err)
		c.handlers.lost(netid.Server, err)
	}
}

func (c *KCPClient) stop() {
	c.once.Do(func() {
		close(c.done)
		if c.sess != nil {
			c.sess.Close()
		}
		if c.udp != nil {
			c.udp.Close()
		}
	})
}
