package network

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/charsync/internal/auth"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/protocol"
)

// AcceptFunc проверяет Hello клиента
type AcceptFunc func(hello protocol.Hello) (auth.Identity, error)

// IdentitySource транспорт, знающий, кто стоит за соединением
type IdentitySource interface {
	Identity(conn netid.ConnectionID) (auth.Identity, bool)
}

// peerDirectory общая часть серверных транспортов: выдача ConnectionID и
// учёт личностей подключённых клиентов
type peerDirectory struct {
	nextConn   atomic.Uint32
	mu         sync.RWMutex
	identities map[netid.ConnectionID]auth.Identity
	sessionID  string
	started    time.Time
}

func newPeerDirectory(sessionID string) *peerDirectory {
	d := &peerDirectory{
		identities: make(map[netid.ConnectionID]auth.Identity),
		sessionID:  sessionID,
		started:    time.Now(),
	}
	d.nextConn.Store(uint32(netid.FirstClient) - 1)
	return d
}

func (d *peerDirectory) allocate(id auth.Identity) netid.ConnectionID {
	conn := netid.ConnectionID(d.nextConn.Add(1))
	d.mu.Lock()
	d.identities[conn] = id
	d.mu.Unlock()
	return conn
}

func (d *peerDirectory) release(conn netid.ConnectionID) {
	d.mu.Lock()
	delete(d.identities, conn)
	d.mu.Unlock()
}

// Identity личность подключённого клиента
func (d *peerDirectory) Identity(conn netid.ConnectionID) (auth.Identity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.identities[conn]
	return id, ok
}

func (d *peerDirectory) welcome(conn netid.ConnectionID, token uint64) []byte {
	return protocol.MustEncode(protocol.KindWelcome, &protocol.Welcome{
		Conn:       conn,
		Authority:  netid.Server,
		BindToken:  token,
		SessionID:  d.sessionID,
		ServerTime: time.Since(d.started).Seconds(),
	})
}

func acceptAll(hello protocol.Hello) (auth.Identity, error) {
	return auth.Identity{PlayerName: hello.Name}, nil
}
