// Package network реализует транспорт ядра: надёжный упорядоченный канал для
// управляющих сообщений и best-effort канал для трансформов.
package network

import (
	"context"
	"errors"

	"github.com/annel0/charsync/internal/netid"
)

// Channel канал доставки
type Channel uint8

const (
	Reliable Channel = iota
	Unreliable
)

func (c Channel) String() string {
	if c == Reliable {
		return "reliable"
	}
	return "unreliable"
}

var (
	// ErrClosed транспорт закрыт
	ErrClosed = errors.New("transport closed")
	// ErrUnknownConnection получатель не подключён
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrHandshake рукопожатие не удалось
	ErrHandshake = errors.New("handshake failed")
)

// ReceiveFunc получает кадр. data принадлежит вызывающему только на время вызова.
type ReceiveFunc func(from netid.ConnectionID, ch Channel, data []byte)

// Handlers обработчики событий транспорта. Вызываются из горутин транспорта,
// поэтому обычно кладут событие в Inbox.
type Handlers struct {
	OnReceive        ReceiveFunc
	OnConnected      func(conn netid.ConnectionID)
	OnConnectionLost func(conn netid.ConnectionID, err error)
}

// Transport граница ядра с сетью. Отправка не блокирует тик: кадр копируется
// в очередь соединения. to == netid.Broadcast рассылает всем, у клиента
// единственный адресат авторитет.
type Transport interface {
	LocalConnectionID() netid.ConnectionID
	IsAuthority() bool
	SendReliable(to netid.ConnectionID, data []byte) error
	SendUnreliable(to netid.ConnectionID, data []byte) error
	// Start устанавливает обработчики и запускает приём
	Start(ctx context.Context, h Handlers) error
	Close() error
}

func (h *Handlers) receive(from netid.ConnectionID, ch Channel, data []byte) {
	if h.OnReceive != nil {
		h.OnReceive(from, ch, data)
	}
}

func (h *Handlers) connected(conn netid.ConnectionID) {
	if h.OnConnected != nil {
		h.OnConnected(conn)
	}
}

func (h *Handlers) lost(conn netid.ConnectionID, err error) {
	if h.OnConnectionLost != nil {
		h.OnConnectionLost(conn, err)
	}
}
