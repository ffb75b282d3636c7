package network

import (
	"sync"
	"sync/atomic"

	"github.com/annel0/charsync/internal/netid"
)

// ItemKind тип элемента очереди
type ItemKind uint8

const (
	ItemMessage ItemKind = iota
	ItemConnected
	ItemConnectionLost
)

// Item событие транспорта, ожидающее обработки в тике
type Item struct {
	Kind    ItemKind
	From    netid.ConnectionID
	Channel Channel
	Data    []byte
	Err     error
}

// Inbox очередь с двойным буфером: горутины транспорта пишут в один буфер,
// тик забирает другой. Так всё состояние симуляции меняется одним писателем.
type Inbox struct {
	mu       sync.Mutex
	front    []Item
	back     []Item
	capacity int
	dropped  atomic.Uint64
}

// NewInbox создаёт очередь; при capacity элементах best-effort кадры отбрасываются
func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Inbox{capacity: capacity}
}

// Handlers обработчики транспорта, складывающие события в очередь
func (in *Inbox) Handlers() Handlers {
	return Handlers{
		OnReceive:        in.PushMessage,
		OnConnected:      in.PushConnected,
		OnConnectionLost: in.PushConnectionLost,
	}
}

// PushMessage копирует кадр в очередь. Надёжные кадры не отбрасываются никогда,
// иначе сломается порядок управляющих сообщений.
func (in *Inbox) PushMessage(from netid.ConnectionID, ch Channel, data []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if ch == Unreliable && len(in.front) >= in.capacity {
		in.dropped.Add(1)
		return
	}
	in.front = append(in.front, Item{
		Kind:    ItemMessage,
		From:    from,
		Channel: ch,
		Data:    append([]byte(nil), data...),
	})
}

// PushConnected ставит в очередь подключение
func (in *Inbox) PushConnected(conn netid.ConnectionID) {
	in.push(Item{Kind: ItemConnected, From: conn})
}

// PushConnectionLost ставит в очередь потерю соединения
func (in *Inbox) PushConnectionLost(conn netid.ConnectionID, err error) {
	in.push(Item{Kind: ItemConnectionLost, From: conn, Err: err})
}

func (in *Inbox) push(it Item) {
	in.mu.Lock()
	in.front = append(in.front, it)
	in.mu.Unlock()
}

// Drain забирает накопленные события и вызывает fn для каждого в порядке
// поступления. Вызывается только из тика.
func (in *Inbox) Drain(fn func(Item)) int {
	in.mu.Lock()
	in.front, in.back = in.back[:0], in.front
	in.mu.Unlock()

	for i := range in.back {
		fn(in.back[i])
		in.back[i] = Item{}
	}
	return len(in.back)
}

// Len количество ожидающих событий
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.front)
}

// Dropped количество отброшенных best-effort кадров
func (in *Inbox) Dropped() uint64 { return in.dropped.Load() }
