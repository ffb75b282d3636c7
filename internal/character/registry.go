package character

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"sync"

	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/vec"
)

var (
	ErrUnknownCharacter   = errors.New("unknown character")
	ErrDuplicateCharacter = errors.New("character already registered")
	ErrConnectionTaken    = errors.New("connection already owns a character")
	ErrOwnershipConflict  = errors.New("ownership changed concurrently")
)

// NotificationKind тип уведомления реестра
type NotificationKind uint8

const (
	Spawned NotificationKind = iota
	Despawned
	OwnershipChanged
)

func (k NotificationKind) String() string {
	switch k {
	case Spawned:
		return "Spawned"
	case Despawned:
		return "Despawned"
	case OwnershipChanged:
		return "OwnershipChanged"
	default:
		return "Unknown"
	}
}

// Notification событие реестра. Для OwnershipChanged заполнены PrevOwner/NewOwner.
type Notification struct {
	Kind      NotificationKind
	Character *Character
	PrevOwner netid.ConnectionID
	NewOwner  netid.ConnectionID
}

// Observer получает уведомления синхронно, в порядке подписки
type Observer func(Notification)

// Registry процессный индекс сетевых персонажей.
//
// Изменения выполняются только из тика симуляции; чтение допускается из других
// горутин (REST API). Итераторы проходят по copy-on-write срезам: срезы
// пересобираются только при регистрации/удалении, поэтому обход за кадр не аллоцирует
// и безопасен даже при изменении реестра внутри цикла.
type Registry struct {
	mu        sync.RWMutex
	byID      map[netid.EntityID]*Character
	byConn    map[netid.ConnectionID]*Character
	players   []*Character
	npcs      []*Character
	localConn netid.ConnectionID

	observers []Observer
	pending   []Notification
	notifying bool
	notifyMu  sync.Mutex
}

// NewRegistry создаёт пустой реестр
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[netid.EntityID]*Character),
		byConn: make(map[netid.ConnectionID]*Character),
	}
}

// Subscribe добавляет наблюдателя
func (r *Registry) Subscribe(o Observer) {
	r.notifyMu.Lock()
	r.observers = append(r.observers, o)
	r.notifyMu.Unlock()
}

// SetLocalConnection задаёт соединение этого процесса (netid.None: наблюдатель/сервер)
func (r *Registry) SetLocalConnection(conn netid.ConnectionID) {
	r.mu.Lock()
	r.localConn = conn
	r.mu.Unlock()
}

// LocalConnection соединение этого процесса
func (r *Registry) LocalConnection() netid.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localConn
}

// Register добавляет персонажа
func (r *Registry) Register(c *Character) error {
	if c == nil {
		return fmt.Errorf("register: %w", ErrUnknownCharacter)
	}

	r.mu.Lock()
	if _, exists := r.byID[c.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("register %s: %w", c.ID, ErrDuplicateCharacter)
	}
	if owner, ok := c.Owner(); ok {
		if _, taken := r.byConn[owner]; taken {
			r.mu.Unlock()
			return fmt.Errorf("register %s for %s: %w", c.ID, owner, ErrConnectionTaken)
		}
		r.byConn[owner] = c
	}
	r.byID[c.ID] = c
	r.rebuildLocked()
	r.mu.Unlock()

	r.notify(Notification{Kind: Spawned, Character: c})
	return nil
}

// Unregister удаляет персонажа; отсутствие id: не ошибка
func (r *Registry) Unregister(id netid.EntityID) {
	r.mu.Lock()
	c, exists := r.byID[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	if owner, ok := c.Owner(); ok && r.byConn[owner] == c {
		delete(r.byConn, owner)
	}
	r.rebuildLocked()
	r.mu.Unlock()

	r.notify(Notification{Kind: Despawned, Character: c})
}

// TransferOwnership атомарно меняет владельца. expected: владелец, которого
// видел инициатор. При несовпадении возвращается ErrOwnershipConflict, поэтому из
// нескольких конкурирующих запросов выигрывает ровно один.
func (r *Registry) TransferOwnership(id netid.EntityID, expected, next netid.ConnectionID) error {
	r.mu.Lock()
	c, exists := r.byID[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("transfer %s: %w", id, ErrUnknownCharacter)
	}
	prev := c.Control.Owner
	if prev != expected {
		r.mu.Unlock()
		return fmt.Errorf("transfer %s: owner is %s, expected %s: %w", id, prev, expected, ErrOwnershipConflict)
	}
	if prev == next {
		r.mu.Unlock()
		return nil
	}
	if next != netid.None {
		if other, taken := r.byConn[next]; taken && other != c {
			r.mu.Unlock()
			return fmt.Errorf("transfer %s to %s: %w", id, next, ErrConnectionTaken)
		}
	}

	if prev != netid.None && r.byConn[prev] == c {
		delete(r.byConn, prev)
	}
	c.Control.Owner = next
	if next != netid.None {
		r.byConn[next] = c
	}
	r.mu.Unlock()

	r.notify(Notification{Kind: OwnershipChanged, Character: c, PrevOwner: prev, NewOwner: next})
	return nil
}

// Get возвращает персонажа по id
func (r *Registry) Get(id netid.EntityID) (*Character, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// GetByConnection возвращает персонажа, которым владеет соединение
func (r *Registry) GetByConnection(conn netid.ConnectionID) (*Character, bool) {
	if conn == netid.None {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConn[conn]
	return c, ok
}

// LocalPlayer персонаж этого процесса; нет в режиме наблюдателя/сервера
func (r *Registry) LocalPlayer() (*Character, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.localConn == netid.None {
		return nil, false
	}
	c, ok := r.byConn[r.localConn]
	return c, ok
}

// Players итератор по игрокам
func (r *Registry) Players() iter.Seq[*Character] {
	return r.seq(func() []*Character { return r.players })
}

// NPCs итератор по NPC
func (r *Registry) NPCs() iter.Seq[*Character] {
	return r.seq(func() []*Character { return r.npcs })
}

// All итератор по всем персонажам: сначала игроки, затем NPC
func (r *Registry) All() iter.Seq[*Character] {
	return func(yield func(*Character) bool) {
		players, npcs := r.snapshot()
		for _, c := range players {
			if !yield(c) {
				return
			}
		}
		for _, c := range npcs {
			if !yield(c) {
				return
			}
		}
	}
}

func (r *Registry) seq(pick func() []*Character) iter.Seq[*Character] {
	return func(yield func(*Character) bool) {
		r.mu.RLock()
		list := pick()
		r.mu.RUnlock()
		for _, c := range list {
			if !yield(c) {
				return
			}
		}
	}
}

func (r *Registry) snapshot() ([]*Character, []*Character) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.players, r.npcs
}

// Counts количество игроков и NPC
func (r *Registry) Counts() (players, npcs int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players), len(r.npcs)
}

// Len общее количество персонажей
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// GetClosest ближайший к origin персонаж. exclude != netid.None исключает
// персонажа, которым владеет это соединение.
func (r *Registry) GetClosest(origin vec.Vec3, exclude netid.ConnectionID) (*Character, bool) {
	var (
		best     *Character
		bestDist = math.Inf(1)
	)
	for c := range r.All() {
		if exclude != netid.None && c.OwnedBy(exclude) {
			continue
		}
		if d := origin.DistanceSqTo(c.Transform.Position); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, best != nil
}

// WithinRadius вызывает fn для каждого персонажа в радиусе от origin
func (r *Registry) WithinRadius(origin vec.Vec3, radius float64, fn func(*Character)) {
	limit := radius * radius
	for c := range r.All() {
		if origin.DistanceSqTo(c.Transform.Position) <= limit {
			fn(c)
		}
	}
}

// rebuildLocked пересобирает срезы обхода; вызывается под r.mu
func (r *Registry) rebuildLocked() {
	players := make([]*Character, 0, len(r.byID))
	npcs := make([]*Character, 0, len(r.byID))
	for _, c := range r.byID {
		if c.IsNPC() {
			npcs = append(npcs, c)
		} else {
			players = append(players, c)
		}
	}
	sortByID(players)
	sortByID(npcs)
	r.players = players
	r.npcs = npcs
}

// notify реализует фазу "commit then notify": уведомление ставится в очередь,
// а очередь разбирается только внешним вызовом. Изменения реестра из наблюдателя
// попадают в ту же очередь и доставляются после текущего уведомления.
func (r *Registry) notify(n Notification) {
	r.notifyMu.Lock()
	r.pending = append(r.pending, n)
	if r.notifying {
		r.notifyMu.Unlock()
		return
	}
	r.notifying = true

	for len(r.pending) > 0 {
		next := r.pending[0]
		r.pending = r.pending[1:]
		observers := r.observers
		r.notifyMu.Unlock()

		for _, o := range observers {
			o(next)
		}

		r.notifyMu.Lock()
	}
	r.pending = r.pending[:0]
	r.notifying = false
	r.notifyMu.Unlock()
}

func sortByID(list []*Character) {
	slices.SortFunc(list, func(a, b *Character) int { return cmp.Compare(a.ID, b.ID) })
}
