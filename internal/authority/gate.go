package authority

import (
	"errors"
	"fmt"

	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/logging"
	"github.com/annel0/charsync/internal/netid"
)

// ErrViolation попытка изменения без полномочий
var ErrViolation = errors.New("authority violation")

// PendingID идентификатор оптимистичного изменения, ожидающего подтверждения
type PendingID uint64

type pending struct {
	id       PendingID
	op       Operation
	req      Requester
	rollback func()
}

// ViolationHook вызывается при каждом отказе (метрики, журнал)
type ViolationHook func(op Operation, req Requester, target netid.EntityID)

// Gate применяет политику на границе и отслеживает оптимистичные изменения.
// Используется только из тика симуляции.
type Gate struct {
	logger  *logging.Logger
	onDeny  ViolationHook
	nextID  PendingID
	pending map[netid.EntityID][]*pending
	index   map[PendingID]netid.EntityID
	denied  uint64
}

// NewGate создаёт шлюз полномочий
func NewGate(logger *logging.Logger, onDeny ViolationHook) *Gate {
	if logger == nil {
		logger = logging.GetAuthorityLogger()
	}
	return &Gate{
		logger:  logger,
		onDeny:  onDeny,
		pending: make(map[netid.EntityID][]*pending),
		index:   make(map[PendingID]netid.EntityID),
	}
}

// Authorize проверяет операцию; отказ логируется и возвращается как ErrViolation
func (g *Gate) Authorize(op Operation, req Requester, target *character.Character) error {
	if CanMutate(op, req, target) {
		return nil
	}

	g.denied++
	var id netid.EntityID
	if target != nil {
		id = target.ID
	}
	g.logger.Warn("⛔ %s от %s отклонена (цель %s, класс %s)", op, req.Conn, id, ClassOf(op))
	if g.onDeny != nil {
		g.onDeny(op, req, id)
	}
	return fmt.Errorf("%s by %s on %s: %w", op, req.Conn, id, ErrViolation)
}

// Denied количество отказов с момента создания
func (g *Gate) Denied() uint64 { return g.denied }

// Track регистрирует локально применённое оптимистичное изменение.
// Если изменение уже сейчас запрещено, rollback вызывается сразу.
func (g *Gate) Track(op Operation, req Requester, target *character.Character, rollback func()) (PendingID, error) {
	if err := g.Authorize(op, req, target); err != nil {
		if rollback != nil {
			rollback()
		}
		return 0, err
	}
	if target == nil {
		return 0, fmt.Errorf("track %s: %w", op, character.ErrUnknownCharacter)
	}
	g.nextID++
	p := &pending{id: g.nextID, op: op, req: req, rollback: rollback}
	g.pending[target.ID] = append(g.pending[target.ID], p)
	g.index[p.id] = target.ID
	return p.id, nil
}

// Confirm авторитет подтвердил изменение
func (g *Gate) Confirm(id PendingID) {
	g.remove(id)
}

// Reject авторитет отклонил изменение: откатываем
func (g *Gate) Reject(id PendingID) {
	if p := g.remove(id); p != nil && p.rollback != nil {
		p.rollback()
	}
}

// PendingFor количество ожидающих проверок персонажа
func (g *Gate) PendingFor(target netid.EntityID) int {
	return len(g.pending[target])
}

// OwnershipChanged перепроверяет все ожидающие изменения персонажа после смены
// владельца и откатывает те, что больше не разрешены.
func (g *Gate) OwnershipChanged(target *character.Character) (rolledBack int) {
	list := g.pending[target.ID]
	if len(list) == 0 {
		return 0
	}

	kept := list[:0]
	for _, p := range list {
		if CanMutate(p.op, p.req, target) {
			kept = append(kept, p)
			continue
		}
		delete(g.index, p.id)
		rolledBack++
		g.logger.Debug("↩️ откат %s для %s после смены владельца", p.op, target.ID)
		if p.rollback != nil {
			p.rollback()
		}
	}

	if len(kept) == 0 {
		delete(g.pending, target.ID)
	} else {
		g.pending[target.ID] = kept
	}
	return rolledBack
}

// Forget удаляет ожидания персонажа (деспавн) без отката
func (g *Gate) Forget(target netid.EntityID) {
	for _, p := range g.pending[target] {
		delete(g.index, p.id)
	}
	delete(g.pending, target)
}

func (g *Gate) remove(id PendingID) *pending {
	target, ok := g.index[id]
	if !ok {
		return nil
	}
	delete(g.index, id)

	list := g.pending[target]
	for i, p := range list {
		if p.id != id {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(g.pending, target)
		} else {
			g.pending[target] = list
		}
		return p
	}
	return nil
}
