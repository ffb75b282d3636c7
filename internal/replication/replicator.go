package replication

import (
	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/logging"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/protocol"
)

// Replicator компонент репликации одного персонажа. Владелец отправляет через
// него сэмплы, остальные участники интерполируют принятые. Используется только
// из тика симуляции.
type Replicator struct {
	char        *character.Character
	local       netid.ConnectionID
	isAuthority bool

	policy *SendPolicy
	interp *Interpolator
	logger *logging.Logger

	locallyControlled bool
	hasLast           bool
	last              protocol.TransformSample
}

// NewReplicator привязывает репликатор к персонажу в процессе с соединением local
func NewReplicator(c *character.Character, local netid.ConnectionID, isAuthority bool, settings *Settings) *Replicator {
	r := &Replicator{
		char:        c,
		local:       local,
		isAuthority: isAuthority,
		policy:      NewSendPolicy(settings),
		interp:      NewInterpolator(settings, c.Transform),
		logger:      logging.GetReplicationLogger(),
	}
	r.locallyControlled = r.computeLocal()
	return r
}

// Character персонаж репликатора
func (r *Replicator) Character() *character.Character { return r.char }

// IsNetworkControlled true, если трансформ персонажа приходит по сети.
// Драйвер анимации не должен сбрасывать центр коллайдера у таких персонажей.
func (r *Replicator) IsNetworkControlled() bool { return !r.locallyControlled }

// Band текущая полоса отправки (для владельца)
func (r *Replicator) Band() Band { return r.policy.Band() }

// Interpolated текущий отображаемый трансформ
func (r *Replicator) Interpolated() character.Transform {
	if r.locallyControlled {
		return r.char.Transform
	}
	return r.interp.Visual()
}

// LastSample последний отправленный или принятый сэмпл
func (r *Replicator) LastSample() (protocol.TransformSample, bool) {
	return r.last, r.hasLast
}

// Observe применяет локальный трансформ владельца. Возвращает сэмпл, если его
// пора отправить. Для персонажей под сетевым управлением ничего не делает.
func (r *Replicator) Observe(now float64, t character.Transform) (protocol.TransformSample, bool) {
	if !r.locallyControlled {
		return protocol.TransformSample{}, false
	}
	t.Rotation = t.Rotation.Normalized()
	r.char.Transform = t
	r.char.UpdatedAt = now

	if !r.policy.Observe(now, t) {
		return protocol.TransformSample{}, false
	}
	r.last = protocol.TransformSample{
		Entity:    r.char.ID,
		Timestamp: now,
		Position:  t.Position,
		Rotation:  t.Rotation,
		Velocity:  t.Velocity,
	}
	r.hasLast = true
	return r.last, true
}

// Receive принимает сэмпл от владельца
func (r *Replicator) Receive(s protocol.TransformSample) Outcome {
	if r.locallyControlled {
		return Ignored
	}
	out := r.interp.Receive(s)
	switch out {
	case Stale:
		r.logger.Trace("устаревший сэмпл %s: %.3f <= %.3f", s.Entity, s.Timestamp, r.interp.AppliedTimestamp())
		return out
	case Snapped:
		r.logger.Debug("📍 телепорт %s в %.2f,%.2f,%.2f", s.Entity, s.Position.X, s.Position.Y, s.Position.Z)
		r.char.Transform = r.interp.Visual()
	}
	r.last = s
	r.hasLast = true
	r.char.UpdatedAt = s.Timestamp
	return out
}

// Advance продвигает интерполяцию и записывает результат в персонажа
func (r *Replicator) Advance(dt float64) {
	if r.locallyControlled {
		return
	}
	r.interp.Advance(dt)
	r.char.Transform = r.interp.Visual()
}

// OwnershipChanged вызывается после каждой смены владельца.
// Визуальное положение не меняется: при уходе под сетевое управление целью
// становится последний реплицированный сэмпл, при получении управления
// локальная симуляция продолжает с текущего трансформа. Если персонаж и до, и
// после смены управляется по сети, интерполятор тоже перепривязывается:
// сэмплы нового владельца идут по его часам.
func (r *Replicator) OwnershipChanged() {
	now := r.computeLocal()
	was := r.locallyControlled
	r.locallyControlled = now

	if now {
		if !was {
			r.policy.Reset()
			r.logger.Debug("🔄 %s теперь под локальным управлением", r.char.ID)
		}
		return
	}

	current := r.char.Transform
	if was {
		r.interp.Reset(current)
	}
	target := protocol.TransformSample{
		Entity:    r.char.ID,
		Timestamp: r.char.UpdatedAt,
		Position:  current.Position,
		Rotation:  current.Rotation,
		Velocity:  current.Velocity,
	}
	if r.hasLast {
		target = r.last
	}
	r.interp.Retarget(target)
	if was {
		r.logger.Debug("🔄 %s теперь под сетевым управлением", r.char.ID)
	} else {
		r.logger.Debug("🔄 %s сменил владельца, интерполяция перепривязана", r.char.ID)
	}
}

// ApplyShape применяет размеры коллайдера напрямую. Origin персонажа не
// сдвигается, центр пересчитывается относительно него.
func (r *Replicator) ApplyShape(height, radius float64) {
	if height <= 0 || radius <= 0 {
		return
	}
	r.char.Shape.Height = height
	r.char.Shape.Radius = radius
	r.char.Shape.Center.Y = height / 2
}

func (r *Replicator) computeLocal() bool {
	if owner, ok := r.char.Owner(); ok {
		return owner == r.local
	}
	return r.isAuthority
}
