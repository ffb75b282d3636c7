package replication

import (
	"math"

	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/protocol"
	"github.com/annel0/charsync/internal/vec"
)

// Outcome результат приёма сэмпла
type Outcome uint8

const (
	// Applied сэмпл стал новой целью интерполяции
	Applied Outcome = iota
	// Snapped визуальный трансформ перенесён на сэмпл без интерполяции
	Snapped
	// Stale сэмпл не новее применённого и отброшен
	Stale
	// Ignored сэмпл пришёл для персонажа, которым управляет этот процесс
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "Applied"
	case Snapped:
		return "Snapped"
	case Stale:
		return "Stale"
	case Ignored:
		return "Ignored"
	default:
		return "Unknown"
	}
}

// Interpolator восстанавливает движение удалённого персонажа между сэмплами.
//
// Цель экстраполируется вперёд по скорости, вычисленной из двух последних
// сэмплов (не дальше MaxExtrapolation), а визуальный трансформ экспоненциально
// догоняет её со скоростью BlendRate.
type Interpolator struct {
	settings *Settings

	visual character.Transform

	hasTarget bool
	// После смены владельца сэмплы идут по часам другого процесса
	rebase      bool
	target      protocol.TransformSample
	velocity    vec.Vec3
	sinceTarget float64
}

// NewInterpolator создаёт интерполятор, визуально стоящий в start
func NewInterpolator(settings *Settings, start character.Transform) *Interpolator {
	return &Interpolator{settings: settings, visual: start}
}

// Visual текущий интерполированный трансформ
func (in *Interpolator) Visual() character.Transform { return in.visual }

// AppliedTimestamp время последнего применённого сэмпла
func (in *Interpolator) AppliedTimestamp() float64 { return in.target.Timestamp }

// HasTarget true после первого принятого сэмпла
func (in *Interpolator) HasTarget() bool { return in.hasTarget }

// Receive принимает сэмпл владельца
func (in *Interpolator) Receive(s protocol.TransformSample) Outcome {
	if in.hasTarget && !in.rebase && s.Timestamp <= in.target.Timestamp {
		return Stale
	}
	rebased := in.rebase
	in.rebase = false
	s.Rotation = s.Rotation.Normalized()

	if !in.hasTarget || in.visual.Position.DistanceTo(s.Position) >= in.settings.TeleportThreshold {
		in.snap(s)
		return Snapped
	}

	if rebased {
		in.velocity = s.Velocity
	} else {
		in.velocity = in.impliedVelocity(s)
	}
	in.target = s
	in.sinceTarget = 0
	return Applied
}

// Retarget делает трансформ новой целью без сдвига визуального положения.
// Используется при передаче персонажа под сетевое управление.
func (in *Interpolator) Retarget(s protocol.TransformSample) {
	in.hasTarget = true
	in.rebase = true
	in.target = s
	in.velocity = s.Velocity
	in.sinceTarget = 0
}

// Reset ставит визуальный трансформ в t и забывает цель
func (in *Interpolator) Reset(t character.Transform) {
	in.visual = t
	in.hasTarget = false
	in.rebase = false
	in.target = protocol.TransformSample{}
	in.velocity = vec.Zero
	in.sinceTarget = 0
}

// Advance продвигает интерполяцию на dt секунд
func (in *Interpolator) Advance(dt float64) {
	if !in.hasTarget || dt <= 0 {
		return
	}
	in.sinceTarget += dt

	ahead := math.Min(in.sinceTarget, in.settings.MaxExtrapolation)
	goal := in.target.Position.Add(in.velocity.Mul(ahead))

	alpha := 1 - math.Exp(-in.settings.BlendRate*dt)
	in.visual.Position = in.visual.Position.Lerp(goal, alpha)
	in.visual.Rotation = in.visual.Rotation.Slerp(in.target.Rotation, alpha)
	in.visual.Velocity = in.velocity
	if in.sinceTarget > in.settings.MaxExtrapolation {
		// Экстраполяция исчерпана, персонаж визуально остановился
		in.visual.Velocity = vec.Zero
	}
}

func (in *Interpolator) snap(s protocol.TransformSample) {
	in.hasTarget = true
	in.target = s
	in.velocity = s.Velocity
	in.sinceTarget = 0
	in.visual = character.Transform{Position: s.Position, Rotation: s.Rotation, Velocity: s.Velocity}
}

// impliedVelocity скорость между целью и новым сэмплом. Если владелец сообщает
// остановку (скорость в полосе Idle), экстраполяция отключается.
func (in *Interpolator) impliedVelocity(s protocol.TransformSample) vec.Vec3 {
	if s.Velocity.Length() <= in.settings.Bands[BandIdle].MaxSpeed {
		return vec.Zero
	}
	dt := s.Timestamp - in.target.Timestamp
	if dt <= 0 {
		return s.Velocity
	}
	return s.Position.Sub(in.target.Position).Mul(1 / dt)
}
