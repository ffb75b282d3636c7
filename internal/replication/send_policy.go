package replication

import (
	"github.com/annel0/charsync/internal/character"
)

// timeEpsilon допуск накопленной ошибки суммирования шагов тика
const timeEpsilon = 1e-9

// SendPolicy решает на стороне владельца, пора ли отправлять сэмпл.
//
// Переход в более быструю полосу происходит сразу. В более медленную только
// после того, как она продержалась DownshiftDebounce секунд. Сэмпл уходит,
// когда истёк интервал текущей полосы или фактическая позиция отклонилась от
// экстраполяции последнего отправленного сэмпла больше DriftThreshold.
// Чаще MinInterval сэмплы не отправляются.
type SendPolicy struct {
	settings *Settings

	band         Band
	lower        Band
	lowerPending bool
	lowerSince   float64

	hasSent    bool
	lastSent   character.Transform
	lastSentAt float64
}

// NewSendPolicy создаёт политику в полосе Idle
func NewSendPolicy(settings *Settings) *SendPolicy {
	return &SendPolicy{settings: settings}
}

// Band текущая полоса
func (p *SendPolicy) Band() Band { return p.band }

// Reset забывает последний отправленный сэмпл; следующий Observe отправит сразу
func (p *SendPolicy) Reset() {
	p.hasSent = false
	p.lowerPending = false
}

// Drift отклонение позиции от экстраполяции последнего отправленного сэмпла
func (p *SendPolicy) Drift(now float64, t character.Transform) float64 {
	if !p.hasSent {
		return 0
	}
	elapsed := now - p.lastSentAt
	predicted := p.lastSent.Position.Add(p.lastSent.Velocity.Mul(elapsed))
	return t.Position.DistanceTo(predicted)
}

// Observe учитывает текущий трансформ владельца и возвращает true, если его
// нужно отправить. При true трансформ запоминается как отправленный.
func (p *SendPolicy) Observe(now float64, t character.Transform) bool {
	p.updateBand(now, t.Velocity.Length())

	if !p.hasSent {
		p.markSent(now, t)
		return true
	}

	elapsed := now - p.lastSentAt
	if elapsed+timeEpsilon < p.settings.MinInterval {
		return false
	}
	if elapsed+timeEpsilon >= p.settings.Interval(p.band) || p.Drift(now, t) > p.settings.DriftThreshold {
		p.markSent(now, t)
		return true
	}
	return false
}

func (p *SendPolicy) updateBand(now, speed float64) {
	target := p.settings.Classify(speed)
	switch {
	case target > p.band:
		p.band = target
		p.lowerPending = false
	case target < p.band:
		// Дебаунс отсчитывается с первого замедления; колебания внутри нижних полос его не сбрасывают
		if !p.lowerPending {
			p.lowerPending = true
			p.lowerSince = now
			p.lower = target
		} else if target > p.lower {
			p.lower = target
		}
		if now-p.lowerSince+timeEpsilon >= p.settings.DownshiftDebounce {
			p.band = p.lower
			p.lowerPending = false
		}
	default:
		p.lowerPending = false
	}
}

func (p *SendPolicy) markSent(now float64, t character.Transform) {
	p.hasSent = true
	p.lastSent = t
	p.lastSentAt = now
}
