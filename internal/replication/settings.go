// Package replication решает, когда владелец отправляет трансформ персонажа,
// и как остальные участники восстанавливают движение между сэмплами.
package replication

import (
	"math"

	"github.com/annel0/charsync/internal/config"
)

// Band полоса скорости, определяющая частоту отправки
type Band uint8

const (
	BandIdle Band = iota
	BandWalking
	BandRunning
	bandCount
)

func (b Band) String() string {
	switch b {
	case BandIdle:
		return "Idle"
	case BandWalking:
		return "Walking"
	case BandRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// BandSettings верхняя граница скорости полосы и интервал отправки в секундах
type BandSettings struct {
	MaxSpeed float64
	Interval float64
}

// Settings параметры репликации, общие для всех персонажей процесса
type Settings struct {
	Bands             [bandCount]BandSettings
	DriftThreshold    float64
	MinInterval       float64
	TeleportThreshold float64
	DownshiftDebounce float64
	BlendRate         float64
	MaxExtrapolation  float64
}

// DefaultSettings 3/6/12 Гц, дрейф 0.05, телепорт 10
func DefaultSettings() Settings {
	return SettingsFromConfig(config.Default().Replication)
}

// SettingsFromConfig переводит частоты конфигурации в интервалы
func SettingsFromConfig(c config.ReplicationConfig) Settings {
	s := Settings{
		DriftThreshold:    c.DriftThreshold,
		TeleportThreshold: c.TeleportThreshold,
		DownshiftDebounce: c.DownshiftDebounce,
		BlendRate:         c.BlendRate,
		MaxExtrapolation:  c.MaxExtrapolation,
	}
	s.Bands[BandIdle] = BandSettings{MaxSpeed: c.Idle.MaxSpeed, Interval: interval(c.Idle.RateHz)}
	s.Bands[BandWalking] = BandSettings{MaxSpeed: c.Walking.MaxSpeed, Interval: interval(c.Walking.RateHz)}
	s.Bands[BandRunning] = BandSettings{MaxSpeed: math.Inf(1), Interval: interval(c.Running.RateHz)}
	s.MinInterval = interval(c.MaxRateHz)
	return s
}

// Classify полоса для скорости; граница полосы включается в неё
func (s *Settings) Classify(speed float64) Band {
	for b := BandIdle; b < BandRunning; b++ {
		if speed <= s.Bands[b].MaxSpeed {
			return b
		}
	}
	return BandRunning
}

// Interval интервал отправки полосы
func (s *Settings) Interval(b Band) float64 {
	if b >= bandCount {
		b = BandRunning
	}
	return s.Bands[b].Interval
}

func interval(hz float64) float64 {
	if hz <= 0 {
		return 0
	}
	return 1 / hz
}
