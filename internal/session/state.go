// Package session реализует машину состояний матча: лобби, готовность,
// обратный отсчёт, игра, пауза, конец игры.
package session

import (
	"errors"
	"fmt"
	"strings"
)

// State фаза жизненного цикла матча
type State uint8

const (
	StateNone State = iota
	StateLobby
	StateCountdown
	StateLoading
	StatePlaying
	StatePaused
	StateGameOver
	StateTransitioning
	stateCount
)

var stateNames = [...]string{
	StateNone:          "None",
	StateLobby:         "Lobby",
	StateCountdown:     "Countdown",
	StateLoading:       "Loading",
	StatePlaying:       "Playing",
	StatePaused:        "Paused",
	StateGameOver:      "GameOver",
	StateTransitioning: "Transitioning",
}

func (s State) String() string {
	if s < stateCount {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Valid сообщает, известно ли состояние
func (s State) Valid() bool { return s < stateCount }

// ParseState разбирает имя состояния без учёта регистра
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return StateNone, fmt.Errorf("unknown session state %q", name)
}

var (
	// ErrIllegalTransition переход не входит в граф состояний
	ErrIllegalTransition = errors.New("illegal session transition")
	// ErrNotInLobby готовность меняется только в лобби
	ErrNotInLobby = errors.New("ready change outside lobby")
	// ErrUnknownPeer запрос от неизвестного соединения
	ErrUnknownPeer = errors.New("unknown peer")
)

// isTransient Loading и Transitioning: вход из любого состояния
func isTransient(s State) bool {
	return s == StateLoading || s == StateTransitioning
}

// canSet проверяет явный переход через SetState. origin состояние, из которого
// вошли в Loading/Transitioning. Выйти из них можно обратно в origin, в
// Lobby/Countdown/Playing или по ребру, допустимому из origin.
// Countdown→Playing происходит только по таймеру, Lobby/Countdown→Playing
// только через StartGameImmediate; здесь они запрещены.
func canSet(prev, next, origin State) bool {
	switch {
	case next == StateNone || !next.Valid():
		return false
	case isTransient(next):
		return true
	case next == StateLobby:
		return true
	case isTransient(prev):
		switch next {
		case origin, StateCountdown, StatePlaying:
			return true
		}
		return !isTransient(origin) && canSet(origin, next, StateNone)
	}

	switch prev {
	case StateLobby:
		return next == StateCountdown
	case StatePlaying:
		return next == StatePaused || next == StateGameOver
	case StatePaused:
		return next == StatePlaying || next == StateGameOver
	}
	return false
}
