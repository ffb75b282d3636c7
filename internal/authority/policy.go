// Package authority решает, кто вправе изменять какое состояние.
//
// Политика фиксирована: операции движения/анимации/формы принадлежат владельцу
// персонажа, всё остальное: авторитету сессии, независимо от владения.
package authority

import (
	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/netid"
)

// Operation вид изменяющей операции
type Operation uint8

const (
	OpTransform Operation = iota
	OpMovement
	OpAnimation
	OpShape
	OpStats
	OpInventory
	OpTeam
	OpSessionState
	OpSpawn
	OpDespawn
	OpOwnershipTransfer
)

var operationNames = [...]string{
	OpTransform:         "Transform",
	OpMovement:          "Movement",
	OpAnimation:         "Animation",
	OpShape:             "Shape",
	OpStats:             "Stats",
	OpInventory:         "Inventory",
	OpTeam:              "Team",
	OpSessionState:      "SessionState",
	OpSpawn:             "Spawn",
	OpDespawn:           "Despawn",
	OpOwnershipTransfer: "OwnershipTransfer",
}

func (op Operation) String() string {
	if int(op) < len(operationNames) {
		return operationNames[op]
	}
	return "Unknown"
}

// Class класс полномочий
type Class uint8

const (
	// OwnerAuthority операцию выполняет владелец персонажа
	OwnerAuthority Class = iota
	// ServerAuthority операцию выполняет только авторитет сессии
	ServerAuthority
)

func (c Class) String() string {
	if c == OwnerAuthority {
		return "owner"
	}
	return "server"
}

// ClassOf возвращает класс полномочий операции
func ClassOf(op Operation) Class {
	switch op {
	case OpTransform, OpMovement, OpAnimation, OpShape:
		return OwnerAuthority
	default:
		return ServerAuthority
	}
}

// Requester инициатор операции
type Requester struct {
	Conn        netid.ConnectionID
	IsAuthority bool
}

// CanMutate чистый предикат без состояния.
//
// Для операций владельца над серверным персонажем (NPC, осиротевший игрок)
// владельцем считается авторитет. Операции владельца без цели запрещены.
func CanMutate(op Operation, req Requester, target *character.Character) bool {
	if ClassOf(op) == ServerAuthority {
		return req.IsAuthority
	}
	if target == nil {
		return false
	}
	owner, owned := target.Owner()
	if !owned {
		return req.IsAuthority
	}
	return req.Conn != netid.None && req.Conn == owner
}
