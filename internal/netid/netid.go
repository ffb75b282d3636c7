// Package netid содержит сетевые идентификаторы, общие для всех подсистем.
package netid

import "strconv"

// ConnectionID идентифицирует соединение участника сессии.
type ConnectionID uint32

// EntityID стабильный сетевой идентификатор персонажа.
type EntityID uint64

const (
	// None означает отсутствие соединения (NPC, осиротевший персонаж, наблюдатель).
	None ConnectionID = 0
	// Server соединение авторитета в режиме выделенного сервера.
	Server ConnectionID = 1
	// Broadcast адресует сообщение всем подключённым участникам.
	Broadcast ConnectionID = ^ConnectionID(0)
)

// FirstClient первый идентификатор, выдаваемый клиентам.
const FirstClient ConnectionID = 2

func (c ConnectionID) String() string {
	switch c {
	case None:
		return "none"
	case Broadcast:
		return "broadcast"
	}
	return "conn#" + strconv.FormatUint(uint64(c), 10)
}

// Valid сообщает, адресует ли идентификатор конкретного участника.
func (c ConnectionID) Valid() bool {
	return c != None && c != Broadcast
}

func (id EntityID) String() string {
	return "entity#" + strconv.FormatUint(uint64(id), 10)
}
