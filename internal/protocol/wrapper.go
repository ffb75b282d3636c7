// Package protocol описывает сообщения сетевого ядра и их кодирование.
//
// Управляющие сообщения идут по надёжному упорядоченному каналу и кодируются
// msgpack. Сэмплы трансформов идут по best-effort каналу пакетами и кодируются
// protowire (см. transform.go).
package protocol

import (
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/vec"
)

// Kind тип сообщения, первый байт каждого кадра
type Kind uint8

const (
	KindUnknown Kind = iota

	// Рукопожатие
	KindHello
	KindWelcome

	// Сессия
	KindSessionSnapshot
	KindReadyRequest
	KindReadyUpdate
	KindSessionCommand

	// Персонажи
	KindSpawnRequest
	KindSpawn
	KindDespawn
	KindOwnershipRequest
	KindOwnershipUpdate
	KindShapeUpdate

	// События мира
	KindEventRequest
	KindEventBroadcast

	// Трансформы (best-effort канал)
	KindTransformBatch

	kindCount
)

var kindNames = [...]string{
	KindUnknown:          "Unknown",
	KindHello:            "Hello",
	KindWelcome:          "Welcome",
	KindSessionSnapshot:  "SessionSnapshot",
	KindReadyRequest:     "ReadyRequest",
	KindReadyUpdate:      "ReadyUpdate",
	KindSessionCommand:   "SessionCommand",
	KindSpawnRequest:     "SpawnRequest",
	KindSpawn:            "Spawn",
	KindDespawn:          "Despawn",
	KindOwnershipRequest: "OwnershipRequest",
	KindOwnershipUpdate:  "OwnershipUpdate",
	KindShapeUpdate:      "ShapeUpdate",
	KindEventRequest:     "EventRequest",
	KindEventBroadcast:   "EventBroadcast",
	KindTransformBatch:   "TransformBatch",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return "Unknown"
}

// Valid сообщает, известен ли тип
func (k Kind) Valid() bool {
	return k > KindUnknown && k < kindCount
}

// ProtocolVersion версия протокола, проверяется при рукопожатии
const ProtocolVersion uint16 = 1

// Hello первое сообщение клиента
type Hello struct {
	Version uint16 `msgpack:"v"`
	Token   string `msgpack:"t"`
	Name    string `msgpack:"n"`
}

// Welcome ответ авторитета на Hello
type Welcome struct {
	Conn       netid.ConnectionID `msgpack:"c"`
	Authority  netid.ConnectionID `msgpack:"a"`
	BindToken  uint64             `msgpack:"b"`
	SessionID  string             `msgpack:"s"`
	ServerTime float64            `msgpack:"st"`
}

// SessionSnapshot реплика состояния сессии, рассылается авторитетом
type SessionSnapshot struct {
	State     uint8                `msgpack:"s"`
	Countdown float64              `msgpack:"c"`
	GameTime  float64              `msgpack:"g"`
	Ready     []netid.ConnectionID `msgpack:"r"`
	Revision  uint64               `msgpack:"rv"`
}

// ReadyRequest запрос участника на смену готовности
type ReadyRequest struct {
	Ready bool `msgpack:"r"`
}

// ReadyUpdate широковещательное обновление ReadySet
type ReadyUpdate struct {
	Ready   []netid.ConnectionID `msgpack:"r"`
	Changed netid.ConnectionID   `msgpack:"c"`
	IsReady bool                 `msgpack:"i"`
}

// SessionCommand запрос смены состояния сессии (разрешён только авторитету)
type SessionCommand struct {
	Command  string  `msgpack:"c"`
	Duration float64 `msgpack:"d"`
}

// SpawnRequest запрос игрока на появление своего персонажа
type SpawnRequest struct {
	Name     string   `msgpack:"n"`
	Position vec.Vec3 `msgpack:"p"`
}

// Spawn персонаж появился
type Spawn struct {
	Entity   netid.EntityID     `msgpack:"e"`
	NPC      bool               `msgpack:"npc"`
	Owner    netid.ConnectionID `msgpack:"o"`
	Name     string             `msgpack:"n"`
	Position vec.Vec3           `msgpack:"p"`
	Rotation vec.Quat           `msgpack:"r"`
	Velocity vec.Vec3           `msgpack:"v"`
	Height   float64            `msgpack:"h"`
	Radius   float64            `msgpack:"rad"`
	Time     float64            `msgpack:"t"`
}

// Despawn персонаж удалён
type Despawn struct {
	Entity netid.EntityID `msgpack:"e"`
}

// OwnershipRequest запрос на захват серверного персонажа
type OwnershipRequest struct {
	Entity   netid.EntityID     `msgpack:"e"`
	Expected netid.ConnectionID `msgpack:"x"`
}

// OwnershipUpdate владение персонажем изменилось
type OwnershipUpdate struct {
	Entity netid.EntityID     `msgpack:"e"`
	Prev   netid.ConnectionID `msgpack:"p"`
	Owner  netid.ConnectionID `msgpack:"o"`
}

// ShapeUpdate параметры коллайдера
type ShapeUpdate struct {
	Entity netid.EntityID `msgpack:"e"`
	Height float64        `msgpack:"h"`
	Radius float64        `msgpack:"r"`
}

// WorldEvent дискретное событие мира (шум и т.п.)
type WorldEvent struct {
	Origin    netid.ConnectionID `msgpack:"o"`
	Sequence  uint32             `msgpack:"s"`
	Category  string             `msgpack:"c"`
	Position  vec.Vec3           `msgpack:"p"`
	Radius    float64            `msgpack:"r"`
	Intensity float64            `msgpack:"i"`
}
