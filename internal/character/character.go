// Package character описывает сетевых персонажей и процессный реестр.
package character

import (
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/vec"
)

// Kind классификация персонажа
type Kind uint8

const (
	KindPlayer Kind = iota
	KindNPC
)

func (k Kind) String() string {
	switch k {
	case KindPlayer:
		return "Player"
	case KindNPC:
		return "NPC"
	default:
		return "Unknown"
	}
}

// Control тегированный вариант управления: игрок с владельцем-соединением
// или серверный персонаж (NPC, осиротевший игрок) с Owner == netid.None.
type Control struct {
	Kind  Kind
	Owner netid.ConnectionID
}

// PlayerControl управление игроком со стороны соединения
func PlayerControl(owner netid.ConnectionID) Control {
	return Control{Kind: KindPlayer, Owner: owner}
}

// NPCControl серверное управление
func NPCControl() Control {
	return Control{Kind: KindNPC, Owner: netid.None}
}

// ServerControlled true, если персонажем управляет авторитет
func (c Control) ServerControlled() bool {
	return c.Owner == netid.None
}

// Transform позиция, поворот и скорость персонажа
type Transform struct {
	Position vec.Vec3
	Rotation vec.Quat
	Velocity vec.Vec3
}

// Shape параметры коллайдера; применяются напрямую, без интерполяции
type Shape struct {
	Height float64
	Radius float64
	Center vec.Vec3 // смещение центра коллайдера относительно origin
}

// DefaultShape капсула гуманоида
func DefaultShape() Shape {
	return Shape{Height: 1.8, Radius: 0.3, Center: vec.Vec3{Y: 0.9}}
}

// Character сетевой персонаж
type Character struct {
	ID        netid.EntityID
	Name      string
	Control   Control
	Transform Transform
	Shape     Shape
	UpdatedAt float64 // время последнего применённого сэмпла, секунды симуляции
}

// New создаёт персонажа с единичным поворотом и форой по умолчанию
func New(id netid.EntityID, control Control, pos vec.Vec3) *Character {
	return &Character{
		ID:      id,
		Control: control,
		Transform: Transform{
			Position: pos,
			Rotation: vec.Identity,
		},
		Shape: DefaultShape(),
	}
}

// Owner возвращает владельца, ok == false для серверных персонажей
func (c *Character) Owner() (netid.ConnectionID, bool) {
	if c.Control.ServerControlled() {
		return netid.None, false
	}
	return c.Control.Owner, true
}

// IsPlayer true для игроков
func (c *Character) IsPlayer() bool { return c.Control.Kind == KindPlayer }

// IsNPC true для NPC
func (c *Character) IsNPC() bool { return c.Control.Kind == KindNPC }

// OwnedBy проверяет владение соединением
func (c *Character) OwnedBy(conn netid.ConnectionID) bool {
	owner, ok := c.Owner()
	return ok && owner == conn
}
