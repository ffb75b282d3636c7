package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/vec"
)

// Номера полей TransformSample на проводе
const (
	fieldEntity    protowire.Number = 1
	fieldTimestamp protowire.Number = 2
	fieldPosX      protowire.Number = 3
	fieldPosY      protowire.Number = 4
	fieldPosZ      protowire.Number = 5
	fieldRotX      protowire.Number = 6
	fieldRotY      protowire.Number = 7
	fieldRotZ      protowire.Number = 8
	fieldRotW      protowire.Number = 9
	fieldVelX      protowire.Number = 10
	fieldVelY      protowire.Number = 11
	fieldVelZ      protowire.Number = 12
)

// TransformSample снимок трансформа, отправленный владельцем персонажа.
// Timestamp задаётся в секундах симуляции отправителя.
type TransformSample struct {
	Entity    netid.EntityID
	Timestamp float64
	Position  vec.Vec3
	Rotation  vec.Quat
	Velocity  vec.Vec3
}

// AppendWire дописывает сэмпл в protobuf-совместимом виде.
// Координаты передаются как float32, нулевые поля опускаются.
func (s *TransformSample) AppendWire(b []byte) []byte {
	b = protowire.AppendTag(b, fieldEntity, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Entity))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.Timestamp))

	b = appendFloat(b, fieldPosX, s.Position.X)
	b = appendFloat(b, fieldPosY, s.Position.Y)
	b = appendFloat(b, fieldPosZ, s.Position.Z)
	b = appendFloat(b, fieldRotX, s.Rotation.X)
	b = appendFloat(b, fieldRotY, s.Rotation.Y)
	b = appendFloat(b, fieldRotZ, s.Rotation.Z)
	b = appendFloat(b, fieldRotW, s.Rotation.W)
	b = appendFloat(b, fieldVelX, s.Velocity.X)
	b = appendFloat(b, fieldVelY, s.Velocity.Y)
	b = appendFloat(b, fieldVelZ, s.Velocity.Z)
	return b
}

// WireSize размер сэмпла на проводе
func (s *TransformSample) WireSize() int {
	var tmp [96]byte
	return len(s.AppendWire(tmp[:0]))
}

// UnmarshalWire разбирает сэмпл; неизвестные поля пропускаются
func (s *TransformSample) UnmarshalWire(b []byte) error {
	*s = TransformSample{}
	var hasRot bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("transform tag: %v: %w", protowire.ParseError(n), ErrMalformed)
		}
		b = b[n:]

		switch {
		case num == fieldEntity && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("transform entity: %w", ErrMalformed)
			}
			s.Entity = netid.EntityID(v)
			n = m
		case num == fieldTimestamp && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return fmt.Errorf("transform timestamp: %w", ErrMalformed)
			}
			s.Timestamp = math.Float64frombits(v)
			n = m
		case num >= fieldPosX && num <= fieldVelZ && typ == protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return fmt.Errorf("transform field %d: %w", num, ErrMalformed)
			}
			f := float64(math.Float32frombits(v))
			if num >= fieldRotX && num <= fieldRotW {
				hasRot = true
			}
			s.setFloat(num, f)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("transform field %d: %v: %w", num, protowire.ParseError(n), ErrMalformed)
			}
		}
		b = b[n:]
	}

	if s.Entity == 0 {
		return fmt.Errorf("transform без entity: %w", ErrMalformed)
	}
	if !hasRot {
		s.Rotation = vec.Identity
	}
	if !s.Position.IsFinite() || !s.Velocity.IsFinite() || math.IsNaN(s.Timestamp) || math.IsInf(s.Timestamp, 0) {
		return fmt.Errorf("transform %s: нечисловые значения: %w", s.Entity, ErrMalformed)
	}
	return nil
}

func (s *TransformSample) setFloat(num protowire.Number, f float64) {
	switch num {
	case fieldPosX:
		s.Position.X = f
	case fieldPosY:
		s.Position.Y = f
	case fieldPosZ:
		s.Position.Z = f
	case fieldRotX:
		s.Rotation.X = f
	case fieldRotY:
		s.Rotation.Y = f
	case fieldRotZ:
		s.Rotation.Z = f
	case fieldRotW:
		s.Rotation.W = f
	case fieldVelX:
		s.Velocity.X = f
	case fieldVelY:
		s.Velocity.Y = f
	case fieldVelZ:
		s.Velocity.Z = f
	}
}

func appendFloat(b []byte, num protowire.Number, f float64) []byte {
	if f == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(float32(f)))
}
