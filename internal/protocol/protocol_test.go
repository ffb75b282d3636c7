package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/vec"
)

func TestEncodeDecodeControl(t *testing.T) {
	in := ReadyUpdate{Ready: []netid.ConnectionID{2, 3}, Changed: 3, IsReady: true}
	frame, err := Encode(KindReadyUpdate, &in)
	require.NoError(t, err)
	assert.Equal(t, byte(KindReadyUpdate), frame[0])

	kind, body, err := Split(frame)
	require.NoError(t, err)
	assert.Equal(t, KindReadyUpdate, kind)

	var out ReadyUpdate
	require.NoError(t, DecodeBody(body, &out))
	assert.Equal(t, in, out)
}

func TestSplit_Malformed(t *testing.T) {
	_, _, err := Split(nil)
	assert.True(t, errors.Is(err, ErrMalformed))

	_, _, err = Split([]byte{0xEE, 1, 2})
	assert.True(t, errors.Is(err, ErrMalformed), "неизвестный тип должен отклоняться")

	_, err = Encode(KindUnknown, struct{}{})
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestDecodeBody_Garbage(t *testing.T) {
	var ev WorldEvent
	err := DecodeBody([]byte{0xC1, 0xFF, 0x00}, &ev)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "EventBroadcast", KindEventBroadcast.String())
	assert.Equal(t, "Unknown", Kind(200).String())
	assert.False(t, Kind(200).Valid())
}

func TestTransformSample_Wire(t *testing.T) {
	in := TransformSample{
		Entity:    42,
		Timestamp: 12.375,
		Position:  vec.Vec3{X: 1.5, Y: 0, Z: -3.25},
		Rotation:  vec.FromYaw(0.5),
		Velocity:  vec.Vec3{X: 4},
	}
	buf := in.AppendWire(nil)
	assert.Equal(t, len(buf), in.WireSize())

	var out TransformSample
	require.NoError(t, out.UnmarshalWire(buf))
	assert.Equal(t, in.Entity, out.Entity)
	assert.Equal(t, in.Timestamp, out.Timestamp, "время передаётся без потери точности")
	assert.InDelta(t, in.Position.X, out.Position.X, 1e-6)
	assert.InDelta(t, in.Position.Z, out.Position.Z, 1e-6)
	assert.InDelta(t, in.Rotation.W, out.Rotation.W, 1e-6)
	assert.InDelta(t, in.Rotation.Y, out.Rotation.Y, 1e-6)
	assert.InDelta(t, 4.0, out.Velocity.X, 1e-6)
}

func TestTransformSample_DefaultsAndUnknownFields(t *testing.T) {
	buf := protowire.AppendTag(nil, fieldEntity, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 7)
	buf = protowire.AppendTag(buf, 99, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte("future"))

	var out TransformSample
	require.NoError(t, out.UnmarshalWire(buf))
	assert.Equal(t, netid.EntityID(7), out.Entity)
	assert.Equal(t, vec.Identity, out.Rotation, "без поворота ожидается единичный кватернион")
}

func TestTransformSample_Malformed(t *testing.T) {
	var out TransformSample
	assert.True(t, errors.Is(out.UnmarshalWire([]byte{0x08}), ErrMalformed), "обрезанный varint")
	assert.True(t, errors.Is(out.UnmarshalWire(nil), ErrMalformed), "нет entity")
}
