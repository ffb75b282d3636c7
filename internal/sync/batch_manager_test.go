package sync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/protocol"
	"github.com/annel0/charsync/internal/vec"
)

func sample(id netid.EntityID, ts float64) protocol.TransformSample {
	return protocol.TransformSample{
		Entity:    id,
		Timestamp: ts,
		Position:  vec.Vec3{X: float64(id), Y: 1, Z: ts},
		Rotation:  vec.FromYaw(float64(id) * 0.1),
		Velocity:  vec.Vec3{X: 1.5},
	}
}

func collectFrames(t *testing.T, bm *BatchManager) [][]byte {
	t.Helper()
	var frames [][]byte
	_, err := bm.Flush(func(frame []byte) {
		frames = append(frames, append([]byte(nil), frame...))
	})
	require.NoError(t, err)
	return frames
}

func decodeAll(t *testing.T, d *Decoder, frames [][]byte) []protocol.TransformSample {
	t.Helper()
	var out []protocol.TransformSample
	for _, f := range frames {
		kind, body, err := protocol.Split(f)
		require.NoError(t, err)
		require.Equal(t, protocol.KindTransformBatch, kind)
		out, err = d.DecodeBatch(out, body)
		require.NoError(t, err)
	}
	return out
}

func TestBatchManager_LatestSampleWins(t *testing.T) {
	bm := NewBatchManager(Options{MTU: 1200}, nil)
	bm.AddChange(Change{Sample: sample(1, 1.0)})
	bm.AddChange(Change{Sample: sample(1, 2.0)})
	bm.AddChange(Change{Sample: sample(2, 1.5)})
	assert.Equal(t, 2, bm.Pending())

	got := decodeAll(t, NewDecoder(nil), collectFrames(t, bm))
	require.Len(t, got, 2)
	for _, s := range got {
		if s.Entity == 1 {
			assert.Equal(t, 2.0, s.Timestamp, "в пакет попадает последний сэмпл")
		}
	}
	assert.Equal(t, 0, bm.Pending(), "очередь очищается после Flush")
}

func TestBatchManager_SplitsAtMTU(t *testing.T) {
	bm := NewBatchManager(Options{MTU: 200}, nil)
	for i := 1; i <= 40; i++ {
		bm.AddChange(Change{Sample: sample(netid.EntityID(i), float64(i))})
	}
	frames := collectFrames(t, bm)
	require.Greater(t, len(frames), 1)
	for _, f := range frames {
		assert.LessOrEqual(t, len(f), 200)
	}
	assert.Len(t, decodeAll(t, NewDecoder(nil), frames), 40)
}

func TestBatchManager_CapacityEvictsLowPriority(t *testing.T) {
	bm := NewBatchManager(Options{Capacity: 2}, nil)
	bm.AddChange(Change{Sample: sample(1, 1), Priority: 1})
	bm.AddChange(Change{Sample: sample(2, 1), Priority: 5})
	bm.AddChange(Change{Sample: sample(3, 1), Priority: 3})
	bm.AddChange(Change{Sample: sample(4, 1), Priority: 0})

	assert.Equal(t, 2, bm.Pending())
	assert.Equal(t, uint64(2), bm.Dropped())

	got := decodeAll(t, NewDecoder(nil), collectFrames(t, bm))
	ids := []netid.EntityID{got[0].Entity, got[1].Entity}
	assert.Equal(t, []netid.EntityID{2, 3}, ids, "остаются высокоприоритетные, по убыванию приоритета")
}

func TestBatchManager_Zstd(t *testing.T) {
	z, err := NewZstdCompressor()
	require.NoError(t, err)
	defer z.Close()

	bm := NewBatchManager(Options{MTU: 1200, CompressAbove: 64}, z)
	for i := 1; i <= 20; i++ {
		s := sample(netid.EntityID(i), 3.0)
		s.Position = vec.Vec3{X: 10, Y: 0, Z: 10}
		bm.AddChange(Change{Sample: s})
	}
	frames := collectFrames(t, bm)
	require.Len(t, frames, 1)
	assert.Equal(t, FlagZstd, frames[0][1], "повторяющиеся данные должны сжиматься")

	got := decodeAll(t, NewDecoder(z), frames)
	assert.Len(t, got, 20)
}

func TestDecoder_Malformed(t *testing.T) {
	d := NewDecoder(nil)

	_, err := d.DecodeBatch(nil, nil)
	assert.True(t, errors.Is(err, protocol.ErrMalformed))

	_, err = d.DecodeBatch(nil, []byte{FlagZstd, 1, 2, 3})
	assert.True(t, errors.Is(err, protocol.ErrMalformed), "сжатый пакет без zstd декодера")

	_, err = d.DecodeBatch(nil, []byte{0, 0x0A, 0x7F})
	assert.True(t, errors.Is(err, protocol.ErrMalformed), "длина больше данных")
}

func TestBatchManager_FlushEmpty(t *testing.T) {
	bm := NewBatchManager(Options{}, nil)
	n, err := bm.Flush(func([]byte) { t.Fatal("пустая очередь не должна отправляться") })
	require.NoError(t, err)
	assert.Zero(t, n)
}
