package authority

import (
	"bytes"
	"errors"
	"testing"

	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/logging"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	server = Requester{Conn: netid.Server, IsAuthority: true}
	alice  = Requester{Conn: 2}
	bob    = Requester{Conn: 3}
)

func TestCanMutate_Policy(t *testing.T) {
	player := character.New(1, character.PlayerControl(2), vec.Vec3{})
	npc := character.New(2, character.NPCControl(), vec.Vec3{})

	tests := []struct {
		name   string
		op     Operation
		req    Requester
		target *character.Character
		want   bool
	}{
		{"владелец двигает своего", OpTransform, alice, player, true},
		{"чужой не двигает", OpMovement, bob, player, false},
		{"сервер не двигает чужого игрока", OpAnimation, server, player, false},
		{"сервер двигает NPC", OpTransform, server, npc, true},
		{"клиент не двигает NPC", OpTransform, alice, npc, false},
		{"владелец не меняет статы", OpStats, alice, player, false},
		{"сервер меняет статы", OpStats, server, player, true},
		{"сервер назначает команду", OpTeam, server, npc, true},
		{"клиент не спавнит", OpSpawn, alice, nil, false},
		{"сервер спавнит", OpSpawn, server, nil, true},
		{"передача владения только сервером", OpOwnershipTransfer, alice, player, false},
		{"состояние сессии только сервером", OpSessionState, alice, nil, false},
		{"операция владельца без цели", OpTransform, alice, nil, false},
		{"None не владелец", OpTransform, Requester{Conn: netid.None}, player, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanMutate(tt.op, tt.req, tt.target))
		})
	}
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, OwnerAuthority, ClassOf(OpShape))
	assert.Equal(t, ServerAuthority, ClassOf(OpInventory))
	assert.Equal(t, "Inventory", OpInventory.String())
	assert.Equal(t, "Unknown", Operation(200).String())
}

func quietGate(hook ViolationHook) *Gate {
	return NewGate(logging.NewWriterLogger("authority", &bytes.Buffer{}, logging.ERROR), hook)
}

func TestGate_AuthorizeCountsViolations(t *testing.T) {
	var hooked []Operation
	g := quietGate(func(op Operation, _ Requester, _ netid.EntityID) { hooked = append(hooked, op) })
	player := character.New(1, character.PlayerControl(2), vec.Vec3{})

	require.NoError(t, g.Authorize(OpTransform, alice, player))
	err := g.Authorize(OpTransform, bob, player)
	assert.True(t, errors.Is(err, ErrViolation))
	assert.Equal(t, uint64(1), g.Denied())
	assert.Equal(t, []Operation{OpTransform}, hooked)
}

func TestGate_TrackConfirmReject(t *testing.T) {
	g := quietGate(nil)
	player := character.New(1, character.PlayerControl(2), vec.Vec3{})

	rolled := 0
	id1, err := g.Track(OpAnimation, alice, player, func() { rolled++ })
	require.NoError(t, err)
	id2, err := g.Track(OpMovement, alice, player, func() { rolled++ })
	require.NoError(t, err)
	assert.Equal(t, 2, g.PendingFor(1))

	g.Confirm(id1)
	assert.Equal(t, 0, rolled)
	g.Reject(id2)
	assert.Equal(t, 1, rolled, "отклонённое изменение откатывается")
	assert.Equal(t, 0, g.PendingFor(1))

	// Повторное подтверждение неизвестного id: no-op
	g.Confirm(id1)
	g.Reject(id2)
	assert.Equal(t, 1, rolled)
}

func TestGate_TrackDeniedRollsBackImmediately(t *testing.T) {
	g := quietGate(nil)
	player := character.New(1, character.PlayerControl(2), vec.Vec3{})

	rolled := false
	_, err := g.Track(OpTransform, bob, player, func() { rolled = true })
	assert.True(t, errors.Is(err, ErrViolation))
	assert.True(t, rolled)
	assert.Equal(t, 0, g.PendingFor(1))
}

func TestGate_OwnershipChangeReevaluates(t *testing.T) {
	g := quietGate(nil)
	reg := character.NewRegistry()
	player := character.New(1, character.PlayerControl(2), vec.Vec3{})
	require.NoError(t, reg.Register(player))

	rolled := 0
	_, err := g.Track(OpTransform, alice, player, func() { rolled++ })
	require.NoError(t, err)
	_, err = g.Track(OpAnimation, alice, player, func() { rolled++ })
	require.NoError(t, err)

	require.NoError(t, reg.TransferOwnership(1, 2, 3))
	n := g.OwnershipChanged(player)

	assert.Equal(t, 2, n)
	assert.Equal(t, 2, rolled)
	assert.Equal(t, 0, g.PendingFor(1))
}
