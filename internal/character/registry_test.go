package character

import (
	"errors"
	"sync"
	"testing"

	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPlayer(id netid.EntityID, owner netid.ConnectionID, x float64) *Character {
	return New(id, PlayerControl(owner), vec.Vec3{X: x})
}

func newNPC(id netid.EntityID, x float64) *Character {
	return New(id, NPCControl(), vec.Vec3{X: x})
}

func collect(seq func(func(*Character) bool)) []netid.EntityID {
	var ids []netid.EntityID
	seq(func(c *Character) bool {
		ids = append(ids, c.ID)
		return true
	})
	return ids
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newPlayer(1, 2, 0)))
	require.NoError(t, r.Register(newPlayer(2, 3, 5)))
	require.NoError(t, r.Register(newNPC(10, 1)))

	c, ok := r.GetByConnection(3)
	require.True(t, ok)
	assert.Equal(t, netid.EntityID(2), c.ID)

	_, ok = r.GetByConnection(netid.None)
	assert.False(t, ok, "None не должен находить NPC")

	players, npcs := r.Counts()
	assert.Equal(t, 2, players)
	assert.Equal(t, 1, npcs)
	assert.Equal(t, []netid.EntityID{1, 2}, collect(r.Players()))
	assert.Equal(t, []netid.EntityID{10}, collect(r.NPCs()))
	assert.Equal(t, []netid.EntityID{1, 2, 10}, collect(r.All()))
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newPlayer(1, 2, 0)))

	err := r.Register(newPlayer(1, 5, 0))
	assert.True(t, errors.Is(err, ErrDuplicateCharacter))

	err = r.Register(newPlayer(7, 2, 0))
	assert.True(t, errors.Is(err, ErrConnectionTaken), "соединение владеет не более чем одним персонажем")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	var despawns int
	r.Subscribe(func(n Notification) {
		if n.Kind == Despawned {
			despawns++
		}
	})

	require.NoError(t, r.Register(newPlayer(1, 2, 0)))
	r.Unregister(1)
	r.Unregister(1)
	r.Unregister(999)

	assert.Equal(t, 1, despawns)
	_, ok := r.Get(1)
	assert.False(t, ok)
	_, ok = r.GetByConnection(2)
	assert.False(t, ok, "индекс по соединению очищается синхронно")
}

func TestRegistry_LocalPlayer(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newPlayer(1, 2, 0)))

	_, ok := r.LocalPlayer()
	assert.False(t, ok, "в режиме сервера локального игрока нет")

	r.SetLocalConnection(2)
	c, ok := r.LocalPlayer()
	require.True(t, ok)
	assert.Equal(t, netid.EntityID(1), c.ID)
}

func TestRegistry_GetClosest(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newPlayer(1, 2, 1)))
	require.NoError(t, r.Register(newPlayer(2, 3, 4)))
	require.NoError(t, r.Register(newNPC(10, -6)))

	c, ok := r.GetClosest(vec.Vec3{}, netid.None)
	require.True(t, ok)
	assert.Equal(t, netid.EntityID(1), c.ID)

	c, ok = r.GetClosest(vec.Vec3{}, 2)
	require.True(t, ok)
	assert.Equal(t, netid.EntityID(2), c.ID, "собственный персонаж исключается")

	_, ok = NewRegistry().GetClosest(vec.Vec3{}, netid.None)
	assert.False(t, ok)
}

func TestRegistry_WithinRadius(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newPlayer(1, 2, 1)))
	require.NoError(t, r.Register(newPlayer(2, 3, 5)))
	require.NoError(t, r.Register(newNPC(10, 5.0001)))

	var hit []netid.EntityID
	r.WithinRadius(vec.Vec3{}, 5, func(c *Character) { hit = append(hit, c.ID) })
	assert.Equal(t, []netid.EntityID{1, 2}, hit)
}

func TestRegistry_TransferOwnership(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newPlayer(1, 2, 0)))

	var got []Notification
	r.Subscribe(func(n Notification) { got = append(got, n) })

	require.NoError(t, r.TransferOwnership(1, 2, netid.None))
	c, _ := r.Get(1)
	_, owned := c.Owner()
	assert.False(t, owned, "персонаж стал серверным")
	_, ok := r.GetByConnection(2)
	assert.False(t, ok)

	require.NoError(t, r.TransferOwnership(1, netid.None, 4))
	c, ok = r.GetByConnection(4)
	require.True(t, ok)
	assert.Equal(t, netid.EntityID(1), c.ID)

	require.Len(t, got, 2)
	assert.Equal(t, OwnershipChanged, got[0].Kind)
	assert.Equal(t, netid.ConnectionID(2), got[0].PrevOwner)
	assert.Equal(t, netid.None, got[0].NewOwner)

	assert.True(t, errors.Is(r.TransferOwnership(99, 0, 4), ErrUnknownCharacter))
}

func TestRegistry_ConcurrentTransferSingleWinner(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newNPC(1, 0)))

	const contenders = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []netid.ConnectionID
	)
	for i := 0; i < contenders; i++ {
		conn := netid.FirstClient + netid.ConnectionID(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.TransferOwnership(1, netid.None, conn); err == nil {
				mu.Lock()
				wins = append(wins, conn)
				mu.Unlock()
			} else {
				assert.True(t, errors.Is(err, ErrOwnershipConflict))
			}
		}()
	}
	wg.Wait()

	require.Len(t, wins, 1, "ровно один победитель")
	c, _ := r.Get(1)
	assert.Equal(t, wins[0], c.Control.Owner)
}

func TestRegistry_CommitThenNotify(t *testing.T) {
	r := NewRegistry()
	var order []string

	r.Subscribe(func(n Notification) {
		order = append(order, "first:"+n.Kind.String())
		// Мутация из наблюдателя: уведомление должно прийти после текущего
		if n.Kind == Spawned && n.Character.ID == 1 {
			_, ok := r.Get(1)
			assert.True(t, ok, "наблюдатель видит уже зафиксированное состояние")
			require.NoError(t, r.Register(newNPC(2, 0)))
		}
	})
	r.Subscribe(func(n Notification) {
		order = append(order, "second:"+n.Kind.String())
	})

	require.NoError(t, r.Register(newPlayer(1, 2, 0)))

	assert.Equal(t, []string{
		"first:Spawned", "second:Spawned",
		"first:Spawned", "second:Spawned",
	}, order)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_IterationSurvivesMutation(t *testing.T) {
	r := NewRegistry()
	for i := 1; i <= 3; i++ {
		require.NoError(t, r.Register(newNPC(netid.EntityID(i), float64(i))))
	}

	var seen int
	for c := range r.NPCs() {
		seen++
		r.Unregister(c.ID)
	}
	assert.Equal(t, 3, seen)
	assert.Equal(t, 0, r.Len())
}
