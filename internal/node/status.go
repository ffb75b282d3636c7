package node

import (
	"maps"
	"time"

	"github.com/annel0/charsync/internal/character"
	"github.com/annel0/charsync/internal/events"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/vec"
)

// CharacterStatus персонаж в снимке состояния
type CharacterStatus struct {
	ID                netid.EntityID     `json:"id"`
	Name              string             `json:"name,omitempty"`
	Kind              string             `json:"kind"`
	Owner             netid.ConnectionID `json:"owner"`
	ServerControlled  bool               `json:"server_controlled"`
	Position          vec.Vec3           `json:"position"`
	Velocity          vec.Vec3           `json:"velocity"`
	Height            float64            `json:"height"`
	Radius            float64            `json:"radius"`
	Band              string             `json:"band"`
	NetworkControlled bool               `json:"network_controlled"`
}

// Status неизменяемый снимок узла, публикуемый в конце каждого тика.
// Читается из любых горутин.
type Status struct {
	SessionID string               `json:"session_id"`
	Authority bool                 `json:"authority"`
	Local     netid.ConnectionID   `json:"local"`
	Connected bool                 `json:"connected"`
	State     string               `json:"state"`
	Countdown float64              `json:"countdown"`
	GameTime  float64              `json:"game_time"`
	Ready     []netid.ConnectionID `json:"ready"`
	Peers     int                  `json:"peers"`
	Players   int                  `json:"players"`
	NPCs      int                  `json:"npcs"`
	Revision  uint64               `json:"revision"`
	Tick      uint64               `json:"tick"`
	SimTime   float64              `json:"sim_time"`
	Drops     map[string]uint64    `json:"drops"`
	Events    events.Stats         `json:"events"`
	UpdatedAt time.Time            `json:"updated_at"`

	Characters []CharacterStatus `json:"characters"`
}

// Status последний опубликованный снимок
func (n *Node) Status() *Status { return n.status.Load() }

// Character персонаж из снимка по id
func (s *Status) Character(id netid.EntityID) (CharacterStatus, bool) {
	for _, c := range s.Characters {
		if c.ID == id {
			return c, true
		}
	}
	return CharacterStatus{}, false
}

// Closest ближайший к origin персонаж снимка. Персонаж соединения exclude
// пропускается (если exclude не None).
func (s *Status) Closest(origin vec.Vec3, exclude netid.ConnectionID) (CharacterStatus, bool) {
	var (
		best  CharacterStatus
		bestD float64
		found bool
	)
	for _, c := range s.Characters {
		if exclude != netid.None && !c.ServerControlled && c.Owner == exclude {
			continue
		}
		d := origin.DistanceSqTo(c.Position)
		if !found || d < bestD {
			best, bestD, found = c, d, true
		}
	}
	return best, found
}

func kindName(c *character.Character) string {
	if c.IsNPC() {
		return "npc"
	}
	return "player"
}

func (n *Node) publishStatus() {
	players, npcs := n.registry.Counts()
	st := &Status{
		SessionID: n.session.SessionID(),
		Authority: n.isAuthority,
		Local:     n.local,
		Connected: n.isAuthority || n.connected,
		State:     n.session.CurrentState().String(),
		Countdown: n.session.CountdownRemaining(),
		GameTime:  n.session.GameTime(),
		Ready:     n.session.ReadyConnections(),
		Peers:     n.session.PeerCount(),
		Players:   players,
		NPCs:      npcs,
		Revision:  n.session.Revision(),
		Tick:      n.ticks,
		SimTime:   n.now,
		Drops:     maps.Clone(n.drops),
		Events:    n.events.Stats(),
		UpdatedAt: time.Now(),

		Characters: make([]CharacterStatus, 0, len(n.order)),
	}
	for _, r := range n.order {
		c := r.Character()
		st.Characters = append(st.Characters, CharacterStatus{
			ID:                c.ID,
			Name:              c.Name,
			Kind:              kindName(c),
			Owner:             c.Control.Owner,
			ServerControlled:  c.Control.ServerControlled(),
			Position:          c.Transform.Position,
			Velocity:          c.Transform.Velocity,
			Height:            c.Shape.Height,
			Radius:            c.Shape.Radius,
			Band:              r.Band().String(),
			NetworkControlled: r.IsNetworkControlled(),
		})
	}
	n.status.Store(st)

	ready := len(st.Ready)
	n.metrics.Population(players, npcs, st.Peers, ready, uint8(n.session.CurrentState()))
}
