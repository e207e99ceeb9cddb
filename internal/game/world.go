package game

import (
	"fmt"
	"math"
	"sort"

	"github.com/driftline/server/config"
	"github.com/driftline/server/internal/track"
)

// AreColliding reports whether two cars' circular hitboxes overlap.
func AreColliding(e1, e2 *Entity) bool {
	dx := e1.Pos[0] - e2.Pos[0]
	dy := e1.Pos[1] - e2.Pos[1]
	return math.Sqrt(dx*dx+dy*dy) < e1.HitboxRadius+e2.HitboxRadius
}

// CrashNotice is the authoritative reset produced when a car crashes. The
// room sends it to the owning client, which must overwrite its local state
// with NewPhysics rather than merge.
type CrashNotice struct {
	ClientID          string
	NewPhysics        Physics
	CrashEndTimestamp float64
}

// Standing is one row of the final ranking, broadcast in the game-end event.
type Standing struct {
	Username string `json:"username"`
	Color    string `json:"color"`
	Score    string `json:"score"` // "<percent>%"
}

// TickResult is everything one World.Update produced beyond entity state:
// crash resets to deliver and, if someone finished, the final ranking.
type TickResult struct {
	Ended     bool
	Standings []Standing
	Crashes   []CrashNotice
}

// World owns every Entity of one room plus the immutable track they race on.
// Not goroutine-safe; owned and locked by its Room.
type World struct {
	track    *track.Track
	entities map[string]*Entity // keyed by client id
	order    []string           // stable iteration order (join order)
}

// NewWorld creates an empty world on the given track.
func NewWorld(trk *track.Track) *World {
	return &World{
		track:    trk,
		entities: make(map[string]*Entity),
	}
}

// Track returns the world's track.
func (w *World) Track() *track.Track {
	return w.track
}

// SpawnEntity creates a car for clientID at the given spawn position.
func (w *World) SpawnEntity(clientID, username, color string, pos [2]float64, now float64) *Entity {
	e := NewEntity(clientID, username, color, w.track, pos, now)
	w.entities[clientID] = e
	w.order = append(w.order, clientID)
	return e
}

// RemoveEntity destroys clientID's car. Safe to call for unknown ids.
func (w *World) RemoveEntity(clientID string) {
	if _, ok := w.entities[clientID]; !ok {
		return
	}
	delete(w.entities, clientID)
	for i, id := range w.order {
		if id == clientID {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// Entity returns clientID's car, or nil.
func (w *World) Entity(clientID string) *Entity {
	return w.entities[clientID]
}

// Len returns the number of cars in the world.
func (w *World) Len() int {
	return len(w.entities)
}

// Update runs one tick: advance every car, then check for a winner, then —
// only if nobody has won — check car-car collisions and track-boundary
// violations. The order matters: a car that crosses the finish line in the
// same tick it would have crashed is a winner, not a crash victim.
func (w *World) Update(now float64) TickResult {
	for _, e := range w.ordered() {
		e.Update(now)
	}

	if w.hasWinner() {
		return TickResult{Ended: true, Standings: w.Standings()}
	}

	var res TickResult
	res.Crashes = append(res.Crashes, w.CheckEntityCollisions(now)...)
	res.Crashes = append(res.Crashes, w.CheckTrackBounds(now)...)
	return res
}

// CheckEntityCollisions runs the pairwise collision pass. Brute force O(n²)
// is deliberate: a room holds at most eight cars, 28 pairs.
//
// Both cars in a colliding pair are reset: stopped, aligned with the track,
// and pinned to opposite sides of the center line so they come back apart.
func (w *World) CheckEntityCollisions(now float64) []CrashNotice {
	entities := w.ordered()

	var notices []CrashNotice
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			e1, e2 := entities[i], entities[j]
			if !AreColliding(e1, e2) {
				continue
			}

			// The car already closer to a side keeps that side.
			left, right := e1, e2
			if e2.Pos[1] < e1.Pos[1] {
				left, right = e2, e1
			}
			notices = append(notices,
				w.crash(left, -w.track.Width()/5, now),
				w.crash(right, w.track.Width()/5, now),
			)
		}
	}
	return notices
}

// CheckTrackBounds resets every car that has drifted past the out-of-bounds
// leniency margin, pinning it back onto the center line.
func (w *World) CheckTrackBounds(now float64) []CrashNotice {
	var notices []CrashNotice
	for _, e := range w.ordered() {
		if math.Abs(e.Pos[1]) > w.track.OOBBound() {
			notices = append(notices, w.crash(e, 0, now))
		}
	}
	return notices
}

// crash applies the authoritative reset to e and returns the notice to send.
// The reset is exactly the payload: velocity and acceleration zeroed, heading
// snapped to the local track angle, lateral offset pinned.
func (w *World) crash(e *Entity, lateral float64, now float64) CrashNotice {
	reset := Physics{
		Pos:          [2]float64{e.Pos[0], lateral},
		Vel:          0,
		Acc:          0,
		Angle:        w.track.AngleAt(e.Pos[0]),
		HitboxRadius: e.HitboxRadius,
		Keys:         e.Keys,
		IsCrashed:    true,
	}
	e.SetPhysics(reset, now)
	e.CrashEnd = now + config.CrashDuration

	return CrashNotice{
		ClientID:          e.ClientID,
		NewPhysics:        reset,
		CrashEndTimestamp: e.CrashEnd,
	}
}

// Standings ranks every car by progress, best first.
func (w *World) Standings() []Standing {
	entities := w.ordered()
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].Progress() > entities[j].Progress()
	})

	standings := make([]Standing, len(entities))
	for i, e := range entities {
		pct := int(math.Min(e.Progress(), 1) * 100)
		standings[i] = Standing{
			Username: e.Name,
			Color:    e.Color,
			Score:    fmt.Sprintf("%d%%", pct),
		}
	}
	return standings
}

// GetAllData serializes every car for a broadcast snapshot, in join order.
func (w *World) GetAllData() []Snapshot {
	snaps := make([]Snapshot, 0, len(w.entities))
	for _, e := range w.ordered() {
		snaps = append(snaps, Snapshot{
			Username: e.Name,
			Color:    e.Color,
			Physics:  e.PhysicsData(),
		})
	}
	return snaps
}

func (w *World) hasWinner() bool {
	for _, e := range w.entities {
		if e.Progress() >= 1 {
			return true
		}
	}
	return false
}

// ordered returns the entities in join order.
func (w *World) ordered() []*Entity {
	out := make([]*Entity, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.entities[id])
	}
	return out
}
