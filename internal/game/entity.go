// Package game implements the authoritative simulation: per-car physics and
// the per-room World that advances them, detects collisions, and decides wins.
//
// Nothing in this package is goroutine-safe on its own. A World and all of its
// Entities are owned by exactly one Room, and every call into them happens
// under that Room's lock.
package game

import (
	"math"

	"github.com/driftline/server/config"
	"github.com/driftline/server/internal/track"
)

// Key indexes into an Entity's held-key array.
type Key int

const (
	KeyForward Key = iota
	KeyBackward
	KeyLeft
	KeyRight
)

// Physics is the wire representation of an entity's physical state. It is the
// payload of snapshots and crash resets, and must match the client schema
// exactly.
type Physics struct {
	Pos          [2]float64 `json:"pos"` // [along-track, lateral offset]
	Vel          float64    `json:"vel"`
	Acc          float64    `json:"acc"`
	Angle        float64    `json:"angle"`
	HitboxRadius float64    `json:"hitbox_radius"`
	Keys         [4]bool    `json:"keys"` // forward, backward, left, right
	IsCrashed    bool       `json:"is_crashed"`
}

// Snapshot is one entity's entry in a broadcast world snapshot.
type Snapshot struct {
	Username string  `json:"username"`
	Color    string  `json:"color"`
	Physics  Physics `json:"physics"`
}

// Entity is one player's car. Position is track-relative: Pos[0] is distance
// along the track, Pos[1] is lateral offset from the track center. Vel and Acc
// are scalars along the car's heading; Angle is the heading in degrees,
// normalized to [0,360).
type Entity struct {
	Name     string
	Color    string
	ClientID string // room-scoped owner id, used to route crash events

	Pos          [2]float64
	Vel          float64
	Acc          float64
	Angle        float64
	HitboxRadius float64
	Keys         [4]bool

	IsCrashed bool
	CrashEnd  float64 // unix seconds; input is locked out until then

	// Each entity integrates over its own elapsed time rather than a shared
	// tick delta. The physics constants were tuned against this self-paced
	// dt, so it is load-bearing, not an accident.
	lastUpdate float64

	track *track.Track
}

// NewEntity creates a car at the given spawn position with its clock set to
// now.
func NewEntity(clientID, name, color string, trk *track.Track, pos [2]float64, now float64) *Entity {
	return &Entity{
		Name:         name,
		Color:        color,
		ClientID:     clientID,
		Pos:          pos,
		HitboxRadius: config.DefaultHitbox,
		lastUpdate:   now,
		track:        trk,
	}
}

// SetKey records a key state change from the owning client.
func (e *Entity) SetKey(k Key, down bool) {
	e.Keys[k] = down
}

// Update advances the car to wall-clock time now (unix seconds).
//
// While a crash lockout is active the car cannot accelerate or steer: held
// keys are cleared and only the clock advances. The crash flag clears with
// the lockout. Otherwise steering, drive force, and drag are integrated over
// this entity's own elapsed time, and the car drifts laterally by however far
// its heading diverges from the track's local angle.
func (e *Entity) Update(now float64) {
	if now < e.CrashEnd {
		e.Keys = [4]bool{}
		e.lastUpdate = now
		return
	}
	e.IsCrashed = false

	dt := now - e.lastUpdate
	if dt <= 0 {
		e.lastUpdate = now
		return
	}

	// Steering authority shrinks as speed rises.
	turnResistance := 1 - math.Pow(0.01*e.Vel-1, 2)
	steer := keyAxis(e.Keys[KeyRight]) - keyAxis(e.Keys[KeyLeft])
	e.Angle = normalizeAngle(e.Angle + steer*config.TurnRate*turnResistance*dt)

	// A car cannot face backward relative to the track: clamp to the nearest
	// forward-facing extreme.
	if e.Angle >= 180 && e.Angle < 270 {
		e.Angle = 270
	} else if e.Angle > 90 && e.Angle < 180 {
		e.Angle = 90
	}

	// Drive force: braking is constant, throttle has diminishing returns and
	// reaches zero net force at top speed, coasting decays under drag.
	switch {
	case e.Keys[KeyBackward] && !e.Keys[KeyForward]:
		e.Acc = -10
	case e.Keys[KeyForward] && !e.Keys[KeyBackward]:
		e.Acc = 10 - math.Sqrt(e.Vel)
	default:
		e.Acc = -math.Sqrt(e.Vel)
	}

	e.Vel = clamp(e.Vel+e.Acc*dt, 0, config.MaxVelocity)

	// The heading drifts toward the outside of curves unless counter-steered:
	// integrate position along the angle relative to the track's own.
	angularAccel := 10/(0.4*e.Vel+2.22) + 0.5
	relAngle := normalizeAngle(e.Angle + angularAccel*dt - e.track.AngleAt(e.Pos[0]))
	rad := relAngle * math.Pi / 180
	e.Pos[0] += e.Vel * math.Cos(rad) * dt
	e.Pos[1] += e.Vel * math.Sin(rad) * dt

	e.lastUpdate = now
}

// Progress returns the fraction of the track completed, in [0, 1] and beyond
// once the car crosses the finish line.
func (e *Entity) Progress() float64 {
	return e.Pos[0] / e.track.Length()
}

// PhysicsData returns the wire representation of the current state.
func (e *Entity) PhysicsData() Physics {
	return Physics{
		Pos:          e.Pos,
		Vel:          e.Vel,
		Acc:          e.Acc,
		Angle:        normalizeAngle(e.Angle),
		HitboxRadius: e.HitboxRadius,
		Keys:         e.Keys,
		IsCrashed:    e.IsCrashed,
	}
}

// SetPhysics overwrites the full physical state from an authoritative payload
// (crash resets) and restarts the local clock. This is a replacement, never a
// merge.
func (e *Entity) SetPhysics(p Physics, now float64) {
	e.Pos = p.Pos
	e.Vel = p.Vel
	e.Acc = p.Acc
	e.Angle = normalizeAngle(p.Angle)
	e.HitboxRadius = p.HitboxRadius
	e.Keys = p.Keys
	e.IsCrashed = p.IsCrashed
	e.lastUpdate = now
}

func keyAxis(down bool) float64 {
	if down {
		return 1
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

func normalizeAngle(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	return a
}
