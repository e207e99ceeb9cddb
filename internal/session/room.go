package session

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftline/server/config"
	"github.com/driftline/server/internal/game"
	"github.com/driftline/server/internal/protocol"
	"github.com/driftline/server/internal/track"
)

// Phase is a room's position in its lifecycle. Transitions only ever move
// forward: Lobby -> Countdown -> Running -> Ended, with Disbanded reachable
// from anywhere.
type Phase int

const (
	PhaseLobby Phase = iota
	PhaseCountdown
	PhaseRunning
	PhaseEnded
	PhaseDisbanded
)

func (p Phase) String() string {
	switch p {
	case PhaseLobby:
		return "lobby"
	case PhaseCountdown:
		return "countdown"
	case PhaseRunning:
		return "running"
	case PhaseEnded:
		return "ended"
	case PhaseDisbanded:
		return "disbanded"
	}
	return "unknown"
}

// carColors is the assignment pool, handed out in order of availability.
// Eight colors, eight seats.
var carColors = []string{
	"red", "orange", "yellow", "green", "blue", "purple", "pink", "white",
}

// PlayerInfo is one room member as reported by the control plane.
type PlayerInfo struct {
	Username string `json:"username"`
	Color    string `json:"color"`
}

type member struct {
	client *Client
	color  string
}

// Room is one racing lobby and, once started, one running game. All state is
// guarded by a single mutex; the scheduler, the HTTP handlers, and every
// member's read loop all call in under it. The World inside is only ever
// touched while the lock is held.
type Room struct {
	mu sync.Mutex

	code string
	trk  *track.Track
	log  *logrus.Entry

	phase   Phase
	hostID  string
	members map[string]*member
	joined  []string       // join order, for stable color and spawn handout
	names   map[string]int // base username -> times seen, for dedupe

	world          *game.World
	startTimestamp float64
	startTimer     *time.Timer
}

// NewRoom creates an empty lobby on the given track.
func NewRoom(code string, trk *track.Track, log *logrus.Entry) *Room {
	return &Room{
		code:    code,
		trk:     trk,
		log:     log.WithField("room", code),
		phase:   PhaseLobby,
		members: make(map[string]*member),
		names:   make(map[string]int),
	}
}

// Code returns the room's join code.
func (r *Room) Code() string {
	return r.code
}

// Track returns the track this room races on.
func (r *Room) Track() *track.Track {
	return r.trk
}

// Phase returns the current lifecycle phase.
func (r *Room) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Len returns the current member count.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// HostID returns the client id of the room's host.
func (r *Room) HostID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostID
}

// Players lists the current members in join order.
func (r *Room) Players() []PlayerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PlayerInfo, 0, len(r.joined))
	for _, id := range r.joined {
		m := r.members[id]
		out = append(out, PlayerInfo{Username: m.client.Username, Color: m.color})
	}
	return out
}

// AddClient seats a client in the lobby. The first client in becomes host.
// The client's username is deduplicated against the room and its color is
// assigned here; everyone already seated gets a player-join event.
func (r *Room) AddClient(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseLobby {
		return ErrGameStarted
	}
	if len(r.members) >= config.MaxPlayersPerRoom {
		return ErrRoomFull
	}

	base := c.Username
	r.names[base]++
	if n := r.names[base]; n > 1 {
		c.Username = fmt.Sprintf("%s-%d", base, n)
	}

	color := r.pickColorLocked()
	if len(r.members) == 0 {
		r.hostID = c.ID
	}

	r.broadcastEventLocked(protocol.PlayerJoin{Username: c.Username, Color: color}, "")

	r.members[c.ID] = &member{client: c, color: color}
	r.joined = append(r.joined, c.ID)

	r.log.WithFields(logrus.Fields{
		"client_id": c.ID,
		"username":  c.Username,
		"color":     color,
		"players":   len(r.members),
	}).Info("player joined")

	return nil
}

// RemoveClient unseats a client. Remaining members get a player-leave event.
// If the host leaves before the game starts, or the last member leaves, the
// room disbands. Returns true if this removal disbanded the room.
func (r *Room) RemoveClient(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(clientID)
}

func (r *Room) removeLocked(clientID string) bool {
	m, ok := r.members[clientID]
	if !ok {
		return false
	}

	delete(r.members, clientID)
	for i, id := range r.joined {
		if id == clientID {
			r.joined = append(r.joined[:i], r.joined[i+1:]...)
			break
		}
	}
	if r.world != nil {
		r.world.RemoveEntity(clientID)
	}

	m.client.SendEvent(protocol.Leave{})
	r.log.WithFields(logrus.Fields{
		"client_id": clientID,
		"username":  m.client.Username,
		"players":   len(r.members),
	}).Info("player left")

	if len(r.members) == 0 {
		r.disbandLocked()
		return true
	}
	if clientID == r.hostID && (r.phase == PhaseLobby || r.phase == PhaseCountdown) {
		r.log.Info("host left before start, disbanding")
		r.disbandLocked()
		return true
	}

	r.broadcastEventLocked(protocol.PlayerLeave{Username: m.client.Username}, "")
	return false
}

// StartGame begins the countdown. Host only, lobby only. Every member gets a
// game-init event carrying the shared start timestamp and spawn state; input
// opens when the countdown elapses.
func (r *Room) StartGame(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseLobby {
		return ErrGameStarted
	}
	if _, ok := r.members[clientID]; !ok {
		return ErrNotInRoom
	}
	if clientID != r.hostID {
		return ErrNotHost
	}

	startedAt := now()
	r.phase = PhaseCountdown
	r.startTimestamp = startedAt + config.CountdownDelay

	r.world = game.NewWorld(r.trk)
	slots := r.spawnSlots(len(r.joined))
	for i, id := range r.joined {
		m := r.members[id]
		r.world.SpawnEntity(id, m.client.Username, m.color, [2]float64{0, slots[i]}, startedAt)
	}

	r.broadcastEventLocked(protocol.GameInit{
		StartTimestamp: r.startTimestamp,
		InitWorldData:  r.world.GetAllData(),
	}, "")

	r.startTimer = time.AfterFunc(
		time.Duration(config.CountdownDelay*float64(time.Second)),
		r.beginRunning,
	)

	r.log.WithFields(logrus.Fields{
		"players":  len(r.members),
		"map":      r.trk.Details().MapName,
		"start_at": r.startTimestamp,
	}).Info("game starting")

	return nil
}

// beginRunning fires when the countdown elapses: the game-start event goes
// out and the phase gate in ApplyInput opens. Connections are read from
// handshake time; no per-member wiring happens here.
func (r *Room) beginRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseCountdown {
		return
	}
	r.phase = PhaseRunning

	r.broadcastEventLocked(protocol.GameStart{}, "")
	r.log.Info("game running")
}

// ApplyInput records one control input against the sender's car. Input
// outside the running phase, or from a client without a car, is dropped.
func (r *Room) ApplyInput(clientID string, in protocol.KeyInput) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseRunning {
		return
	}
	e := r.world.Entity(clientID)
	if e == nil {
		return
	}
	e.SetKey(game.Key(in.Key), in.Down)
}

// Tick advances the simulation one step at wall-clock time now. Crash resets
// go to the crashed car's owner only; a finished game broadcasts the final
// ranking and moves the room to Ended.
func (r *Room) Tick(tickTime float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseRunning {
		return
	}

	res := r.world.Update(tickTime)

	for _, crash := range res.Crashes {
		if m, ok := r.members[crash.ClientID]; ok {
			m.client.SendEvent(protocol.Crash{
				NewPhysics:        crash.NewPhysics,
				CrashEndTimestamp: crash.CrashEndTimestamp,
			})
		}
	}

	if res.Ended {
		r.phase = PhaseEnded
		r.broadcastEventLocked(protocol.GameEnd(res.Standings), "")
		r.log.WithField("winner", res.Standings[0].Username).Info("game ended")
	}
}

// BroadcastSnapshot pushes the authoritative world state to every member and
// sweeps out clients whose connections have died since the last pass.
func (r *Room) BroadcastSnapshot() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseRunning {
		return
	}

	var dead []*member
	for _, m := range r.members {
		if !m.client.Alive() {
			dead = append(dead, m)
		}
	}
	for _, m := range dead {
		m.client.Close()
		if r.removeLocked(m.client.ID) {
			return
		}
	}

	msg, err := protocol.EncodeSnapshot(r.world.GetAllData())
	if err != nil {
		r.log.WithError(err).Error("snapshot encode failed")
		return
	}
	for _, m := range r.members {
		m.client.Send(msg)
	}
}

// Disband tears the room down from any phase: every member gets a leave
// event and is detached. Connections stay open; a detached client keeps its
// id and can join another room.
func (r *Room) Disband() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disbandLocked()
}

func (r *Room) disbandLocked() {
	if r.phase == PhaseDisbanded {
		return
	}
	r.phase = PhaseDisbanded

	if r.startTimer != nil {
		r.startTimer.Stop()
	}
	for _, m := range r.members {
		m.client.SendEvent(protocol.Leave{})
	}
	r.members = make(map[string]*member)
	r.joined = nil
	r.log.Info("room disbanded")
}

// broadcastEventLocked sends an event to every member except exceptID.
// Caller must hold the room lock.
func (r *Room) broadcastEventLocked(e protocol.Event, exceptID string) {
	msg, err := protocol.EncodeEvent(e)
	if err != nil {
		r.log.WithError(err).WithField("event", e.EventName()).Error("event encode failed")
		return
	}
	for id, m := range r.members {
		if id == exceptID {
			continue
		}
		m.client.Send(msg)
	}
}

// pickColorLocked returns the first color not currently worn in the room.
func (r *Room) pickColorLocked() string {
	inUse := make(map[string]bool, len(r.members))
	for _, m := range r.members {
		inUse[m.color] = true
	}
	for _, c := range carColors {
		if !inUse[c] {
			return c
		}
	}
	return carColors[0] // unreachable while the pool matches room capacity
}

// spawnSlots returns n shuffled lateral starting offsets spread across the
// middle of the track, so the grid order does not leak join order.
func (r *Room) spawnSlots(n int) []float64 {
	usable := r.trk.Width() / 2
	slots := make([]float64, n)
	for i := range slots {
		slots[i] = -usable/2 + usable*(float64(i)+0.5)/float64(n)
	}
	rand.Shuffle(n, func(i, j int) {
		slots[i], slots[j] = slots[j], slots[i]
	})
	return slots
}
