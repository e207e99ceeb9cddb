package session

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/driftline/server/config"
	"github.com/driftline/server/internal/protocol"
	"github.com/driftline/server/internal/track"
)

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Registry tracks every connected client and every live room, and owns the
// client-to-room membership used by the control plane. Room lifecycle
// operations all enter through here.
type Registry struct {
	mu sync.RWMutex

	catalog *track.Catalog
	log     *logrus.Entry

	clients    map[string]*Client
	rooms      map[string]*Room
	membership map[string]string // client id -> room code
}

// NewRegistry creates an empty registry serving tracks from the catalog.
func NewRegistry(catalog *track.Catalog, log *logrus.Entry) *Registry {
	return &Registry{
		catalog:    catalog,
		log:        log,
		clients:    make(map[string]*Client),
		rooms:      make(map[string]*Room),
		membership: make(map[string]string),
	}
}

// RegisterClient records a freshly handshaken client.
func (g *Registry) RegisterClient(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[c.ID] = c
}

// UnregisterClient drops a client entirely: out of its room, out of the
// registry, connection closed. Safe for unknown ids.
func (g *Registry) UnregisterClient(clientID string) {
	g.LeaveRoom(clientID)

	g.mu.Lock()
	c, ok := g.clients[clientID]
	delete(g.clients, clientID)
	g.mu.Unlock()

	if ok {
		c.Close()
	}
}

// Client returns the connected client with the given id, or an error.
func (g *Registry) Client(clientID string) (*Client, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c, ok := g.clients[clientID]
	if !ok {
		return nil, ErrNoSuchClient
	}
	return c, nil
}

// Room returns the room with the given code, or an error.
func (g *Registry) Room(code string) (*Room, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	room, ok := g.rooms[code]
	if !ok {
		return nil, ErrNoSuchRoom
	}
	return room, nil
}

// Rooms returns a snapshot of every live room, for the scheduler's tick
// sweep.
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		out = append(out, room)
	}
	return out
}

// CreateRoom opens a new lobby on a random track with clientID as host.
func (g *Registry) CreateRoom(clientID string) (*Room, error) {
	c, err := g.Client(clientID)
	if err != nil {
		return nil, err
	}
	if g.inRoom(clientID) {
		return nil, ErrAlreadyInRoom
	}

	g.mu.Lock()
	if len(g.rooms) >= config.MaxRoomsPerServer {
		g.mu.Unlock()
		return nil, ErrServerFull
	}
	code, err := g.newRoomCodeLocked()
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	room := NewRoom(code, g.catalog.Random(), g.log)
	g.rooms[code] = room
	g.membership[clientID] = code
	g.mu.Unlock()

	if err := room.AddClient(c); err != nil {
		// A brand-new room cannot refuse its host; unwind anyway.
		g.mu.Lock()
		delete(g.rooms, code)
		delete(g.membership, clientID)
		g.mu.Unlock()
		return nil, err
	}

	g.log.WithFields(logrus.Fields{
		"room": code,
		"host": clientID,
		"map":  room.Track().Details().MapName,
	}).Info("room created")

	return room, nil
}

// JoinRoom seats clientID in the room with the given code.
func (g *Registry) JoinRoom(clientID, code string) (*Room, error) {
	c, err := g.Client(clientID)
	if err != nil {
		return nil, err
	}
	if g.inRoom(clientID) {
		return nil, ErrAlreadyInRoom
	}
	room, err := g.Room(code)
	if err != nil {
		return nil, err
	}

	if err := room.AddClient(c); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.membership[clientID] = code
	g.mu.Unlock()

	return room, nil
}

// LeaveRoom unseats clientID from whatever room it is in. A no-op for clients
// not in a room. If the departure disbands the room, the room is dropped.
func (g *Registry) LeaveRoom(clientID string) {
	g.mu.Lock()
	code, ok := g.membership[clientID]
	if ok {
		delete(g.membership, clientID)
	}
	room := g.rooms[code]
	g.mu.Unlock()

	if !ok || room == nil {
		return
	}
	if room.RemoveClient(clientID) {
		g.dropRoom(code)
	}
}

// ApplyInput routes a control input to the sender's room. Input from clients
// outside any room is dropped; the connection layer starts reading at
// handshake, before a room exists to receive.
func (g *Registry) ApplyInput(clientID string, in protocol.KeyInput) {
	g.mu.RLock()
	code, ok := g.membership[clientID]
	room := g.rooms[code]
	g.mu.RUnlock()

	if !ok || room == nil {
		return
	}
	room.ApplyInput(clientID, in)
}

// StartGame starts the game in clientID's room, host permitting.
func (g *Registry) StartGame(clientID, code string) error {
	room, err := g.Room(code)
	if err != nil {
		return err
	}
	return room.StartGame(clientID)
}

// inRoom reports whether clientID has a live room membership. Stale entries
// pointing at dead rooms are repaired on the way.
func (g *Registry) inRoom(clientID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	code, ok := g.membership[clientID]
	if !ok {
		return false
	}
	room := g.rooms[code]
	if room == nil || room.Phase() == PhaseDisbanded {
		delete(g.membership, clientID)
		return false
	}
	return true
}

// dropRoom removes a room and every membership entry pointing at it.
func (g *Registry) dropRoom(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropRoomLocked(code)
}

func (g *Registry) dropRoomLocked(code string) {
	delete(g.rooms, code)
	for id, c := range g.membership {
		if c == code {
			delete(g.membership, id)
		}
	}
}

// Cleanup disbands abandoned rooms and forgets dead clients. Run
// periodically; the broadcast sweep inside rooms handles the fast path, this
// catches everything else. A finished room keeps its members seated until
// the last one leaves; only empty and already-disbanded rooms are dropped
// here.
func (g *Registry) Cleanup() (roomsRemoved, clientsRemoved int) {
	for _, room := range g.Rooms() {
		switch {
		case room.Phase() == PhaseDisbanded:
			g.dropRoom(room.Code())
			roomsRemoved++
		case room.Len() == 0:
			room.Disband()
			g.dropRoom(room.Code())
			roomsRemoved++
		}
	}

	g.mu.RLock()
	var dead []*Client
	for _, c := range g.clients {
		if !c.Alive() {
			dead = append(dead, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range dead {
		g.UnregisterClient(c.ID)
		clientsRemoved++
	}

	if roomsRemoved > 0 || clientsRemoved > 0 {
		g.log.WithFields(logrus.Fields{
			"rooms":   roomsRemoved,
			"clients": clientsRemoved,
		}).Debug("cleanup pass")
	}
	return roomsRemoved, clientsRemoved
}

// Stats is the /stats control-plane payload.
type Stats struct {
	Clients int         `json:"clients"`
	Rooms   int         `json:"rooms"`
	Players int         `json:"players"`
	Detail  []RoomStats `json:"room_detail"`
}

// RoomStats is one room's row in Stats.
type RoomStats struct {
	Code       string `json:"code"`
	Phase      string `json:"phase"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"max_players"`
	MapName    string `json:"map_name"`
}

// GetStats reports current registry occupancy.
func (g *Registry) GetStats() Stats {
	rooms := g.Rooms()

	g.mu.RLock()
	stats := Stats{Clients: len(g.clients)}
	g.mu.RUnlock()

	stats.Rooms = len(rooms)
	for _, room := range rooms {
		n := room.Len()
		stats.Players += n
		stats.Detail = append(stats.Detail, RoomStats{
			Code:       room.Code(),
			Phase:      room.Phase().String(),
			Players:    n,
			MaxPlayers: config.MaxPlayersPerRoom,
			MapName:    room.Track().Details().MapName,
		})
	}
	return stats
}

// newRoomCodeLocked generates an unused join code. Collisions get retried a
// bounded number of times; with 36^6 codes and at most a few dozen rooms,
// exhausting the retries means the RNG is broken.
func (g *Registry) newRoomCodeLocked() (string, error) {
	for attempt := 0; attempt < config.RoomCodeRetries; attempt++ {
		buf := make([]byte, config.RoomCodeLength)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		for i, b := range buf {
			buf[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
		}
		code := string(buf)
		if _, taken := g.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("room code space exhausted after %d attempts", config.RoomCodeRetries)
}
