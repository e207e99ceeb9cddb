package session

import (
	"fmt"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/server/config"
	"github.com/driftline/server/internal/game"
	"github.com/driftline/server/internal/protocol"
	"github.com/driftline/server/internal/track"
)

// fakeTransport records everything written and feeds reads from a channel.
type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	inputs    chan protocol.KeyInput
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inputs: make(chan protocol.KeyInput, 16),
		done:   make(chan struct{}),
	}
}

func (t *fakeTransport) WriteMessage(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(msg))
	copy(cp, msg)
	t.sent = append(t.sent, cp)
	return nil
}

func (t *fakeTransport) ReadInput() (protocol.KeyInput, error) {
	select {
	case in := <-t.inputs:
		return in, nil
	case <-t.done:
		return protocol.KeyInput{}, io.EOF
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) RemoteAddr() string { return "fake" }

// events decodes every event message written so far, skipping snapshots.
func (t *fakeTransport) events() []protocol.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []protocol.Event
	for _, msg := range t.sent {
		if len(msg) == 0 || msg[0] != protocol.TagEvent {
			continue
		}
		e, err := protocol.DecodeEvent(msg)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

// snapshots counts snapshot messages written so far.
func (t *fakeTransport) snapshots() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, msg := range t.sent {
		if len(msg) > 0 && msg[0] == protocol.TagPacket {
			n++
		}
	}
	return n
}

func hasEvent(events []protocol.Event, name string) bool {
	for _, e := range events {
		if e.EventName() == name {
			return true
		}
	}
	return false
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testTrack(t *testing.T) *track.Track {
	t.Helper()
	trk, err := track.New(track.Details{
		MapName: "test", Length: 3500, Width: 800, OOBLeniency: 40,
	}, nil)
	require.NoError(t, err)
	return trk
}

func newTestClient(id, name string) (*Client, *fakeTransport) {
	ft := newFakeTransport()
	return NewClient(id, name, ft, testLog()), ft
}

// waitSent blocks until the transport has flushed at least n messages; the
// write pump is asynchronous.
func waitSent(t *testing.T, ft *fakeTransport, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.sent) >= n
	}, time.Second, 2*time.Millisecond)
}

func TestRoomSeatsAssignColorsAndDedupeNames(t *testing.T) {
	r := NewRoom("ABC123", testTrack(t), testLog())

	c1, _ := newTestClient("c1", "ava")
	c2, ft2 := newTestClient("c2", "ava")
	c3, _ := newTestClient("c3", "ben")

	require.NoError(t, r.AddClient(c1))
	require.NoError(t, r.AddClient(c2))
	require.NoError(t, r.AddClient(c3))

	assert.Equal(t, "c1", r.HostID())
	assert.Equal(t, []PlayerInfo{
		{Username: "ava", Color: "red"},
		{Username: "ava-2", Color: "orange"},
		{Username: "ben", Color: "yellow"},
	}, r.Players())

	// the second joiner saw only the third join
	waitSent(t, ft2, 1)
	events := ft2.events()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.PlayerJoin{Username: "ben", Color: "yellow"}, events[0])
}

func TestRoomRejectsOverCapacity(t *testing.T) {
	r := NewRoom("ABC123", testTrack(t), testLog())

	for i := 0; i < config.MaxPlayersPerRoom; i++ {
		c, _ := newTestClient(fmt.Sprintf("c%d", i), fmt.Sprintf("p%d", i))
		require.NoError(t, r.AddClient(c))
	}

	late, _ := newTestClient("late", "late")
	assert.ErrorIs(t, r.AddClient(late), ErrRoomFull)
}

func TestRoomRejectsJoinAfterStart(t *testing.T) {
	r := NewRoom("ABC123", testTrack(t), testLog())
	host, _ := newTestClient("c1", "ava")
	require.NoError(t, r.AddClient(host))
	require.NoError(t, r.StartGame("c1"))

	late, _ := newTestClient("late", "late")
	assert.ErrorIs(t, r.AddClient(late), ErrGameStarted)
}

func TestStartGameIsHostOnly(t *testing.T) {
	r := NewRoom("ABC123", testTrack(t), testLog())
	host, _ := newTestClient("c1", "ava")
	guest, _ := newTestClient("c2", "ben")
	require.NoError(t, r.AddClient(host))
	require.NoError(t, r.AddClient(guest))

	assert.ErrorIs(t, r.StartGame("c2"), ErrNotHost)
	assert.ErrorIs(t, r.StartGame("stranger"), ErrNotInRoom)

	require.NoError(t, r.StartGame("c1"))
	assert.ErrorIs(t, r.StartGame("c1"), ErrGameStarted)
}

func TestStartGameSendsInitWithSharedTimestamp(t *testing.T) {
	r := NewRoom("ABC123", testTrack(t), testLog())
	host, ft1 := newTestClient("c1", "ava")
	guest, ft2 := newTestClient("c2", "ben")
	require.NoError(t, r.AddClient(host))
	require.NoError(t, r.AddClient(guest))

	before := now()
	require.NoError(t, r.StartGame("c1"))
	assert.Equal(t, PhaseCountdown, r.Phase())

	var inits []protocol.GameInit
	for _, ft := range []*fakeTransport{ft1, ft2} {
		waitSent(t, ft, 1)
		events := ft.events()
		var init *protocol.GameInit
		for _, e := range events {
			if gi, ok := e.(protocol.GameInit); ok {
				init = &gi
			}
		}
		require.NotNil(t, init)
		inits = append(inits, *init)
	}

	assert.Equal(t, inits[0].StartTimestamp, inits[1].StartTimestamp,
		"every member counts down to the same instant")
	assert.InDelta(t, before+config.CountdownDelay, inits[0].StartTimestamp, 0.5)

	require.Len(t, inits[0].InitWorldData, 2)
	for _, snap := range inits[0].InitWorldData {
		assert.Zero(t, snap.Physics.Vel)
		assert.Zero(t, snap.Physics.Pos[0], "cars start on the line")
		assert.Less(t, abs(snap.Physics.Pos[1]), 400.0, "spawn inside the track")
	}
}

func TestInputIgnoredBeforeGameStart(t *testing.T) {
	r := NewRoom("ABC123", testTrack(t), testLog())
	host, _ := newTestClient("c1", "ava")
	require.NoError(t, r.AddClient(host))
	require.NoError(t, r.StartGame("c1"))

	r.ApplyInput("c1", protocol.KeyInput{Key: 0, Down: true})
	assert.False(t, r.world.Entity("c1").Keys[game.KeyForward],
		"input during the countdown is dropped")
}

func TestRunningRoomAdvancesHeldThrottle(t *testing.T) {
	r := NewRoom("ABC123", testTrack(t), testLog())
	host, _ := newTestClient("c1", "ava")
	guest, _ := newTestClient("c2", "ben")
	require.NoError(t, r.AddClient(host))
	require.NoError(t, r.AddClient(guest))

	t0 := now()
	require.NoError(t, r.StartGame("c1"))
	r.beginRunning()
	require.Equal(t, PhaseRunning, r.Phase())

	r.ApplyInput("c1", protocol.KeyInput{Key: 0, Down: true})
	r.ApplyInput("c2", protocol.KeyInput{Key: 0, Down: true})

	// one simulated second of ticks
	for i := 1; i <= config.TickRate; i++ {
		r.Tick(t0 + float64(i)/config.TickRate)
	}

	for _, id := range []string{"c1", "c2"} {
		e := r.world.Entity(id)
		assert.Greater(t, e.Pos[0], 0.0, "%s moved forward", id)
		assert.Greater(t, e.Vel, 0.0)
		assert.LessOrEqual(t, e.Vel, config.MaxVelocity)
	}
	assert.Equal(t, PhaseRunning, r.Phase())
}

func TestReadLoopFeedsInputThroughRegistry(t *testing.T) {
	reg := NewRegistry(track.DefaultCatalog(), testLog())
	host, ft := newTestClient("c1", "ava")
	reg.RegisterClient(host)

	// connection-layer wiring: reading starts at handshake, routed by id
	host.StartReceiving(func(in protocol.KeyInput) {
		reg.ApplyInput("c1", in)
	})

	r, err := reg.CreateRoom("c1")
	require.NoError(t, err)
	require.NoError(t, reg.StartGame("c1", r.Code()))
	r.beginRunning()

	ft.inputs <- protocol.KeyInput{Key: int(game.KeyLeft), Down: true}

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.world.Entity("c1").Keys[game.KeyLeft]
	}, time.Second, 2*time.Millisecond)
}

func TestTickRoutesCrashToOwnerOnly(t *testing.T) {
	r := NewRoom("ABC123", testTrack(t), testLog())
	host, ft1 := newTestClient("c1", "ava")
	guest, ft2 := newTestClient("c2", "ben")
	require.NoError(t, r.AddClient(host))
	require.NoError(t, r.AddClient(guest))

	t0 := now()
	require.NoError(t, r.StartGame("c1"))
	r.beginRunning()

	// shove one car out of bounds, leave the other clean
	r.mu.Lock()
	r.world.Entity("c1").Pos = [2]float64{100, 500}
	r.world.Entity("c2").Pos = [2]float64{100, 0}
	r.mu.Unlock()

	r.Tick(t0 + config.TickInterval)

	waitSent(t, ft1, 3) // init, start, crash
	assert.True(t, hasEvent(ft1.events(), "crash"))
	assert.False(t, hasEvent(ft2.events(), "crash"),
		"crash resets go only to the crashed car's owner")
}

func TestTickEndsGameOnFinish(t *testing.T) {
	r := NewRoom("ABC123", testTrack(t), testLog())
	host, ft1 := newTestClient("c1", "ava")
	guest, ft2 := newTestClient("c2", "ben")
	require.NoError(t, r.AddClient(host))
	require.NoError(t, r.AddClient(guest))

	t0 := now()
	require.NoError(t, r.StartGame("c1"))
	r.beginRunning()

	r.mu.Lock()
	r.world.Entity("c2").Pos = [2]float64{3500, 0}
	r.mu.Unlock()

	r.Tick(t0 + config.TickInterval)
	assert.Equal(t, PhaseEnded, r.Phase())

	for _, ft := range []*fakeTransport{ft1, ft2} {
		waitSent(t, ft, 3)
		events := ft.events()
		require.True(t, hasEvent(events, "game-end"))
		for _, e := range events {
			if end, ok := e.(protocol.GameEnd); ok {
				require.NotEmpty(t, end)
				assert.Equal(t, "ben", end[0].Username)
			}
		}
	}

	// a finished room stops simulating
	r.Tick(t0 + 2*config.TickInterval)
	assert.Equal(t, PhaseEnded, r.Phase())
}

func TestHostLeavingLobbyDisbands(t *testing.T) {
	r := NewRoom("ABC123", testTrack(t), testLog())
	host, _ := newTestClient("c1", "ava")
	guest, ft2 := newTestClient("c2", "ben")
	require.NoError(t, r.AddClient(host))
	require.NoError(t, r.AddClient(guest))

	assert.True(t, r.RemoveClient("c1"))
	assert.Equal(t, PhaseDisbanded, r.Phase())
	assert.Zero(t, r.Len())

	waitSent(t, ft2, 1)
	assert.True(t, hasEvent(ft2.events(), "leave"))
	assert.True(t, guest.Alive(), "disband detaches members, it does not disconnect them")
}

func TestGuestLeavingKeepsRoomAlive(t *testing.T) {
	r := NewRoom("ABC123", testTrack(t), testLog())
	host, ft1 := newTestClient("c1", "ava")
	guest, _ := newTestClient("c2", "ben")
	require.NoError(t, r.AddClient(host))
	require.NoError(t, r.AddClient(guest))

	assert.False(t, r.RemoveClient("c2"))
	assert.Equal(t, PhaseLobby, r.Phase())
	assert.Equal(t, 1, r.Len())

	waitSent(t, ft1, 2) // player-join, player-leave
	assert.True(t, hasEvent(ft1.events(), "player-leave"))
}

func TestBroadcastSweepDropsDeadClients(t *testing.T) {
	r := NewRoom("ABC123", testTrack(t), testLog())
	host, ft1 := newTestClient("c1", "ava")
	guest, _ := newTestClient("c2", "ben")
	require.NoError(t, r.AddClient(host))
	require.NoError(t, r.AddClient(guest))

	require.NoError(t, r.StartGame("c1"))
	r.beginRunning()

	guest.markDead()
	r.BroadcastSnapshot()

	assert.Equal(t, 1, r.Len())
	require.Eventually(t, func() bool {
		return ft1.snapshots() >= 1
	}, time.Second, 2*time.Millisecond)
}

func TestRegistryRoomLifecycle(t *testing.T) {
	reg := NewRegistry(track.DefaultCatalog(), testLog())

	host, _ := newTestClient("c1", "ava")
	guest, _ := newTestClient("c2", "ben")
	reg.RegisterClient(host)
	reg.RegisterClient(guest)

	room, err := reg.CreateRoom("c1")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{6}$`), room.Code())
	assert.Equal(t, "c1", room.HostID())

	_, err = reg.CreateRoom("c1")
	assert.ErrorIs(t, err, ErrAlreadyInRoom)

	_, err = reg.JoinRoom("c2", "NOSUCH")
	assert.ErrorIs(t, err, ErrNoSuchRoom)

	joined, err := reg.JoinRoom("c2", room.Code())
	require.NoError(t, err)
	assert.Same(t, room, joined)
	assert.Equal(t, 2, room.Len())

	_, err = reg.JoinRoom("c2", room.Code())
	assert.ErrorIs(t, err, ErrAlreadyInRoom)

	require.NoError(t, reg.StartGame("c1", room.Code()))
	assert.Equal(t, PhaseCountdown, room.Phase())
}

func TestRegistryRejectsUnknownClients(t *testing.T) {
	reg := NewRegistry(track.DefaultCatalog(), testLog())

	_, err := reg.CreateRoom("ghost")
	assert.ErrorIs(t, err, ErrNoSuchClient)

	_, err = reg.JoinRoom("ghost", "ABC123")
	assert.ErrorIs(t, err, ErrNoSuchClient)
}

func TestRegistryLeaveDisbandsWhenHostQuits(t *testing.T) {
	reg := NewRegistry(track.DefaultCatalog(), testLog())

	host, _ := newTestClient("c1", "ava")
	guest, _ := newTestClient("c2", "ben")
	reg.RegisterClient(host)
	reg.RegisterClient(guest)

	room, err := reg.CreateRoom("c1")
	require.NoError(t, err)
	_, err = reg.JoinRoom("c2", room.Code())
	require.NoError(t, err)

	reg.LeaveRoom("c1")
	assert.Equal(t, PhaseDisbanded, room.Phase())

	_, err = reg.Room(room.Code())
	assert.ErrorIs(t, err, ErrNoSuchRoom)

	// the swept guest can immediately open a fresh room
	_, err = reg.CreateRoom("c2")
	require.NoError(t, err)
}

func TestRegistryCleanupSweepsDeadClients(t *testing.T) {
	reg := NewRegistry(track.DefaultCatalog(), testLog())

	host, _ := newTestClient("c1", "ava")
	reg.RegisterClient(host)
	room, err := reg.CreateRoom("c1")
	require.NoError(t, err)
	require.NoError(t, reg.StartGame("c1", room.Code()))

	// mark the game finished and the client dead
	room.mu.Lock()
	room.phase = PhaseEnded
	room.mu.Unlock()
	host.markDead()

	// the room is not force-disbanded while seated; it empties when the
	// dead client is unregistered, which drops it
	_, clientsRemoved := reg.Cleanup()
	assert.Equal(t, 1, clientsRemoved)

	_, err = reg.Client("c1")
	assert.ErrorIs(t, err, ErrNoSuchClient)
	assert.Zero(t, reg.GetStats().Rooms)
}

func TestCleanupKeepsEndedRoomWithSeatedMembers(t *testing.T) {
	reg := NewRegistry(track.DefaultCatalog(), testLog())

	host, _ := newTestClient("c1", "ava")
	reg.RegisterClient(host)
	room, err := reg.CreateRoom("c1")
	require.NoError(t, err)
	require.NoError(t, reg.StartGame("c1", room.Code()))

	room.mu.Lock()
	room.phase = PhaseEnded
	room.mu.Unlock()

	roomsRemoved, clientsRemoved := reg.Cleanup()
	assert.Zero(t, roomsRemoved)
	assert.Zero(t, clientsRemoved)

	kept, err := reg.Room(room.Code())
	require.NoError(t, err)
	assert.Same(t, room, kept)
	assert.True(t, host.Alive(), "finishing a race must not disconnect anyone")

	// once the last member leaves, the room goes away
	reg.LeaveRoom("c1")
	_, err = reg.Room(room.Code())
	assert.ErrorIs(t, err, ErrNoSuchRoom)

	// and the freed client can open a new room right away
	_, err = reg.CreateRoom("c1")
	require.NoError(t, err)
}

func TestRegistryStats(t *testing.T) {
	reg := NewRegistry(track.DefaultCatalog(), testLog())

	host, _ := newTestClient("c1", "ava")
	guest, _ := newTestClient("c2", "ben")
	reg.RegisterClient(host)
	reg.RegisterClient(guest)

	room, err := reg.CreateRoom("c1")
	require.NoError(t, err)
	_, err = reg.JoinRoom("c2", room.Code())
	require.NoError(t, err)

	stats := reg.GetStats()
	assert.Equal(t, 2, stats.Clients)
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, 2, stats.Players)
	require.Len(t, stats.Detail, 1)
	assert.Equal(t, room.Code(), stats.Detail[0].Code)
	assert.Equal(t, "lobby", stats.Detail[0].Phase)
	assert.Equal(t, config.MaxPlayersPerRoom, stats.Detail[0].MaxPlayers)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
