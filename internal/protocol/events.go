package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/driftline/server/internal/game"
)

// Event is one out-of-band message pushed over a game socket. Each variant
// decodes to and from the {"type": <name>, "data": <payload>} envelope; code
// past the protocol boundary only ever sees these concrete types.
type Event interface {
	EventName() string
}

// GameInit is sent to every room member when the host starts the game. The
// countdown runs client-side against the shared start timestamp.
type GameInit struct {
	StartTimestamp float64         `json:"start_timestamp"`
	InitWorldData  []game.Snapshot `json:"init_world_data"`
}

func (GameInit) EventName() string { return "game-init" }

// GameStart is sent the instant the countdown elapses and input opens.
type GameStart struct{}

func (GameStart) EventName() string { return "game-start" }

// Leave tells a client it has been detached from its room.
type Leave struct{}

func (Leave) EventName() string { return "leave" }

// PlayerJoin announces a new room member to everyone already present.
type PlayerJoin struct {
	Username string `json:"username"`
	Color    string `json:"color"`
}

func (PlayerJoin) EventName() string { return "player-join" }

// PlayerLeave announces a departed room member.
type PlayerLeave struct {
	Username string `json:"username"`
}

func (PlayerLeave) EventName() string { return "player-leave" }

// Crash carries the authoritative physics reset after a collision or
// boundary violation. The client overwrites its state with NewPhysics; it
// must not merge.
type Crash struct {
	NewPhysics        game.Physics `json:"new_physics"`
	CrashEndTimestamp float64      `json:"crash_end_timestamp"`
}

func (Crash) EventName() string { return "crash" }

// GameEnd carries the final ranking, best progress first.
type GameEnd []game.Standing

func (GameEnd) EventName() string { return "game-end" }

// envelope is the on-wire shape of every event.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeEvent frames an event: TagEvent followed by the JSON envelope.
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EventName(), err)
	}
	body, err := json.Marshal(envelope{Type: e.EventName(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EventName(), err)
	}
	return append([]byte{TagEvent}, body...), nil
}

// DecodeEvent parses a framed event message back into its concrete variant.
// Used by tests and by anything consuming the server's own output.
func DecodeEvent(msg []byte) (Event, error) {
	if len(msg) == 0 || msg[0] != TagEvent {
		return nil, fmt.Errorf("not an event message")
	}

	var env envelope
	if err := json.Unmarshal(msg[1:], &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	var (
		e   Event
		err error
	)
	switch env.Type {
	case "game-init":
		var v GameInit
		err = json.Unmarshal(env.Data, &v)
		e = v
	case "game-start":
		e = GameStart{}
	case "leave":
		e = Leave{}
	case "player-join":
		var v PlayerJoin
		err = json.Unmarshal(env.Data, &v)
		e = v
	case "player-leave":
		var v PlayerLeave
		err = json.Unmarshal(env.Data, &v)
		e = v
	case "crash":
		var v Crash
		err = json.Unmarshal(env.Data, &v)
		e = v
	case "game-end":
		var v GameEnd
		err = json.Unmarshal(env.Data, &v)
		e = v
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return e, nil
}

// EncodeSnapshot frames a world snapshot: TagPacket followed by the JSON
// entity list.
func EncodeSnapshot(snaps []game.Snapshot) ([]byte, error) {
	body, err := json.Marshal(snaps)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return append([]byte{TagPacket}, body...), nil
}
