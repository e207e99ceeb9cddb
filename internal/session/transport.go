// Package session owns everything between the wire and the simulation: the
// per-connection Client, the Room lifecycle from lobby to finish, the Registry
// that tracks clients and rooms, and the Scheduler that ticks every running
// room.
package session

import (
	"time"

	"github.com/driftline/server/internal/protocol"
)

// Transport abstracts one connected game socket so rooms and clients never
// touch a concrete connection type. The TCP and WebSocket transports both
// implement it.
//
// WriteMessage sends one fully framed message. ReadInput blocks until the
// peer's next control-input packet. Close unblocks any pending ReadInput.
type Transport interface {
	WriteMessage(msg []byte) error
	ReadInput() (protocol.KeyInput, error)
	Close() error
	RemoteAddr() string
}

// now returns wall-clock time as unix seconds, the time base shared with
// clients through start and crash-end timestamps.
func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
