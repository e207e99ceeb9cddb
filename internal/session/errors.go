package session

import "errors"

// Error definitions for room and registry operations. The HTTP layer maps
// these onto response messages.
var (
	ErrRoomFull      = errors.New("room is full")
	ErrGameStarted   = errors.New("game already started")
	ErrNotHost       = errors.New("only the host can start the game")
	ErrNoSuchRoom    = errors.New("room does not exist")
	ErrNoSuchClient  = errors.New("client is not connected")
	ErrNotInRoom     = errors.New("client is not in this room")
	ErrAlreadyInRoom = errors.New("client is already in a room")
	ErrServerFull    = errors.New("server room limit reached")
)
