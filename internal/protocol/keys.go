// Package protocol implements the game wire format: a one-byte tag in front
// of every message, a one-byte control-input packet codec, and the typed
// event envelopes that ride the same socket as world snapshots.
package protocol

import (
	"errors"
	"fmt"
)

// Message tags. Every framed message starts with one of these.
const (
	TagEvent  byte = 0 // UTF-8 JSON {"type": ..., "data": ...} envelope
	TagPacket byte = 1 // inbound: one key byte; outbound: JSON snapshot list
)

// ErrBadPacket marks a control-input byte outside the valid range [0,7].
// Receivers drop these silently and keep the connection open.
var ErrBadPacket = errors.New("control packet out of range")

// KeyInput is one decoded control-input packet.
type KeyInput struct {
	Key  int // 0=forward, 1=backward, 2=left, 3=right
	Down bool
}

// EncodeKeyPacket packs a key id and key state into the single-byte packet
// format: keyid in the low two bits, keydown at bit 2.
func EncodeKeyPacket(key int, down bool) byte {
	b := byte(key & 0x3)
	if down {
		b |= 1 << 2
	}
	return b
}

// DecodeKeyPacket unpacks a control-input byte. Values above 7 are invalid.
func DecodeKeyPacket(b byte) (KeyInput, error) {
	if b > 7 {
		return KeyInput{}, fmt.Errorf("%w: %d", ErrBadPacket, b)
	}
	return KeyInput{
		Key:  int(b & 0x3),
		Down: b>>2 == 1,
	}, nil
}
