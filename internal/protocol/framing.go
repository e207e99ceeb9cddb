package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ErrUnexpectedTag is returned when a peer sends a message type it has no
// business sending; the connection is not recoverable past this point because
// the remainder of the stream cannot be framed.
var ErrUnexpectedTag = errors.New("unexpected message tag")

// Reader frames inbound messages off a byte stream. The only message a
// client sends after the handshake is the one-byte control-input packet, so
// the reader's job is two blocking one-byte reads per message.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps a stream for inbound framing.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadInput blocks until the next valid control-input packet arrives.
// Out-of-range packet bytes are dropped silently and the read continues; an
// event tag or I/O failure ends the stream.
func (r *Reader) ReadInput() (KeyInput, error) {
	for {
		tag, err := r.br.ReadByte()
		if err != nil {
			return KeyInput{}, err
		}
		if tag != TagPacket {
			return KeyInput{}, fmt.Errorf("%w: %d", ErrUnexpectedTag, tag)
		}

		b, err := r.br.ReadByte()
		if err != nil {
			return KeyInput{}, err
		}

		in, err := DecodeKeyPacket(b)
		if errors.Is(err, ErrBadPacket) {
			continue
		}
		if err != nil {
			return KeyInput{}, err
		}
		return in, nil
	}
}
