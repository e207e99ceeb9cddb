package session

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/driftline/server/internal/protocol"
)

// sendBufferSize is the per-client outbound backlog. A client that falls this
// far behind is not coming back; it gets marked dead instead of stalling the
// room.
const sendBufferSize = 256

// Client is one connected player. It owns the write pump for its transport
// and, once its room's game is running, the read loop that feeds control
// input back into the room.
//
// A Client outlives room membership: it is created at handshake and can move
// through several rooms before disconnecting.
type Client struct {
	ID       string
	Username string

	transport Transport
	log       *logrus.Entry

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dead      atomic.Bool
	receiving atomic.Bool
}

// NewClient wraps a handshaken transport and starts its write pump.
func NewClient(id, username string, t Transport, log *logrus.Entry) *Client {
	c := &Client{
		ID:        id,
		Username:  username,
		transport: t,
		log: log.WithFields(logrus.Fields{
			"client_id": id,
			"username":  username,
			"remote":    t.RemoteAddr(),
		}),
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	go c.writePump()
	return c
}

// writePump serializes all writes to the transport. It is the only goroutine
// that ever writes, so the transport needs no write lock of its own.
func (c *Client) writePump() {
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.transport.WriteMessage(msg); err != nil {
				c.log.WithError(err).Debug("write failed, marking client dead")
				c.markDead()
				return
			}
		case <-c.done:
			// flush whatever was queued before the close, the leave
			// event in particular
			for {
				select {
				case msg := <-c.sendCh:
					if err := c.transport.WriteMessage(msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// Send queues one framed message. A full buffer marks the client dead; the
// next room sweep removes it.
func (c *Client) Send(msg []byte) {
	if c.dead.Load() {
		return
	}
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.log.Warn("send buffer full, marking client dead")
		c.markDead()
	}
}

// SendEvent encodes and queues an event message.
func (c *Client) SendEvent(e protocol.Event) {
	msg, err := protocol.EncodeEvent(e)
	if err != nil {
		c.log.WithError(err).WithField("event", e.EventName()).Error("event encode failed")
		return
	}
	c.Send(msg)
}

// StartReceiving spawns the read loop, delivering every decoded control input
// to apply. Called exactly when a game opens for input; calling it again while
// a loop is running is a no-op. The loop ends when the transport errors or the
// client closes.
func (c *Client) StartReceiving(apply func(protocol.KeyInput)) {
	if c.receiving.Swap(true) {
		return
	}
	go func() {
		for {
			in, err := c.transport.ReadInput()
			if err != nil {
				select {
				case <-c.done:
				default:
					c.log.WithError(err).Debug("read failed, marking client dead")
				}
				c.markDead()
				c.receiving.Store(false)
				return
			}
			apply(in)
		}
	}()
}

// Alive reports whether the client is still usable. Dead clients are pruned
// by the next room broadcast sweep or registry cleanup rather than
// synchronously.
func (c *Client) Alive() bool {
	return !c.dead.Load()
}

// Close tears the connection down. Safe to call more than once and from any
// goroutine; closing the transport unblocks a pending read loop.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.dead.Store(true)
		close(c.done)
		if err := c.transport.Close(); err != nil {
			c.log.WithError(err).Debug("transport close")
		}
	})
}

func (c *Client) markDead() {
	c.dead.Store(true)
}
