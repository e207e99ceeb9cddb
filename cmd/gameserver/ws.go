package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/driftline/server/config"
	"github.com/driftline/server/internal/protocol"
	"github.com/driftline/server/internal/session"
)

const (
	wsReadLimit    = 4096
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleWebSocket runs the same handshake and wire protocol as the TCP game
// socket over a WebSocket, for browser clients. One WebSocket message carries
// one framed protocol message, so no stream reassembly is needed.
func (s *gameServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	remote := ws.RemoteAddr().String()

	ws.SetReadLimit(wsReadLimit)
	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		s.log.WithError(err).WithField("remote", remote).Debug("handshake failed")
		ws.Close()
		return
	}
	username, err := sanitizeUsername(raw)
	if err != nil {
		s.log.WithError(err).WithField("remote", remote).Debug("handshake rejected")
		ws.Close()
		return
	}

	clientID := uuid.NewString()
	ws.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(clientID)); err != nil {
		ws.Close()
		return
	}

	ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	client := session.NewClient(clientID, username, newWSTransport(ws), s.log)
	s.registry.RegisterClient(client)
	client.StartReceiving(func(in protocol.KeyInput) {
		s.registry.ApplyInput(clientID, in)
	})

	s.log.WithFields(logrus.Fields{
		"client_id": clientID,
		"username":  username,
		"remote":    remote,
	}).Info("websocket client connected")
}

func sanitizeUsername(raw []byte) (string, error) {
	if len(raw) > config.MaxUsernameBytes {
		return "", fmt.Errorf("username exceeds %d bytes", config.MaxUsernameBytes)
	}
	username := strings.TrimSpace(string(raw))
	if username == "" {
		return "", errors.New("empty username")
	}
	if !utf8.ValidString(username) {
		return "", errors.New("username is not valid UTF-8")
	}
	return username, nil
}

// wsTransport adapts a WebSocket connection to the session transport. Pings
// ride the write path because the session's write pump is the only goroutine
// allowed to write.
type wsTransport struct {
	ws       *websocket.Conn
	lastPing time.Time
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	return &wsTransport{ws: ws, lastPing: time.Now()}
}

func (t *wsTransport) WriteMessage(msg []byte) error {
	if time.Since(t.lastPing) >= wsPingInterval {
		t.lastPing = time.Now()
		t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := t.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
			return err
		}
	}
	t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.ws.WriteMessage(websocket.BinaryMessage, msg)
}

// ReadInput blocks for the next control-input packet. Malformed packet bytes
// are dropped; an event-tagged message from a client is a protocol violation.
func (t *wsTransport) ReadInput() (protocol.KeyInput, error) {
	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			return protocol.KeyInput{}, err
		}
		if len(data) < 2 {
			continue
		}
		if data[0] != protocol.TagPacket {
			return protocol.KeyInput{}, fmt.Errorf("%w: %d", protocol.ErrUnexpectedTag, data[0])
		}

		in, err := protocol.DecodeKeyPacket(data[1])
		if errors.Is(err, protocol.ErrBadPacket) {
			continue
		}
		if err != nil {
			return protocol.KeyInput{}, err
		}
		return in, nil
	}
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.ws.RemoteAddr().String()
}
