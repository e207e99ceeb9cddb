package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/driftline/server/config"
	"github.com/driftline/server/internal/protocol"
	"github.com/driftline/server/internal/session"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// acceptLoop takes raw TCP game connections until the listener closes.
func (s *gameServer) acceptLoop(ctx context.Context, ln net.Listener) {
	s.log.WithField("addr", ln.Addr().String()).Info("game socket listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		go s.handleConn(conn)
	}
}

// handleConn runs the handshake and hands the connection to the registry.
//
// The handshake is the only untagged exchange on the socket: the client's
// first send is its raw username, the server's reply is the raw client id it
// will use on the control plane. Everything after that is framed.
func (s *gameServer) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	username, err := readUsername(conn)
	if err != nil {
		s.log.WithError(err).WithField("remote", remote).Debug("handshake failed")
		conn.Close()
		return
	}

	clientID := uuid.NewString()
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if _, err := conn.Write([]byte(clientID)); err != nil {
		s.log.WithError(err).WithField("remote", remote).Debug("handshake reply failed")
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Time{})

	client := session.NewClient(clientID, username, newTCPTransport(conn), s.log)
	s.registry.RegisterClient(client)
	client.StartReceiving(func(in protocol.KeyInput) {
		s.registry.ApplyInput(clientID, in)
	})

	s.log.WithFields(logrus.Fields{
		"client_id": clientID,
		"username":  username,
		"remote":    remote,
	}).Info("client connected")
}

// readUsername reads the client's opening message: its username, raw UTF-8,
// capped at the handshake limit.
func readUsername(conn net.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, config.MaxUsernameBytes)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("read username: %w", err)
	}

	username := strings.TrimSpace(string(buf[:n]))
	if username == "" {
		return "", errors.New("empty username")
	}
	if !utf8.ValidString(username) {
		return "", errors.New("username is not valid UTF-8")
	}
	return username, nil
}

// tcpTransport adapts a raw TCP connection to the session transport. Inbound
// framing goes through the stream reader; outbound messages are written
// whole, one message per write.
type tcpTransport struct {
	conn net.Conn
	r    *protocol.Reader
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn, r: protocol.NewReader(conn)}
}

func (t *tcpTransport) WriteMessage(msg []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := t.conn.Write(msg)
	return err
}

func (t *tcpTransport) ReadInput() (protocol.KeyInput, error) {
	return t.r.ReadInput()
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
