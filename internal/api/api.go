// Package api is the HTTP control plane: room creation, membership, game
// start, and operational introspection. Game traffic never flows here; the
// control plane only manipulates registry state.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/driftline/server/internal/session"
	"github.com/driftline/server/internal/track"
)

// Server holds the handler dependencies.
type Server struct {
	registry *session.Registry
	log      *logrus.Entry
	started  time.Time
}

// NewHandler builds the control-plane router.
func NewHandler(registry *session.Registry, log *logrus.Entry) http.Handler {
	s := &Server{
		registry: registry,
		log:      log,
		started:  time.Now(),
	}

	router := httprouter.New()
	router.GET("/createroom/:client_id", s.createRoom)
	router.GET("/joinroom/:client_id/:room_id", s.joinRoom)
	router.GET("/leaveroom/:client_id", s.leaveRoom)
	router.GET("/startgame/:client_id/:room_id", s.startGame)
	router.GET("/checkroom/:room_id", s.checkRoom)
	router.GET("/health", s.health)
	router.GET("/stats", s.stats)
	return router
}

// response is the envelope for every control-plane reply.
type response struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Room    *roomInfo `json:"room,omitempty"`
}

// roomInfo describes a room to a client about to connect its game socket.
type roomInfo struct {
	Code    string               `json:"code"`
	Phase   string               `json:"phase"`
	Map     track.Details        `json:"map"`
	Players []session.PlayerInfo `json:"players"`
}

func describeRoom(room *session.Room) *roomInfo {
	return &roomInfo{
		Code:    room.Code(),
		Phase:   room.Phase().String(),
		Map:     room.Track().Details(),
		Players: room.Players(),
	}
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	room, err := s.registry.CreateRoom(ps.ByName("client_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true, Room: describeRoom(room)})
}

func (s *Server) joinRoom(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := normalizeCode(ps.ByName("room_id"))
	room, err := s.registry.JoinRoom(ps.ByName("client_id"), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true, Room: describeRoom(room)})
}

func (s *Server) leaveRoom(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.registry.LeaveRoom(ps.ByName("client_id"))
	s.writeJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) startGame(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := normalizeCode(ps.ByName("room_id"))
	if err := s.registry.StartGame(ps.ByName("client_id"), code); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) checkRoom(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	room, err := s.registry.Room(normalizeCode(ps.ByName("room_id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true, Room: describeRoom(room)})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, s.registry.GetStats())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Error("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNoSuchRoom), errors.Is(err, session.ErrNoSuchClient):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrRoomFull),
		errors.Is(err, session.ErrGameStarted),
		errors.Is(err, session.ErrAlreadyInRoom),
		errors.Is(err, session.ErrNotHost),
		errors.Is(err, session.ErrNotInRoom):
		status = http.StatusConflict
	case errors.Is(err, session.ErrServerFull):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	s.writeJSON(w, status, response{Success: false, Message: err.Error()})
}

// normalizeCode uppercases a join code so clients can type them either way.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
