package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aetherdock/backend/internal/fleet"
	"github.com/aetherdock/backend/internal/models"
	"github.com/aetherdock/backend/internal/websocket"
	"github.com/gorilla/mux"
	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultLogTail = 200
	healthTimeout  = 2 * time.Second
)

// Pinger checks that the container runtime is reachable.
type Pinger interface {
	PingDocker(ctx context.Context) error
}

// EventLister reads the action journal.
type EventLister interface {
	ListEvents(ctx context.Context, containerID string, limit int) ([]models.ActionEvent, error)
}

type Server struct {
	engine  *fleet.Engine
	runtime Pinger
	journal EventLister
	log     zerolog.Logger
}

// NewServer builds the HTTP surface over engine. journal may be nil when the
// action journal is disabled.
func NewServer(engine *fleet.Engine, runtime Pinger, journal EventLister, log zerolog.Logger) *Server {
	return &Server{
		engine:  engine,
		runtime: runtime,
		journal: journal,
		log:     log.With().Str("component", "http").Logger(),
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error: message,
		Code:  http.StatusText(code),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("failed to write response")
	}
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"sessions":  s.engine.Sessions.Count(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.runtime.PingDocker(ctx); err != nil {
		status["docker"] = "unreachable"
		status["status"] = "degraded"
	} else {
		status["docker"] = "connected"
	}

	if snap, ok := s.engine.Reconciler.Snapshot(); ok {
		status["snapshotVersion"] = snap.Version
		status["snapshotAge"] = time.Since(snap.TakenAt).Seconds()
	}

	s.writeJSON(w, status)
}

func (s *Server) HandleListContainers(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot()
	if err != nil {
		s.jsonError(w, "Container list not available yet", http.StatusServiceUnavailable)
		return
	}

	containers := snap.Containers
	if containers == nil {
		containers = []models.ContainerSummary{}
	}
	s.writeJSON(w, models.ContainerListResponse{
		Version:    snap.Version,
		TakenAt:    snap.TakenAt,
		Containers: containers,
	})
}

func (s *Server) HandleContainerAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req := models.ActionRequest{
		ContainerID: vars["id"],
		Verb:        models.ActionVerb(vars["verb"]),
	}

	if !req.Verb.Valid() {
		s.jsonError(w, "Unknown action", http.StatusBadRequest)
		return
	}

	err := s.engine.Dispatch(r.Context(), req)
	switch {
	case err == nil:
		s.writeJSON(w, models.ActionResponse{ContainerID: req.ContainerID, Verb: req.Verb, Success: true})
	case fleet.IsBusy(err):
		s.jsonError(w, "Another action is in progress for this container", http.StatusConflict)
	case fleet.IsRejected(err):
		var ae *fleet.ActionError
		errors.As(err, &ae)
		s.jsonError(w, ae.Reason, http.StatusBadGateway)
	case errors.Is(err, fleet.ErrUnknownVerb), errors.Is(err, fleet.ErrNoContainerID):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.jsonError(w, "Action was not started", http.StatusServiceUnavailable)
	default:
		s.log.Error().Err(err).Str("container", req.ContainerID).Str("verb", string(req.Verb)).Msg("action failed")
		s.jsonError(w, "Failed to run action", http.StatusInternalServerError)
	}
}

func (s *Server) HandleGetLogs(w http.ResponseWriter, r *http.Request) {
	containerID := mux.Vars(r)["id"]

	tail := defaultLogTail
	if tailStr := r.URL.Query().Get("tail"); tailStr != "" {
		if tailStr == "all" {
			tail = -1
		} else {
			t, err := strconv.Atoi(tailStr)
			if err != nil || t < 0 {
				s.jsonError(w, "Invalid tail", http.StatusBadRequest)
				return
			}
			tail = t
		}
	}

	logs, err := s.engine.TailLogs(r.Context(), containerID, tail)
	if err != nil {
		s.log.Warn().Err(err).Str("container", containerID).Msg("failed to read logs")
		s.jsonError(w, "Failed to read logs", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(logs)
}

func (s *Server) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.jsonError(w, "Action journal is disabled", http.StatusServiceUnavailable)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 0 {
			s.jsonError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = l
	}

	events, err := s.journal.ListEvents(r.Context(), r.URL.Query().Get("container"), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list events")
		s.jsonError(w, "Failed to list events", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, models.EventListResponse{Events: events})
}

var upgrader = ws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWS attaches a viewer. The session lives exactly as long as the
// connection's read side.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade")
		return
	}

	session := s.engine.Connect()
	client := websocket.NewClient(conn, session, s.engine, s.log)

	go client.WritePump()
	client.ReadPump()

	s.engine.Disconnect(session)
	conn.Close()
}
