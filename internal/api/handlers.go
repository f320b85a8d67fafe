package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/whatsapp-automation/sessiond/internal/generator"
	"github.com/whatsapp-automation/sessiond/internal/session"
)

// Server is the HTTP surface over the session registry. All state lives in
// the registry; the server only translates requests and errors.
type Server struct {
	registry *session.Registry
	started  time.Time
}

// NewServer creates an API server around a registry.
func NewServer(registry *session.Registry) *Server {
	return &Server{
		registry: registry,
		started:  time.Now(),
	}
}

// RegisterRoutes registers HTTP routes.
func (s *Server) RegisterRoutes(r *mux.Router) {
	// Health
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Sessions
	r.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleTerminateSession).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/mode", s.handleSelectMode).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/outreach", s.handleEnqueueOutreach).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/deliveries", s.handleDeliveries).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/resume", s.handleResume).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": true, "message": message})
}

// writeDomainError maps engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrSessionClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrInvalidPacingPolicy):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":        true,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"sessions":       s.registry.Summary(),
	})
}

// CreateSessionRequest for POST /sessions. Pacing is optional; zero values
// fall back to the configured defaults. Delays are milliseconds.
type CreateSessionRequest struct {
	MinDelayMs     int64                    `json:"min_delay_ms"`
	MaxJitterMs    int64                    `json:"max_jitter_ms"`
	DailySendLimit int                      `json:"daily_send_limit"`
	Persona        *generator.PersonaConfig `json:"persona,omitempty"`
}

// POST /sessions - create a session and start the QR login flow
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}

	opts := session.CreateOptions{Persona: req.Persona, DailyLimit: req.DailySendLimit}
	if req.MinDelayMs != 0 || req.MaxJitterMs != 0 {
		opts.Pacing = &session.PacingPolicy{
			MinDelay:  time.Duration(req.MinDelayMs) * time.Millisecond,
			MaxJitter: time.Duration(req.MaxJitterMs) * time.Millisecond,
		}
	}

	sess, err := s.registry.Create(r.Context(), opts)
	if err != nil {
		log.Printf("[API] Create session failed: %v", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess.Status())
}

// GET /sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.registry.List(),
	})
}

// GET /sessions/{id} - status snapshot; carries the QR PNG while AwaitingQR
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

// DELETE /sessions/{id} - idempotent terminate
func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.registry.Terminate(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": id,
		"state":      session.StateTerminated,
	})
}

// SelectModeRequest for POST /sessions/{id}/mode
type SelectModeRequest struct {
	Mode    string                   `json:"mode"` // "outreach", "autoreply" or "idle"
	Persona *generator.PersonaConfig `json:"persona,omitempty"`
}

// POST /sessions/{id}/mode - switch dispatch mode between cycles
func (s *Server) handleSelectMode(w http.ResponseWriter, r *http.Request) {
	var req SelectModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Mode == "" {
		writeError(w, http.StatusBadRequest, "mode required")
		return
	}

	sess, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := sess.SelectMode(session.Mode(req.Mode), req.Persona); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess.Status())
}

// EnqueueRequest for POST /sessions/{id}/outreach
type EnqueueRequest struct {
	Items []session.OutreachItem `json:"items"`
}

// POST /sessions/{id}/outreach - append items to the FIFO queue
func (s *Server) handleEnqueueOutreach(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items required")
		return
	}
	for _, item := range req.Items {
		if item.Recipient == "" || item.Text == "" {
			writeError(w, http.StatusBadRequest, "every item needs recipient and text")
			return
		}
	}

	sess, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := sess.EnqueueOutreach(req.Items); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"enqueued":  len(req.Items),
		"queue_len": sess.QueueLen(),
	})
}

// POST /sessions/{id}/pause - suspend the active loop before its next cycle
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := sess.Pause(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

// POST /sessions/{id}/resume - lift a pause
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := sess.Resume(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

// GET /sessions/{id}/deliveries - per-session delivery log, oldest first
func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sess.ID,
		"deliveries": sess.Deliveries(),
	})
}
