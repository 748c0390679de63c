package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds ingestion API settings.
type Config struct {
	// EventTTL is the retention window stamped on created events.
	EventTTL time.Duration

	// InboxLimit caps how many pending events one inbox read returns.
	InboxLimit int
}

// Server is the ingestion HTTP API: event create/list/ack plus health and
// metrics. Authentication is handled upstream.
type Server struct {
	store  storage.Store
	cfg    Config
	logger zerolog.Logger
	http   *http.Server
}

// NewServer creates an API server.
func NewServer(store storage.Store, cfg Config) *Server {
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 7 * 24 * time.Hour
	}
	if cfg.InboxLimit <= 0 {
		cfg.InboxLimit = 100
	}
	return &Server{
		store:  store,
		cfg:    cfg,
		logger: log.WithComponent("api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /events", s.instrument("CreateEvent", s.handleCreateEvent))
	mux.Handle("GET /events", s.instrument("ListEvents", s.handleListEvents))
	mux.Handle("GET /events/{id}", s.instrument("GetEvent", s.handleGetEvent))
	mux.Handle("DELETE /events/{id}", s.instrument("DeleteEvent", s.handleDeleteEvent))
	mux.Handle("GET /inbox", s.instrument("GetInbox", s.handleInbox))
	mux.Handle("POST /inbox/{id}/ack", s.instrument("AckEvent", s.handleAck))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// Start begins serving on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}

// createEventRequest is the ingestion payload.
type createEventRequest struct {
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

// createEventResponse mirrors the original ingestion contract.
type createEventResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" || req.Source == "" {
		writeError(w, http.StatusBadRequest, "type and source are required")
		return
	}

	now := time.Now().UTC()
	event := &types.Event{
		ID:        uuid.New().String(),
		Type:      req.Type,
		Source:    req.Source,
		Payload:   req.Payload,
		Status:    types.EventStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		TTL:       now.Add(s.cfg.EventTTL),
	}

	if err := s.store.CreateEvent(event); err != nil {
		s.logger.Error().Err(err).Msg("failed to store event")
		writeError(w, http.StatusInternalServerError, "failed to store event")
		return
	}

	eventLogger := log.WithEventID(event.ID)
	eventLogger.Info().Str("type", event.Type).Msg("event created")
	writeJSON(w, http.StatusCreated, createEventResponse{
		ID:        event.ID,
		Status:    string(event.Status),
		Timestamp: now.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	status := types.EventStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = types.EventStatusPending
	}

	limit := s.cfg.InboxLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := s.store.ListEventsByStatus(status, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list events")
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.store.GetEvent(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteEvent(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "message": "event deleted"})
}

// handleInbox returns undelivered events, starved-first, so external
// consumers see the same ordering the dispatcher uses.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEventsByStatus(types.EventStatusPending, s.cfg.InboxLimit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read inbox")
		writeError(w, http.StatusInternalServerError, "failed to read inbox")
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.store.AckEvent(id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, fmt.Sprintf("event %s not found", id))
		case errors.Is(err, storage.ErrTerminalState):
			// Acking twice is fine; the event is already settled.
			writeJSON(w, http.StatusOK, map[string]string{
				"id":      id,
				"message": "event already settled",
			})
		default:
			s.logger.Error().Err(err).Msg("failed to acknowledge event")
			writeError(w, http.StatusInternalServerError, "failed to acknowledge event")
		}
		return
	}

	eventLogger := log.WithEventID(id)
	eventLogger.Info().Msg("event acknowledged")
	writeJSON(w, http.StatusOK, map[string]string{
		"id":         id,
		"status":     string(types.EventStatusDelivered),
		"message":    "Event acknowledged successfully",
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, name)
		metrics.APIRequestsTotal.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
