// Package api exposes the engine over HTTP: run control, status, history
// and a WebSocket event stream for live monitoring.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/slotwatch/slotwatch/booking"
	"github.com/slotwatch/slotwatch/engine"
	"github.com/slotwatch/slotwatch/store"
)

// Server carries the API's collaborators.
type Server struct {
	cfg     *engine.Config
	eng     *engine.Engine
	st      *store.Store // nil = history endpoints return 404
	clients []booking.ClientRecord
	logger  *slog.Logger

	upgrader websocket.Upgrader
}

// NewServer creates the API server. clients is the roster handed to every
// run started through the API.
func NewServer(cfg *engine.Config, eng *engine.Engine, st *store.Store, clients []booking.ClientRecord, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		eng:     eng,
		st:      st,
		clients: clients,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API is operator-facing on a trusted interface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/run", s.handleStartRun)
		r.Delete("/run", s.handleStopRun)
		r.Get("/status", s.handleStatus)
		r.Route("/history", func(r chi.Router) {
			r.Get("/runs", s.handleRuns)
			r.Get("/runs/{id}/checks", s.handleRunChecks)
			r.Get("/runs/{id}/attempts", s.handleRunAttempts)
		})
	})
	r.Get("/events", s.handleEvents)

	return r
}

type startRunRequest struct {
	TargetURL      string `json:"target_url"`
	BookingURL     string `json:"booking_url"`
	Duration       string `json:"duration"` // Go duration string, e.g. "30m"
	FallbackEngine bool   `json:"fallback_engine"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	params := engine.RunParams{
		TargetURL:       req.TargetURL,
		BookingURL:      req.BookingURL,
		Clients:         s.clients,
		StartOnFallback: req.FallbackEngine,
	}
	if params.TargetURL == "" {
		params.TargetURL = s.cfg.TargetURL
	}
	if params.TargetURL == "" {
		s.writeError(w, http.StatusBadRequest, "target_url is required")
		return
	}
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid duration")
			return
		}
		params.Duration = d
	}

	id, err := s.eng.Start(params)
	if errors.Is(err, engine.ErrAlreadyRunning) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("api: run started", "run", id, "target", params.TargetURL)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	if !s.eng.Stop() {
		s.writeError(w, http.StatusNotFound, "no active run")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.eng.Status())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		s.writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		limit, _ = strconv.Atoi(q)
	}
	runs, err := s.st.RecentRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunChecks(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		s.writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	checks, err := s.st.ChecksForRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if checks == nil {
		checks = []store.CheckRecord{}
	}
	s.writeJSON(w, http.StatusOK, checks)
}

func (s *Server) handleRunAttempts(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		s.writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	attempts, err := s.st.AttemptsForRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attempts == nil {
		attempts = []store.AttemptRecord{}
	}
	s.writeJSON(w, http.StatusOK, attempts)
}

// handleEvents upgrades to WebSocket and streams run events until the
// client disconnects. Slow clients lose events rather than slowing the run.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("api: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.eng.Events().Subscribe()
	defer cancel()

	// Drain client frames so close/ping handling works.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("api: write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
