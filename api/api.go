// Package api exposes the monitor manager over local HTTP. Responses use a
// uniform {success, data, error} envelope so clients can branch on one
// field.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ANonABento/clanker-spanker/monitor"
	"github.com/ANonABento/clanker-spanker/store"
)

type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// monitorDTO is the wire shape of a monitor record.
type monitorDTO struct {
	ID              string     `json:"id"`
	Repo            string     `json:"repo"`
	Number          int        `json:"prNumber"`
	PRRef           string     `json:"prRef"`
	PID             int        `json:"pid,omitempty"`
	Status          string     `json:"status"`
	Iteration       int        `json:"iteration"`
	MaxIterations   int        `json:"maxIterations"`
	IntervalMinutes int        `json:"intervalMinutes"`
	CommentsFixed   int        `json:"commentsFixed"`
	ExitReason      string     `json:"exitReason,omitempty"`
	LogFile         string     `json:"logFile,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	LastCheckAt     *time.Time `json:"lastCheckAt,omitempty"`
	NextCheckAt     *time.Time `json:"nextCheckAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
}

func toDTO(m *store.Monitor) monitorDTO {
	return monitorDTO{
		ID:              m.ID,
		Repo:            m.Repo,
		Number:          m.Number,
		PRRef:           m.PRRef(),
		PID:             m.PID,
		Status:          string(m.Status),
		Iteration:       m.Iteration,
		MaxIterations:   m.MaxIterations,
		IntervalMinutes: m.IntervalMinutes,
		CommentsFixed:   m.CommentsFixed,
		ExitReason:      string(m.ExitReason),
		LogFile:         m.LogFile,
		StartedAt:       m.StartedAt,
		LastCheckAt:     m.LastCheckAt,
		NextCheckAt:     m.NextCheckAt,
		EndedAt:         m.EndedAt,
	}
}

// Server routes monitor operations over HTTP.
type Server struct {
	mgr *monitor.Manager
	log *slog.Logger
	mux *http.ServeMux
}

// NewServer builds the route table around the manager.
func NewServer(mgr *monitor.Manager, log *slog.Logger) *Server {
	s := &Server{
		mgr: mgr,
		log: log.With("component", "api"),
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/monitors", s.handleStart)
	s.mux.HandleFunc("GET /api/monitors", s.handleList)
	s.mux.HandleFunc("GET /api/monitors/{id}", s.handleGet)
	s.mux.HandleFunc("POST /api/monitors/{id}/stop", s.handleStop)
	s.mux.HandleFunc("GET /api/monitors/{id}/output", s.handleOutput)
	return s
}

// ServeHTTP applies CORS and dispatches. The API binds to loopback; CORS
// exists for local web frontends, not remote callers.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRequest struct {
	Repo            string `json:"repo"`
	Number          int    `json:"prNumber"`
	MaxIterations   int    `json:"maxIterations"`
	IntervalMinutes int    `json:"intervalMinutes"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Repo == "" || req.Number <= 0 {
		s.writeError(w, http.StatusBadRequest, "repo and prNumber are required")
		return
	}

	rec, err := s.mgr.Start(r.Context(), monitor.StartOptions{
		Repo:            req.Repo,
		Number:          req.Number,
		MaxIterations:   req.MaxIterations,
		IntervalMinutes: req.IntervalMinutes,
	})
	if err != nil {
		if errors.Is(err, monitor.ErrAlreadyMonitoring) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.log.Error("start failed", "repo", req.Repo, "pr", req.Number, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeData(w, http.StatusCreated, toDTO(rec))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Repo:       r.URL.Query().Get("repo"),
		ActiveOnly: r.URL.Query().Get("active") == "true",
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := store.Status(status)
		if !st.Valid() {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
			return
		}
		filter.Status = st
	}

	monitors, err := s.mgr.List(r.Context(), filter)
	if err != nil {
		s.log.Error("list failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dtos := make([]monitorDTO, 0, len(monitors))
	for _, m := range monitors {
		dtos = append(dtos, toDTO(m))
	}
	s.writeData(w, http.StatusOK, dtos)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mgr.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeData(w, http.StatusOK, toDTO(rec))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.mgr.Stop(r.Context(), id)
	switch {
	case err == nil:
		rec, gerr := s.mgr.Get(r.Context(), id)
		if gerr != nil {
			s.writeData(w, http.StatusOK, map[string]string{"id": id})
			return
		}
		s.writeData(w, http.StatusOK, toDTO(rec))
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, monitor.ErrNotActive):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("stop failed", "monitorID", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.mgr.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	lines := s.mgr.Output(id)
	if lines == nil {
		lines = []monitor.OutputLine{}
	}
	s.writeData(w, http.StatusOK, lines)
}

func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	s.writeJSON(w, status, response{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, response{Success: false, Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}
