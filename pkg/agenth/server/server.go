// Package server exposes the HTTP API: chat, task queueing, team restart
// and the per-owner event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/jholhewres/agenth/pkg/agenth/notify"
	"github.com/jholhewres/agenth/pkg/agenth/runner"
	"github.com/jholhewres/agenth/pkg/agenth/scheduler"
)

// Chat answers one user turn.
type Chat interface {
	SendMessage(ctx context.Context, req runner.SendRequest) (runner.SendResponse, error)
}

// Tasks is the scheduler surface used by the API.
type Tasks interface {
	AddTask(ts int64, prompt, owner, id string) (string, error)
	TasksFor(owner string) []scheduler.Task
}

// Team restarts the agent team and reports the agents now running.
type Team interface {
	Restart(ctx context.Context) ([]string, error)
}

// Config configures the server.
type Config struct {
	Addr string
	// AuthTokenHash is a bcrypt hash. Empty disables authentication.
	AuthTokenHash string
	ChatTimeout   time.Duration
}

// Server is the HTTP front of the daemon.
type Server struct {
	cfg      Config
	chat     Chat
	tasks    Tasks
	team     Team
	hub      *notify.Hub
	notifier notify.Notifier
	logger   *slog.Logger
	mux      *http.ServeMux
	http     *http.Server
}

// New wires the routes. tasks, team and hub may be nil; their routes then
// answer 503.
func New(cfg Config, chat Chat, tasks Tasks, team Team, hub *notify.Hub, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		chat:     chat,
		tasks:    tasks,
		team:     team,
		hub:      hub,
		notifier: notify.Discard{},
		logger:   logger.With("component", "server"),
		mux:      http.NewServeMux(),
	}
	if hub != nil {
		s.notifier = hub
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /api/chat", s.auth(s.handleChat))
	s.mux.HandleFunc("POST /api/tasks", s.auth(s.handleAddTask))
	s.mux.HandleFunc("GET /api/tasks", s.auth(s.handleListTasks))
	s.mux.HandleFunc("POST /api/team/restart", s.auth(s.handleTeamRestart))
	if hub != nil {
		s.mux.Handle("GET /ws/events", s.auth(notify.NewWebSocketHandler(hub, logger).ServeHTTP))
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr, "auth", s.cfg.AuthTokenHash != "")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// HashToken returns the bcrypt hash to store as auth_token_hash.
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("empty token")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.AuthTokenHash == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" || bcrypt.CompareHashAndPassword([]byte(s.cfg.AuthTokenHash), []byte(token)) != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// extractToken checks the Authorization header, then the token query
// parameter (browsers cannot set headers on WebSocket upgrades).
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatResponse struct {
	Success  bool   `json:"success"`
	ThreadID string `json:"threadId,omitempty"`
	Message  string `json:"message"`
}

// handleChat always answers 200; failures carry success=false.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req runner.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, chatResponse{Message: "invalid request body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	resp, err := s.chat.SendMessage(ctx, req)
	if err != nil {
		s.logger.Warn("chat failed", "thread", req.ThreadID, "error", err)
		writeJSON(w, http.StatusOK, chatResponse{ThreadID: req.ThreadID, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Success: true, ThreadID: resp.ThreadID, Message: resp.Message})
}

type addTaskRequest struct {
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Prompt    string `json:"prompt"`
	Owner     string `json:"owner"`
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler disabled"})
		return
	}
	var req addTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	id, err := s.tasks.AddTask(req.Timestamp, req.Prompt, req.Owner, req.ID)
	switch {
	case errors.Is(err, scheduler.ErrInvalidTask):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, scheduler.ErrDuplicateTask):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler disabled"})
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner is required"})
		return
	}
	tasks := s.tasks.TasksFor(owner)
	if tasks == nil {
		tasks = []scheduler.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTeamRestart(w http.ResponseWriter, r *http.Request) {
	if s.team == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "team disabled"})
		return
	}
	var body struct {
		Owner string `json:"owner"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	agents, err := s.team.Restart(r.Context())
	if err != nil {
		s.logger.Error("team restart failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if body.Owner != "" {
		s.notifier.SendEventToUser(body.Owner, notify.Event{
			Type:      notify.EventTeam,
			Data:      map[string]any{"agents": agents},
			CreatedAt: time.Now().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
