// Package httpapi exposes the admin and webhook surface: task CRUD, session
// inspection, dispatcher state, the async result webhook and the live event
// stream.
package httpapi

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"automation_engine/internal/config"
	"automation_engine/internal/dispatcher"
	"automation_engine/internal/logbus"
	"automation_engine/internal/model"
	"automation_engine/internal/store/sqlite"
	"automation_engine/internal/ws"
)

type Options struct {
	Cfg        config.Config
	Bus        *logbus.Bus
	Store      *sqlite.Store
	Dispatcher *dispatcher.Dispatcher
}

type Server struct {
	cfg        config.Config
	bus        *logbus.Bus
	store      *sqlite.Store
	dispatcher *dispatcher.Dispatcher
	ws         *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:        opts.Cfg,
		bus:        opts.Bus,
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		ws:         ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/tasks", s.handleTasks)
	api.HandleFunc("/api/v1/tasks/", s.handleTaskByID)
	api.HandleFunc("/api/v1/sessions", s.handleSessions)
	api.HandleFunc("/api/v1/dispatcher/state", s.handleDispatcherState)
	api.HandleFunc("/api/v1/webhook/complete", s.handleWebhookComplete)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.store.ListTasks(r.Context(), model.TaskStatus(r.URL.Query().Get("status")))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": tasks})
	case http.MethodPost:
		type taskCreatePayload struct {
			ProjectID string          `json:"projectId"`
			Type      model.TaskType  `json:"type"`
			Prompt    string          `json:"prompt"`
			Payload   json.RawMessage `json:"payload,omitempty"`
		}
		var body taskCreatePayload
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if body.Type == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "type is required"})
			return
		}
		if body.Prompt == "" && !body.Type.IsLoginFamily() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "prompt is required"})
			return
		}
		task, err := s.store.EnqueueTask(r.Context(), model.Task{
			ProjectID: body.ProjectID,
			Type:      body.Type,
			Prompt:    body.Prompt,
			Payload:   body.Payload,
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if s.bus != nil {
			s.bus.Log("info", "task enqueued", map[string]any{
				"taskId": task.ID,
				"type":   string(task.Type),
			})
		}
		writeJSON(w, http.StatusCreated, map[string]any{"data": task})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "task not found"})
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "task not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": task})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), r.URL.Query().Get("projectId"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": sessions})
}

func (s *Server) handleDispatcherState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.dispatcher.State()})
}

// handleWebhookComplete accepts results the agent delivers asynchronously.
// Replays are harmless: a task that already reached a terminal state is left
// exactly as it was and the call still answers 200.
func (s *Server) handleWebhookComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	secret := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.Webhook.Secret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid webhook secret"})
		return
	}

	type webhookPayload struct {
		TaskID  string `json:"taskId"`
		Result  string `json:"result"`
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	var body webhookPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if body.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "taskId is required"})
		return
	}

	task, err := s.store.GetTask(r.Context(), body.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "task not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	if task.Status.Terminal() {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": task.Status})
		return
	}
	if task.Status == model.TaskStatusPending {
		// The agent finished a task the dispatcher never handed over after a
		// restart; claim it so the terminal write guard holds.
		if _, err := s.store.MarkRunning(r.Context(), task.ID); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		task.Status = model.TaskStatusRunning
	}

	text := body.Result
	if text == "" {
		// Agents that crash mid-task report only an error string.
		text = body.Error
	}
	res := model.AgentResult{Result: text, Success: body.Success}
	if err := s.dispatcher.ApplyResult(r.Context(), task, res); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	settled, err := s.store.GetTask(r.Context(), task.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": settled.Status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	defer io.Copy(io.Discard, r.Body)
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}
