// Package api implements the courier REST handlers over a dispatch.Service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/courier/comms"
	"github.com/GoCodeAlone/courier/dispatch"
	"github.com/GoCodeAlone/courier/task"
)

// ConsumerHeader names the caller when auth is disabled.
const ConsumerHeader = "X-Consumer-ID"

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version"`
	Uptime  string              `json:"uptime"`
	Counts  map[task.Status]int `json:"counts"`
}

// StartResponse is the body of a successful POST /tasks/{id}/start.
type StartResponse struct {
	Status task.Status `json:"status"`
	Task   *task.Task  `json:"task"`
}

// CompleteRequest is the body of POST /tasks/{id}/complete.
type CompleteRequest struct {
	Outcome task.Status `json:"outcome"`
	Detail  string      `json:"detail"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Service   *dispatch.Service
	Bus       comms.Bus
	Logger    *slog.Logger
	Version   string
	StartedAt time.Time
}

// RegisterRoutes registers the task and event routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tasks", h.submitTask)
	mux.HandleFunc("GET /tasks", h.listTasks)
	mux.HandleFunc("GET /tasks/{id}", h.getTask)
	mux.HandleFunc("POST /tasks/{id}/start", h.startTask)
	mux.HandleFunc("POST /tasks/{id}/complete", h.completeTask)

	mux.HandleFunc("GET /events/recent", h.recentEvents)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeServiceError maps dispatch and store errors onto status codes.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrConflict), errors.Is(err, task.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrSubmissionFailed):
		writeError(w, http.StatusServiceUnavailable, "submission failed, not queued")
	default:
		h.Logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// caller resolves who is acting on a task: the authenticated subject, or
// the X-Consumer-ID header when auth is off.
func caller(r *http.Request) string {
	if c := CallerFrom(r.Context()); c != "" {
		return c
	}
	return strings.TrimSpace(r.Header.Get(ConsumerHeader))
}

// --- Task handlers ---

func (h *Handlers) submitTask(w http.ResponseWriter, r *http.Request) {
	var sub dispatch.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rcpt, err := h.Service.Submit(r.Context(), sub)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if rcpt.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, rcpt)
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{Source: q.Get("source")}

	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(s))
			return
		}
		filter.Status = &st
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	tasks, err := h.Service.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) startTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Service.Claim(r.Context(), r.PathValue("id"), caller(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StartResponse{Status: t.Status, Task: t})
}

func (h *Handlers) completeTask(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Service.Complete(r.Context(), r.PathValue("id"), caller(r), req.Outcome, req.Detail)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Event handlers ---

func (h *Handlers) recentEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	events, err := h.Bus.History(taskID, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []*comms.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Status ---

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Service.Counts(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:  "ok",
		Version: h.Version,
		Uptime:  time.Since(h.StartedAt).Round(time.Second).String(),
		Counts:  counts,
	})
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}
