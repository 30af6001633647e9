// Package controlplanetest provides an in-process fake of the performance
// platform's run API, plus a small target service to load against.
package controlplanetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"perfx/internal/controlplane"
)

// Call is one status update received by the fake.
type Call struct {
	RunID  string
	Action string
	Body   map[string]any
}

// Server is a fake control plane. Runs are served from an in-memory table and
// every status update is recorded in arrival order.
type Server struct {
	mux *http.ServeMux

	mu       sync.Mutex
	runs     map[string]controlplane.TestRunDetail
	calls    []Call
	failures []int
}

// NewServer creates a fake control plane with no runs.
func NewServer() *Server {
	s := &Server{
		mux:  http.NewServeMux(),
		runs: make(map[string]controlplane.TestRunDetail),
	}
	s.mux.HandleFunc("GET /api/perf/runs/{id}", s.handleGet)
	s.mux.HandleFunc("POST /api/perf/runs/{id}/{action}", s.handleAction)
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Mux exposes the router so callers can mount extra handlers next to the API.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// AddRun registers a plan served by GET /api/perf/runs/{id}.
func (s *Server) AddRun(detail controlplane.TestRunDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if detail.Status == "" {
		detail.Status = "pending"
	}
	s.runs[detail.RunID] = detail
}

// FailNext makes the next len(statuses) requests answer with the given HTTP
// statuses before normal handling resumes.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// Calls returns a copy of the recorded status updates.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Actions returns the recorded action names in arrival order.
func (s *Server) Actions() []string {
	calls := s.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Action)
	}
	return out
}

// Status returns the current status of runID.
func (s *Server) Status(runID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID].Status
}

func (s *Server) injectedFailure() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return 0, false
	}
	status := s.failures[0]
	s.failures = s.failures[1:]
	return status, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if status, ok := s.injectedFailure(); ok {
		writeEnvelope(w, status, 1, http.StatusText(status), nil)
		return
	}
	id := r.PathValue("id")

	s.mu.Lock()
	detail, ok := s.runs[id]
	s.mu.Unlock()

	if !ok {
		writeEnvelope(w, http.StatusNotFound, 404, fmt.Sprintf("run %s not found", id), nil)
		return
	}
	writeEnvelope(w, http.StatusOK, 0, "", detail)
}

var transitions = map[string]string{
	"start":    "running",
	"complete": "completed",
	"fail":     "failed",
	"cancel":   "cancelled",
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if status, ok := s.injectedFailure(); ok {
		writeEnvelope(w, status, 1, http.StatusText(status), nil)
		return
	}
	id, action := r.PathValue("id"), r.PathValue("action")
	next, known := transitions[action]
	if !known {
		writeEnvelope(w, http.StatusNotFound, 404, "unknown action "+action, nil)
		return
	}

	var body map[string]any
	if data, err := io.ReadAll(r.Body); err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			writeEnvelope(w, http.StatusBadRequest, 400, "invalid json body", nil)
			return
		}
	}

	s.mu.Lock()
	detail, ok := s.runs[id]
	if ok {
		detail.Status = next
		if msg, isString := body["error_message"].(string); isString {
			detail.ErrorMessage = msg
		}
		s.runs[id] = detail
		s.calls = append(s.calls, Call{RunID: id, Action: action, Body: body})
	}
	s.mu.Unlock()

	if !ok {
		writeEnvelope(w, http.StatusNotFound, 404, fmt.Sprintf("run %s not found", id), nil)
		return
	}
	writeEnvelope(w, http.StatusOK, 0, "ok", map[string]string{"run_id": id, "status": next})
}

func writeEnvelope(w http.ResponseWriter, status, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"data":    data,
		"message": message,
	})
}
