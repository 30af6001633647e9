package controlplanetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// Target is a small HTTP service used as the system under test.
type Target struct {
	mux       *http.ServeMux
	requestID atomic.Int64
	hits      atomic.Int64
}

// NewTarget creates a target service with its endpoints registered.
func NewTarget() *Target {
	t := &Target{mux: http.NewServeMux()}
	t.mux.HandleFunc("GET /health", t.handleHealth)
	t.mux.HandleFunc("GET /status/{code}", t.handleStatus)
	t.mux.HandleFunc("GET /delay/{ms}", t.handleDelay)
	t.mux.HandleFunc("POST /echo", t.handleEcho)
	t.mux.HandleFunc("/json", t.handleJSON)
	t.mux.HandleFunc("GET /headers", t.handleHeaders)
	return t
}

// Handler returns the http.Handler for the target. Every request is counted.
func (t *Target) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.hits.Add(1)
		t.mux.ServeHTTP(w, r)
	})
}

// Hits reports how many requests the target has served.
func (t *Target) Hits() int64 {
	return t.hits.Load()
}

func (t *Target) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// GET /status/404 returns 404 Not Found.
func (t *Target) handleStatus(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(r.PathValue("code"))
	if err != nil || code < 100 || code > 599 {
		http.Error(w, "invalid status code", http.StatusBadRequest)
		return
	}
	w.WriteHeader(code)
	fmt.Fprintf(w, "%d %s", code, http.StatusText(code))
}

// GET /delay/100 waits 100ms.
func (t *Target) handleDelay(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.Atoi(r.PathValue("ms"))
	if err != nil || ms < 0 {
		http.Error(w, "invalid delay", http.StatusBadRequest)
		return
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-r.Context().Done():
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "delayed %dms", ms)
}

func (t *Target) handleEcho(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (t *Target) handleJSON(w http.ResponseWriter, r *http.Request) {
	id := t.requestID.Add(1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"id":        id,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"method":    r.Method,
		"path":      r.URL.Path,
		"query":     r.URL.RawQuery,
	})
}

func (t *Target) handleHeaders(w http.ResponseWriter, r *http.Request) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"headers": headers})
}
