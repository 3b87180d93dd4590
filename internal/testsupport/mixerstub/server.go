package mixerstub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake mixer should behave.
type Options struct {
	// FailMixCreates causes the first N mix create requests to return HTTP
	// 503. Subsequent attempts succeed.
	FailMixCreates int

	// FailDestinationAttaches causes the first N destination attach requests
	// to return HTTP 502. Subsequent attempts succeed.
	FailDestinationAttaches int

	// FailLayoutUpdates causes the first N layout update requests to return
	// HTTP 502. Subsequent attempts succeed.
	FailLayoutUpdates int

	// Token is the bearer token the stub enforces. If empty, the check is
	// skipped.
	Token string
}

// Operation represents a recorded mixer interaction.
type Operation struct {
	Kind           string
	SessionID      string
	Destination    string
	ActiveSourceID string
	Status         int
	Timestamp      time.Time
}

// Mixer hosts a single httptest.Server that serves all mixer endpoints.
type Mixer struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	operations []Operation
	mixErr     int
	destErr    int
	layoutErr  int
	mixes      map[string]bool
}

// Start spins up a new mixer stub using the provided options.
func Start(opts Options) *Mixer {
	m := &Mixer{opts: opts, mixes: make(map[string]bool)}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// Close shuts down the underlying HTTP server.
func (m *Mixer) Close() {
	if m.server != nil {
		m.server.Close()
	}
}

// BaseURL returns the HTTP base URL for all mixer endpoints.
func (m *Mixer) BaseURL() string {
	return m.server.URL
}

// Operations returns a copy of all recorded operations in the order they
// occurred.
func (m *Mixer) Operations() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Operation, len(m.operations))
	copy(out, m.operations)
	return out
}

// Running reports whether the stub currently holds a mix for the session.
func (m *Mixer) Running(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mixes[sessionID]
}

func (m *Mixer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/mixes":
		m.handleCreateMix(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/destinations"):
		m.handleAttachDestination(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/layout"):
		m.handleUpdateLayout(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/v1/mixes/"):
		m.handleDeleteMix(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/healthz":
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (m *Mixer) handleCreateMix(w http.ResponseWriter, r *http.Request) {
	if !m.expectBearer(w, r) {
		return
	}
	var req struct {
		SessionID      string  `json:"sessionId"`
		ActiveSourceID *string `json:"activeSourceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	if m.mixErr < m.opts.FailMixCreates {
		m.mixErr++
		m.mu.Unlock()
		m.record(Operation{Kind: "create_mix", SessionID: req.SessionID, Status: http.StatusServiceUnavailable})
		http.Error(w, "mixer unavailable", http.StatusServiceUnavailable)
		return
	}
	m.mixes[req.SessionID] = true
	m.mu.Unlock()

	op := Operation{Kind: "create_mix", SessionID: req.SessionID, Status: http.StatusCreated}
	if req.ActiveSourceID != nil {
		op.ActiveSourceID = *req.ActiveSourceID
	}
	m.record(op)
	w.WriteHeader(http.StatusCreated)
}

func (m *Mixer) handleAttachDestination(w http.ResponseWriter, r *http.Request) {
	if !m.expectBearer(w, r) {
		return
	}
	sessionID := pathSegment(r.URL.Path, 2)
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	if m.destErr < m.opts.FailDestinationAttaches {
		m.destErr++
		m.mu.Unlock()
		m.record(Operation{Kind: "attach_destination", SessionID: sessionID, Destination: req.URL, Status: http.StatusBadGateway})
		http.Error(w, "destination rejected", http.StatusBadGateway)
		return
	}
	m.mu.Unlock()

	m.record(Operation{Kind: "attach_destination", SessionID: sessionID, Destination: req.URL, Status: http.StatusOK})
	w.WriteHeader(http.StatusOK)
}

func (m *Mixer) handleUpdateLayout(w http.ResponseWriter, r *http.Request) {
	if !m.expectBearer(w, r) {
		return
	}
	sessionID := pathSegment(r.URL.Path, 2)
	var req struct {
		ActiveSourceID *string `json:"activeSourceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	if m.layoutErr < m.opts.FailLayoutUpdates {
		m.layoutErr++
		m.mu.Unlock()
		m.record(Operation{Kind: "update_layout", SessionID: sessionID, Status: http.StatusBadGateway})
		http.Error(w, "layout rejected", http.StatusBadGateway)
		return
	}
	m.mu.Unlock()

	op := Operation{Kind: "update_layout", SessionID: sessionID, Status: http.StatusOK}
	if req.ActiveSourceID != nil {
		op.ActiveSourceID = *req.ActiveSourceID
	}
	m.record(op)
	w.WriteHeader(http.StatusOK)
}

func (m *Mixer) handleDeleteMix(w http.ResponseWriter, r *http.Request) {
	if !m.expectBearer(w, r) {
		return
	}
	sessionID := pathSegment(r.URL.Path, 2)

	m.mu.Lock()
	delete(m.mixes, sessionID)
	m.mu.Unlock()

	m.record(Operation{Kind: "delete_mix", SessionID: sessionID, Status: http.StatusOK})
	w.WriteHeader(http.StatusOK)
}

func (m *Mixer) record(op Operation) {
	op.Timestamp = time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations = append(m.operations, op)
}

func (m *Mixer) expectBearer(w http.ResponseWriter, r *http.Request) bool {
	if m.opts.Token == "" {
		return true
	}
	if r.Header.Get("Authorization") != "Bearer "+m.opts.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// pathSegment extracts the nth slash-separated segment, so session IDs can be
// pulled out of /v1/mixes/{id}/... paths.
func pathSegment(path string, n int) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if n < len(parts) {
		return parts[n]
	}
	return ""
}
