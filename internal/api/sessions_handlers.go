package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jason-czar/sportscast-live/internal/control"
	"github.com/jason-czar/sportscast-live/internal/models"
)

type createSessionRequest struct {
	Title string `json:"title"`
}

type sessionSnapshotResponse struct {
	Session models.Session  `json:"session"`
	Sources []models.Source `json:"sources"`
}

// Sessions handles the session collection endpoint.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := h.Rooms.CreateSession(req.Title)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// SessionByID routes /api/sessions/{id} and its lifecycle sub-resources.
func (h *Handler) SessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	sessionID := parts[0]
	if sessionID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("session id is required"))
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.sessionSnapshot(w, sessionID)
	case "start":
		if !requirePost(w, r) {
			return
		}
		h.startSession(w, sessionID)
	case "end":
		if !requirePost(w, r) {
			return
		}
		h.endSession(w, sessionID)
	case "events":
		h.sessionEvents(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session resource %q", action))
	}
}

func (h *Handler) sessionSnapshot(w http.ResponseWriter, sessionID string) {
	session, sources, ok := h.Rooms.Snapshot(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", sessionID))
		return
	}
	writeJSON(w, http.StatusOK, sessionSnapshotResponse{Session: session, Sources: sources})
}

func (h *Handler) startSession(w http.ResponseWriter, sessionID string) {
	session, err := h.Rooms.GoLive(sessionID)
	if err != nil {
		writeError(w, roomErrorStatus(err), err)
		return
	}
	h.publish(control.NewSessionStatus(sessionID, string(session.Status)))
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) endSession(w http.ResponseWriter, sessionID string) {
	session, err := h.Rooms.EndSession(sessionID)
	if err != nil {
		writeError(w, roomErrorStatus(err), err)
		return
	}
	h.publish(control.NewSessionStatus(sessionID, string(session.Status)))

	// Forwarding teardown happens off the request path; the session is over
	// regardless of how the mixer feels about it.
	if h.Bridge != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.Bridge.Stop(ctx, sessionID); err != nil {
				h.logger().Warn("stop bridge on session end", "session_id", sessionID, "error", err)
			}
		}()
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) sessionEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if h.Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("event fan-out is not configured"))
		return
	}
	if _, ok := h.Rooms.GetSession(sessionID); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", sessionID))
		return
	}
	h.Gateway.HandleConnection(w, r, sessionID)
}

// publish fans a control message out best-effort; delivery failures are
// logged, never surfaced.
func (h *Handler) publish(msg control.Message) {
	if h.Gateway == nil {
		return
	}
	if err := h.Gateway.Publish(context.Background(), msg); err != nil {
		h.logger().Warn("publish control message", "type", string(msg.Type), "session_id", msg.SessionID, "error", err)
	}
}
