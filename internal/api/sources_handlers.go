package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/jason-czar/sportscast-live/internal/control"
	"github.com/jason-czar/sportscast-live/internal/models"
	"github.com/jason-czar/sportscast-live/internal/observability/metrics"
	"github.com/jason-czar/sportscast-live/internal/room"
)

type joinRequest struct {
	SessionID string `json:"sessionId"`
	SourceID  string `json:"sourceId,omitempty"`
	Label     string `json:"label"`
	Role      string `json:"role,omitempty"`
}

type joinResponse struct {
	Source    models.Source `json:"source"`
	Token     string        `json:"token,omitempty"`
	ExpiresAt *time.Time    `json:"expiresAt,omitempty"`
}

type sourceRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	SourceID  string `json:"sourceId"`
	Token     string `json:"token,omitempty"`
}

type cleanupRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

// Join registers a source in a session and issues its join token.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId is required"))
		return
	}
	role, err := models.ParseSourceRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	previous, hadSource := h.Rooms.GetSource(req.SourceID)
	source, err := h.Rooms.Join(req.SessionID, req.SourceID, req.Label, role)
	if err != nil {
		writeError(w, roomErrorStatus(err), err)
		return
	}
	if !hadSource || !previous.Connected() {
		metrics.Default().SourceJoined()
	}

	resp := joinResponse{Source: source}
	if h.Tokens != nil {
		token, expiresAt, err := h.Tokens.Issue(source.SessionID, source.ID, source.Label, source.Role)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.Token = token
		resp.ExpiresAt = &expiresAt
	}

	h.publish(control.NewPresence(control.MessageTypeSourceJoined, source.SessionID, source.ID, source.Label, ""))
	writeJSON(w, http.StatusOK, resp)
}

// Leave removes a source from its session.
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req sourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" || req.SourceID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId and sourceId are required"))
		return
	}
	if err := h.authorizeSource(req.Token, req.SourceID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	_, left := h.Rooms.Leave(req.SessionID, req.SourceID)
	if left {
		metrics.Default().SourceLeft()
		if h.Tokens != nil {
			if err := h.Tokens.Revoke(req.Token); err != nil {
				h.logger().Warn("revoke join token", "source_id", req.SourceID, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"left": left})
}

// Heartbeat refreshes a source's liveness.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req sourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SourceID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sourceId is required"))
		return
	}
	if err := h.authorizeSource(req.Token, req.SourceID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	if _, err := h.Rooms.RecordHeartbeat(req.SourceID); err != nil {
		writeError(w, roomErrorStatus(err), err)
		return
	}
	metrics.Default().ObserveHeartbeat()
	w.WriteHeader(http.StatusNoContent)
}

// Disconnect marks a source's connection as cleanly closed without removing
// its registration.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req sourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SourceID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sourceId is required"))
		return
	}
	if err := h.authorizeSource(req.Token, req.SourceID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	dep, err := h.Rooms.Disconnect(req.SourceID)
	if err != nil {
		writeError(w, roomErrorStatus(err), err)
		return
	}
	metrics.Default().SourceLeft()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clearedActive": dep.ClearedActive,
	})
}

// Cleanup runs a liveness sweep, for one session or all of them.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var departures []room.Departure
	if req.SessionID != "" {
		swept, err := h.Rooms.Sweep(req.SessionID, h.StaleAfter, h.EvictAfter)
		if err != nil {
			writeError(w, roomErrorStatus(err), err)
			return
		}
		departures = swept
	} else {
		departures = h.Rooms.SweepAll(h.StaleAfter, h.EvictAfter)
	}
	for range departures {
		metrics.Default().SourceLeft()
	}
	writeJSON(w, http.StatusOK, map[string]int{"evicted": len(departures)})
}

// authorizeSource checks that the presented token belongs to the source it
// claims to act for. With no token manager configured the check is skipped.
func (h *Handler) authorizeSource(token, sourceID string) error {
	if h.Tokens == nil {
		return nil
	}
	grant, ok, err := h.Tokens.Validate(token)
	if err != nil {
		return err
	}
	if !ok || grant.SourceID != sourceID {
		return fmt.Errorf("token does not authorize source %s", sourceID)
	}
	return nil
}
