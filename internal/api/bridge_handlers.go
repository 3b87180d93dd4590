package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jason-czar/sportscast-live/internal/bridge"
)

type bridgeStartRequest struct {
	SessionID      string   `json:"sessionId"`
	Destinations   []string `json:"destinations"`
	ActiveSourceID *string  `json:"activeSourceId,omitempty"`
}

type bridgeLayoutRequest struct {
	SessionID      string  `json:"sessionId"`
	ActiveSourceID *string `json:"activeSourceId"`
}

type bridgeStopRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handler) requireBridge(w http.ResponseWriter) bool {
	if h.Bridge == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("broadcast bridge is not configured"))
		return false
	}
	return true
}

// bridgeErrorStatus maps coordinator sentinels onto HTTP status codes.
// Mixer failures surface as 502: the upstream dependency broke, not us.
func bridgeErrorStatus(err error) int {
	switch {
	case errors.Is(err, bridge.ErrStartFailed), errors.Is(err, bridge.ErrUpdateFailed):
		return http.StatusBadGateway
	case errors.Is(err, bridge.ErrBusy), errors.Is(err, bridge.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrNotRunning):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// BridgeStart provisions external forwarding for a session.
func (h *Handler) BridgeStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) || !h.requireBridge(w) {
		return
	}
	var req bridgeStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" || len(req.Destinations) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId and destinations are required"))
		return
	}
	if _, ok := h.Rooms.GetSession(req.SessionID); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", req.SessionID))
		return
	}

	active := req.ActiveSourceID
	if active == nil {
		if session, ok := h.Rooms.GetSession(req.SessionID); ok {
			active = session.ActiveSourceID
		}
	}
	bs, err := h.Bridge.Start(r.Context(), req.SessionID, req.Destinations, active)
	if err != nil {
		writeError(w, bridgeErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, bs)
}

// BridgeUpdateLayout pushes a program layout change to the mixer.
func (h *Handler) BridgeUpdateLayout(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) || !h.requireBridge(w) {
		return
	}
	var req bridgeLayoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId is required"))
		return
	}

	bs, err := h.Bridge.UpdateLayout(r.Context(), req.SessionID, req.ActiveSourceID)
	if err != nil {
		writeError(w, bridgeErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, bs)
}

// BridgeStop tears external forwarding down.
func (h *Handler) BridgeStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) || !h.requireBridge(w) {
		return
	}
	var req bridgeStopRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId is required"))
		return
	}

	if err := h.Bridge.Stop(r.Context(), req.SessionID); err != nil {
		if errors.Is(err, bridge.ErrBusy) {
			writeError(w, http.StatusConflict, err)
		} else {
			writeError(w, http.StatusBadGateway, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
