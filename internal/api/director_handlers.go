package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jason-czar/sportscast-live/internal/director"
	"github.com/jason-czar/sportscast-live/internal/models"
)

type selectActiveRequest struct {
	SessionID         string `json:"sessionId"`
	SourceID          string `json:"sourceId"`
	RequesterSourceID string `json:"requesterSourceId"`
	// RequesterRole is advisory: authorization runs against the registered
	// source, but a stated role that contradicts the registration is rejected.
	RequesterRole string `json:"requesterRole,omitempty"`
	Token         string `json:"token,omitempty"`
}

// SelectActive switches the program feed to the requested source.
func (h *Handler) SelectActive(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if h.Selector == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("director selection is not configured"))
		return
	}
	var req selectActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" || req.SourceID == "" || req.RequesterSourceID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId, sourceId and requesterSourceId are required"))
		return
	}
	if err := h.authorizeSource(req.Token, req.RequesterSourceID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	if req.RequesterRole != "" {
		role, err := models.ParseSourceRole(req.RequesterRole)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if src, ok := h.Rooms.GetSource(req.RequesterSourceID); ok && src.Role != role {
			writeError(w, http.StatusForbidden, fmt.Errorf("requesterRole %q does not match the registered source", req.RequesterRole))
			return
		}
	}

	session, err := h.Selector.SelectActive(r.Context(), req.SessionID, req.RequesterSourceID, req.SourceID)
	if err != nil {
		if errors.Is(err, director.ErrNotAuthorized) {
			writeError(w, http.StatusForbidden, err)
			return
		}
		writeError(w, roomErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activeSourceId": session.ActiveSourceID,
	})
}
