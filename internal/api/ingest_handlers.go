package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jason-czar/sportscast-live/internal/relay"
)

type ingestCreateRequest struct {
	SourceID            string `json:"sourceId"`
	DestinationEndpoint string `json:"destinationEndpoint"`
	Token               string `json:"token,omitempty"`
}

type ingestNegotiateRequest struct {
	IngestSessionID string `json:"ingestSessionId"`
	Offer           string `json:"offer"`
}

type ingestStopRequest struct {
	IngestSessionID string `json:"ingestSessionId"`
}

func (h *Handler) requireRelay(w http.ResponseWriter) bool {
	if h.Relay == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("media ingest is not configured"))
		return false
	}
	return true
}

func ingestErrorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrAlreadyStreaming), errors.Is(err, relay.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, relay.ErrNegotiationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IngestCreate registers a media relay leg for a source.
func (h *Handler) IngestCreate(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) || !h.requireRelay(w) {
		return
	}
	var req ingestCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SourceID == "" || req.DestinationEndpoint == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sourceId and destinationEndpoint are required"))
		return
	}
	if err := h.authorizeSource(req.Token, req.SourceID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	if _, ok := h.Rooms.GetSource(req.SourceID); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("source %s not found", req.SourceID))
		return
	}

	record, err := h.Relay.Create(req.SourceID, req.DestinationEndpoint)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// IngestNegotiate runs the SDP exchange for an ingest session.
func (h *Handler) IngestNegotiate(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) || !h.requireRelay(w) {
		return
	}
	var req ingestNegotiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.IngestSessionID == "" || req.Offer == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("ingestSessionId and offer are required"))
		return
	}

	answer, err := h.Relay.Negotiate(r.Context(), req.IngestSessionID, req.Offer)
	if err != nil {
		writeError(w, ingestErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

// IngestStop releases an ingest session's transport and push resources.
func (h *Handler) IngestStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) || !h.requireRelay(w) {
		return
	}
	var req ingestStopRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.IngestSessionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("ingestSessionId is required"))
		return
	}

	if err := h.Relay.Stop(req.IngestSessionID); err != nil {
		writeError(w, ingestErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
