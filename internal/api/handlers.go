package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jason-czar/sportscast-live/internal/auth"
	"github.com/jason-czar/sportscast-live/internal/bridge"
	"github.com/jason-czar/sportscast-live/internal/control"
	"github.com/jason-czar/sportscast-live/internal/director"
	"github.com/jason-czar/sportscast-live/internal/relay"
	"github.com/jason-czar/sportscast-live/internal/room"
)

// Handler bundles the engine components behind the HTTP surface.
type Handler struct {
	Rooms    *room.Store
	Tokens   *auth.TokenManager
	Gateway  *control.Gateway
	Selector *director.Selector
	Bridge   *bridge.Coordinator
	Relay    *relay.Manager
	Logger   *slog.Logger

	// StaleAfter and EvictAfter are the liveness thresholds applied by the
	// cleanup endpoint and the background sweeper.
	StaleAfter time.Duration
	EvictAfter time.Duration
}

// NewHandler wires a handler around the room store; remaining components are
// attached by the caller as they are configured.
func NewHandler(rooms *room.Store) *Handler {
	return &Handler{
		Rooms:      rooms,
		Logger:     slog.Default(),
		StaleAfter: 90 * time.Second,
		EvictAfter: 240 * time.Second,
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return false
	}
	return true
}

// roomErrorStatus maps room store sentinels onto HTTP status codes.
func roomErrorStatus(err error) int {
	switch {
	case errors.Is(err, room.ErrSessionNotFound), errors.Is(err, room.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, room.ErrSessionNotJoinable),
		errors.Is(err, room.ErrSessionEnded),
		errors.Is(err, room.ErrSourceInOtherSession),
		errors.Is(err, room.ErrSourceNotAvailable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Health reports engine status plus downstream mixer reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	var checks []bridge.HealthStatus
	if h.Bridge != nil {
		checks = h.Bridge.HealthChecks(r.Context())
	}
	status := "ok"
	for _, check := range checks {
		switch strings.ToLower(check.Status) {
		case "ok", "disabled":
			continue
		default:
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"services": checks,
	})
}
