package director

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jason-czar/sportscast-live/internal/bridge"
	"github.com/jason-czar/sportscast-live/internal/control"
	"github.com/jason-czar/sportscast-live/internal/models"
	"github.com/jason-czar/sportscast-live/internal/observability/metrics"
	"github.com/jason-czar/sportscast-live/internal/room"
)

// ErrNotAuthorized is returned when the requester is not a connected
// director of the session.
var ErrNotAuthorized = errors.New("requester is not a director of this session")

// Publisher pushes control messages onto the fan-out channel.
type Publisher interface {
	Publish(ctx context.Context, msg control.Message) error
}

// LayoutUpdater pushes the committed selection to the broadcast bridge.
type LayoutUpdater interface {
	UpdateLayout(ctx context.Context, sessionID string, activeSourceID *string) (models.BridgeSession, error)
}

// Selector runs the camera selection protocol: authorize, commit the
// selection in the room store, fan out the layout update, then push the new
// layout to the broadcast bridge asynchronously. The real-time switch never
// waits for — and is never rolled back by — the bridge.
type Selector struct {
	store         *room.Store
	publisher     Publisher
	bridge        LayoutUpdater
	logger        *slog.Logger
	bridgeTimeout time.Duration
	autoPromote   bool
	dispatch      func(func())
}

// Option mutates selector configuration.
type Option func(*Selector)

// WithLogger attaches a logger for selection diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBridgeTimeout bounds the asynchronous bridge layout call.
func WithBridgeTimeout(timeout time.Duration) Option {
	return func(s *Selector) {
		if timeout > 0 {
			s.bridgeTimeout = timeout
		}
	}
}

// WithAutoPromotion makes the selector promote the longest-joined connected
// source when the active source departs. Off by default: the director stays
// in charge unless the deployment opts in.
func WithAutoPromotion(enabled bool) Option {
	return func(s *Selector) {
		s.autoPromote = enabled
	}
}

// WithDispatcher overrides how asynchronous bridge work is scheduled, used
// by tests to run it inline.
func WithDispatcher(dispatch func(func())) Option {
	return func(s *Selector) {
		if dispatch != nil {
			s.dispatch = dispatch
		}
	}
}

// NewSelector wires the selector to the room store, fan-out channel and
// broadcast bridge.
func NewSelector(store *room.Store, publisher Publisher, layoutBridge LayoutUpdater, opts ...Option) *Selector {
	selector := &Selector{
		store:         store,
		publisher:     publisher,
		bridge:        layoutBridge,
		logger:        slog.Default(),
		bridgeTimeout: 8 * time.Second,
		dispatch:      func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(selector)
		}
	}
	return selector
}

// SelectActive switches the program feed to the requested source on behalf
// of the requester. Authorization and the selection commit are synchronous;
// fan-out is best-effort and the bridge update runs asynchronously.
func (s *Selector) SelectActive(ctx context.Context, sessionID, requesterSourceID, requestedSourceID string) (models.Session, error) {
	requester, ok := s.store.GetSource(requesterSourceID)
	if !ok || requester.SessionID != sessionID || !requester.IsDirector() || !requester.Connected() {
		metrics.Default().ObserveSwitch("rejected_unauthorized")
		return models.Session{}, ErrNotAuthorized
	}

	session, err := s.store.SetActive(sessionID, requestedSourceID)
	if err != nil {
		if errors.Is(err, room.ErrSourceNotAvailable) {
			metrics.Default().ObserveSwitch("rejected_unavailable")
		}
		return models.Session{}, err
	}
	metrics.Default().ObserveSwitch("committed")
	s.logger.Info("active source switched",
		"session_id", sessionID,
		"source_id", requestedSourceID,
		"director_id", requesterSourceID)

	s.announceLayout(ctx, sessionID, session.ActiveSourceID)
	s.dispatchBridgeUpdate(sessionID, session.ActiveSourceID)
	return session, nil
}

// HandleDeparture reacts to a source leaving, disconnecting or being
// evicted: it announces the departure on the fan-out channel and, when the
// departure cleared the active selection, either promotes a replacement
// (policy permitting) or broadcasts the cleared layout.
func (s *Selector) HandleDeparture(dep room.Departure) {
	metrics.Default().ObserveDeparture(string(dep.Reason))

	ctx := context.Background()
	msg := control.NewPresence(control.MessageTypeSourceLeft, dep.SessionID, dep.Source.ID, dep.Source.Label, string(dep.Reason))
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Warn("announce departure", "session_id", dep.SessionID, "error", err)
	}

	if !dep.ClearedActive {
		return
	}

	if s.autoPromote {
		if promoted, ok := s.promote(dep.SessionID); ok {
			s.announceLayout(ctx, dep.SessionID, &promoted)
			s.dispatchBridgeUpdate(dep.SessionID, &promoted)
			return
		}
	}
	s.announceLayout(ctx, dep.SessionID, nil)
	s.dispatchBridgeUpdate(dep.SessionID, nil)
}

// promote selects the longest-joined connected camera as the new active
// source. Director feeds are never promoted. Returns false when nobody is
// left to promote.
func (s *Selector) promote(sessionID string) (string, bool) {
	connected, err := s.store.ListConnected(sessionID)
	if err != nil {
		return "", false
	}
	var candidate *models.Source
	for i := range connected {
		if !connected[i].IsDirector() {
			candidate = &connected[i]
			break
		}
	}
	if candidate == nil {
		return "", false
	}
	if _, err := s.store.SetActive(sessionID, candidate.ID); err != nil {
		s.logger.Warn("auto-promotion failed", "session_id", sessionID, "source_id", candidate.ID, "error", err)
		return "", false
	}
	metrics.Default().ObserveSwitch("auto_promoted")
	s.logger.Info("auto-promoted active source", "session_id", sessionID, "source_id", candidate.ID)
	return candidate.ID, true
}

func (s *Selector) announceLayout(ctx context.Context, sessionID string, activeSourceID *string) {
	if err := s.publisher.Publish(ctx, control.NewLayoutUpdate(sessionID, activeSourceID)); err != nil {
		s.logger.Warn("announce layout update", "session_id", sessionID, "error", err)
	}
}

// dispatchBridgeUpdate pushes the committed layout to the mixer off the
// request path. A bridge failure is reported via logs only; the switch has
// already happened.
func (s *Selector) dispatchBridgeUpdate(sessionID string, activeSourceID *string) {
	if s.bridge == nil {
		return
	}
	s.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.bridgeTimeout)
		defer cancel()
		if _, err := s.bridge.UpdateLayout(ctx, sessionID, activeSourceID); err != nil {
			if errors.Is(err, bridge.ErrNotRunning) {
				return
			}
			s.logger.Warn("bridge layout update failed",
				"session_id", sessionID,
				"error", fmt.Errorf("update layout: %w", err))
		}
	})
}
