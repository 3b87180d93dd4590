package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jason-czar/sportscast-live/internal/models"
	"github.com/jason-czar/sportscast-live/internal/observability/metrics"
)

// Coordinator owns the bridge state machine for every session. State is
// committed before the mixer is called and finalised afterwards, so the
// transitional states (starting, updating, stopping) double as in-flight
// markers; concurrent operations on the same session are rejected with
// ErrBusy instead of queueing. The mixer is never called while the lock is
// held.
type Coordinator struct {
	client  Client
	timeout time.Duration
	logger  *slog.Logger
	clock   func() time.Time

	mu       sync.Mutex
	sessions map[string]*models.BridgeSession
}

// CoordinatorOption mutates coordinator configuration.
type CoordinatorOption func(*Coordinator)

// WithCallTimeout bounds each mixer call.
func WithCallTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger attaches a logger for mixer diagnostics.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(clock func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCoordinator constructs a coordinator around the provided mixer client.
func NewCoordinator(client Client, opts ...CoordinatorOption) *Coordinator {
	if client == nil {
		client = NoopClient{}
	}
	coordinator := &Coordinator{
		client:   client,
		timeout:  8 * time.Second,
		logger:   slog.Default(),
		clock:    time.Now,
		sessions: make(map[string]*models.BridgeSession),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(coordinator)
		}
	}
	return coordinator
}

// Get returns a copy of the bridge session record, if one exists.
func (c *Coordinator) Get(sessionID string) (models.BridgeSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bs, ok := c.sessions[sessionID]
	if !ok {
		return models.BridgeSession{}, false
	}
	return *bs, true
}

// Start provisions the external mix for a session. Valid from absent and
// failed; a bridge that is active (or mid-transition) rejects the call. On
// mixer failure the record is left in the failed state and the error wraps
// ErrStartFailed.
func (c *Coordinator) Start(ctx context.Context, sessionID string, destinations []string, activeSourceID *string) (models.BridgeSession, error) {
	if sessionID == "" {
		return models.BridgeSession{}, fmt.Errorf("sessionID is required")
	}
	if len(destinations) == 0 {
		return models.BridgeSession{}, fmt.Errorf("at least one destination is required")
	}

	now := c.clock().UTC()
	c.mu.Lock()
	if existing, ok := c.sessions[sessionID]; ok {
		switch existing.State {
		case models.BridgeFailed:
			// Retry after a failure reuses the slot.
		case models.BridgeStarting, models.BridgeUpdating, models.BridgeStopping:
			c.mu.Unlock()
			return models.BridgeSession{}, ErrBusy
		default:
			c.mu.Unlock()
			return models.BridgeSession{}, ErrAlreadyRunning
		}
	}
	bs := &models.BridgeSession{
		SessionID:            sessionID,
		State:                models.BridgeStarting,
		Destinations:         append([]string(nil), destinations...),
		ActiveLayoutSourceID: copyID(activeSourceID),
		StartedAt:            now,
		UpdatedAt:            now,
	}
	c.sessions[sessionID] = bs
	c.mu.Unlock()

	metrics.Default().ObserveBridgeAttempt("start")
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.client.StartMix(callCtx, StartParams{
		SessionID:      sessionID,
		Destinations:   destinations,
		ActiveSourceID: activeSourceID,
	})
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	finished := c.clock().UTC()
	if err != nil {
		metrics.Default().ObserveBridgeFailure("start")
		bs.State = models.BridgeFailed
		bs.LastError = err.Error()
		bs.UpdatedAt = finished
		c.logger.Error("bridge start failed", "session_id", sessionID, "error", err)
		return *bs, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	bs.State = models.BridgeActive
	bs.LastError = ""
	bs.UpdatedAt = finished
	c.logger.Info("bridge started", "session_id", sessionID, "destinations", len(destinations))
	return *bs, nil
}

// UpdateLayout pushes a new program layout to the mixer. Only an active
// bridge accepts updates. On failure the record moves to failed and
// ActiveLayoutSourceID keeps the last acknowledged value so operators can
// see what the mixer is still rendering.
func (c *Coordinator) UpdateLayout(ctx context.Context, sessionID string, activeSourceID *string) (models.BridgeSession, error) {
	c.mu.Lock()
	bs, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return models.BridgeSession{}, ErrNotRunning
	}
	switch bs.State {
	case models.BridgeActive:
	case models.BridgeStarting, models.BridgeUpdating, models.BridgeStopping:
		c.mu.Unlock()
		return models.BridgeSession{}, ErrBusy
	default:
		c.mu.Unlock()
		return models.BridgeSession{}, ErrNotRunning
	}
	bs.State = models.BridgeUpdating
	bs.UpdatedAt = c.clock().UTC()
	c.mu.Unlock()

	metrics.Default().ObserveBridgeAttempt("update_layout")
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.client.UpdateLayout(callCtx, sessionID, activeSourceID)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	finished := c.clock().UTC()
	if err != nil {
		metrics.Default().ObserveBridgeFailure("update_layout")
		bs.State = models.BridgeFailed
		bs.LastError = err.Error()
		bs.UpdatedAt = finished
		c.logger.Error("bridge layout update failed", "session_id", sessionID, "error", err)
		return *bs, fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}
	bs.State = models.BridgeActive
	bs.ActiveLayoutSourceID = copyID(activeSourceID)
	bs.LastError = ""
	bs.UpdatedAt = finished
	return *bs, nil
}

// Stop tears the mix down. Stopping a session with no bridge is a no-op, and
// stop is safe to retry from the failed state.
func (c *Coordinator) Stop(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	bs, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	switch bs.State {
	case models.BridgeStarting, models.BridgeUpdating, models.BridgeStopping:
		c.mu.Unlock()
		return ErrBusy
	}
	bs.State = models.BridgeStopping
	bs.UpdatedAt = c.clock().UTC()
	c.mu.Unlock()

	metrics.Default().ObserveBridgeAttempt("stop")
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.client.StopMix(callCtx, sessionID)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		metrics.Default().ObserveBridgeFailure("stop")
		bs.State = models.BridgeFailed
		bs.LastError = err.Error()
		bs.UpdatedAt = c.clock().UTC()
		c.logger.Error("bridge stop failed", "session_id", sessionID, "error", err)
		return fmt.Errorf("stop mix: %w", err)
	}
	delete(c.sessions, sessionID)
	c.logger.Info("bridge stopped", "session_id", sessionID)
	return nil
}

// Reconcile compares the mixer's last acknowledged layout with the
// authoritative selection and pushes an update when they have drifted apart,
// which happens when an async update failed after a selection committed.
func (c *Coordinator) Reconcile(ctx context.Context, sessionID string, activeSourceID *string) error {
	c.mu.Lock()
	bs, ok := c.sessions[sessionID]
	if !ok || bs.State != models.BridgeActive {
		c.mu.Unlock()
		return nil
	}
	if equalID(bs.ActiveLayoutSourceID, activeSourceID) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.logger.Info("bridge layout drift detected", "session_id", sessionID)
	_, err := c.UpdateLayout(ctx, sessionID, activeSourceID)
	return err
}

// HealthChecks surfaces mixer health and records it on the default metrics
// recorder.
func (c *Coordinator) HealthChecks(ctx context.Context) []HealthStatus {
	statuses := c.client.HealthChecks(ctx)
	for _, status := range statuses {
		metrics.Default().SetBridgeHealth(status.Component, status.Status)
	}
	return statuses
}

func copyID(id *string) *string {
	if id == nil {
		return nil
	}
	value := *id
	return &value
}

func equalID(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
