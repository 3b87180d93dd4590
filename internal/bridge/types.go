package bridge

import (
	"context"
	"errors"
)

// Client drives the external mixer that composes the program feed and pushes
// it to the configured destinations.
type Client interface {
	StartMix(ctx context.Context, params StartParams) error
	UpdateLayout(ctx context.Context, sessionID string, activeSourceID *string) error
	StopMix(ctx context.Context, sessionID string) error
	HealthChecks(ctx context.Context) []HealthStatus
}

// StartParams describes the mix to provision.
type StartParams struct {
	SessionID      string
	Destinations   []string
	ActiveSourceID *string
}

// HealthStatus reports reachability of one mixer dependency.
type HealthStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

var (
	// ErrStartFailed wraps mixer errors during start; the bridge session is
	// left in the failed state.
	ErrStartFailed = errors.New("bridge start failed")
	// ErrUpdateFailed wraps mixer errors during a layout update.
	ErrUpdateFailed = errors.New("bridge update failed")
	// ErrBusy is returned when an operation races a transition already in
	// flight for the session.
	ErrBusy = errors.New("bridge operation in progress")
	// ErrAlreadyRunning is returned when starting a bridge that is active.
	ErrAlreadyRunning = errors.New("bridge already running")
	// ErrNotRunning is returned when updating a bridge that has no active
	// mix.
	ErrNotRunning = errors.New("bridge not running")
)

// NoopClient satisfies Client without any external mixer, for deployments
// that only need coordination and for tests.
type NoopClient struct{}

func (NoopClient) StartMix(context.Context, StartParams) error { return nil }

func (NoopClient) UpdateLayout(context.Context, string, *string) error { return nil }

func (NoopClient) StopMix(context.Context, string) error { return nil }

func (NoopClient) HealthChecks(context.Context) []HealthStatus {
	return []HealthStatus{{Component: "mixer", Status: "disabled", Detail: "no mixer configured"}}
}
