package bridge_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jason-czar/sportscast-live/internal/bridge"
	"github.com/jason-czar/sportscast-live/internal/models"
)

// fakeClient scripts mixer responses and can block a call mid-flight so
// tests can race a second operation against it.
type fakeClient struct {
	mu          sync.Mutex
	startErr    error
	updateErr   error
	stopErr     error
	startCalls  int
	updateCalls int
	stopCalls   int
	block       chan struct{}
	started     chan struct{}
}

func (f *fakeClient) StartMix(ctx context.Context, params bridge.StartParams) error {
	f.mu.Lock()
	f.startCalls++
	block := f.block
	started := f.started
	err := f.startErr
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeClient) UpdateLayout(ctx context.Context, sessionID string, activeSourceID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	return f.updateErr
}

func (f *fakeClient) StopMix(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeClient) HealthChecks(ctx context.Context) []bridge.HealthStatus {
	return []bridge.HealthStatus{{Component: "mixer", Status: "ok"}}
}

func (f *fakeClient) setErrors(start, update, stop error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = start
	f.updateErr = update
	f.stopErr = stop
}

func TestCoordinatorStartActivatesBridge(t *testing.T) {
	client := &fakeClient{}
	coordinator := bridge.NewCoordinator(client)

	active := "cam-1"
	bs, err := coordinator.Start(context.Background(), "sess-1", []string{"rtmp://out"}, &active)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if bs.State != models.BridgeActive {
		t.Fatalf("expected active state, got %s", bs.State)
	}
	if bs.ActiveLayoutSourceID == nil || *bs.ActiveLayoutSourceID != "cam-1" {
		t.Fatalf("layout source not recorded: %v", bs.ActiveLayoutSourceID)
	}

	if _, err := coordinator.Start(context.Background(), "sess-1", []string{"rtmp://out"}, nil); !errors.Is(err, bridge.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestCoordinatorStartFailureAllowsRetry(t *testing.T) {
	client := &fakeClient{}
	client.setErrors(errors.New("mixer down"), nil, nil)
	coordinator := bridge.NewCoordinator(client)

	_, err := coordinator.Start(context.Background(), "sess-1", []string{"rtmp://out"}, nil)
	if !errors.Is(err, bridge.ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
	bs, ok := coordinator.Get("sess-1")
	if !ok || bs.State != models.BridgeFailed {
		t.Fatalf("expected failed record, got %v %v", bs, ok)
	}
	if bs.LastError == "" {
		t.Fatalf("failure reason should be recorded")
	}

	client.setErrors(nil, nil, nil)
	bs, err = coordinator.Start(context.Background(), "sess-1", []string{"rtmp://out"}, nil)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if bs.State != models.BridgeActive {
		t.Fatalf("expected active after retry, got %s", bs.State)
	}
}

func TestCoordinatorRejectsRacingOperations(t *testing.T) {
	client := &fakeClient{
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	coordinator := bridge.NewCoordinator(client)

	done := make(chan error, 1)
	go func() {
		_, err := coordinator.Start(context.Background(), "sess-1", []string{"rtmp://out"}, nil)
		done <- err
	}()
	<-client.started

	if _, err := coordinator.Start(context.Background(), "sess-1", []string{"rtmp://out"}, nil); !errors.Is(err, bridge.ErrBusy) {
		t.Fatalf("racing start should be busy, got %v", err)
	}
	if _, err := coordinator.UpdateLayout(context.Background(), "sess-1", nil); !errors.Is(err, bridge.ErrBusy) {
		t.Fatalf("racing update should be busy, got %v", err)
	}
	if err := coordinator.Stop(context.Background(), "sess-1"); !errors.Is(err, bridge.ErrBusy) {
		t.Fatalf("racing stop should be busy, got %v", err)
	}

	close(client.block)
	if err := <-done; err != nil {
		t.Fatalf("blocked start should still succeed: %v", err)
	}
}

func TestCoordinatorUpdateLayoutFailureKeepsLastLayout(t *testing.T) {
	client := &fakeClient{}
	coordinator := bridge.NewCoordinator(client)

	first := "cam-1"
	if _, err := coordinator.Start(context.Background(), "sess-1", []string{"rtmp://out"}, &first); err != nil {
		t.Fatalf("Start: %v", err)
	}

	client.setErrors(nil, errors.New("mixer timeout"), nil)
	second := "cam-2"
	_, err := coordinator.UpdateLayout(context.Background(), "sess-1", &second)
	if !errors.Is(err, bridge.ErrUpdateFailed) {
		t.Fatalf("expected ErrUpdateFailed, got %v", err)
	}

	bs, _ := coordinator.Get("sess-1")
	if bs.State != models.BridgeFailed {
		t.Fatalf("expected failed state, got %s", bs.State)
	}
	if bs.ActiveLayoutSourceID == nil || *bs.ActiveLayoutSourceID != "cam-1" {
		t.Fatalf("failed update must keep the last acknowledged layout, got %v", bs.ActiveLayoutSourceID)
	}

	if _, err := coordinator.UpdateLayout(context.Background(), "sess-1", &second); !errors.Is(err, bridge.ErrNotRunning) {
		t.Fatalf("failed bridge should not accept updates, got %v", err)
	}
}

func TestCoordinatorStopIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	coordinator := bridge.NewCoordinator(client)

	if err := coordinator.Stop(context.Background(), "never-started"); err != nil {
		t.Fatalf("stop of unknown session: %v", err)
	}

	if _, err := coordinator.Start(context.Background(), "sess-1", []string{"rtmp://out"}, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := coordinator.Stop(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := coordinator.Get("sess-1"); ok {
		t.Fatalf("stopped bridge should be removed")
	}
	if err := coordinator.Stop(context.Background(), "sess-1"); err != nil {
		t.Fatalf("repeated stop: %v", err)
	}
}

func TestCoordinatorStopRetriesFromFailed(t *testing.T) {
	client := &fakeClient{}
	coordinator := bridge.NewCoordinator(client)

	if _, err := coordinator.Start(context.Background(), "sess-1", []string{"rtmp://out"}, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	client.setErrors(nil, nil, errors.New("mixer unreachable"))
	if err := coordinator.Stop(context.Background(), "sess-1"); err == nil {
		t.Fatalf("expected stop failure")
	}
	bs, ok := coordinator.Get("sess-1")
	if !ok || bs.State != models.BridgeFailed {
		t.Fatalf("failed stop should keep the record in failed, got %v %v", bs, ok)
	}

	client.setErrors(nil, nil, nil)
	if err := coordinator.Stop(context.Background(), "sess-1"); err != nil {
		t.Fatalf("retried stop: %v", err)
	}
	if _, ok := coordinator.Get("sess-1"); ok {
		t.Fatalf("record should be gone after successful stop")
	}
}

func TestCoordinatorReconcileRepairsDrift(t *testing.T) {
	client := &fakeClient{}
	coordinator := bridge.NewCoordinator(client)

	first := "cam-1"
	if _, err := coordinator.Start(context.Background(), "sess-1", []string{"rtmp://out"}, &first); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Layout already matches: no call to the mixer.
	if err := coordinator.Reconcile(context.Background(), "sess-1", &first); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	client.mu.Lock()
	calls := client.updateCalls
	client.mu.Unlock()
	if calls != 0 {
		t.Fatalf("reconcile should skip matching layouts, saw %d updates", calls)
	}

	second := "cam-2"
	if err := coordinator.Reconcile(context.Background(), "sess-1", &second); err != nil {
		t.Fatalf("Reconcile with drift: %v", err)
	}
	bs, _ := coordinator.Get("sess-1")
	if bs.ActiveLayoutSourceID == nil || *bs.ActiveLayoutSourceID != "cam-2" {
		t.Fatalf("drift was not repaired: %v", bs.ActiveLayoutSourceID)
	}
}
