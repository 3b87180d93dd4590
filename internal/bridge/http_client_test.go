package bridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/jason-czar/sportscast-live/internal/bridge"
	"github.com/jason-czar/sportscast-live/internal/testsupport/mixerstub"
)

func newMixerClient(t *testing.T, stub *mixerstub.Mixer) *bridge.HTTPClient {
	t.Helper()
	cfg := bridge.Config{
		MixerBaseURL: stub.BaseURL(),
		MixerToken:   "mixer-secret",
		CallTimeout:  2 * time.Second,
	}
	client, err := cfg.NewHTTPClient()
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return client
}

func TestStartMixProvisionsDestinations(t *testing.T) {
	stub := mixerstub.Start(mixerstub.Options{Token: "mixer-secret"})
	defer stub.Close()
	client := newMixerClient(t, stub)

	active := "cam-1"
	err := client.StartMix(context.Background(), bridge.StartParams{
		SessionID:      "sess-1",
		Destinations:   []string{"rtmp://a/live", "rtmp://b/live"},
		ActiveSourceID: &active,
	})
	if err != nil {
		t.Fatalf("StartMix: %v", err)
	}
	if !stub.Running("sess-1") {
		t.Fatalf("mix should be running after start")
	}

	attached := map[string]bool{}
	for _, op := range stub.Operations() {
		if op.Kind == "attach_destination" {
			attached[op.Destination] = true
		}
	}
	if !attached["rtmp://a/live"] || !attached["rtmp://b/live"] {
		t.Fatalf("expected both destinations attached, got %v", attached)
	}
}

func TestStartMixRollsBackOnDestinationFailure(t *testing.T) {
	stub := mixerstub.Start(mixerstub.Options{FailDestinationAttaches: 1})
	defer stub.Close()
	client := newMixerClient(t, stub)

	err := client.StartMix(context.Background(), bridge.StartParams{
		SessionID:    "sess-2",
		Destinations: []string{"rtmp://a/live"},
	})
	if err == nil {
		t.Fatalf("expected destination failure")
	}
	if stub.Running("sess-2") {
		t.Fatalf("failed start should tear the mix down")
	}

	var deleted bool
	for _, op := range stub.Operations() {
		if op.Kind == "delete_mix" && op.SessionID == "sess-2" {
			deleted = true
		}
	}
	if !deleted {
		t.Fatalf("rollback delete never reached the mixer: %v", stub.Operations())
	}
}

func TestUpdateLayoutReportsMixerErrors(t *testing.T) {
	stub := mixerstub.Start(mixerstub.Options{FailLayoutUpdates: 1})
	defer stub.Close()
	client := newMixerClient(t, stub)

	active := "cam-3"
	if err := client.UpdateLayout(context.Background(), "sess-3", &active); err == nil {
		t.Fatalf("expected layout update error")
	}
	if err := client.UpdateLayout(context.Background(), "sess-3", &active); err != nil {
		t.Fatalf("second update should succeed: %v", err)
	}
}

func TestStopMixIsAcceptedForUnknownSession(t *testing.T) {
	stub := mixerstub.Start(mixerstub.Options{})
	defer stub.Close()
	client := newMixerClient(t, stub)

	if err := client.StopMix(context.Background(), "never-started"); err != nil {
		t.Fatalf("StopMix: %v", err)
	}
}

func TestHealthChecksReportMixerStatus(t *testing.T) {
	stub := mixerstub.Start(mixerstub.Options{})
	defer stub.Close()
	client := newMixerClient(t, stub)

	statuses := client.HealthChecks(context.Background())
	if len(statuses) != 1 || statuses[0].Status != "ok" {
		t.Fatalf("expected mixer ok, got %v", statuses)
	}

	stub.Close()
	statuses = client.HealthChecks(context.Background())
	if len(statuses) != 1 || statuses[0].Status != "error" {
		t.Fatalf("expected mixer error after shutdown, got %v", statuses)
	}
}
