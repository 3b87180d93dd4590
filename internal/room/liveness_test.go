package room_test

import (
	"testing"
	"time"

	"github.com/jason-czar/sportscast-live/internal/models"
	"github.com/jason-czar/sportscast-live/internal/room"
)

const (
	testStaleAfter = 15 * time.Second
	testEvictAfter = 60 * time.Second
)

func TestSweepMarksStaleThenEvicts(t *testing.T) {
	store, clock := newTestStore(t)
	session := mustCreateLiveSession(t, store)
	cam := mustJoin(t, store, session.ID, "cam-1", models.RoleCamera)

	clock.Advance(20 * time.Second)
	departures, err := store.Sweep(session.ID, testStaleAfter, testEvictAfter)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(departures) != 0 {
		t.Fatalf("stale threshold must not evict, got %d departures", len(departures))
	}
	src, ok := store.GetSource(cam.ID)
	if !ok {
		t.Fatalf("source disappeared before eviction threshold")
	}
	if src.ConnectionState != models.ConnectionStale {
		t.Fatalf("expected stale state, got %s", src.ConnectionState)
	}

	clock.Advance(50 * time.Second)
	departures, err = store.Sweep(session.ID, testStaleAfter, testEvictAfter)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(departures) != 1 || departures[0].Reason != room.DepartEvicted {
		t.Fatalf("expected one eviction, got %+v", departures)
	}
	if _, ok := store.GetSource(cam.ID); ok {
		t.Fatalf("evicted source still present")
	}
}

func TestHeartbeatRestoresStaleSource(t *testing.T) {
	store, clock := newTestStore(t)
	session := mustCreateLiveSession(t, store)
	cam := mustJoin(t, store, session.ID, "cam-1", models.RoleCamera)

	clock.Advance(30 * time.Second)
	if _, err := store.Sweep(session.ID, testStaleAfter, testEvictAfter); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	restored, err := store.RecordHeartbeat(cam.ID)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if restored.ConnectionState != models.ConnectionConnected {
		t.Fatalf("expected heartbeat to restore connected state, got %s", restored.ConnectionState)
	}

	// The refreshed deadline means the next sweep leaves it alone.
	clock.Advance(10 * time.Second)
	departures, err := store.Sweep(session.ID, testStaleAfter, testEvictAfter)
	if err != nil {
		t.Fatalf("sweep after heartbeat: %v", err)
	}
	if len(departures) != 0 {
		t.Fatalf("unexpected departures after heartbeat: %+v", departures)
	}
}

func TestEvictionOfActiveSourceClearsSelection(t *testing.T) {
	store, clock := newTestStore(t)
	session := mustCreateLiveSession(t, store)
	cam := mustJoin(t, store, session.ID, "cam-1", models.RoleCamera)
	if _, err := store.SetActive(session.ID, cam.ID); err != nil {
		t.Fatalf("set active: %v", err)
	}

	var events []room.Departure
	store.OnDeparture(func(dep room.Departure) {
		events = append(events, dep)
	})

	clock.Advance(2 * testEvictAfter)
	departures, err := store.Sweep(session.ID, testStaleAfter, testEvictAfter)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(departures) != 1 || !departures[0].ClearedActive {
		t.Fatalf("expected eviction to clear the active selection, got %+v", departures)
	}
	current, _ := store.GetSession(session.ID)
	if current.ActiveSourceID != nil {
		t.Fatalf("selection still set after eviction: %v", *current.ActiveSourceID)
	}
	if len(events) != 1 || events[0].Reason != room.DepartEvicted {
		t.Fatalf("expected listener to observe the eviction, got %+v", events)
	}
}

func TestRejoinAfterEvictionDoesNotRestoreSelection(t *testing.T) {
	store, clock := newTestStore(t)
	session := mustCreateLiveSession(t, store)
	cam := mustJoin(t, store, session.ID, "cam-1", models.RoleCamera)
	if _, err := store.SetActive(session.ID, cam.ID); err != nil {
		t.Fatalf("set active: %v", err)
	}

	clock.Advance(2 * testEvictAfter)
	if _, err := store.Sweep(session.ID, testStaleAfter, testEvictAfter); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	rejoined, err := store.Join(session.ID, cam.ID, "cam-1", models.RoleCamera)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if rejoined.ConnectionState != models.ConnectionConnected {
		t.Fatalf("expected rejoined source to be connected, got %s", rejoined.ConnectionState)
	}
	current, _ := store.GetSession(session.ID)
	if current.ActiveSourceID != nil {
		t.Fatalf("rejoin must not restore the cleared selection, got %v", *current.ActiveSourceID)
	}
}

func TestSweepAllCoversEverySession(t *testing.T) {
	store, clock := newTestStore(t)
	first := mustCreateLiveSession(t, store)
	second := mustCreateLiveSession(t, store)
	mustJoin(t, store, first.ID, "cam-a", models.RoleCamera)
	mustJoin(t, store, second.ID, "cam-b", models.RoleCamera)

	clock.Advance(2 * testEvictAfter)
	departures := store.SweepAll(testStaleAfter, testEvictAfter)
	if len(departures) != 2 {
		t.Fatalf("expected evictions in both sessions, got %d", len(departures))
	}
}
