package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jason-czar/sportscast-live/internal/models"
	"github.com/jason-czar/sportscast-live/internal/room"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped bool
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ch: make(chan time.Time)}
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.stopped = true
}

type fakePurger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakePurger) PurgeExpired() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *fakePurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSweeperEvictsSilentSources(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	store := room.NewStore(room.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))
	session, err := store.CreateSession("road race")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.Join(session.ID, "cam-1", "moto cam", models.RoleCamera); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := store.SetActive(session.ID, "cam-1"); err != nil {
		t.Fatalf("set active: %v", err)
	}

	ticker := newFakeTicker()
	stop := startSweeperWithTicker(context.Background(), sweeperConfig{
		Store:      store,
		StaleAfter: time.Minute,
		EvictAfter: 2 * time.Minute,
		Interval:   time.Second,
	}, func(time.Duration) sweepTicker { return ticker })
	defer stop()

	mu.Lock()
	now = now.Add(5 * time.Minute)
	mu.Unlock()
	ticker.ch <- time.Now()

	waitFor(t, func() bool {
		_, ok := store.GetSource("cam-1")
		return !ok
	})
	current, _ := store.GetSession(session.ID)
	if current.ActiveSourceID != nil {
		t.Fatal("sweep should clear the evicted source's selection")
	}
}

func TestSweeperPurgesTokensOnItsOwnCadence(t *testing.T) {
	store := room.NewStore()
	purger := &fakePurger{}
	ticker := newFakeTicker()
	stop := startSweeperWithTicker(context.Background(), sweeperConfig{
		Store:         store,
		Tokens:        purger,
		StaleAfter:    time.Minute,
		EvictAfter:    2 * time.Minute,
		Interval:      time.Second,
		TokenInterval: time.Hour,
	}, func(time.Duration) sweepTicker { return ticker })
	defer stop()

	base := time.Now()
	ticker.ch <- base.Add(30 * time.Minute)
	ticker.ch <- base.Add(31 * time.Minute)
	waitFor(t, func() bool { return purger.count() == 0 })

	ticker.ch <- base.Add(2 * time.Hour)
	waitFor(t, func() bool { return purger.count() == 1 })
}

func TestSweeperSurvivesPurgeErrors(t *testing.T) {
	store := room.NewStore()
	purger := &fakePurger{err: errors.New("store offline")}
	ticker := newFakeTicker()
	stop := startSweeperWithTicker(context.Background(), sweeperConfig{
		Store:         store,
		Tokens:        purger,
		StaleAfter:    time.Minute,
		EvictAfter:    2 * time.Minute,
		Interval:      time.Second,
		TokenInterval: time.Nanosecond,
	}, func(time.Duration) sweepTicker { return ticker })
	defer stop()

	ticker.ch <- time.Now().Add(time.Hour)
	ticker.ch <- time.Now().Add(2 * time.Hour)
	waitFor(t, func() bool { return purger.count() >= 2 })
}

func TestSweeperStopIsIdempotent(t *testing.T) {
	ticker := newFakeTicker()
	stop := startSweeperWithTicker(context.Background(), sweeperConfig{
		Store:    room.NewStore(),
		Interval: time.Second,
	}, func(time.Duration) sweepTicker { return ticker })

	stop()
	stop()
	if !ticker.stopped {
		t.Fatal("ticker should be stopped")
	}
}

func TestSweeperDisabledWithoutStoreOrInterval(t *testing.T) {
	stop := startSweeperWithTicker(context.Background(), sweeperConfig{}, func(time.Duration) sweepTicker {
		t.Fatal("no ticker should be created")
		return nil
	})
	stop()
}
