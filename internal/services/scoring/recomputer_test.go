package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/Coali-Network/trust_engine/internal/storage/memory"
)

func memoryFixture(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	seedUsers(t, store, map[string]int{"a": 1, "b": 1, "c": 0})
	seedEdge(t, store, "a", "b")
	return store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRecomputer_InitialFullBuildsSnapshot(t *testing.T) {
	store := memoryFixture(t)
	svc := New(store, store, store, Config{}, nil)
	r := NewRecomputer(svc, RecomputerConfig{InitialFull: true}, nil)

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop(ctx)

	waitFor(t, 2*time.Second, func() bool {
		values, _, _ := svc.Values()
		return len(values) > 0
	})
}

func TestRecomputer_EnqueueDrivesIncremental(t *testing.T) {
	store := memoryFixture(t)
	svc := New(store, store, store, Config{}, nil)
	if err := svc.RecomputeFull(context.Background()); err != nil {
		t.Fatalf("seed full: %v", err)
	}

	r := NewRecomputer(svc, RecomputerConfig{}, nil)
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop(ctx)

	// New endorsement of c; c's score should rise above the floor once the
	// queue drains.
	seedEdge(t, store, "a", "c")
	r.Enqueue([]string{"c"})

	floor := svc.Options().Floor()
	waitFor(t, 2*time.Second, func() bool {
		sc, err := svc.GetScore(context.Background(), "c")
		return err == nil && sc.Value > floor
	})
}

func TestRecomputer_StopIsIdempotent(t *testing.T) {
	store := memoryFixture(t)
	svc := New(store, store, store, Config{}, nil)
	r := NewRecomputer(svc, RecomputerConfig{}, nil)

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
