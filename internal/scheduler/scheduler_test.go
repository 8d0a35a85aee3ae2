package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/ports/inmem"
)

type tickCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newTickCounter() *tickCounter {
	return &tickCounter{counts: make(map[string]int)}
}

func (c *tickCounter) hook(family string) func(ctx context.Context, now time.Time) {
	return func(context.Context, time.Time) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.counts[family]++
	}
}

func (c *tickCounter) count(family string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[family]
}

func TestTickCadences(t *testing.T) {
	t.Parallel()
	clock := inmem.NewClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	s := New(clock, config.Default(), zap.NewNop())
	counter := newTickCounter()

	s.Start(context.Background(), Hooks{
		SLATick:     counter.hook("sla"),
		FleetTick:   counter.hook("fleet"),
		DemandTick:  counter.hook("demand"),
		TrafficTick: counter.hook("traffic"),
	})
	defer s.Stop()

	clock.Advance(time.Minute)

	// Defaults: SLA 30s, fleet 10s, traffic 5m, demand 1h.
	if got := counter.count("sla"); got != 2 {
		t.Fatalf("sla ticks %d, want 2", got)
	}
	if got := counter.count("fleet"); got != 6 {
		t.Fatalf("fleet ticks %d, want 6", got)
	}
	if got := counter.count("traffic"); got != 0 {
		t.Fatalf("traffic ticks %d, want 0", got)
	}

	clock.Advance(59 * time.Minute)
	if got := counter.count("traffic"); got != 12 {
		t.Fatalf("traffic ticks %d, want 12", got)
	}
	if got := counter.count("demand"); got != 1 {
		t.Fatalf("demand ticks %d, want 1", got)
	}
}

func TestStopFamilyIsIndependent(t *testing.T) {
	t.Parallel()
	clock := inmem.NewClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	s := New(clock, config.Default(), zap.NewNop())
	counter := newTickCounter()

	s.Start(context.Background(), Hooks{
		SLATick:   counter.hook("sla"),
		FleetTick: counter.hook("fleet"),
	})
	defer s.Stop()

	s.StopFamily("fleet")
	if s.Running("fleet") {
		t.Fatal("fleet still registered")
	}
	if !s.Running("sla") {
		t.Fatal("sla should keep running")
	}

	clock.Advance(time.Minute)
	if got := counter.count("fleet"); got != 0 {
		t.Fatalf("fleet ticked %d times after stop", got)
	}
	if got := counter.count("sla"); got == 0 {
		t.Fatal("sla stopped ticking")
	}
}

func TestContextCancellationHaltsTicks(t *testing.T) {
	t.Parallel()
	clock := inmem.NewClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	s := New(clock, config.Default(), zap.NewNop())
	counter := newTickCounter()

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, Hooks{SLATick: counter.hook("sla")})
	defer s.Stop()

	clock.Advance(30 * time.Second)
	if counter.count("sla") != 1 {
		t.Fatalf("sla ticks %d", counter.count("sla"))
	}

	cancel()
	clock.Advance(5 * time.Minute)
	if counter.count("sla") != 1 {
		t.Fatalf("sla ticked after cancellation: %d", counter.count("sla"))
	}
	if s.Running("sla") {
		t.Fatal("cancelled family still registered")
	}
}

func TestTickPanicIsContained(t *testing.T) {
	t.Parallel()
	clock := inmem.NewClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	s := New(clock, config.Default(), zap.NewNop())

	fired := 0
	s.Start(context.Background(), Hooks{
		SLATick: func(context.Context, time.Time) {
			fired++
			panic("tick blew up")
		},
	})
	defer s.Stop()

	clock.Advance(time.Minute)
	if fired != 2 {
		t.Fatalf("tick fired %d times, want 2 despite panics", fired)
	}
}
