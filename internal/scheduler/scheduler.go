// Package scheduler drives the periodic agent ticks. Each tick family runs on
// its own interval and can be stopped independently; Stop halts them all.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/ports"
)

// Hooks are the tick targets. Nil hooks are skipped.
type Hooks struct {
	SLATick     func(ctx context.Context, now time.Time)
	FleetTick   func(ctx context.Context, now time.Time)
	DemandTick  func(ctx context.Context, now time.Time)
	TrafficTick func(ctx context.Context, now time.Time)
}

// Scheduler owns the periodic tick registrations.
type Scheduler struct {
	clock ports.Clock
	cfg   config.Config
	log   *zap.Logger

	mu    sync.Mutex
	stops map[string]func()
}

func New(clock ports.Clock, cfg config.Config, log *zap.Logger) *Scheduler {
	return &Scheduler{
		clock: clock,
		cfg:   cfg.Normalize(),
		log:   log,
		stops: make(map[string]func()),
	}
}

// Start registers every configured tick family. Ticks stop firing when ctx is
// cancelled or their family is stopped.
func (s *Scheduler) Start(ctx context.Context, hooks Hooks) {
	s.register(ctx, "sla", s.cfg.SLATick, hooks.SLATick)
	s.register(ctx, "fleet", s.cfg.FleetTick, hooks.FleetTick)
	s.register(ctx, "demand", s.cfg.DemandTick, hooks.DemandTick)
	s.register(ctx, "traffic", s.cfg.TrafficTick, hooks.TrafficTick)
}

func (s *Scheduler) register(ctx context.Context, family string, interval time.Duration, fn func(ctx context.Context, now time.Time)) {
	if fn == nil || interval <= 0 {
		return
	}
	stop := s.clock.AfterEvery(interval, func(now time.Time) {
		if ctx.Err() != nil {
			s.StopFamily(family)
			return
		}
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("tick panic", zap.String("family", family), zap.Any("panic", r))
			}
		}()
		fn(ctx, now)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.stops[family]; ok {
		prior()
	}
	s.stops[family] = stop
}

// StopFamily cancels one tick family.
func (s *Scheduler) StopFamily(family string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.stops[family]; ok {
		stop()
		delete(s.stops, family)
	}
}

// Stop cancels every registered tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for family, stop := range s.stops {
		stop()
		delete(s.stops, family)
	}
}

// Running reports whether a family currently has a live registration.
func (s *Scheduler) Running(family string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stops[family]
	return ok
}
