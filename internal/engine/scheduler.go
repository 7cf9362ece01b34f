package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Scheduler fires the engine on wall-clock-aligned ticks (with the default
// 15-minute interval: :00, :15, :30, :45) and on demand via TriggerNow.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	trigger  chan struct{}
	logger   *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewScheduler creates a Scheduler driving engine every interval
// (15 minutes when interval <= 0).
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// TriggerNow requests an immediate cycle. Coalesces when one is already
// pending.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// NextTick reports when the next aligned tick fires.
func (s *Scheduler) NextTick() time.Time {
	return nextTick(s.now(), s.interval)
}

// nextTick returns the first instant strictly after now that lies on an
// interval boundary of the wall clock.
func nextTick(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}

// Run drives cycles until ctx is cancelled. A cycle failure is logged and
// the loop keeps going; the next tick is the retry.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.interval, "next_tick", s.NextTick())

	for {
		timer := time.NewTimer(time.Until(s.NextTick()))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
			s.logger.Info("cycle triggered manually")
		}

		if _, err := s.engine.RunCycle(ctx); err != nil {
			if errors.Is(err, ErrCycleRunning) {
				s.logger.Warn("tick skipped, previous cycle still running")
				continue
			}
			if errors.Is(err, context.Canceled) {
				continue
			}
			s.logger.Error("cycle error", "error", err)
		}
	}
}
