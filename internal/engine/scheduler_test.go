package engine

import (
	"context"
	"testing"
	"time"
)

func TestNextTickAlignment(t *testing.T) {
	cases := []struct {
		name     string
		now      time.Time
		interval time.Duration
		want     time.Time
	}{
		{
			"mid quarter",
			time.Date(2026, 3, 14, 10, 7, 30, 0, time.UTC),
			15 * time.Minute,
			time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC),
		},
		{
			"exactly on boundary moves to next",
			time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC),
			15 * time.Minute,
			time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		},
		{
			"just before boundary",
			time.Date(2026, 3, 14, 10, 29, 59, 999999999, time.UTC),
			15 * time.Minute,
			time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		},
		{
			"end of hour wraps",
			time.Date(2026, 3, 14, 10, 50, 0, 1, time.UTC),
			15 * time.Minute,
			time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC),
		},
		{
			"five minute interval",
			time.Date(2026, 3, 14, 10, 3, 0, 0, time.UTC),
			5 * time.Minute,
			time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := nextTick(tc.now, tc.interval)
			if !got.Equal(tc.want) {
				t.Errorf("nextTick(%v, %v) = %v, want %v", tc.now, tc.interval, got, tc.want)
			}
		})
	}
}

func TestSchedulerNextTickUsesClock(t *testing.T) {
	eng := New(&fakeSource{}, &fakeHider{}, newMemDecisions(), Options{})
	s := NewScheduler(eng, 15*time.Minute)

	fixed := time.Date(2026, 3, 14, 10, 7, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	want := time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC)
	if got := s.NextTick(); !got.Equal(want) {
		t.Errorf("NextTick = %v, want %v", got, want)
	}
}

func TestSchedulerTriggerNowCoalesces(t *testing.T) {
	eng := New(&fakeSource{}, &fakeHider{}, newMemDecisions(), Options{})
	s := NewScheduler(eng, 15*time.Minute)

	// Multiple triggers while idle collapse into one pending signal.
	s.TriggerNow()
	s.TriggerNow()
	s.TriggerNow()

	if len(s.trigger) != 1 {
		t.Errorf("pending triggers = %d, want 1", len(s.trigger))
	}
}

func TestSchedulerRunsTriggeredCycle(t *testing.T) {
	source := &fakeSource{}
	eng := New(source, &fakeHider{}, newMemDecisions(), Options{})
	s := NewScheduler(eng, time.Hour) // aligned tick far away

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.TriggerNow()

	deadline := time.After(2 * time.Second)
	for source.fetchCalls() == 0 {
		select {
		case <-deadline:
			t.Fatal("triggered cycle never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
