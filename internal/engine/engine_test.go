package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/ridesweep/internal/storage"
	"github.com/kalambet/ridesweep/internal/strava"
)

var baseTime = time.Now().UTC().Add(-2 * time.Hour)

func indoorRide(id int64, start time.Time) strava.Activity {
	zero := 0.0
	return strava.Activity{ID: id, Type: strava.TypeRide, Distance: &zero, StartDate: start}
}

func virtualRide(id int64, start time.Time) strava.Activity {
	dist := 30000.0
	return strava.Activity{ID: id, Type: strava.TypeVirtualRide, Distance: &dist, StartDate: start}
}

// fakeSource serves a fixed activity set, optionally after a number of
// transient failures.
type fakeSource struct {
	mu         sync.Mutex
	activities []strava.Activity
	err        error
	failFirst  int // serve this many 502s before succeeding
	calls      int
}

func (f *fakeSource) FetchWindow(ctx context.Context, window strava.TimeRange) ([]strava.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFirst > 0 {
		f.failFirst--
		return nil, &strava.APIError{Status: 502, Body: "bad gateway"}
	}
	return f.activities, f.err
}

func (f *fakeSource) fetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeHider records hide calls and can fail per activity.
type fakeHider struct {
	mu     sync.Mutex
	hidden []int64
	errFor map[int64]error
}

func (f *fakeHider) Hide(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errFor[id]; ok {
		return err
	}
	f.hidden = append(f.hidden, id)
	return nil
}

// memDecisions is an in-memory DecisionStore.
type memDecisions struct {
	mu        sync.Mutex
	decisions map[int64]storage.Decision
	cycles    []storage.Cycle
}

func newMemDecisions() *memDecisions {
	return &memDecisions{decisions: make(map[int64]storage.Decision)}
}

func (m *memDecisions) IsProcessed(indoorID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[indoorID]
	return ok && d.Outcome != storage.OutcomeSkippedNoMatch, nil
}

func (m *memDecisions) RecordDecision(d storage.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.decisions[d.IndoorID]; ok && existing.Outcome != storage.OutcomeSkippedNoMatch {
		return nil
	}
	m.decisions[d.IndoorID] = d
	return nil
}

func (m *memDecisions) PruneDecisions(cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int64
	for id, d := range m.decisions {
		if d.DecidedAt.Before(cutoff) {
			delete(m.decisions, id)
			pruned++
		}
	}
	return pruned, nil
}

func (m *memDecisions) SaveCycle(c storage.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, c)
	return nil
}

func (m *memDecisions) outcome(id int64) (storage.Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	return d.Outcome, ok
}

func TestRunCycleHidesDuplicate(t *testing.T) {
	source := &fakeSource{activities: []strava.Activity{
		indoorRide(1, baseTime),
		virtualRide(2, baseTime.Add(2*time.Minute)),
	}}
	hider := &fakeHider{}
	store := newMemDecisions()
	eng := New(source, hider, store, Options{})

	report, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Fetched != 2 || report.Matched != 1 || report.Hidden != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(hider.hidden) != 1 || hider.hidden[0] != 1 {
		t.Errorf("hidden = %v, want [1]", hider.hidden)
	}
	if outcome, ok := store.outcome(1); !ok || outcome != storage.OutcomeHidden {
		t.Errorf("decision for 1 = %v, %v", outcome, ok)
	}
	if len(store.cycles) != 1 {
		t.Errorf("cycle history rows = %d, want 1", len(store.cycles))
	}
}

func TestRunCycleIdempotentAcrossOverlappingWindows(t *testing.T) {
	// The same pair appears in two consecutive cycles (overlapping fetch
	// windows); the hide mutation must run exactly once.
	source := &fakeSource{activities: []strava.Activity{
		indoorRide(1, baseTime),
		virtualRide(2, baseTime.Add(time.Minute)),
	}}
	hider := &fakeHider{}
	store := newMemDecisions()
	eng := New(source, hider, store, Options{})

	for i := 0; i < 3; i++ {
		if _, err := eng.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	if len(hider.hidden) != 1 {
		t.Errorf("hide called %d times, want 1", len(hider.hidden))
	}

	last := eng.LastReport()
	if last == nil {
		t.Fatal("no last report")
	}
	if last.AlreadyProcessed != 1 || last.Hidden != 0 {
		t.Errorf("last report = %+v, want already_processed=1 hidden=0", last)
	}
}

func TestRunCycleRecordsSkipForUnmatchedIndoor(t *testing.T) {
	source := &fakeSource{activities: []strava.Activity{
		indoorRide(1, baseTime), // no virtual ride anywhere near
	}}
	store := newMemDecisions()
	eng := New(source, &fakeHider{}, store, Options{})

	report, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", report.Skipped)
	}
	if outcome, ok := store.outcome(1); !ok || outcome != storage.OutcomeSkippedNoMatch {
		t.Errorf("decision for 1 = %v, %v", outcome, ok)
	}
}

func TestSkippedActivityPairedInLaterCycle(t *testing.T) {
	// First cycle: indoor ride alone, recorded as skipped. Second cycle: the
	// virtual ride has been uploaded; the pair must be hidden.
	source := &fakeSource{activities: []strava.Activity{indoorRide(1, baseTime)}}
	hider := &fakeHider{}
	store := newMemDecisions()
	eng := New(source, hider, store, Options{})

	if _, err := eng.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	source.activities = append(source.activities, virtualRide(2, baseTime.Add(5*time.Minute)))
	report, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if report.Hidden != 1 {
		t.Errorf("hidden = %d, want 1", report.Hidden)
	}
	if outcome, _ := store.outcome(1); outcome != storage.OutcomeHidden {
		t.Errorf("outcome = %s, want hidden", outcome)
	}
}

func TestRunCycleRecordsErrorOutcome(t *testing.T) {
	// A terminal per-activity failure (activity deleted remotely) is recorded
	// as an error decision; the cycle still succeeds and the pair is not
	// retried on the next run.
	source := &fakeSource{activities: []strava.Activity{
		indoorRide(1, baseTime),
		virtualRide(2, baseTime.Add(time.Minute)),
	}}
	hider := &fakeHider{errFor: map[int64]error{1: fmt.Errorf("hiding: %w", strava.ErrNotFound)}}
	store := newMemDecisions()
	eng := New(source, hider, store, Options{})

	report, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Failed != 1 || report.Hidden != 0 {
		t.Errorf("report = %+v", report)
	}
	if outcome, _ := store.outcome(1); outcome != storage.OutcomeError {
		t.Errorf("outcome = %s, want error", outcome)
	}

	// Second run: the error decision is terminal.
	report, err = eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if report.AlreadyProcessed != 1 || report.Failed != 0 {
		t.Errorf("second report = %+v", report)
	}
}

func TestRunCycleAbortsOnAuthFailure(t *testing.T) {
	// An auth failure sinks every remaining hide; no decision may be recorded
	// so the pair is retried once credentials recover.
	source := &fakeSource{activities: []strava.Activity{
		indoorRide(1, baseTime),
		virtualRide(2, baseTime.Add(time.Minute)),
	}}
	hider := &fakeHider{errFor: map[int64]error{1: fmt.Errorf("hiding: %w", strava.ErrAuth)}}
	store := newMemDecisions()
	eng := New(source, hider, store, Options{})

	_, err := eng.RunCycle(context.Background())
	if !errors.Is(err, strava.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if _, ok := store.outcome(1); ok {
		t.Error("decision recorded despite auth failure")
	}

	// Credentials recover; the pair is hidden on the next cycle.
	hider.errFor = nil
	report, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}
	if report.Hidden != 1 {
		t.Errorf("hidden = %d, want 1", report.Hidden)
	}
}

func TestRunCycleRetriesTransientFetch(t *testing.T) {
	// One 502 on the listing call must not cost the cycle; the fetch is
	// retried in-cycle and the pair is still hidden.
	source := &fakeSource{
		failFirst: 1,
		activities: []strava.Activity{
			indoorRide(1, baseTime),
			virtualRide(2, baseTime.Add(time.Minute)),
		},
	}
	hider := &fakeHider{}
	store := newMemDecisions()
	eng := New(source, hider, store, Options{
		Retry: strava.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})

	report, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if source.fetchCalls() != 2 {
		t.Errorf("fetch called %d times, want 2", source.fetchCalls())
	}
	if report.Hidden != 1 {
		t.Errorf("hidden = %d, want 1", report.Hidden)
	}
}

func TestRunCycleFetchFailure(t *testing.T) {
	// A persistently failing fetch exhausts the bounded retries and fails
	// the cycle; the failed cycle is still persisted for history.
	source := &fakeSource{err: errors.New("network down")}
	store := newMemDecisions()
	eng := New(source, &fakeHider{}, store, Options{
		Retry: strava.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})

	report, err := eng.RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if source.fetchCalls() != 3 {
		t.Errorf("fetch called %d times, want 3 (bounded attempts)", source.fetchCalls())
	}
	if report.Err == "" {
		t.Error("report.Err empty")
	}
	if len(store.cycles) != 1 || store.cycles[0].Error == "" {
		t.Errorf("cycle history = %+v", store.cycles)
	}
}

func TestRunCycleFetchAuthFailureNotRetried(t *testing.T) {
	source := &fakeSource{err: fmt.Errorf("listing: %w", strava.ErrAuth)}
	eng := New(source, &fakeHider{}, newMemDecisions(), Options{
		Retry: strava.RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond},
	})

	_, err := eng.RunCycle(context.Background())
	if !errors.Is(err, strava.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if source.fetchCalls() != 1 {
		t.Errorf("fetch called %d times, want 1 (auth failures must not retry)", source.fetchCalls())
	}
}

func TestRunCycleRefusesOverlap(t *testing.T) {
	// A second RunCycle during an in-flight one returns ErrCycleRunning
	// without touching anything.
	started := make(chan struct{})
	release := make(chan struct{})
	source := &fakeSource{activities: []strava.Activity{
		indoorRide(1, baseTime),
		virtualRide(2, baseTime.Add(time.Minute)),
	}}
	hider := &blockingHider{started: started, release: release}
	eng := New(source, hider, newMemDecisions(), Options{})

	done := make(chan error, 1)
	go func() {
		_, err := eng.RunCycle(context.Background())
		done <- err
	}()

	<-started
	if _, err := eng.RunCycle(context.Background()); !errors.Is(err, ErrCycleRunning) {
		t.Errorf("overlapping cycle: err = %v, want ErrCycleRunning", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

type blockingHider struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu      sync.Mutex
	hidden  []int64
	ctxErrs []error // ctx.Err() observed after release, per call
}

func (b *blockingHider) Hide(ctx context.Context, id int64) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hidden = append(b.hidden, id)
	b.ctxErrs = append(b.ctxErrs, ctx.Err())
	return nil
}

func TestShutdownCompletesInFlightHide(t *testing.T) {
	// Cancelling the cycle context mid-hide must let the started mutation
	// finish and get its decision recorded, while the remaining pairs are
	// left undecided for the next run.
	source := &fakeSource{activities: []strava.Activity{
		indoorRide(1, baseTime),
		virtualRide(10, baseTime.Add(time.Minute)),
		indoorRide(2, baseTime.Add(20*time.Minute)),
		virtualRide(11, baseTime.Add(21*time.Minute)),
	}}
	hider := &blockingHider{started: make(chan struct{}), release: make(chan struct{})}
	store := newMemDecisions()
	eng := New(source, hider, store, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := eng.RunCycle(ctx)
		done <- err
	}()

	<-hider.started
	cancel()
	close(hider.release)

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	hider.mu.Lock()
	defer hider.mu.Unlock()
	if len(hider.hidden) != 1 || hider.hidden[0] != 1 {
		t.Fatalf("hidden = %v, want [1] (in-flight hide completes, no new ones start)", hider.hidden)
	}
	if hider.ctxErrs[0] != nil {
		t.Errorf("hide context cancelled mid-flight: %v", hider.ctxErrs[0])
	}
	if outcome, ok := store.outcome(1); !ok || outcome != storage.OutcomeHidden {
		t.Errorf("decision for 1 = %v, %v, want hidden", outcome, ok)
	}
	if _, ok := store.outcome(2); ok {
		t.Error("decision recorded for pair that never started")
	}
}

func TestRunCyclePrunesOldDecisions(t *testing.T) {
	source := &fakeSource{}
	store := newMemDecisions()
	store.decisions[99] = storage.Decision{
		IndoorID:  99,
		Outcome:   storage.OutcomeHidden,
		DecidedAt: time.Now().Add(-1000 * time.Hour),
	}
	eng := New(source, &fakeHider{}, store, Options{Retention: 720 * time.Hour})

	if _, err := eng.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if _, ok := store.outcome(99); ok {
		t.Error("stale decision not pruned")
	}
}

func TestZeroRetentionDisablesPruning(t *testing.T) {
	source := &fakeSource{}
	store := newMemDecisions()
	store.decisions[99] = storage.Decision{
		IndoorID:  99,
		Outcome:   storage.OutcomeHidden,
		DecidedAt: time.Now().Add(-1000 * time.Hour),
	}
	eng := New(source, &fakeHider{}, store, Options{})

	if _, err := eng.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if _, ok := store.outcome(99); !ok {
		t.Error("decision pruned with retention disabled")
	}
}

func TestLastReportBeforeAnyCycle(t *testing.T) {
	eng := New(&fakeSource{}, &fakeHider{}, newMemDecisions(), Options{})
	if r := eng.LastReport(); r != nil {
		t.Errorf("LastReport = %+v, want nil", r)
	}
}
