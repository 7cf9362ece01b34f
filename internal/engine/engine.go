// Package engine runs the duplicate-resolution cycle: fetch the recent
// activity window, pair zero-distance indoor rides with virtual rides,
// filter decisions already made, and hide the new duplicates.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ridesweep/internal/matcher"
	"github.com/kalambet/ridesweep/internal/storage"
	"github.com/kalambet/ridesweep/internal/strava"
)

// hideTimeout bounds the hide phase when the process is shutting down; an
// in-flight mutation is allowed to finish but not to linger.
const hideTimeout = 2 * time.Minute

// ActivitySource is the slice of the Strava client the engine fetches from.
type ActivitySource interface {
	FetchWindow(ctx context.Context, window strava.TimeRange) ([]strava.Activity, error)
}

// ActivityHider applies the hide mutation for one activity.
type ActivityHider interface {
	Hide(ctx context.Context, id int64) error
}

// DecisionStore is the durable processed-pair cache plus cycle history.
type DecisionStore interface {
	IsProcessed(indoorID int64) (bool, error)
	RecordDecision(storage.Decision) error
	PruneDecisions(cutoff time.Time) (int64, error)
	SaveCycle(storage.Cycle) error
}

// Options tune one Engine.
type Options struct {
	Lookback    time.Duration // fetch window size, default 48h
	MatchWindow time.Duration // max indoor/virtual start gap, default 1h
	Retention   time.Duration // decision cache age bound; 0 disables pruning

	// Retry bounds in-cycle retries of transient fetch failures.
	Retry strava.RetryPolicy
}

func (o *Options) applyDefaults() {
	if o.Lookback <= 0 {
		o.Lookback = 48 * time.Hour
	}
	if o.MatchWindow <= 0 {
		o.MatchWindow = matcher.DefaultWindow
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = strava.DefaultRetryPolicy()
	}
}

// Report summarises one finished cycle.
type Report struct {
	ID               string    `json:"id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Fetched          int       `json:"fetched"`
	Matched          int       `json:"matched"`
	AlreadyProcessed int       `json:"already_processed"`
	Hidden           int       `json:"hidden"`
	Skipped          int       `json:"skipped"`
	Failed           int       `json:"failed"`
	Err              string    `json:"error,omitempty"`
}

// ErrCycleRunning is returned when a tick fires while the previous cycle is
// still completing (for example, mid hide-retry).
var ErrCycleRunning = errors.New("engine: previous cycle still running")

// Engine owns one resolution pipeline. Safe for concurrent RunCycle calls:
// overlapping cycles are refused, not queued.
type Engine struct {
	source ActivitySource
	hider  ActivityHider
	store  DecisionStore
	opts   Options
	logger *slog.Logger

	runMu sync.Mutex

	stateMu sync.Mutex
	last    *Report
}

// New creates an Engine.
func New(source ActivitySource, hider ActivityHider, store DecisionStore, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		source: source,
		hider:  hider,
		store:  store,
		opts:   opts,
		logger: slog.Default(),
	}
}

// LastReport returns the most recent cycle report, or nil before any cycle
// has run in this process.
func (e *Engine) LastReport() *Report {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.last == nil {
		return nil
	}
	cp := *e.last
	return &cp
}

// RunCycle executes one full fetch-match-hide pass. Errors are returned for
// the caller to log; they never indicate the process should stop. If a
// previous cycle is still running the call returns ErrCycleRunning
// immediately.
func (e *Engine) RunCycle(ctx context.Context) (Report, error) {
	if !e.runMu.TryLock() {
		return Report{}, ErrCycleRunning
	}
	defer e.runMu.Unlock()

	report := Report{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	logger := e.logger.With("cycle_id", report.ID)
	logger.Info("cycle started")

	err := e.runCycle(ctx, logger, &report)
	report.FinishedAt = time.Now().UTC()
	if err != nil {
		report.Err = err.Error()
		logger.Error("cycle failed", "error", err)
		cyclesCounter.WithLabelValues("error").Inc()
	} else {
		logger.Info("cycle finished",
			"fetched", report.Fetched,
			"matched", report.Matched,
			"hidden", report.Hidden,
			"skipped", report.Skipped,
			"failed", report.Failed,
		)
		cyclesCounter.WithLabelValues("ok").Inc()
	}
	cycleDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	e.persistReport(report)

	e.stateMu.Lock()
	e.last = &report
	e.stateMu.Unlock()

	return report, err
}

func (e *Engine) runCycle(ctx context.Context, logger *slog.Logger, report *Report) error {
	now := time.Now().UTC()
	window := strava.TimeRange{After: now.Add(-e.opts.Lookback), Before: now}

	// A transient listing failure (network blip, 502) must not cost the
	// whole cycle a 15-minute wait; retry the fetch in-cycle with backoff.
	var activities []strava.Activity
	err := e.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		activities, fetchErr = e.source.FetchWindow(ctx, window)
		if fetchErr != nil && strava.IsTransient(fetchErr) {
			logger.Warn("activity fetch failed, will retry", "error", fetchErr)
		}
		return fetchErr
	})
	if err != nil {
		return fmt.Errorf("fetching activities: %w", err)
	}
	report.Fetched = len(activities)
	activitiesFetched.Add(float64(len(activities)))

	pairs := matcher.Match(activities, e.opts.MatchWindow)
	report.Matched = len(pairs)
	pairsMatched.Add(float64(len(pairs)))

	// Hides may not start once shutdown begins, but a started batch must be
	// allowed to complete; detach from the parent's cancellation and bound
	// the phase with its own timeout instead.
	hideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hideTimeout)
	defer cancel()

	for _, pair := range pairs {
		if ctx.Err() != nil {
			return fmt.Errorf("cycle interrupted: %w", ctx.Err())
		}

		processed, err := e.store.IsProcessed(pair.Indoor.ID)
		if err != nil {
			return fmt.Errorf("checking decision cache for %d: %w", pair.Indoor.ID, err)
		}
		if processed {
			report.AlreadyProcessed++
			continue
		}

		decision := storage.Decision{
			IndoorID:  pair.Indoor.ID,
			VirtualID: pair.Virtual.ID,
			Delta:     pair.Delta,
			DecidedAt: time.Now().UTC(),
		}
		if err := e.hider.Hide(hideCtx, pair.Indoor.ID); err != nil {
			if errors.Is(err, strava.ErrAuth) {
				// Credential problems sink every remaining hide; stop the
				// cycle without recording a decision so the next tick can
				// retry after a refresh.
				return fmt.Errorf("hiding activity %d: %w", pair.Indoor.ID, err)
			}
			decision.Outcome = storage.OutcomeError
			decision.Detail = err.Error()
			report.Failed++
			logger.Warn("hide failed, recorded as error",
				"indoor_id", pair.Indoor.ID, "virtual_id", pair.Virtual.ID, "error", err)
		} else {
			decision.Outcome = storage.OutcomeHidden
			report.Hidden++
			logger.Info("duplicate hidden",
				"indoor_id", pair.Indoor.ID, "virtual_id", pair.Virtual.ID,
				"delta", pair.Delta)
		}

		hidesCounter.WithLabelValues(string(decision.Outcome)).Inc()
		if err := e.store.RecordDecision(decision); err != nil {
			return fmt.Errorf("recording decision for %d: %w", pair.Indoor.ID, err)
		}
	}

	// Indoor rides with no qualifying virtual ride are recorded as skipped
	// for observability; the record is non-terminal and never blocks a
	// later pairing.
	for _, a := range matcher.Unmatched(activities, pairs) {
		processed, err := e.store.IsProcessed(a.ID)
		if err != nil {
			return fmt.Errorf("checking decision cache for %d: %w", a.ID, err)
		}
		if processed {
			continue
		}
		if err := e.store.RecordDecision(storage.Decision{
			IndoorID:  a.ID,
			Outcome:   storage.OutcomeSkippedNoMatch,
			DecidedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("recording skip for %d: %w", a.ID, err)
		}
		report.Skipped++
	}

	if e.opts.Retention > 0 {
		pruned, err := e.store.PruneDecisions(time.Now().Add(-e.opts.Retention))
		if err != nil {
			logger.Warn("pruning decision cache failed", "error", err)
		} else if pruned > 0 {
			decisionsPruned.Add(float64(pruned))
			logger.Info("pruned old decisions", "count", pruned)
		}
	}

	return nil
}

func (e *Engine) persistReport(r Report) {
	cycle := storage.Cycle{
		ID:         r.ID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Fetched:    r.Fetched,
		Matched:    r.Matched,
		Hidden:     r.Hidden,
		Skipped:    r.Skipped,
		Failed:     r.Failed,
		Error:      r.Err,
	}
	if err := e.store.SaveCycle(cycle); err != nil {
		e.logger.Warn("saving cycle history failed", "cycle_id", r.ID, "error", err)
	}
}
