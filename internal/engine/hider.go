package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/ridesweep/internal/strava"
)

// ActivityUpdater is the slice of the Strava client the hider needs.
type ActivityUpdater interface {
	UpdateActivity(ctx context.Context, id int64, upd strava.UpdateRequest) (strava.Activity, error)
}

// Hider issues the hide-from-home mutation for one activity. Transient
// failures are retried per the policy; auth, not-found, and permission
// failures come back classified so the engine can record them.
type Hider struct {
	client ActivityUpdater
	retry  strava.RetryPolicy
	logger *slog.Logger
}

// NewHider creates a Hider using client with the given retry policy.
func NewHider(client ActivityUpdater, retry strava.RetryPolicy) *Hider {
	return &Hider{
		client: client,
		retry:  retry,
		logger: slog.Default(),
	}
}

// Hide marks the activity hidden from the home feed. The mutation is
// idempotent on the remote side, so a retried request that already landed
// is harmless.
func (h *Hider) Hide(ctx context.Context, id int64) error {
	hide := true
	err := h.retry.Do(ctx, func(ctx context.Context) error {
		_, err := h.client.UpdateActivity(ctx, id, strava.UpdateRequest{HideFromHome: &hide})
		if err != nil && strava.IsTransient(err) {
			h.logger.Warn("hide attempt failed, will retry", "activity_id", id, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("hiding activity %d: %w", id, err)
	}
	return nil
}
