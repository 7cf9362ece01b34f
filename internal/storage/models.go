package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Outcome is the terminal classification of one indoor activity.
type Outcome string

const (
	// OutcomeHidden: the duplicate was hidden. Never re-decided.
	OutcomeHidden Outcome = "hidden"
	// OutcomeSkippedNoMatch: no virtual ride qualified this cycle. May be
	// superseded by a hide on a later cycle.
	OutcomeSkippedNoMatch Outcome = "skipped_no_match"
	// OutcomeError: the hide failed terminally (deleted activity, revoked
	// permission, retries exhausted). Reconsidered only when an operator
	// forgets the decision.
	OutcomeError Outcome = "error"
)

// ValidOutcome reports whether s round-trips as a known outcome.
func ValidOutcome(s string) bool {
	switch Outcome(s) {
	case OutcomeHidden, OutcomeSkippedNoMatch, OutcomeError:
		return true
	}
	return false
}

// Decision is one processed-pair cache entry, keyed by the indoor activity.
type Decision struct {
	IndoorID  int64
	VirtualID int64 // 0 when no pair was involved
	Outcome   Outcome
	Delta     time.Duration // start-time gap of the pair, when paired
	Detail    string        // error text or human note
	DecidedAt time.Time
}

// Cycle is one run of the resolution pipeline. Served as-is by the
// management API, hence the JSON tags.
type Cycle struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Fetched    int       `json:"fetched"`
	Matched    int       `json:"matched"`
	Hidden     int       `json:"hidden"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}
