package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// IsProcessed reports whether the indoor activity already has a terminal
// decision. Only hidden and error outcomes are terminal; a skipped_no_match
// row does not block a later hide, because the matching virtual ride may
// simply not have been uploaded yet when the skip was recorded.
func (s *Store) IsProcessed(indoorID int64) (bool, error) {
	var outcome string
	err := s.db.QueryRow("SELECT outcome FROM decisions WHERE indoor_id = ?", indoorID).Scan(&outcome)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return Outcome(outcome) != OutcomeSkippedNoMatch, nil
}

// RecordDecision writes the decision for one indoor activity. Terminal
// outcomes are never overwritten; a skip may be superseded by a later
// terminal decision (or refreshed by another skip). This keeps the table at
// one row per indoor ID with at most one hidden outcome ever.
func (s *Store) RecordDecision(d Decision) error {
	if !ValidOutcome(string(d.Outcome)) {
		return fmt.Errorf("invalid outcome %q", d.Outcome)
	}
	decidedAt := d.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO decisions (indoor_id, virtual_id, outcome, delta_seconds, detail, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(indoor_id) DO UPDATE SET
			virtual_id = excluded.virtual_id,
			outcome = excluded.outcome,
			delta_seconds = excluded.delta_seconds,
			detail = excluded.detail,
			decided_at = excluded.decided_at
		WHERE decisions.outcome = ?`,
		d.IndoorID, d.VirtualID, string(d.Outcome), int64(d.Delta.Seconds()),
		d.Detail, decidedAt.UTC().Format(time.RFC3339),
		string(OutcomeSkippedNoMatch),
	)
	if err != nil {
		return fmt.Errorf("recording decision for %d: %w", d.IndoorID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Row exists with a terminal outcome; the new decision is dropped.
		return nil
	}
	return nil
}

// GetDecision returns the decision for indoorID, or ErrNotFound.
func (s *Store) GetDecision(indoorID int64) (Decision, error) {
	row := s.db.QueryRow(`
		SELECT indoor_id, virtual_id, outcome, delta_seconds, detail, decided_at
		FROM decisions WHERE indoor_id = ?`, indoorID)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return Decision{}, ErrNotFound
	}
	return d, err
}

// ListDecisions returns up to limit decisions, newest first, optionally
// filtered by outcome ("" means all).
func (s *Store) ListDecisions(limit int, outcome Outcome) ([]Decision, error) {
	query := `
		SELECT indoor_id, virtual_id, outcome, delta_seconds, detail, decided_at
		FROM decisions`
	args := []any{}
	if outcome != "" {
		query += " WHERE outcome = ?"
		args = append(args, string(outcome))
	}
	query += " ORDER BY decided_at DESC, indoor_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// DeleteDecision forgets the decision for indoorID, making the activity
// eligible for re-evaluation on the next cycle. This is the operator path
// for error outcomes caused by misclassified transients.
func (s *Store) DeleteDecision(indoorID int64) error {
	res, err := s.db.Exec("DELETE FROM decisions WHERE indoor_id = ?", indoorID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountDecisions returns decision counts grouped by outcome.
func (s *Store) CountDecisions() (map[Outcome]int, error) {
	rows, err := s.db.Query("SELECT outcome, COUNT(*) FROM decisions GROUP BY outcome")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// PruneDecisions removes decisions older than cutoff and returns how many
// were dropped. Called after each cycle so the cache stays bounded.
func (s *Store) PruneDecisions(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM decisions WHERE decided_at < ?", cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("pruning decisions: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (Decision, error) {
	var d Decision
	var virtualID sql.NullInt64
	var deltaSeconds sql.NullInt64
	var outcome, decidedAt string
	if err := row.Scan(&d.IndoorID, &virtualID, &outcome, &deltaSeconds, &d.Detail, &decidedAt); err != nil {
		return Decision{}, err
	}
	d.VirtualID = virtualID.Int64
	d.Outcome = Outcome(outcome)
	d.Delta = time.Duration(deltaSeconds.Int64) * time.Second
	t, err := time.Parse(time.RFC3339, decidedAt)
	if err != nil {
		return Decision{}, fmt.Errorf("parsing decided_at: %w", err)
	}
	d.DecidedAt = t
	return d, nil
}
