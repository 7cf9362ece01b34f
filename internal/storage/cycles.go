package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveCycle inserts or updates one cycle history row. The engine writes the
// row once when the cycle starts and again with final counts when it ends.
func (s *Store) SaveCycle(c Cycle) error {
	var finishedAt any
	if !c.FinishedAt.IsZero() {
		finishedAt = c.FinishedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO cycles (id, started_at, finished_at, fetched, matched, hidden, skipped, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			fetched = excluded.fetched,
			matched = excluded.matched,
			hidden = excluded.hidden,
			skipped = excluded.skipped,
			failed = excluded.failed,
			error = excluded.error`,
		c.ID, c.StartedAt.UTC().Format(time.RFC3339), finishedAt,
		c.Fetched, c.Matched, c.Hidden, c.Skipped, c.Failed, c.Error,
	)
	if err != nil {
		return fmt.Errorf("saving cycle %s: %w", c.ID, err)
	}
	return nil
}

// RecentCycles returns up to limit cycles, newest first.
func (s *Store) RecentCycles(limit int) ([]Cycle, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, fetched, matched, hidden, skipped, failed, error
		FROM cycles ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Cycle
	for rows.Next() {
		var c Cycle
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&c.ID, &startedAt, &finishedAt, &c.Fetched, &c.Matched, &c.Hidden, &c.Skipped, &c.Failed, &c.Error); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		c.StartedAt = t
		if finishedAt.Valid {
			if c.FinishedAt, err = time.Parse(time.RFC3339, finishedAt.String); err != nil {
				return nil, fmt.Errorf("parsing finished_at: %w", err)
			}
		}
		results = append(results, c)
	}
	return results, rows.Err()
}
