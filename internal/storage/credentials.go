package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/ridesweep/internal/strava"
)

// LoadCredential returns the persisted OAuth credential, or
// strava.ErrNoCredential when none has been saved yet.
func (s *Store) LoadCredential() (strava.Credential, error) {
	var cred strava.Credential
	var expiresAt int64
	err := s.db.QueryRow(`
		SELECT access_token, refresh_token, expires_at
		FROM credential WHERE id = 1`,
	).Scan(&cred.AccessToken, &cred.RefreshToken, &expiresAt)
	if err == sql.ErrNoRows {
		return strava.Credential{}, strava.ErrNoCredential
	}
	if err != nil {
		return strava.Credential{}, err
	}
	cred.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return cred, nil
}

// SaveCredential replaces the persisted credential. The table holds exactly
// one row; the upsert keeps it that way.
func (s *Store) SaveCredential(cred strava.Credential) error {
	_, err := s.db.Exec(`
		INSERT INTO credential (id, access_token, refresh_token, expires_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		cred.AccessToken, cred.RefreshToken, cred.ExpiresAt.Unix(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}
