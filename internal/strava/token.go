package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultTokenURL = "https://www.strava.com/oauth/token"
	// Refresh this far ahead of expiry so a token never goes stale between
	// the check and the request that uses it.
	expiryMargin = 5 * time.Minute
)

// CredentialStore persists the rotated OAuth credential across restarts.
type CredentialStore interface {
	LoadCredential() (Credential, error)
	SaveCredential(Credential) error
}

// ErrNoCredential is returned by a CredentialStore when nothing has been
// persisted yet.
var ErrNoCredential = errors.New("strava: no stored credential")

// TokenManager owns the process-wide OAuth credential. It hands out a valid
// access token, refreshing through the stored refresh token when the current
// one is expired or close to it. The rotated refresh token is written to the
// store before the new access token is released to callers; losing a rotated
// refresh token locks the engine out permanently.
type TokenManager struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client
	store        CredentialStore
	retry        RetryPolicy
	logger       *slog.Logger

	mu      sync.Mutex
	current Credential
	loaded  bool

	// seed is the initial refresh token from configuration, used only when
	// the store is empty (first run, or a wiped data dir).
	seed string
}

// TokenManagerOption customises a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithTokenURL points the manager at a custom token endpoint (tests).
func WithTokenURL(u string) TokenManagerOption {
	return func(m *TokenManager) { m.tokenURL = strings.TrimRight(u, "/") }
}

// WithRetryPolicy replaces the refresh retry schedule.
func WithRetryPolicy(p RetryPolicy) TokenManagerOption {
	return func(m *TokenManager) { m.retry = p }
}

// NewTokenManager creates a TokenManager for the given OAuth application.
// initialRefreshToken seeds the very first exchange when store holds nothing.
func NewTokenManager(clientID, clientSecret, initialRefreshToken string, store CredentialStore, opts ...TokenManagerOption) *TokenManager {
	m := &TokenManager{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     defaultTokenURL,
		httpClient:   &http.Client{Timeout: requestTimeout},
		store:        store,
		retry:        DefaultRetryPolicy(),
		logger:       slog.Default(),
		seed:         initialRefreshToken,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureValid returns an access token valid for at least the expiry margin,
// refreshing it first when necessary. Concurrent callers share a single
// refresh exchange.
func (m *TokenManager) EnsureValid(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		if err := m.loadLocked(); err != nil {
			return "", err
		}
	}

	if m.current.AccessToken != "" && time.Now().Before(m.current.ExpiresAt.Add(-expiryMargin)) {
		return m.current.AccessToken, nil
	}

	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.current.AccessToken, nil
}

func (m *TokenManager) loadLocked() error {
	cred, err := m.store.LoadCredential()
	switch {
	case errors.Is(err, ErrNoCredential):
		if m.seed == "" {
			return fmt.Errorf("%w: no persisted credential and no initial refresh token configured", ErrAuth)
		}
		m.current = Credential{RefreshToken: m.seed}
	case err != nil:
		return fmt.Errorf("loading credential: %w", err)
	default:
		m.current = cred
	}
	m.loaded = true
	return nil
}

func (m *TokenManager) refreshLocked(ctx context.Context) error {
	m.logger.Info("refreshing access token")

	var tr tokenResponse
	err := m.retry.Do(ctx, func(ctx context.Context) error {
		var attemptErr error
		tr, attemptErr = m.exchange(ctx, m.current.RefreshToken)
		return attemptErr
	})
	if err != nil {
		return fmt.Errorf("token refresh: %w", err)
	}

	cred := Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Unix(tr.ExpiresAt, 0).UTC(),
	}
	if cred.RefreshToken == "" {
		// Some exchanges do not rotate; keep what we have.
		cred.RefreshToken = m.current.RefreshToken
	}

	// Persist before releasing the token: a crash after this point must not
	// lose the rotated refresh token.
	if err := m.store.SaveCredential(cred); err != nil {
		return fmt.Errorf("persisting rotated credential: %w", err)
	}
	m.current = cred

	m.logger.Info("access token refreshed", "expires_at", cred.ExpiresAt)
	return nil
}

func (m *TokenManager) exchange(ctx context.Context, refreshToken string) (tokenResponse, error) {
	body, err := json.Marshal(map[string]string{
		"client_id":     m.clientID,
		"client_secret": m.clientSecret,
		"refresh_token": refreshToken,
		"grant_type":    "refresh_token",
	})
	if err != nil {
		return tokenResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, bytes.NewReader(body))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("executing token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		// A 400/401/403 here means the refresh token itself was rejected.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return tokenResponse{}, fmt.Errorf("%w: %s", ErrAuth, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))})
		}
		return tokenResponse{}, classifyStatus(resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return tokenResponse{}, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return tokenResponse{}, fmt.Errorf("token response missing access_token")
	}
	return tr, nil
}
