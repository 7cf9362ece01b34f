package strava

import "time"

// Activity type strings as returned by the Strava API. Types other than
// these two are ignored by the matcher.
const (
	TypeRide        = "Ride"
	TypeVirtualRide = "VirtualRide"
)

// Activity is the summary record returned when listing athlete activities.
// Distance is a pointer because some devices upload no distance stream at
// all; a missing distance is not the same thing as zero meters.
type Activity struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	SportType    string    `json:"sport_type"`
	Distance     *float64  `json:"distance"` // meters
	StartDate    time.Time `json:"start_date"`
	Trainer      bool      `json:"trainer"`
	Private      bool      `json:"private"`
	HideFromHome bool      `json:"hide_from_home"`
}

// UpdateRequest is the body for PUT /activities/{id}. Only non-nil fields
// are sent, so a hide never clobbers unrelated attributes.
type UpdateRequest struct {
	HideFromHome *bool   `json:"hide_from_home,omitempty"`
	Name         *string `json:"name,omitempty"`
	Description  *string `json:"description,omitempty"`
	Commute      *bool   `json:"commute,omitempty"`
}

// TimeRange bounds an activity fetch. Both ends are inclusive as far as the
// remote API is concerned (it filters on epoch seconds).
type TimeRange struct {
	After  time.Time
	Before time.Time
}

// Credential is the OAuth2 state for the single athlete this process acts
// for. RefreshToken rotates on every refresh exchange and the latest value
// must be persisted or the session is permanently lost.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// tokenResponse mirrors the JSON returned by POST /oauth/token.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}
