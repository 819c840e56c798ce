// Package models holds the documents stored for each account and service
// connection: credentials, sync state, measurement series and inbound
// subscription events.
package models

import (
	"time"
)

// Known service names. Each user has at most one connection per service.
const (
	ServiceStrava      = "strava"
	ServiceWithings    = "withings"
	ServiceFitbit      = "fitbit"
	ServiceGarmin      = "garmin"
	ServiceTrainerRoad = "trainerroad"
)

// CredentialKeyRefreshToken is the key a connection must carry for
// OAuth-style services; garmin and trainerroad authenticate with a stored
// password instead.
const (
	CredentialKeyRefreshToken = "refresh_token"
	CredentialKeyPassword     = "password"
)

// RequiredCredentialKey returns the credential key a service needs before
// a sync may run.
func RequiredCredentialKey(serviceName string) string {
	switch serviceName {
	case ServiceGarmin, ServiceTrainerRoad:
		return CredentialKeyPassword
	default:
		return CredentialKeyRefreshToken
	}
}

// Credentials is the opaque, vendor-specific credential blob of a service
// connection. An empty or nil map means the service is not connected.
type Credentials map[string]any

func (c Credentials) str(key string) string {
	if c == nil {
		return ""
	}

	s, _ := c[key].(string)

	return s
}

func (c Credentials) AccessToken() string { return c.str("access_token") }

func (c Credentials) RefreshToken() string { return c.str("refresh_token") }

func (c Credentials) Password() string { return c.str("password") }

func (c Credentials) Username() string { return c.str("username") }

// ExpiresAt returns the access token expiry, or the zero time when the
// blob does not carry one.
func (c Credentials) ExpiresAt() time.Time {
	if c == nil {
		return time.Time{}
	}

	switch v := c["expires_at"].(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}
		}

		return t.UTC()
	}

	return time.Time{}
}

// Has reports whether a non-empty value is stored under key.
func (c Credentials) Has(key string) bool {
	if len(c) == 0 {
		return false
	}

	v, ok := c[key]
	if !ok {
		return false
	}

	if s, isStr := v.(string); isStr {
		return s != ""
	}

	return v != nil
}

// SyncState records the progress of the last sync for a connection.
// Syncing true implies StartedAt is set and Error is empty; when a sync
// finishes exactly one of Successful=true or Error is set.
type SyncState struct {
	Syncing    bool       `json:"syncing"`
	Successful *bool      `json:"successful,omitempty"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// Service is one (user, vendor) connection document.
type Service struct {
	Credentials Credentials `json:"credentials,omitempty"`
	SyncEnabled bool        `json:"sync_enabled"`
	SyncState   SyncState   `json:"sync_state"`
}

// HasCredentials reports whether the connection carries the given
// credential key. An empty requiredKey only checks that any credentials
// are present.
func (s *Service) HasCredentials(requiredKey string) bool {
	if s == nil || len(s.Credentials) == 0 {
		return false
	}

	if requiredKey == "" {
		return true
	}

	return s.Credentials.Has(requiredKey)
}

// Measure is a single body-composition sample.
type Measure struct {
	Date     time.Time `json:"date"`
	Weight   float64   `json:"weight,omitempty"`
	FatRatio float64   `json:"fat_ratio,omitempty"`
}

// Series is the full measurement history of one connection. It is
// replaced, never merged, on each successful sync.
type Series struct {
	Measures []Measure `json:"measures"`
}

// Activity is a normalized ride/run document from the activity provider.
// Only the fields the sync contract needs are kept.
type Activity struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name,omitempty"`
	Distance    float64   `json:"distance,omitempty"`
	MovingTime  int64     `json:"moving_time,omitempty"`
	ElapsedTime int64     `json:"elapsed_time,omitempty"`
	StartDate   time.Time `json:"start_date,omitempty"`
	AthleteID   int64     `json:"athlete_id,omitempty"`
}

// SubscriptionEvent is one inbound webhook notification. Its document key
// name is the dedup identity: either the vendor-supplied id or a hash of
// the identifying fields. The record is deleted once folded into a sync.
type SubscriptionEvent struct {
	ObjectID       int64             `json:"object_id,omitempty"`
	ObjectType     string            `json:"object_type,omitempty"`
	AspectType     string            `json:"aspect_type,omitempty"`
	EventTime      int64             `json:"event_time,omitempty"`
	OwnerID        int64             `json:"owner_id,omitempty"`
	SubscriptionID int64             `json:"subscription_id,omitempty"`
	Updates        map[string]string `json:"updates,omitempty"`

	// Withings-style payloads arrive as an opaque form map.
	EventData map[string]string `json:"event_data,omitempty"`

	URL     string    `json:"url,omitempty"`
	Failure bool      `json:"failure,omitempty"`
	Date    time.Time `json:"date"`
}

// Subscription records a webhook registration held at the vendor.
type Subscription struct {
	CallbackURL string    `json:"callbackurl"`
	Comment     string    `json:"comment,omitempty"`
	Date        time.Time `json:"date"`
}

// Preferences are the per-user toggles the sync pipeline consults.
type Preferences struct {
	SyncWeight       bool `json:"sync_weight"`
	DailyWeightNotif bool `json:"daily_weight_notif"`
}

// User is the account document owning service connections.
type User struct {
	Preferences Preferences `json:"preferences"`
	CreatedAt   time.Time   `json:"created_at"`
}
