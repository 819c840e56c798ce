// Package vendors declares the capability surfaces the sync pipeline
// requires of each vendor client. Clients are thin HTTP wrappers; the
// pipeline depends only on these operations and on a distinguishable
// unauthorized error signal.
package vendors

import (
	"context"
	"errors"
	"time"

	"github.com/bikebuds/bikebuds/models"
)

// ErrUnauthorized is the signal a vendor call was rejected for a stale or
// revoked access token. Clients wrap their 401-class failures with it so
// the refresh guard can recognize them.
var ErrUnauthorized = errors.New("vendor rejected access token")

// IsUnauthorized reports whether err is an unauthorized-class rejection.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// Window bounds a measurement fetch. Zero values are open ends.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}

	if !w.End.IsZero() && t.After(w.End) {
		return false
	}

	return true
}

// Refreshable is the capability of exchanging a refresh token for a new
// credential blob. The token guard is a decorator over this surface.
type Refreshable interface {
	RefreshToken(ctx context.Context, refreshToken string) (models.Credentials, error)
}

// MeasurementSource fetches body-composition samples.
type MeasurementSource interface {
	FetchMeasurements(ctx context.Context, window Window) ([]models.Measure, error)
}

// ActivitySource fetches activity documents.
type ActivitySource interface {
	FetchActivities(ctx context.Context) ([]models.Activity, error)
	FetchActivity(ctx context.Context, id int64) (*models.Activity, error)
}

// WeightWriter pushes a single weight sample into a vendor. Write-path
// vendors only.
type WeightWriter interface {
	SetWeight(ctx context.Context, weight float64, date time.Time) error
}
