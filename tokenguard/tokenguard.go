// Package tokenguard keeps a connection's access token valid around
// vendor calls: proactive refresh shortly before expiry, and exactly one
// refresh-and-retry when a call comes back unauthorized.
package tokenguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/vendors"
)

// ErrReauthorizationRequired is returned when the refresh token itself is
// rejected. The guard clears the stored credentials first, so later sync
// attempts fast-fail with a no-credentials outcome instead of hammering
// the vendor.
var ErrReauthorizationRequired = errors.New("reauthorization required")

// expirySkew is how long before the recorded expiry a token is treated as
// already stale.
const expirySkew = 60 * time.Second

// Guard decorates a Refreshable vendor capability for one connection. It
// is safe for concurrent use: credential reads and refreshes serialize on
// the guard's lock, and callers rejected on the same token share one
// refresh.
type Guard struct {
	conn      *conns.Connection
	registry  *conns.Registry
	refresher vendors.Refreshable
	logger    *zap.Logger
	now       func() time.Time

	mu sync.Mutex
}

// New builds a guard for conn. The registry persists refreshed
// credentials so a later invocation starts from the new blob.
func New(conn *conns.Connection, registry *conns.Registry, refresher vendors.Refreshable, logger *zap.Logger) *Guard {
	return &Guard{
		conn:      conn,
		registry:  registry,
		refresher: refresher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EnsureAccess refreshes the access token when it is within expirySkew of
// its recorded expiry.
func (g *Guard) EnsureAccess(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	expiresAt := g.conn.Credentials.ExpiresAt()
	if expiresAt.IsZero() {
		// No recorded expiry; let the call itself decide.
		return nil
	}

	staleAt := expiresAt.Add(-expirySkew)
	if g.now().Before(staleAt) {
		return nil
	}

	g.logger.Info("access token stale, refreshing",
		zap.String("service", g.conn.Key.String()),
		zap.Duration("stale_for", g.now().Sub(staleAt)),
	)

	return g.refresh(ctx)
}

// Do runs one proxied vendor call. On an unauthorized-class failure it
// refreshes once and retries once; a second unauthorized failure
// propagates without a third attempt.
func (g *Guard) Do(ctx context.Context, call func(ctx context.Context) error) error {
	if err := g.EnsureAccess(ctx); err != nil {
		return err
	}

	rejected := g.AccessToken()

	err := call(ctx)
	if err == nil || !vendors.IsUnauthorized(err) {
		return err
	}

	g.logger.Info("token rejected, refreshing and retrying once",
		zap.String("service", g.conn.Key.String()),
	)

	if refreshErr := g.refreshIfCurrent(ctx, rejected); refreshErr != nil {
		return refreshErr
	}

	return call(ctx)
}

// Credentials exposes the current token for clients that stamp it onto
// each request.
func (g *Guard) Credentials() func() string {
	return g.AccessToken
}

// AccessToken reads the current access token under the guard's lock, so
// per-request reads serialize with refreshes.
func (g *Guard) AccessToken() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.conn.Credentials.AccessToken()
}

// refreshIfCurrent refreshes only while the rejected token is still the
// stored one; a concurrent caller may have refreshed it already.
func (g *Guard) refreshIfCurrent(ctx context.Context, rejected string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn.Credentials.AccessToken() != rejected {
		return nil
	}

	return g.refresh(ctx)
}

// refresh exchanges the refresh token for a new blob. Callers hold mu.
func (g *Guard) refresh(ctx context.Context) error {
	refreshToken := g.conn.Credentials.RefreshToken()
	if refreshToken == "" {
		return fmt.Errorf("%w: no refresh token stored for %s", ErrReauthorizationRequired, g.conn.Key)
	}

	newCredentials, err := g.refresher.RefreshToken(ctx, refreshToken)
	if err != nil {
		g.logger.Warn("refresh failed, clearing credentials",
			zap.String("service", g.conn.Key.String()),
			zap.Error(err),
		)

		if clearErr := g.registry.ClearCredentials(ctx, g.conn); clearErr != nil {
			return fmt.Errorf("failed to clear credentials after refresh failure: %w", clearErr)
		}

		return fmt.Errorf("%w: %s: %v", ErrReauthorizationRequired, g.conn.Key, err)
	}

	if err := g.registry.UpdateCredentials(ctx, g.conn, newCredentials); err != nil {
		return fmt.Errorf("failed to persist refreshed credentials: %w", err)
	}

	return nil
}
