// Package conns manages service connection documents: the per-(user,
// vendor) credential blob and sync status record, plus the measurement
// series and subscription events parented under each connection.
package conns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/models"
)

// Document kinds.
const (
	KindUser              = "User"
	KindService           = "Service"
	KindSeries            = "Series"
	KindSubscription      = "Subscription"
	KindSubscriptionEvent = "SubscriptionEvent"
	KindActivity          = "Activity"
)

// UserKey returns the key of a user document.
func UserKey(userID string) *datastore.Key {
	return datastore.NewKey(KindUser, userID, nil)
}

// ServiceKey returns the key of a connection document under its user.
func ServiceKey(userKey *datastore.Key, serviceName string) *datastore.Key {
	return datastore.NewKey(KindService, serviceName, userKey)
}

// SeriesKey returns the key of the measurement series of a connection.
func SeriesKey(serviceKey *datastore.Key) *datastore.Key {
	return datastore.NewKey(KindSeries, serviceKey.Name, serviceKey)
}

// Connection couples a service document with its key.
type Connection struct {
	Key *datastore.Key
	models.Service
}

// ServiceName returns the vendor name the connection points at.
func (c *Connection) ServiceName() string {
	return c.Key.Name
}

// Registry performs all reads and writes of connection documents. Every
// status transition is a single document write so concurrent readers
// never observe a torn record.
type Registry struct {
	store  datastore.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry builds a registry on the given store.
func NewRegistry(store datastore.Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get loads the connection for (user, service), creating it with defaults
// on first access. A connection always exists once a user has touched a
// service, whether or not credentials are present.
func (r *Registry) Get(ctx context.Context, userKey *datastore.Key, serviceName string) (*Connection, error) {
	key := ServiceKey(userKey, serviceName)

	var svc models.Service

	err := r.store.Get(ctx, key, &svc)
	if err == nil {
		return &Connection{Key: key, Service: svc}, nil
	}

	if !errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, err
	}

	svc = models.Service{SyncEnabled: true}
	if err := r.store.Put(ctx, key, &svc); err != nil {
		return nil, fmt.Errorf("failed to create connection %s: %w", key, err)
	}

	return &Connection{Key: key, Service: svc}, nil
}

// GetByKey loads an existing connection. Unlike Get it does not create
// one; callers resolving keys out of task payloads want a hard miss.
func (r *Registry) GetByKey(ctx context.Context, key *datastore.Key) (*Connection, error) {
	var svc models.Service
	if err := r.store.Get(ctx, key, &svc); err != nil {
		return nil, err
	}

	return &Connection{Key: key, Service: svc}, nil
}

// Put writes the connection document back.
func (r *Registry) Put(ctx context.Context, conn *Connection) error {
	return r.store.Put(ctx, conn.Key, &conn.Service)
}

// UpdateCredentials merges new credential values into the connection and
// persists it. A nil or empty map clears the credentials entirely, which
// makes subsequent syncs fast-fail with a no-credentials outcome.
func (r *Registry) UpdateCredentials(ctx context.Context, conn *Connection, newCredentials models.Credentials) error {
	if len(newCredentials) == 0 {
		r.logger.Info("clearing credentials", zap.String("service", conn.Key.String()))

		conn.Credentials = nil

		return r.Put(ctx, conn)
	}

	if conn.Credentials == nil {
		conn.Credentials = models.Credentials{}
	}

	for k, v := range newCredentials {
		conn.Credentials[k] = v
	}

	r.logger.Debug("updated credentials", zap.String("service", conn.Key.String()))

	return r.Put(ctx, conn)
}

// ClearCredentials drops the stored credential blob.
func (r *Registry) ClearCredentials(ctx context.Context, conn *Connection) error {
	return r.UpdateCredentials(ctx, conn, nil)
}

// SetSyncEnqueued marks the connection as queued for sync: syncing is
// raised and any previous outcome is cleared.
func (r *Registry) SetSyncEnqueued(ctx context.Context, conn *Connection) error {
	now := r.now()

	conn.SyncState.Syncing = true
	conn.SyncState.Successful = nil
	conn.SyncState.Error = ""
	conn.SyncState.EnqueuedAt = &now
	conn.SyncState.StartedAt = nil
	conn.SyncState.UpdatedAt = &now

	return r.Put(ctx, conn)
}

// SetSyncStarted records the start of a sync run. While syncing is true
// the error field stays unset.
func (r *Registry) SetSyncStarted(ctx context.Context, conn *Connection) error {
	now := r.now()

	conn.SyncState.Syncing = true
	conn.SyncState.Error = ""
	conn.SyncState.StartedAt = &now
	conn.SyncState.UpdatedAt = &now

	return r.Put(ctx, conn)
}

// SetSyncFinished lowers the syncing flag and records the outcome:
// successful on a nil error, the error message otherwise. Exactly one of
// the two is ever set.
func (r *Registry) SetSyncFinished(ctx context.Context, conn *Connection, syncErr error) error {
	now := r.now()
	successful := syncErr == nil

	conn.SyncState.Syncing = false
	conn.SyncState.Successful = &successful
	conn.SyncState.UpdatedAt = &now

	if syncErr != nil {
		conn.SyncState.Error = syncErr.Error()
	} else {
		conn.SyncState.Error = ""
	}

	return r.Put(ctx, conn)
}

// GetUser loads the owning account, creating it on first access.
func (r *Registry) GetUser(ctx context.Context, userKey *datastore.Key) (*models.User, error) {
	var user models.User

	err := r.store.Get(ctx, userKey, &user)
	if err == nil {
		return &user, nil
	}

	if !errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, err
	}

	user = models.User{CreatedAt: r.now()}
	if err := r.store.Put(ctx, userKey, &user); err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", userKey, err)
	}

	return &user, nil
}

// GetSeries loads the measurement series of a connection. A missing
// series reads as empty.
func (r *Registry) GetSeries(ctx context.Context, serviceKey *datastore.Key) (*models.Series, error) {
	var series models.Series

	err := r.store.Get(ctx, SeriesKey(serviceKey), &series)
	if err != nil && !errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, err
	}

	return &series, nil
}

// PutSeries fully replaces the series of a connection.
func (r *Registry) PutSeries(ctx context.Context, serviceKey *datastore.Key, series *models.Series) error {
	return r.store.Put(ctx, SeriesKey(serviceKey), series)
}

// ListAll returns every connection of every user, for sync fan-out.
func (r *Registry) ListAll(ctx context.Context) ([]*Connection, error) {
	records, err := r.store.Query(ctx, KindService, nil)
	if err != nil {
		return nil, err
	}

	ans := make([]*Connection, 0, len(records))

	for _, record := range records {
		var svc models.Service
		if err := record.Decode(&svc); err != nil {
			return nil, err
		}

		ans = append(ans, &Connection{Key: record.Key, Service: svc})
	}

	return ans, nil
}
