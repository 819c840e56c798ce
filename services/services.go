// Package services builds the vendor-specific workers and clients for a
// connection. The task handlers depend on this factory instead of on the
// individual vendor packages.
package services

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/models"
	"github.com/bikebuds/bikebuds/services/fitbit"
	"github.com/bikebuds/bikebuds/services/garmin"
	"github.com/bikebuds/bikebuds/services/strava"
	"github.com/bikebuds/bikebuds/services/trainerroad"
	"github.com/bikebuds/bikebuds/services/withings"
	"github.com/bikebuds/bikebuds/syncer"
	"github.com/bikebuds/bikebuds/tokenguard"
	"github.com/bikebuds/bikebuds/vendors"
)

// Config carries per-vendor API credentials and endpoints.
type Config struct {
	Strava      strava.Config
	Withings    withings.Config
	Fitbit      fitbit.Config
	Garmin      garmin.Config
	TrainerRoad trainerroad.Config

	// WithingsCallbackURL is the webhook URL registered at the vendor.
	// Empty disables subscription reconciliation.
	WithingsCallbackURL string
}

// Factory builds workers bound to one connection each.
type Factory struct {
	cfg      Config
	store    datastore.Store
	registry *conns.Registry
	enqueuer withings.MeasureEnqueuer
	logger   *zap.Logger
}

// NewFactory builds the factory. enqueuer may be nil to disable the
// cross-service measure fan-out.
func NewFactory(cfg Config, store datastore.Store, registry *conns.Registry, enqueuer withings.MeasureEnqueuer, logger *zap.Logger) *Factory {
	return &Factory{
		cfg:      cfg,
		store:    store,
		registry: registry,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// SetMeasureEnqueuer wires the fan-out producer after construction; the
// task handler both owns the factory and implements this surface.
func (f *Factory) SetMeasureEnqueuer(enqueuer withings.MeasureEnqueuer) {
	f.enqueuer = enqueuer
}

// NewSyncWorker returns the full-sync worker for the connection's vendor.
func (f *Factory) NewSyncWorker(conn *conns.Connection) (syncer.Worker, error) {
	switch conn.ServiceName() {
	case models.ServiceStrava:
		token := &guardToken{}
		client := strava.NewClient(f.cfg.Strava, token.access)
		token.guard = tokenguard.New(conn, f.registry, client, f.logger)

		return strava.NewWorker(conn, f.store, token.guard, client, f.logger), nil
	case models.ServiceWithings:
		token := &guardToken{}
		client := withings.NewClient(f.cfg.Withings, token.access)
		token.guard = tokenguard.New(conn, f.registry, client, f.logger)

		return withings.NewWorker(conn, f.registry, token.guard, client, f.cfg.WithingsCallbackURL, f.logger), nil
	case models.ServiceFitbit:
		token := &guardToken{}
		client := fitbit.NewClient(f.cfg.Fitbit, token.access)
		token.guard = tokenguard.New(conn, f.registry, client, f.logger)

		return fitbit.NewWorker(conn, f.registry, token.guard, client, f.logger), nil
	default:
		return nil, fmt.Errorf("no sync worker for service %q", conn.ServiceName())
	}
}

// NewEventsWorker returns the subscription events worker for the
// connection's vendor. Only webhook-capable vendors have one.
func (f *Factory) NewEventsWorker(conn *conns.Connection) (syncer.Worker, error) {
	switch conn.ServiceName() {
	case models.ServiceStrava:
		token := &guardToken{}
		client := strava.NewClient(f.cfg.Strava, token.access)
		token.guard = tokenguard.New(conn, f.registry, client, f.logger)

		return strava.NewEventsWorker(conn, f.registry, f.store, token.guard, client, f.logger), nil
	case models.ServiceWithings:
		token := &guardToken{}
		client := withings.NewClient(f.cfg.Withings, token.access)
		token.guard = tokenguard.New(conn, f.registry, client, f.logger)

		return withings.NewEventsWorker(conn, f.registry, f.store, token.guard, client, f.enqueuer, f.logger), nil
	default:
		return nil, fmt.Errorf("no events worker for service %q", conn.ServiceName())
	}
}

// NewWeightWriter returns the write-path client for a password-backed
// vendor connection.
func (f *Factory) NewWeightWriter(conn *conns.Connection) (vendors.WeightWriter, error) {
	username := conn.Credentials.Username()
	password := conn.Credentials.Password()

	switch conn.ServiceName() {
	case models.ServiceGarmin:
		return garmin.NewClient(f.cfg.Garmin, username, password), nil
	case models.ServiceTrainerRoad:
		return trainerroad.NewClient(f.cfg.TrainerRoad, username, password), nil
	default:
		return nil, fmt.Errorf("no weight writer for service %q", conn.ServiceName())
	}
}

// guardToken breaks the client/guard construction cycle: the client
// reads its token through the guard, so per-request reads serialize with
// refreshes, while the guard wraps the same client as its refresher.
type guardToken struct {
	guard *tokenguard.Guard
}

func (g *guardToken) access() string {
	return g.guard.AccessToken()
}
