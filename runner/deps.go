package runner

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/archiver"
	"github.com/bikebuds/bikebuds/conns"
	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/queue"
	"github.com/bikebuds/bikebuds/queue/config"
	"github.com/bikebuds/bikebuds/queue/tasks"
	"github.com/bikebuds/bikebuds/services"
	"github.com/bikebuds/bikebuds/services/fitbit"
	"github.com/bikebuds/bikebuds/services/strava"
	"github.com/bikebuds/bikebuds/services/withings"
)

// Deps holds the wiring shared by the run modes.
type Deps struct {
	Logger      *zap.Logger
	Store       datastore.Store
	Registry    *conns.Registry
	Factory     *services.Factory
	Handler     *tasks.Handler
	QueueClient *queue.Client
	RedisCfg    *config.RedisConfig
}

// NewDeps builds the dependency graph: store, registry, vendor factory,
// queue client and the task handler. An empty DSN selects the in-memory
// store, for local runs and tests.
func NewDeps(ctx context.Context, cfg *Config, logger *zap.Logger) (*Deps, error) {
	var (
		store datastore.Store
		err   error
	)

	if cfg.Dsn != "" {
		store, err = datastore.OpenPostgres(ctx, cfg.Dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	} else {
		logger.Warn("no DSN configured, using in-memory store")

		store = datastore.NewMemory()
	}

	registry := conns.NewRegistry(store, logger)

	factory := services.NewFactory(services.Config{
		Strava: strava.Config{
			ClientID:     cfg.StravaClientID,
			ClientSecret: cfg.StravaClientSecret,
			VerifyToken:  cfg.StravaVerifyToken,
		},
		Withings: withings.Config{
			ClientID:     cfg.WithingsClientID,
			ClientSecret: cfg.WithingsClientSecret,
		},
		Fitbit: fitbit.Config{
			ClientID:     cfg.FitbitClientID,
			ClientSecret: cfg.FitbitClientSecret,
		},
		WithingsCallbackURL: cfg.WithingsCallbackURL,
	}, store, registry, nil, logger)

	redisCfg, err := config.NewRedisConfig()
	if err != nil {
		_ = store.Close()

		return nil, fmt.Errorf("failed to load redis config: %w", err)
	}

	queueClient, err := queue.NewClient(redisCfg)
	if err != nil {
		_ = store.Close()

		return nil, err
	}

	handlerOpts := []tasks.HandlerOption{tasks.WithEnqueuer(queueClient)}

	if cfg.S3Bucket != "" && cfg.AwsAccessKey != "" && cfg.AwsSecretKey != "" {
		uploader := archiver.NewS3Uploader(cfg.AwsAccessKey, cfg.AwsSecretKey, cfg.AwsRegion)
		if uploader != nil {
			handlerOpts = append(handlerOpts,
				tasks.WithArchiver(archiver.New(uploader, cfg.S3Bucket, logger)))
		}
	}

	handler := tasks.NewHandler(store, registry, factory, logger, handlerOpts...)
	factory.SetMeasureEnqueuer(handler)

	return &Deps{
		Logger:      logger,
		Store:       store,
		Registry:    registry,
		Factory:     factory,
		Handler:     handler,
		QueueClient: queueClient,
		RedisCfg:    redisCfg,
	}, nil
}

// Close releases the store and queue connections.
func (d *Deps) Close() error {
	return multierr.Combine(
		d.QueueClient.Close(),
		d.Store.Close(),
	)
}
