// Package webrunner runs the HTTP frontend: webhook receivers and task
// endpoints.
package webrunner

import (
	"context"

	"github.com/bikebuds/bikebuds/runner"
	"github.com/bikebuds/bikebuds/tlmt"
	"github.com/bikebuds/bikebuds/web"
)

type webRunner struct {
	cfg  *runner.Config
	deps *runner.Deps
	srv  *web.Server
}

// New builds the web run mode.
func New(cfg *runner.Config) (runner.Runner, error) {
	logger, err := runner.NewLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}

	deps, err := runner.NewDeps(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}

	srv := web.NewServer(web.Config{
		Addr:              cfg.Addr,
		Debug:             cfg.Debug,
		StravaVerifyToken: cfg.StravaVerifyToken,
	}, deps.Registry, deps.Handler, logger)

	return &webRunner{cfg: cfg, deps: deps, srv: srv}, nil
}

func (r *webRunner) Run(ctx context.Context) error {
	evt := tlmt.NewEvent("web_start", map[string]any{"addr": r.cfg.Addr})
	_ = runner.Telemetry().Send(ctx, evt)

	return r.srv.Start(ctx)
}

func (r *webRunner) Close(context.Context) error {
	return r.deps.Close()
}
