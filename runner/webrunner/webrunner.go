// Package webrunner runs the HTTP server.
package webrunner

import (
	"context"
	"fmt"

	"github.com/pulsemetrics/sync-engine/postgres"
	"github.com/pulsemetrics/sync-engine/runner"
	"github.com/pulsemetrics/sync-engine/web"
)

type WebRunner struct {
	engine *runner.Engine
	server *web.Server
}

func New(cfg *runner.Config) (*WebRunner, error) {
	logger := runner.NewLogger(cfg.Debug)

	if err := postgres.NewMigrationRunner(cfg.Dsn).RunMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	engine, err := runner.NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}

	server := web.NewServer(web.Config{
		Addr:   cfg.Addr,
		Debug:  cfg.Debug,
		APIKey: cfg.APIKey,
	}, engine.Pipeline, engine.Manager, engine.Credentials, engine.Registry, logger)

	return &WebRunner{engine: engine, server: server}, nil
}

func (r *WebRunner) Run(ctx context.Context) error {
	r.engine.Logger.Info("starting web server")

	return r.server.Start(ctx)
}

func (r *WebRunner) Close(context.Context) error {
	return r.engine.Close()
}
