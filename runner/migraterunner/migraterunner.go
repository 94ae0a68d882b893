// Package migraterunner applies database migrations and exits.
package migraterunner

import (
	"context"

	"github.com/pulsemetrics/sync-engine/postgres"
	"github.com/pulsemetrics/sync-engine/runner"
)

type MigrateRunner struct {
	migrator *postgres.MigrationRunner
}

func New(cfg *runner.Config) (*MigrateRunner, error) {
	return &MigrateRunner{migrator: postgres.NewMigrationRunner(cfg.Dsn)}, nil
}

func (r *MigrateRunner) Run(context.Context) error {
	return r.migrator.RunMigrations()
}

func (r *MigrateRunner) Close(context.Context) error {
	return nil
}
