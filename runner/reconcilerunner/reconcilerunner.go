// Package reconcilerunner runs a single reconciliation pass, for use from
// an external scheduler such as cron.
package reconcilerunner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pulsemetrics/sync-engine/config"
	"github.com/pulsemetrics/sync-engine/reconcile"
	"github.com/pulsemetrics/sync-engine/runner"
)

type ReconcileRunner struct {
	engine *runner.Engine
}

func New(cfg *runner.Config) (*ReconcileRunner, error) {
	logger := runner.NewLogger(cfg.Debug)

	engine, err := runner.NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &ReconcileRunner{engine: engine}, nil
}

func (r *ReconcileRunner) Run(ctx context.Context) error {
	opts := reconcile.Options{
		LookbackWindow: time.Duration(r.intSetting(ctx, config.KeyLookbackHours, config.DefaultLookbackHours)) * time.Hour,
		DrainBatchSize: r.intSetting(ctx, config.KeyDrainBatchSize, config.DefaultDrainBatchSize),
		ResyncDelay:    time.Duration(r.intSetting(ctx, config.KeyResyncDelayMS, config.DefaultResyncDelayMS)) * time.Millisecond,
	}

	job := reconcile.NewJob(
		r.engine.Credentials,
		r.engine.Receipts,
		r.engine.Entities,
		r.engine.Cache,
		r.engine.Manager,
		r.engine.Registry,
		r.engine.Pipeline,
		runner.Telemetry(),
		r.engine.Logger,
		opts,
	)

	summary, err := job.Run(ctx)

	r.engine.Logger.Info("reconciliation pass finished",
		zap.Int("credentials_synced", summary.CredentialsSynced),
		zap.Int("credentials_failed", summary.CredentialsFailed),
		zap.Int("entities_upserted", summary.EntitiesUpserted),
		zap.Int("receipts_drained", summary.ReceiptsDrained),
		zap.Int("receipts_failed", summary.ReceiptsFailed),
		zap.Int("receipts_orphaned", summary.ReceiptsOrphaned),
		zap.Int("receipts_abandoned", summary.ReceiptsAbandoned))

	return err
}

func (r *ReconcileRunner) intSetting(ctx context.Context, key string, defaultValue int) int {
	value, err := r.engine.Settings.GetInt(ctx, key, defaultValue)
	if err != nil {
		return defaultValue
	}

	return value
}

func (r *ReconcileRunner) Close(context.Context) error {
	return r.engine.Close()
}
