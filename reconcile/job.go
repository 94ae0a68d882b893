// Package reconcile implements the scheduled reconciliation job: a full
// resync of every active integration followed by a retry drain of
// unprocessed webhook receipts.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pulsemetrics/sync-engine/credentials"
	"github.com/pulsemetrics/sync-engine/models"
	"github.com/pulsemetrics/sync-engine/platform"
	"github.com/pulsemetrics/sync-engine/tlmt"
	"github.com/pulsemetrics/sync-engine/webhook"
)

// Options are the job's tunables. Zero values fall back to the built-in
// defaults: 24h lookback, 100-receipt batches, 1s between credential
// resyncs.
type Options struct {
	LookbackWindow time.Duration
	DrainBatchSize int
	ResyncDelay    time.Duration
}

func (o Options) withDefaults() Options {
	if o.LookbackWindow <= 0 {
		o.LookbackWindow = 24 * time.Hour
	}

	if o.DrainBatchSize <= 0 {
		o.DrainBatchSize = 100
	}

	if o.ResyncDelay <= 0 {
		o.ResyncDelay = time.Second
	}

	return o
}

// Summary is the job's only output. Everything else the job does lands in
// the store as side effects.
type Summary struct {
	CredentialsSynced  int `json:"credentials_synced"`
	CredentialsFailed  int `json:"credentials_failed"`
	EntitiesUpserted   int `json:"entities_upserted"`
	ReceiptsDrained    int `json:"receipts_drained"`
	ReceiptsFailed     int `json:"receipts_failed"`
	ReceiptsOrphaned   int `json:"receipts_orphaned"`
	ReceiptsAbandoned  int `json:"receipts_abandoned"`
}

// Job runs one reconciliation pass. It is driven by an external scheduler
// and executes sequentially: one credential at a time, then one receipt
// batch.
type Job struct {
	creds     models.CredentialRepository
	receipts  models.ReceiptRepository
	entities  models.EntityRepository
	cache     models.CacheRepository
	manager   *credentials.Manager
	registry  *platform.Registry
	pipeline  *webhook.Pipeline
	telemetry tlmt.Telemetry
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

func NewJob(
	creds models.CredentialRepository,
	receipts models.ReceiptRepository,
	entities models.EntityRepository,
	cache models.CacheRepository,
	manager *credentials.Manager,
	registry *platform.Registry,
	pipeline *webhook.Pipeline,
	telemetry tlmt.Telemetry,
	logger *zap.Logger,
	opts Options,
) *Job {
	return &Job{
		creds:     creds,
		receipts:  receipts,
		entities:  entities,
		cache:     cache,
		manager:   manager,
		registry:  registry,
		pipeline:  pipeline,
		telemetry: telemetry,
		logger:    logger,
		opts:      opts.withDefaults(),
		now:       time.Now,
	}
}

// Run executes the two duties in order: full resync, then receipt drain.
// Failures for one credential or receipt never abort the rest.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	resyncErr := j.resyncAll(ctx, &summary)
	drainErr := j.drainReceipts(ctx, &summary)

	abandoned, err := j.receipts.CountAbandoned(ctx, j.now().Add(-j.opts.LookbackWindow))
	if err == nil {
		summary.ReceiptsAbandoned = abandoned

		if abandoned > 0 {
			// Past the lookback window the drain never retries these. Shout
			// about them so the bound does not become a silent data hole.
			j.logger.Warn("receipts past the drain lookback window", zap.Int("count", abandoned))
		}
	}

	if j.telemetry != nil {
		_ = j.telemetry.Send(ctx, tlmt.NewEvent("reconcile.completed", map[string]any{
			"credentials_synced": summary.CredentialsSynced,
			"credentials_failed": summary.CredentialsFailed,
			"entities_upserted":  summary.EntitiesUpserted,
			"receipts_drained":   summary.ReceiptsDrained,
			"receipts_failed":    summary.ReceiptsFailed,
			"receipts_orphaned":  summary.ReceiptsOrphaned,
			"receipts_abandoned": summary.ReceiptsAbandoned,
		}))
	}

	return summary, multierr.Combine(resyncErr, drainErr)
}

func (j *Job) resyncAll(ctx context.Context, summary *Summary) error {
	creds, err := j.creds.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active credentials: %w", err)
	}

	for i, cred := range creds {
		if err := ctx.Err(); err != nil {
			return err
		}

		if cred.AccountID == "" || (len(cred.AccessToken) == 0 && !cred.HasRefreshToken()) {
			continue
		}

		// Throttle between credentials to respect upstream rate limits.
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(j.opts.ResyncDelay):
			}
		}

		if err := j.resyncOne(ctx, &cred, summary); err != nil {
			summary.CredentialsFailed++

			j.logger.Warn("credential resync failed",
				zap.String("service", cred.Service),
				zap.String("owner_id", cred.OwnerID),
				zap.Error(err))

			if statusErr := j.creds.SetSyncStatus(ctx, cred.ID, j.now().UTC(), err.Error()); statusErr != nil {
				j.logger.Error("failed to record sync status", zap.String("credential_id", cred.ID), zap.Error(statusErr))
			}

			continue
		}

		summary.CredentialsSynced++

		if err := j.creds.SetSyncStatus(ctx, cred.ID, j.now().UTC(), ""); err != nil {
			j.logger.Error("failed to record sync status", zap.String("credential_id", cred.ID), zap.Error(err))
		}
	}

	return nil
}

func (j *Job) resyncOne(ctx context.Context, cred *models.Credential, summary *Summary) error {
	access, err := j.manager.EnsureValid(ctx, cred.Service, cred.OwnerID)
	if err != nil {
		return err
	}

	client, err := j.registry.Client(cred.Service)
	if err != nil {
		return err
	}

	var (
		contacts      []platform.Object
		opportunities []platform.Object
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if contacts, err = client.ListContacts(gctx, access.Token, cred.AccountID); err != nil {
			return fmt.Errorf("contact fetch failed: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		var err error
		if opportunities, err = client.ListOpportunities(gctx, access.Token, cred.AccountID); err != nil {
			return fmt.Errorf("opportunity fetch failed: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	upserted := 0

	for kind, objects := range map[models.EntityKind][]platform.Object{
		models.EntityContact:     contacts,
		models.EntityOpportunity: opportunities,
	} {
		for _, obj := range objects {
			if obj.ExternalID == "" {
				continue
			}

			_, err := j.entities.Upsert(ctx, models.EntityUpsert{
				Kind:            kind,
				ExternalID:      obj.ExternalID,
				OwnerID:         cred.OwnerID,
				AccountID:       cred.AccountID,
				Attributes:      obj.Attributes,
				RemoteUpdatedAt: obj.UpdatedAt,
			})
			if err != nil {
				return fmt.Errorf("upsert of %s %s failed: %w", kind, obj.ExternalID, err)
			}

			upserted++
		}
	}

	summary.EntitiesUpserted += upserted

	if upserted > 0 {
		if err := j.cache.InvalidateOwner(ctx, cred.OwnerID); err != nil {
			j.logger.Error("cache invalidation failed", zap.String("owner_id", cred.OwnerID), zap.Error(err))
		}
	}

	return nil
}

func (j *Job) drainReceipts(ctx context.Context, summary *Summary) error {
	cutoff := j.now().Add(-j.opts.LookbackWindow)

	pending, err := j.receipts.ListUnprocessed(ctx, cutoff, j.opts.DrainBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list unprocessed receipts: %w", err)
	}

	for i := range pending {
		receipt := pending[i]

		if err := ctx.Err(); err != nil {
			return err
		}

		cred, err := j.creds.Get(ctx, receipt.Service, receipt.OwnerID)
		if err != nil || !cred.Active {
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return fmt.Errorf("failed to resolve receipt credential: %w", err)
			}

			// The integration was disconnected after the receipt arrived.
			// Close it out rather than retrying forever.
			summary.ReceiptsOrphaned++

			if markErr := j.receipts.MarkProcessed(ctx, receipt.ID, j.now().UTC(), "integration disconnected before processing"); markErr != nil {
				j.logger.Error("failed to close orphaned receipt", zap.String("receipt_id", receipt.ID), zap.Error(markErr))
			}

			continue
		}

		if err := j.pipeline.Process(ctx, &receipt); err != nil {
			summary.ReceiptsFailed++

			continue
		}

		summary.ReceiptsDrained++
	}

	return nil
}
