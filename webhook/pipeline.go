// Package webhook implements the ingestion pipeline for inbound change
// events: durable receipt recording, idempotent dispatch into the local
// entity mirrors, and cache invalidation.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pulsemetrics/sync-engine/credentials"
	"github.com/pulsemetrics/sync-engine/models"
	"github.com/pulsemetrics/sync-engine/platform"
)

var (
	// ErrIntegrationNotFound means no active credential owns the delivery's
	// account id. The delivery is rejected without a receipt; there is no
	// owner to attribute it to.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrDispatchFailed wraps dispatch errors after the receipt was durably
	// stored. The receipt stays unprocessed for the reconciliation drain.
	ErrDispatchFailed = errors.New("webhook dispatch failed")
)

// Pipeline processes inbound webhook deliveries. Concurrent deliveries share
// no in-memory state; coordination happens through the store's uniqueness
// constraints.
type Pipeline struct {
	creds    models.CredentialRepository
	receipts models.ReceiptRepository
	entities models.EntityRepository
	cache    models.CacheRepository
	manager  *credentials.Manager
	registry *platform.Registry
	logger   *zap.Logger
	now      func() time.Time
}

func NewPipeline(
	creds models.CredentialRepository,
	receipts models.ReceiptRepository,
	entities models.EntityRepository,
	cache models.CacheRepository,
	manager *credentials.Manager,
	registry *platform.Registry,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		creds:    creds,
		receipts: receipts,
		entities: entities,
		cache:    cache,
		manager:  manager,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest handles one inbound delivery. The receipt is persisted before any
// processing so a crash mid-dispatch loses nothing; a dispatch failure is
// returned as ErrDispatchFailed alongside the receipt id that recorded it.
func (p *Pipeline) Ingest(ctx context.Context, service string, body []byte, eventTypeHint string) (string, error) {
	delivery, err := ParseDelivery(body, eventTypeHint)
	if err != nil {
		return "", err
	}

	cred, err := p.creds.GetByAccountID(ctx, service, delivery.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", fmt.Errorf("%w: no active integration for account %s", ErrIntegrationNotFound, delivery.AccountID)
		}

		return "", fmt.Errorf("failed to resolve integration: %w", err)
	}

	receipt := models.WebhookReceipt{
		Service:   service,
		EventType: delivery.EventType,
		ObjectID:  delivery.ObjectID,
		AccountID: delivery.AccountID,
		OwnerID:   cred.OwnerID,
		Payload:   body,
	}

	if err := p.receipts.Create(ctx, &receipt); err != nil {
		return "", fmt.Errorf("failed to persist receipt: %w", err)
	}

	if err := p.Process(ctx, &receipt); err != nil {
		return receipt.ID, err
	}

	return receipt.ID, nil
}

// Process dispatches a stored receipt and finalizes its state. It is the
// single dispatch path shared by live ingestion and the reconciliation
// drain.
func (p *Pipeline) Process(ctx context.Context, receipt *models.WebhookReceipt) error {
	mutated, err := p.dispatch(ctx, receipt)
	if err != nil {
		p.logger.Warn("webhook dispatch failed",
			zap.String("receipt_id", receipt.ID),
			zap.String("event_type", receipt.EventType),
			zap.Error(err))

		if setErr := p.receipts.SetError(ctx, receipt.ID, err.Error()); setErr != nil {
			p.logger.Error("failed to record receipt error", zap.String("receipt_id", receipt.ID), zap.Error(setErr))
		}

		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	if err := p.receipts.MarkProcessed(ctx, receipt.ID, p.now().UTC(), ""); err != nil {
		return fmt.Errorf("failed to mark receipt processed: %w", err)
	}

	if mutated {
		if err := p.cache.InvalidateOwner(ctx, receipt.OwnerID); err != nil {
			p.logger.Error("cache invalidation failed",
				zap.String("owner_id", receipt.OwnerID),
				zap.Error(err))
		}
	}

	return nil
}

// dispatch applies the event to the local mirror. Create and update refetch
// the authoritative object from the platform; the webhook payload is only a
// pointer to current truth, never the truth itself.
func (p *Pipeline) dispatch(ctx context.Context, receipt *models.WebhookReceipt) (bool, error) {
	ev := ParseEventType(receipt.EventType)
	if !ev.Known {
		p.logger.Info("ignoring unrecognized event type",
			zap.String("event_type", receipt.EventType),
			zap.String("receipt_id", receipt.ID))

		return false, nil
	}

	if ev.Action == ActionDelete {
		if err := p.entities.SoftDelete(ctx, ev.Kind, receipt.ObjectID, receipt.OwnerID); err != nil {
			return false, fmt.Errorf("soft delete failed: %w", err)
		}

		return true, nil
	}

	access, err := p.manager.EnsureValid(ctx, receipt.Service, receipt.OwnerID)
	if err != nil {
		return false, err
	}

	client, err := p.registry.Client(receipt.Service)
	if err != nil {
		return false, err
	}

	var obj *platform.Object

	switch ev.Kind {
	case models.EntityContact:
		obj, err = client.FetchContact(ctx, access.Token, receipt.AccountID, receipt.ObjectID)
	case models.EntityOpportunity:
		obj, err = client.FetchOpportunity(ctx, access.Token, receipt.AccountID, receipt.ObjectID)
	}

	if errors.Is(err, platform.ErrObjectGone) {
		// The object vanished between the webhook and our fetch. Treat it
		// as the delete we evidently missed.
		if err := p.entities.SoftDelete(ctx, ev.Kind, receipt.ObjectID, receipt.OwnerID); err != nil {
			return false, fmt.Errorf("soft delete of vanished object failed: %w", err)
		}

		return true, nil
	}

	if err != nil {
		return false, fmt.Errorf("remote fetch failed: %w", err)
	}

	_, err = p.entities.Upsert(ctx, models.EntityUpsert{
		Kind:            ev.Kind,
		ExternalID:      obj.ExternalID,
		OwnerID:         receipt.OwnerID,
		AccountID:       receipt.AccountID,
		Attributes:      obj.Attributes,
		RemoteUpdatedAt: obj.UpdatedAt,
	})
	if err != nil {
		return false, fmt.Errorf("entity upsert failed: %w", err)
	}

	return true, nil
}
