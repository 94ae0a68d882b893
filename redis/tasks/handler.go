// Package tasks provides the asynq task handlers for scheduled work.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/pulsemetrics/sync-engine/config"
	"github.com/pulsemetrics/sync-engine/reconcile"
)

// ReconcileFunc runs one reconciliation pass with the given options.
type ReconcileFunc func(ctx context.Context, opts reconcile.Options) (reconcile.Summary, error)

// ArchiveFunc offloads processed receipts older than the retention window
// and returns how many it archived.
type ArchiveFunc func(ctx context.Context, retention time.Duration) (int, error)

// Settings exposes the runtime tunables consulted before each pass.
type Settings interface {
	GetInt(ctx context.Context, key string, defaultValue int) (int, error)
}

// Handler dispatches queue tasks to the reconciliation and archival jobs.
type Handler struct {
	reconcileFn ReconcileFunc
	archiveFn   ArchiveFunc
	settings    Settings
	taskTimeout time.Duration
	logger      *zap.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithReconcileFunc sets the reconciliation entry point.
func WithReconcileFunc(fn ReconcileFunc) HandlerOption {
	return func(h *Handler) {
		h.reconcileFn = fn
	}
}

// WithArchiveFunc sets the receipt archival entry point.
func WithArchiveFunc(fn ArchiveFunc) HandlerOption {
	return func(h *Handler) {
		h.archiveFn = fn
	}
}

// WithSettings sets the runtime configuration source.
func WithSettings(s Settings) HandlerOption {
	return func(h *Handler) {
		h.settings = s
	}
}

// WithTaskTimeout bounds the run time of a single task.
func WithTaskTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.taskTimeout = timeout
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a task handler with the provided options.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		taskTimeout: 30 * time.Minute,
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Register attaches the handler's task types to the mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeSyncReconcile, h.ProcessTask)
	mux.HandleFunc(TypeReceiptArchive, h.ProcessTask)
	mux.HandleFunc(TypeHealthCheck, h.ProcessTask)
	mux.HandleFunc(TypeConnectionTest, h.ProcessTask)
}

// ProcessTask dispatches a task based on its type.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	switch task.Type() {
	case TypeSyncReconcile:
		return h.processReconcileTask(ctx, task)
	case TypeReceiptArchive:
		return h.processArchiveTask(ctx, task)
	case TypeHealthCheck, TypeConnectionTest:
		return nil
	default:
		return fmt.Errorf("unknown task type: %s", task.Type())
	}
}

func (h *Handler) processReconcileTask(ctx context.Context, task *asynq.Task) error {
	if h.reconcileFn == nil {
		return fmt.Errorf("no reconcile function configured")
	}

	var payload ReconcilePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("failed to unmarshal reconcile payload: %w", err)
		}
	}

	opts := reconcile.Options{
		LookbackWindow: time.Duration(h.intSetting(ctx, payload.LookbackHours, config.KeyLookbackHours, config.DefaultLookbackHours)) * time.Hour,
		DrainBatchSize: h.intSetting(ctx, payload.DrainBatchSize, config.KeyDrainBatchSize, config.DefaultDrainBatchSize),
		ResyncDelay:    time.Duration(h.intSetting(ctx, payload.ResyncDelayMS, config.KeyResyncDelayMS, config.DefaultResyncDelayMS)) * time.Millisecond,
	}

	summary, err := h.reconcileFn(ctx, opts)
	if err != nil {
		return fmt.Errorf("reconciliation pass failed: %w", err)
	}

	h.logger.Info("reconciliation pass completed",
		zap.Int("credentials_synced", summary.CredentialsSynced),
		zap.Int("credentials_failed", summary.CredentialsFailed),
		zap.Int("entities_upserted", summary.EntitiesUpserted),
		zap.Int("receipts_drained", summary.ReceiptsDrained),
		zap.Int("receipts_failed", summary.ReceiptsFailed),
		zap.Int("receipts_orphaned", summary.ReceiptsOrphaned))

	return nil
}

func (h *Handler) processArchiveTask(ctx context.Context, task *asynq.Task) error {
	if h.archiveFn == nil {
		return fmt.Errorf("no archive function configured")
	}

	var payload ArchivePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("failed to unmarshal archive payload: %w", err)
		}
	}

	retentionDays := h.intSetting(ctx, payload.RetentionDays, config.KeyRetentionDays, config.DefaultRetentionDays)

	archived, err := h.archiveFn(ctx, time.Duration(retentionDays)*24*time.Hour)
	if err != nil {
		return fmt.Errorf("receipt archival failed: %w", err)
	}

	h.logger.Info("receipt archival completed", zap.Int("archived", archived))

	return nil
}

// intSetting resolves a tunable: explicit payload override first, then the
// configuration service, then the compiled-in default.
func (h *Handler) intSetting(ctx context.Context, override int, key string, defaultValue int) int {
	if override > 0 {
		return override
	}

	if h.settings == nil {
		return defaultValue
	}

	value, err := h.settings.GetInt(ctx, key, defaultValue)
	if err != nil {
		h.logger.Warn("failed to read setting, using default", zap.String("key", key), zap.Error(err))

		return defaultValue
	}

	return value
}

// NewReconcileTask builds a reconciliation task with no overrides.
func NewReconcileTask() (*asynq.Task, error) {
	return newTask(TypeSyncReconcile, ReconcilePayload{})
}

// NewArchiveTask builds a receipt archival task with no overrides.
func NewArchiveTask() (*asynq.Task, error) {
	return newTask(TypeReceiptArchive, ArchivePayload{})
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}

	return asynq.NewTask(taskType, data), nil
}
