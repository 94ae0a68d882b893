package tasks

// Task types understood by the worker.
const (
	TypeSyncReconcile  = "sync:reconcile"
	TypeReceiptArchive = "receipt:archive"
	TypeHealthCheck    = "health:check"
	TypeConnectionTest = "connection:test"
)

// Queue names, ordered by weight.
const (
	PriorityLow      = "low"
	PriorityDefault  = "default"
	PriorityCritical = "critical"
)

// ReconcilePayload carries optional overrides for a reconciliation pass.
// Zero values defer to the runtime configuration service.
type ReconcilePayload struct {
	LookbackHours  int `json:"lookback_hours,omitempty"`
	DrainBatchSize int `json:"drain_batch_size,omitempty"`
	ResyncDelayMS  int `json:"resync_delay_ms,omitempty"`
}

// ArchivePayload carries optional overrides for a receipt archival sweep.
type ArchivePayload struct {
	RetentionDays int `json:"retention_days,omitempty"`
}
