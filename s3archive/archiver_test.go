package s3archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsemetrics/sync-engine/models"
)

type fakeUploader struct {
	objects map[string][]byte
	failOn  string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: make(map[string][]byte)}
}

func (f *fakeUploader) Upload(_ context.Context, bucket, key string, body io.Reader) error {
	if key == f.failOn {
		return errors.New("s3 unavailable")
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	f.objects[bucket+"/"+key] = data

	return nil
}

type fakeReceiptStore struct {
	receipts map[string]*models.WebhookReceipt
	archived map[string]string
}

func newFakeReceiptStore() *fakeReceiptStore {
	return &fakeReceiptStore{
		receipts: make(map[string]*models.WebhookReceipt),
		archived: make(map[string]string),
	}
}

func (f *fakeReceiptStore) Create(_ context.Context, receipt *models.WebhookReceipt) error {
	copied := *receipt
	f.receipts[receipt.ID] = &copied

	return nil
}

func (f *fakeReceiptStore) Get(_ context.Context, id string) (*models.WebhookReceipt, error) {
	rec, ok := f.receipts[id]
	if !ok {
		return nil, models.ErrNotFound
	}

	copied := *rec

	return &copied, nil
}

func (f *fakeReceiptStore) MarkProcessed(_ context.Context, _ string, _ time.Time, _ string) error {
	return nil
}

func (f *fakeReceiptStore) SetError(_ context.Context, _, _ string) error { return nil }

func (f *fakeReceiptStore) ListUnprocessed(_ context.Context, _ time.Time, _ int) ([]models.WebhookReceipt, error) {
	return nil, nil
}

func (f *fakeReceiptStore) CountAbandoned(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (f *fakeReceiptStore) ListArchivable(_ context.Context, cutoff time.Time, limit int) ([]models.WebhookReceipt, error) {
	var out []models.WebhookReceipt

	for _, rec := range f.receipts {
		if rec.Processed && rec.ArchivedAt == nil && rec.CreatedAt.Before(cutoff) {
			out = append(out, *rec)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (f *fakeReceiptStore) MarkArchived(_ context.Context, id, location string, at time.Time) error {
	rec, ok := f.receipts[id]
	if !ok {
		return models.ErrNotFound
	}

	rec.ArchivedAt = &at
	rec.Payload = nil
	f.archived[id] = location

	return nil
}

func seedReceipt(t *testing.T, store *fakeReceiptStore, id string, age time.Duration, processed bool) {
	t.Helper()

	processedAt := time.Now().Add(-age).Add(time.Minute)

	rec := &models.WebhookReceipt{
		ID:        id,
		Service:   "crm",
		EventType: "ContactUpdate",
		ObjectID:  "c1",
		AccountID: "acc-1",
		OwnerID:   "u1",
		Payload:   []byte(`{"type":"ContactUpdate","id":"c1"}`),
		Processed: processed,
		CreatedAt: time.Now().Add(-age),
	}
	if processed {
		rec.ProcessedAt = &processedAt
	}

	require.NoError(t, store.Create(context.Background(), rec))
}

func TestRunArchivesOldProcessedReceipts(t *testing.T) {
	store := newFakeReceiptStore()
	uploader := newFakeUploader()

	seedReceipt(t, store, "old-1", 40*24*time.Hour, true)
	seedReceipt(t, store, "old-2", 35*24*time.Hour, true)
	seedReceipt(t, store, "recent", time.Hour, true)
	seedReceipt(t, store, "pending", 40*24*time.Hour, false)

	archiver := NewArchiver(store, uploader, "receipts-archive", zap.NewNop())

	archived, err := archiver.Run(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, archived)
	assert.Len(t, uploader.objects, 2)

	assert.Contains(t, store.archived["old-1"], "s3://receipts-archive/receipts/crm/")
	assert.Nil(t, store.receipts["old-1"].Payload, "archived payloads are cleared from the hot table")
	assert.NotNil(t, store.receipts["recent"].Payload)
	assert.Empty(t, store.archived["pending"], "unprocessed receipts are never archived")
}

func TestRunArchivedDocumentIsReplayable(t *testing.T) {
	store := newFakeReceiptStore()
	uploader := newFakeUploader()

	seedReceipt(t, store, "old-1", 40*24*time.Hour, true)

	archiver := NewArchiver(store, uploader, "receipts-archive", zap.NewNop())

	_, err := archiver.Run(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)

	var data []byte
	for _, obj := range uploader.objects {
		data = obj
	}

	var doc struct {
		ID      string          `json:"id"`
		Service string          `json:"service"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Equal(t, "old-1", doc.ID)
	assert.Equal(t, "crm", doc.Service)
	assert.JSONEq(t, `{"type":"ContactUpdate","id":"c1"}`, string(doc.Payload))
}

func TestRunStopsOnUploadFailure(t *testing.T) {
	store := newFakeReceiptStore()
	uploader := newFakeUploader()

	seedReceipt(t, store, "old-1", 40*24*time.Hour, true)

	uploader.failOn = "receipts/crm/" + store.receipts["old-1"].CreatedAt.UTC().Format("2006/01/02") + "/old-1.json"

	archiver := NewArchiver(store, uploader, "receipts-archive", zap.NewNop())

	archived, err := archiver.Run(context.Background(), 30*24*time.Hour)
	require.Error(t, err)
	assert.Zero(t, archived)
	assert.Empty(t, store.archived, "a failed upload must not mark the receipt archived")
}

func TestRunNothingToArchive(t *testing.T) {
	store := newFakeReceiptStore()
	archiver := NewArchiver(store, newFakeUploader(), "receipts-archive", zap.NewNop())

	archived, err := archiver.Run(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, archived)
}
