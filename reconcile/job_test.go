package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsemetrics/sync-engine/credentials"
	"github.com/pulsemetrics/sync-engine/models"
	"github.com/pulsemetrics/sync-engine/pkg/encryption"
	"github.com/pulsemetrics/sync-engine/platform"
	"github.com/pulsemetrics/sync-engine/tlmt/gonoop"
	"github.com/pulsemetrics/sync-engine/webhook"
)

const testKey = "0123456789abcdef0123456789abcdef"

type syncStatus struct {
	err string
	at  time.Time
}

type fakeCredRepo struct {
	creds    []*models.Credential
	statuses map[string]syncStatus
}

func newFakeCredRepo() *fakeCredRepo {
	return &fakeCredRepo{statuses: make(map[string]syncStatus)}
}

func (f *fakeCredRepo) Get(_ context.Context, service, ownerID string) (*models.Credential, error) {
	for _, c := range f.creds {
		if c.Service == service && c.OwnerID == ownerID {
			copied := *c

			return &copied, nil
		}
	}

	return nil, models.ErrNotFound
}

func (f *fakeCredRepo) GetByAccountID(_ context.Context, service, accountID string) (*models.Credential, error) {
	for _, c := range f.creds {
		if c.Service == service && c.AccountID == accountID && c.Active {
			copied := *c

			return &copied, nil
		}
	}

	return nil, models.ErrNotFound
}

func (f *fakeCredRepo) ListActive(_ context.Context) ([]models.Credential, error) {
	var out []models.Credential

	for _, c := range f.creds {
		if c.Active {
			out = append(out, *c)
		}
	}

	return out, nil
}

func (f *fakeCredRepo) Save(_ context.Context, cred *models.Credential) error {
	copied := *cred
	f.creds = append(f.creds, &copied)

	return nil
}

func (f *fakeCredRepo) UpdateTokens(_ context.Context, id string, version int64, upd models.TokenUpdate) error {
	for _, c := range f.creds {
		if c.ID == id && c.Version == version {
			c.AccessToken = upd.AccessToken
			expiry := upd.ExpiresAt
			c.ExpiresAt = &expiry
			c.Version++

			return nil
		}
	}

	return models.ErrVersionConflict
}

func (f *fakeCredRepo) SetSyncStatus(_ context.Context, id string, syncedAt time.Time, syncErr string) error {
	f.statuses[id] = syncStatus{err: syncErr, at: syncedAt}

	return nil
}

func (f *fakeCredRepo) Disconnect(_ context.Context, _, _ string) error { return nil }

type fakeReceiptRepo struct {
	receipts map[string]*models.WebhookReceipt
}

func newFakeReceiptRepo() *fakeReceiptRepo {
	return &fakeReceiptRepo{receipts: make(map[string]*models.WebhookReceipt)}
}

func (f *fakeReceiptRepo) Create(_ context.Context, receipt *models.WebhookReceipt) error {
	if receipt.ID == "" {
		receipt.ID = uuid.New().String()
	}

	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	copied := *receipt
	f.receipts[receipt.ID] = &copied

	return nil
}

func (f *fakeReceiptRepo) Get(_ context.Context, id string) (*models.WebhookReceipt, error) {
	rec, ok := f.receipts[id]
	if !ok {
		return nil, models.ErrNotFound
	}

	copied := *rec

	return &copied, nil
}

func (f *fakeReceiptRepo) MarkProcessed(_ context.Context, id string, at time.Time, note string) error {
	rec, ok := f.receipts[id]
	if !ok || rec.Processed {
		return models.ErrNotFound
	}

	rec.Processed = true
	rec.ProcessedAt = &at
	rec.ErrorMessage = note

	return nil
}

func (f *fakeReceiptRepo) SetError(_ context.Context, id string, message string) error {
	if rec, ok := f.receipts[id]; ok && !rec.Processed {
		rec.ErrorMessage = message
	}

	return nil
}

func (f *fakeReceiptRepo) ListUnprocessed(_ context.Context, cutoff time.Time, limit int) ([]models.WebhookReceipt, error) {
	var out []models.WebhookReceipt

	for _, rec := range f.receipts {
		if !rec.Processed && !rec.CreatedAt.Before(cutoff) {
			out = append(out, *rec)
		}

		if len(out) == limit {
			break
		}
	}

	return out, nil
}

func (f *fakeReceiptRepo) CountAbandoned(_ context.Context, cutoff time.Time) (int, error) {
	count := 0

	for _, rec := range f.receipts {
		if !rec.Processed && rec.CreatedAt.Before(cutoff) {
			count++
		}
	}

	return count, nil
}

func (f *fakeReceiptRepo) ListArchivable(_ context.Context, _ time.Time, _ int) ([]models.WebhookReceipt, error) {
	return nil, nil
}

func (f *fakeReceiptRepo) MarkArchived(_ context.Context, _, _ string, _ time.Time) error {
	return nil
}

type entityKey struct {
	kind       models.EntityKind
	externalID string
	ownerID    string
}

type fakeEntityRepo struct {
	records map[entityKey]*models.EntityRecord
}

func newFakeEntityRepo() *fakeEntityRepo {
	return &fakeEntityRepo{records: make(map[entityKey]*models.EntityRecord)}
}

func (f *fakeEntityRepo) Upsert(_ context.Context, upsert models.EntityUpsert) (*models.EntityRecord, error) {
	key := entityKey{upsert.Kind, upsert.ExternalID, upsert.OwnerID}

	rec, ok := f.records[key]
	if !ok {
		rec = &models.EntityRecord{
			ID:         uuid.New().String(),
			Kind:       upsert.Kind,
			ExternalID: upsert.ExternalID,
			OwnerID:    upsert.OwnerID,
		}
		f.records[key] = rec
	}

	rec.AccountID = upsert.AccountID
	rec.Attributes = upsert.Attributes
	rec.RemoteUpdatedAt = upsert.RemoteUpdatedAt
	rec.IsActive = true

	copied := *rec

	return &copied, nil
}

func (f *fakeEntityRepo) SoftDelete(_ context.Context, kind models.EntityKind, externalID, ownerID string) error {
	if rec, ok := f.records[entityKey{kind, externalID, ownerID}]; ok {
		rec.IsActive = false
	}

	return nil
}

func (f *fakeEntityRepo) Get(_ context.Context, kind models.EntityKind, externalID, ownerID string) (*models.EntityRecord, error) {
	rec, ok := f.records[entityKey{kind, externalID, ownerID}]
	if !ok {
		return nil, models.ErrNotFound
	}

	copied := *rec

	return &copied, nil
}

type fakeCacheRepo struct {
	invalidatedOwners []string
}

func (f *fakeCacheRepo) InvalidateOwner(_ context.Context, ownerID string) error {
	f.invalidatedOwners = append(f.invalidatedOwners, ownerID)

	return nil
}

func (f *fakeCacheRepo) Invalidate(_ context.Context, ownerID, _ string) error {
	f.invalidatedOwners = append(f.invalidatedOwners, ownerID)

	return nil
}

type fakeClient struct {
	contacts      map[string][]platform.Object // keyed by account id
	opportunities map[string][]platform.Object
	listErr       map[string]error
	objects       map[string]*platform.Object
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		contacts:      make(map[string][]platform.Object),
		opportunities: make(map[string][]platform.Object),
		listErr:       make(map[string]error),
		objects:       make(map[string]*platform.Object),
	}
}

func (f *fakeClient) FetchContact(_ context.Context, _, _, externalID string) (*platform.Object, error) {
	obj, ok := f.objects[externalID]
	if !ok {
		return nil, platform.ErrObjectGone
	}

	return obj, nil
}

func (f *fakeClient) FetchOpportunity(_ context.Context, _, _, externalID string) (*platform.Object, error) {
	return f.FetchContact(context.Background(), "", "", externalID)
}

func (f *fakeClient) ListContacts(_ context.Context, _, accountID string) ([]platform.Object, error) {
	if err := f.listErr[accountID]; err != nil {
		return nil, err
	}

	return f.contacts[accountID], nil
}

func (f *fakeClient) ListOpportunities(_ context.Context, _, accountID string) ([]platform.Object, error) {
	if err := f.listErr[accountID]; err != nil {
		return nil, err
	}

	return f.opportunities[accountID], nil
}

type jobFixture struct {
	job      *Job
	creds    *fakeCredRepo
	receipts *fakeReceiptRepo
	entities *fakeEntityRepo
	cache    *fakeCacheRepo
	client   *fakeClient
}

func newJobFixture(t *testing.T) *jobFixture {
	t.Helper()
	t.Setenv("ENCRYPTION_KEY", testKey)

	creds := newFakeCredRepo()
	receipts := newFakeReceiptRepo()
	entities := newFakeEntityRepo()
	cache := &fakeCacheRepo{}
	client := newFakeClient()

	registry := platform.NewRegistry()
	registry.Register(platform.Config{Name: "crm"}, client)

	manager := credentials.NewManager(creds, registry, zap.NewNop())
	pipeline := webhook.NewPipeline(creds, receipts, entities, cache, manager, registry, zap.NewNop())

	job := NewJob(creds, receipts, entities, cache, manager, registry, pipeline, gonoop.New(), zap.NewNop(), Options{
		ResyncDelay: time.Millisecond,
	})

	return &jobFixture{job: job, creds: creds, receipts: receipts, entities: entities, cache: cache, client: client}
}

func seedCredential(t *testing.T, fix *jobFixture, id, owner, account string, active bool) {
	t.Helper()

	accessToken, err := encryption.Encrypt([]byte("token-" + owner))
	require.NoError(t, err)

	expiry := time.Now().Add(time.Hour)

	fix.creds.creds = append(fix.creds.creds, &models.Credential{
		ID:          id,
		Service:     "crm",
		OwnerID:     owner,
		AccountID:   account,
		AccessToken: accessToken,
		ExpiresAt:   &expiry,
		Active:      active,
	})
}

func TestRunResyncsActiveCredentials(t *testing.T) {
	fix := newJobFixture(t)
	seedCredential(t, fix, "cred-1", "u1", "acc-1", true)
	seedCredential(t, fix, "cred-2", "u2", "acc-2", true)

	fix.client.contacts["acc-1"] = []platform.Object{
		{ExternalID: "c1", Attributes: map[string]any{"name": "Ada"}},
		{ExternalID: "c2", Attributes: map[string]any{"name": "Grace"}},
	}
	fix.client.opportunities["acc-1"] = []platform.Object{
		{ExternalID: "o1", Attributes: map[string]any{"value": 100.0}},
	}
	fix.client.contacts["acc-2"] = []platform.Object{
		{ExternalID: "c9", Attributes: map[string]any{"name": "Linus"}},
	}

	summary, err := fix.job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.CredentialsSynced)
	assert.Zero(t, summary.CredentialsFailed)
	assert.Equal(t, 4, summary.EntitiesUpserted)

	entity, err := fix.entities.Get(context.Background(), models.EntityContact, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", entity.Attributes["name"])

	_, err = fix.entities.Get(context.Background(), models.EntityOpportunity, "o1", "u1")
	require.NoError(t, err)

	assert.Empty(t, fix.creds.statuses["cred-1"].err)
	assert.Empty(t, fix.creds.statuses["cred-2"].err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, fix.cache.invalidatedOwners)
}

func TestRunFailureIsolation(t *testing.T) {
	fix := newJobFixture(t)
	seedCredential(t, fix, "cred-1", "u1", "acc-1", true)
	seedCredential(t, fix, "cred-2", "u2", "acc-2", true)

	fix.client.listErr["acc-1"] = errors.New("rate limited")
	fix.client.contacts["acc-2"] = []platform.Object{
		{ExternalID: "c9", Attributes: map[string]any{"name": "Linus"}},
	}

	summary, err := fix.job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.CredentialsSynced)
	assert.Equal(t, 1, summary.CredentialsFailed)
	assert.Equal(t, 1, summary.EntitiesUpserted, "one credential's failure must not abort the others")

	assert.Contains(t, fix.creds.statuses["cred-1"].err, "rate limited")
	assert.Empty(t, fix.creds.statuses["cred-2"].err)
}

func TestRunSkipsCredentialsWithoutAccount(t *testing.T) {
	fix := newJobFixture(t)
	seedCredential(t, fix, "cred-1", "u1", "", true)

	summary, err := fix.job.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.CredentialsSynced)
	assert.Zero(t, summary.CredentialsFailed)
}

func TestDrainRetriesFailedReceipt(t *testing.T) {
	fix := newJobFixture(t)
	seedCredential(t, fix, "cred-1", "u1", "acc-1", true)

	fix.client.objects["c1"] = &platform.Object{
		ExternalID: "c1",
		Attributes: map[string]any{"name": "Ada"},
	}

	require.NoError(t, fix.receipts.Create(context.Background(), &models.WebhookReceipt{
		Service:      "crm",
		EventType:    "ContactCreate",
		ObjectID:     "c1",
		AccountID:    "acc-1",
		OwnerID:      "u1",
		ErrorMessage: "connection reset",
	}))

	summary, err := fix.job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ReceiptsDrained)
	assert.Zero(t, summary.ReceiptsFailed)

	entity, err := fix.entities.Get(context.Background(), models.EntityContact, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", entity.Attributes["name"])

	for _, rec := range fix.receipts.receipts {
		assert.True(t, rec.Processed)
		assert.Empty(t, rec.ErrorMessage)
	}
}

func TestDrainClosesOrphanedReceipt(t *testing.T) {
	fix := newJobFixture(t)
	seedCredential(t, fix, "cred-1", "u1", "acc-1", false)

	require.NoError(t, fix.receipts.Create(context.Background(), &models.WebhookReceipt{
		Service:   "crm",
		EventType: "ContactCreate",
		ObjectID:  "c1",
		AccountID: "acc-1",
		OwnerID:   "u1",
	}))

	summary, err := fix.job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ReceiptsOrphaned)
	assert.Zero(t, summary.ReceiptsDrained)

	for _, rec := range fix.receipts.receipts {
		assert.True(t, rec.Processed, "orphaned receipts are closed, not retried forever")
		assert.Contains(t, rec.ErrorMessage, "disconnected")
	}
}

func TestDrainIgnoresReceiptsPastLookback(t *testing.T) {
	fix := newJobFixture(t)
	seedCredential(t, fix, "cred-1", "u1", "acc-1", true)

	stale := &models.WebhookReceipt{
		Service:   "crm",
		EventType: "ContactCreate",
		ObjectID:  "c1",
		AccountID: "acc-1",
		OwnerID:   "u1",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, fix.receipts.Create(context.Background(), stale))

	summary, err := fix.job.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.ReceiptsDrained)
	assert.Equal(t, 1, summary.ReceiptsAbandoned, "receipts past the window are counted, not silently lost")
	assert.False(t, fix.receipts.receipts[stale.ID].Processed)
}

func TestDrainTreatsGoneObjectAsDelete(t *testing.T) {
	fix := newJobFixture(t)
	seedCredential(t, fix, "cred-1", "u1", "acc-1", true)

	// The object vanished upstream between webhook delivery and the drain.
	require.NoError(t, fix.receipts.Create(context.Background(), &models.WebhookReceipt{
		Service:   "crm",
		EventType: "ContactCreate",
		ObjectID:  "c1",
		AccountID: "acc-1",
		OwnerID:   "u1",
	}))

	summary, err := fix.job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ReceiptsDrained)
	_, err = fix.entities.Get(context.Background(), models.EntityContact, "c1", "u1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
