// Package s3archive offloads processed webhook receipt payloads to S3 so
// the hot table stays small without losing the audit trail.
package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/pulsemetrics/sync-engine/models"
)

const defaultBatchSize = 200

// Uploader stores an object. Satisfied by S3Uploader and by test fakes.
type Uploader interface {
	Upload(ctx context.Context, bucket, key string, body io.Reader) error
}

// S3Uploader uploads objects with static credentials.
type S3Uploader struct {
	client *s3.Client
}

// NewS3Uploader builds an uploader, or an error if the AWS config cannot
// be assembled.
func NewS3Uploader(accessKey, secretKey, region string) (*S3Uploader, error) {
	creds := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(creds),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Uploader{client: s3.NewFromConfig(cfg)}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, bucket, key string, body io.Reader) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	})

	return err
}

// Archiver moves processed receipts past their retention window into S3
// and clears the stored payload.
type Archiver struct {
	receipts  models.ReceiptRepository
	uploader  Uploader
	bucket    string
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

func NewArchiver(receipts models.ReceiptRepository, uploader Uploader, bucket string, logger *zap.Logger) *Archiver {
	return &Archiver{
		receipts:  receipts,
		uploader:  uploader,
		bucket:    bucket,
		batchSize: defaultBatchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// archivedReceipt is the document written to S3. The raw payload rides
// along verbatim so the archive is replayable.
type archivedReceipt struct {
	ID          string          `json:"id"`
	Service     string          `json:"service"`
	EventType   string          `json:"event_type"`
	ObjectID    string          `json:"object_id"`
	AccountID   string          `json:"account_id"`
	OwnerID     string          `json:"owner_id"`
	Payload     json.RawMessage `json:"payload"`
	ProcessedAt *time.Time      `json:"processed_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Run archives processed receipts created before now minus retention.
// It returns the number archived. A single upload failure stops the sweep;
// the next run picks up where this one left off.
func (a *Archiver) Run(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := a.now().Add(-retention)
	archived := 0

	for {
		batch, err := a.receipts.ListArchivable(ctx, cutoff, a.batchSize)
		if err != nil {
			return archived, fmt.Errorf("failed to list archivable receipts: %w", err)
		}

		if len(batch) == 0 {
			return archived, nil
		}

		for i := range batch {
			receipt := batch[i]

			if err := ctx.Err(); err != nil {
				return archived, err
			}

			location, err := a.archiveOne(ctx, &receipt)
			if err != nil {
				return archived, fmt.Errorf("failed to archive receipt %s: %w", receipt.ID, err)
			}

			if err := a.receipts.MarkArchived(ctx, receipt.ID, location, a.now().UTC()); err != nil {
				return archived, fmt.Errorf("failed to mark receipt %s archived: %w", receipt.ID, err)
			}

			archived++
		}

		if len(batch) < a.batchSize {
			return archived, nil
		}
	}
}

func (a *Archiver) archiveOne(ctx context.Context, receipt *models.WebhookReceipt) (string, error) {
	doc := archivedReceipt{
		ID:          receipt.ID,
		Service:     receipt.Service,
		EventType:   receipt.EventType,
		ObjectID:    receipt.ObjectID,
		AccountID:   receipt.AccountID,
		OwnerID:     receipt.OwnerID,
		Payload:     json.RawMessage(receipt.Payload),
		ProcessedAt: receipt.ProcessedAt,
		CreatedAt:   receipt.CreatedAt,
	}

	if len(doc.Payload) == 0 {
		doc.Payload = json.RawMessage("null")
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt: %w", err)
	}

	key := fmt.Sprintf("receipts/%s/%s/%s.json",
		receipt.Service,
		receipt.CreatedAt.UTC().Format("2006/01/02"),
		receipt.ID)

	if err := a.uploader.Upload(ctx, a.bucket, key, bytes.NewReader(data)); err != nil {
		return "", err
	}

	a.logger.Debug("archived receipt",
		zap.String("receipt_id", receipt.ID),
		zap.String("key", key))

	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
