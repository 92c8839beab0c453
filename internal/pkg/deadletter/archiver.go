package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/subherald/subherald/app/models"
)

// Archiver writes exhausted webhook deliveries to an S3-compatible bucket so
// operators can replay or inspect them after the retry budget is spent.
type Archiver struct {
	s3Client *s3.Client
	config   *Config
}

// record is the JSON document stored per exhausted delivery.
type record struct {
	ArchivedAt    time.Time `json:"archived_at"`
	CorrelationID string    `json:"correlation_id"`
	EventType     string    `json:"event_type"`
	SubscriberID  string    `json:"subscriber_id"`
	Payload       string    `json:"payload"`
	EndpointID    uint      `json:"endpoint_id"`
	EndpointURL   string    `json:"endpoint_url"`
	AttemptID     uint      `json:"attempt_id"`
	Attempts      int       `json:"attempts"`
	Outcome       string    `json:"outcome"`
	LastHTTPCode  int       `json:"last_http_code"`
	LastError     string    `json:"last_error"`
}

// NewArchiver creates a new dead-letter archiver
func NewArchiver(cfg *Config) (*Archiver, error) {
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("dead-letter archive is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
			o.UseAccelerate = false
		}
	})

	archiver := &Archiver{
		s3Client: s3Client,
		config:   cfg,
	}

	if err := archiver.testConnection(); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[DeadLetter] Successfully initialized archive for bucket: %s", cfg.GetBucketName())
	return archiver, nil
}

// testConnection checks that the configured bucket is reachable
func (a *Archiver) testConnection() error {
	ctx := context.Background()
	bucketName := a.config.GetBucketName()

	_, err := a.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", bucketName, err)
	}

	return nil
}

// ArchiveExhausted stores the final state of a delivery that ran out of
// retries or was rejected permanently by the receiver.
func (a *Archiver) ArchiveExhausted(ctx context.Context, event *models.WebhookEvent, endpoint *models.WebhookEndpoint, attempt *models.DeliveryAttempt) error {
	now := time.Now().UTC()

	doc := record{
		ArchivedAt:    now,
		CorrelationID: event.CorrelationID,
		EventType:     event.EventType,
		SubscriberID:  event.SubscriberID,
		Payload:       event.PayloadJSON,
		EndpointID:    endpoint.ID,
		EndpointURL:   endpoint.URL,
		AttemptID:     attempt.ID,
		Attempts:      attempt.Attempts,
		Outcome:       string(attempt.LastOutcome),
		LastHTTPCode:  attempt.LastHTTPStatus,
		LastError:     attempt.LastError,
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter record: %w", err)
	}

	objectKey := a.config.GetObjectKey(event.CorrelationID, attempt.ID, now)

	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.config.GetBucketName()),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload dead-letter record %s: %w", objectKey, err)
	}

	log.Infof("[DeadLetter] Archived exhausted delivery %d as %s", attempt.ID, objectKey)
	return nil
}
