package events

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"
)

// S3ArchiveConfig holds configuration for the S3 archive sink.
type S3ArchiveConfig struct {
	Bucket    string
	Region    string
	Endpoint  string // Optional custom endpoint (MinIO, LocalStack)
	Prefix    string // Optional key prefix (e.g. "events/")
	BatchSize int    // Events per archived object; default 64
	FlushRPS  rate.Limit
}

// s3API is the slice of the S3 client the archiver uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive batches events and archives them to S3 under content-addressed
// keys. Flushes are rate limited so a burst of trades cannot saturate the
// archive endpoint.
type S3Archive struct {
	mu      sync.Mutex
	client  s3API
	bucket  string
	prefix  string
	batch   []Event
	size    int
	limiter *rate.Limiter
}

// NewS3Archive creates an archive sink using the default AWS config chain.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("events: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Archive(client, cfg), nil
}

func newS3Archive(client s3API, cfg S3ArchiveConfig) *S3Archive {
	size := cfg.BatchSize
	if size <= 0 {
		size = 64
	}
	rps := cfg.FlushRPS
	if rps <= 0 {
		rps = 4
	}
	return &S3Archive{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		size:    size,
		limiter: rate.NewLimiter(rps, 1),
	}
}

// Write implements Sink. The event joins the current batch; a full batch is
// archived as one object.
func (a *S3Archive) Write(ctx context.Context, e Event) error {
	a.mu.Lock()
	a.batch = append(a.batch, e)
	if len(a.batch) < a.size {
		a.mu.Unlock()
		return nil
	}
	batch := a.batch
	a.batch = nil
	a.mu.Unlock()

	return a.flush(ctx, batch)
}

// Flush archives any partial batch. Call on shutdown.
func (a *S3Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.batch
	a.batch = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return a.flush(ctx, batch)
}

func (a *S3Archive) flush(ctx context.Context, batch []Event) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("events: archive rate limit: %w", err)
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("events: marshal batch: %w", err)
	}
	sum := sha256.Sum256(data)
	key := a.prefix + hex.EncodeToString(sum[:]) + ".json"

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("events: archive %s: %w", key, err)
	}
	return nil
}
