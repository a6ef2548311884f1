// Package s3 implements objstore.Store against any S3-compatible backend
// (AWS S3, MinIO, Localstack).
//
// Each storage tier maps to its own bucket named {prefix}-{tier}. Uploads
// at or above the multipart threshold use parallel multipart uploads.
// Transient backend failures are retried with exponential backoff before
// being classified into the objstore sentinel errors.
package s3

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/objstore"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultBucketPrefix         = "backups"
	DefaultMultipartThreshold   = 32 * 1024 * 1024
	DefaultMultipartPartSize    = 16 * 1024 * 1024
	DefaultMultipartConcurrency = 8
	DefaultMaxRetries           = 3
	DefaultInitialBackoff       = 100 * time.Millisecond
	DefaultMaxBackoff           = 2 * time.Second
)

// S3 caps multipart uploads at 10000 parts, which bounds the largest
// object we can accept for a given part size.
const maxMultipartParts = 10000

// Config holds the configuration for the S3 object store.
type Config struct {
	// Client is an optional pre-built S3 client. When set, the
	// connection fields below are ignored. Intended for tests.
	Client *s3.Client

	// Endpoint is the S3 endpoint URL. Leave empty for AWS S3;
	// set to e.g. http://localhost:9000 for MinIO.
	Endpoint string

	// Region is the AWS region (default: us-east-1).
	Region string

	// AccessKeyID and SecretAccessKey are static credentials. When both
	// are empty the SDK's default credential chain is used (environment,
	// shared config, IAM role).
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle enables path-style addressing, required by MinIO
	// and Localstack.
	ForcePathStyle bool

	// BucketPrefix is prepended to every tier bucket name, producing
	// {prefix}-hot through {prefix}-glacier (default: backups).
	BucketPrefix string

	// MultipartThreshold is the payload size at or above which uploads
	// switch to multipart (default: 32 MiB).
	MultipartThreshold int64

	// MultipartPartSize is the size of each uploaded part
	// (default: 16 MiB, minimum 5 MiB per the S3 API).
	MultipartPartSize int64

	// MultipartConcurrency is how many parts upload in parallel
	// (default: 8).
	MultipartConcurrency int

	// MaxRetries bounds retries of transient failures per operation
	// (default: 3).
	MaxRetries int

	// InitialBackoff and MaxBackoff bound the exponential backoff
	// between retries (defaults: 100ms and 2s).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.BucketPrefix == "" {
		c.BucketPrefix = DefaultBucketPrefix
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = DefaultMultipartThreshold
	}
	if c.MultipartPartSize <= 0 {
		c.MultipartPartSize = DefaultMultipartPartSize
	}
	if c.MultipartConcurrency <= 0 {
		c.MultipartConcurrency = DefaultMultipartConcurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

func (c *Config) validate() error {
	if c.MultipartPartSize < 5*1024*1024 {
		return fmt.Errorf("multipart part size %d below the 5 MiB S3 minimum", c.MultipartPartSize)
	}
	if c.MultipartThreshold < c.MultipartPartSize {
		return fmt.Errorf("multipart threshold %d below part size %d", c.MultipartThreshold, c.MultipartPartSize)
	}
	return nil
}

// staleCopy is a source object left behind when a tier move copied
// successfully but the source delete failed.
type staleCopy struct {
	bucket string
	key    string
}

// Store is the S3-backed implementation of objstore.Store.
type Store struct {
	client  *s3.Client
	cfg     Config
	buckets map[objstore.Tier]string
	retry   retryConfig

	// Stale source copies from partial tier moves, retried best-effort
	// on later moves. Their expiry is otherwise covered by bucket
	// lifecycle rules.
	staleMu sync.Mutex
	stale   []staleCopy
}

var _ objstore.Store = (*Store)(nil)

// New creates an S3 object store. It does not touch the backend; call
// EnsureBuckets before first use to create the tier buckets and apply
// their policies.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 store config: %w", err)
	}

	client := cfg.Client
	if client == nil {
		var err error
		client, err = NewClientFromConfig(ctx, cfg.Endpoint, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, cfg.ForcePathStyle)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
	}

	buckets := make(map[objstore.Tier]string, len(objstore.Tiers))
	for _, tier := range objstore.Tiers {
		buckets[tier] = fmt.Sprintf("%s-%s", cfg.BucketPrefix, tier)
	}

	logger.Debug("created s3 object store",
		logger.StoreType("s3"),
		"region", cfg.Region,
		"bucket_prefix", cfg.BucketPrefix,
		"endpoint", cfg.Endpoint,
	)

	return &Store{
		client:  client,
		cfg:     cfg,
		buckets: buckets,
		retry: retryConfig{
			maxRetries:        cfg.MaxRetries,
			initialBackoff:    cfg.InitialBackoff,
			maxBackoff:        cfg.MaxBackoff,
			backoffMultiplier: 2.0,
		},
	}, nil
}

// NewClientFromConfig creates an S3 client from explicit connection
// parameters. When accessKeyID and secretAccessKey are empty the SDK's
// default credential chain applies, so IAM roles keep working in AWS
// deployments.
func NewClientFromConfig(ctx context.Context, endpoint, region, accessKeyID, secretAccessKey string, forcePathStyle bool) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = forcePathStyle
	})
	return client, nil
}

// bucketFor maps a tier to its bucket name.
func (s *Store) bucketFor(tier objstore.Tier) (string, error) {
	bucket, ok := s.buckets[tier]
	if !ok {
		return "", fmt.Errorf("%w: %q", objstore.ErrInvalidTier, tier)
	}
	return bucket, nil
}

// withRetry runs fn with exponential backoff on transient failures.
//
// Retry behavior:
//   - Up to maxRetries retries after the first attempt
//   - Backoff doubles each attempt, capped at maxBackoff
//   - Non-retryable errors (not found, access denied, validation)
//     return immediately
//   - Context cancellation aborts the wait between attempts
//
// The last error is returned unclassified; callers wrap it with
// classifyError so sentinel mapping happens exactly once per operation.
func (s *Store) withRetry(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.retry.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.retry.backoffFor(attempt)
			logger.Debug("retrying storage operation",
				logger.Operation(op),
				logger.Key(key),
				logger.Attempt(attempt),
				"backoff", backoff.String(),
				logger.Err(lastErr),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
