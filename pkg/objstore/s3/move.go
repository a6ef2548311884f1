package s3

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/objstore"
)

// MoveTier relocates an object between tier buckets: copy to the
// destination, then delete the source. A failed copy fails the move. A
// failed delete does NOT: the object exists at the destination, so the
// move counts as done and the stale source copy is queued for
// best-effort cleanup on later moves.
func (s *Store) MoveTier(ctx context.Context, key string, from, to objstore.Tier) error {
	if from == to {
		return nil
	}
	srcBucket, err := s.bucketFor(from)
	if err != nil {
		return err
	}
	dstBucket, err := s.bucketFor(to)
	if err != nil {
		return err
	}

	s.flushStaleCopies(ctx)

	copySource := url.QueryEscape(srcBucket + "/" + key)
	err = s.withRetry(ctx, "copy_object", key, func(ctx context.Context) error {
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(dstBucket),
			Key:        aws.String(key),
			CopySource: aws.String(copySource),
		})
		return err
	})
	if err != nil {
		return classifyError(err, key)
	}

	err = s.withRetry(ctx, "delete_moved_object", key, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(srcBucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil && !isNotFoundError(err) {
		s.queueStaleCopy(srcBucket, key)
		logger.Warn("tier move left a stale source copy",
			logger.Key(key),
			logger.FromTier(string(from)),
			logger.ToTier(string(to)),
			logger.Err(err),
		)
		return nil
	}

	logger.Debug("moved object between tiers",
		logger.Key(key),
		logger.FromTier(string(from)),
		logger.ToTier(string(to)),
	)
	return nil
}

func (s *Store) queueStaleCopy(bucket, key string) {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	s.stale = append(s.stale, staleCopy{bucket: bucket, key: key})
}

// flushStaleCopies retries deletion of stale source copies from earlier
// partial moves. Single attempt each; whatever still fails stays queued.
func (s *Store) flushStaleCopies(ctx context.Context) {
	s.staleMu.Lock()
	pending := s.stale
	s.stale = nil
	s.staleMu.Unlock()

	if len(pending) == 0 {
		return
	}

	var remaining []staleCopy
	for _, sc := range pending {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(sc.bucket),
			Key:    aws.String(sc.key),
		})
		if err != nil && !isNotFoundError(err) {
			remaining = append(remaining, sc)
		}
	}

	if len(remaining) > 0 {
		s.staleMu.Lock()
		s.stale = append(s.stale, remaining...)
		s.staleMu.Unlock()
	}
}

// StaleCopyCount reports how many stale source copies are queued for
// cleanup. Exposed for metrics.
func (s *Store) StaleCopyCount() int {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	return len(s.stale)
}

// SetTags replaces the tag set of an object in a tier bucket.
func (s *Store) SetTags(ctx context.Context, key string, tier objstore.Tier, tags map[string]string) error {
	bucket, err := s.bucketFor(tier)
	if err != nil {
		return err
	}

	tagSet := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		tagSet = append(tagSet, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	err = s.withRetry(ctx, "put_object_tagging", key, func(ctx context.Context) error {
		_, err := s.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
			Bucket:  aws.String(bucket),
			Key:     aws.String(key),
			Tagging: &types.Tagging{TagSet: tagSet},
		})
		return err
	})
	if err != nil {
		return classifyError(err, key)
	}
	return nil
}

// Presign returns a presigned URL authorizing op on key in the given
// tier. Expiry is clamped to the supported range rather than rejected,
// so callers can pass user input straight through.
func (s *Store) Presign(ctx context.Context, op objstore.PresignOp, key string, tier objstore.Tier, expiry time.Duration) (string, error) {
	bucket, err := s.bucketFor(tier)
	if err != nil {
		return "", err
	}

	expiry = objstore.ClampExpiry(expiry)
	presigner := s3.NewPresignClient(s.client)

	var signed string
	switch op {
	case objstore.PresignGet:
		req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(expiry))
		if err != nil {
			return "", classifyError(err, key)
		}
		signed = req.URL
	case objstore.PresignPut:
		req, err := presigner.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(expiry))
		if err != nil {
			return "", classifyError(err, key)
		}
		signed = req.URL
	case objstore.PresignHead:
		req, err := presigner.PresignHeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(expiry))
		if err != nil {
			return "", classifyError(err, key)
		}
		signed = req.URL
	default:
		return "", fmt.Errorf("unsupported presign operation %q", op)
	}

	return signed, nil
}
