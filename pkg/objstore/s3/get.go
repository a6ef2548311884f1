package s3

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/objstore"
)

// Get downloads an object without knowing its tier. Buckets are probed
// from hottest to coldest; only a missing key moves the probe to the
// next tier, any other failure surfaces immediately.
func (s *Store) Get(ctx context.Context, key string) ([]byte, objstore.Tier, error) {
	for _, tier := range objstore.Tiers {
		data, err := s.GetFromTier(ctx, key, tier)
		if err == nil {
			return data, tier, nil
		}
		if errors.Is(err, objstore.ErrNotFound) {
			continue
		}
		return nil, "", err
	}
	return nil, "", classifyError(errNoSuchKeyAnyTier, key)
}

// errNoSuchKeyAnyTier feeds classifyError a not-found after every tier
// probe came back empty.
var errNoSuchKeyAnyTier = errors.New("StatusCode: 404, object absent in all tiers")

// GetFromTier downloads an object from one specific tier bucket.
func (s *Store) GetFromTier(ctx context.Context, key string, tier objstore.Tier) ([]byte, error) {
	bucket, err := s.bucketFor(tier)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var data []byte
	err = s.withRetry(ctx, "get_object", key, func(ctx context.Context) error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, classifyError(err, key)
	}

	logger.Debug("downloaded object",
		logger.Bucket(bucket),
		logger.Key(key),
		logger.Size(int64(len(data))),
		logger.DurationMs(logger.Duration(start)),
	)
	return data, nil
}

// Head returns object metadata without downloading the payload, probing
// tiers like Get.
func (s *Store) Head(ctx context.Context, key string) (*objstore.ObjectInfo, error) {
	for _, tier := range objstore.Tiers {
		info, err := s.headFromTier(ctx, key, tier)
		if err == nil {
			return info, nil
		}
		if errors.Is(err, objstore.ErrNotFound) {
			continue
		}
		return nil, err
	}
	return nil, classifyError(errNoSuchKeyAnyTier, key)
}

func (s *Store) headFromTier(ctx context.Context, key string, tier objstore.Tier) (*objstore.ObjectInfo, error) {
	bucket, err := s.bucketFor(tier)
	if err != nil {
		return nil, err
	}

	var info *objstore.ObjectInfo
	err = s.withRetry(ctx, "head_object", key, func(ctx context.Context) error {
		resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		info = &objstore.ObjectInfo{
			Key:          key,
			Tier:         tier,
			Size:         aws.ToInt64(resp.ContentLength),
			ETag:         aws.ToString(resp.ETag),
			ContentType:  aws.ToString(resp.ContentType),
			LastModified: aws.ToTime(resp.LastModified),
			Metadata:     resp.Metadata,
		}
		return nil
	})
	if err != nil {
		return nil, classifyError(err, key)
	}
	return info, nil
}

// Delete removes key from every tier bucket. The S3 API treats deleting
// an absent key as success, which gives us idempotency for free; missing
// buckets are tolerated the same way.
func (s *Store) Delete(ctx context.Context, key string) error {
	for _, tier := range objstore.Tiers {
		bucket, err := s.bucketFor(tier)
		if err != nil {
			return err
		}

		err = s.withRetry(ctx, "delete_object", key, func(ctx context.Context) error {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
			return err
		})
		if err != nil && !isNotFoundError(err) {
			return classifyError(err, key)
		}
	}
	return nil
}

// List returns objects in a tier bucket under prefix, paging through
// results lazily. A max of 0 or less returns every match.
func (s *Store) List(ctx context.Context, tier objstore.Tier, prefix string, max int) ([]objstore.ObjectInfo, error) {
	bucket, err := s.bucketFor(tier)
	if err != nil {
		return nil, err
	}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var infos []objstore.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyError(err, prefix)
		}
		for _, obj := range page.Contents {
			infos = append(infos, objstore.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Tier:         tier,
				Size:         aws.ToInt64(obj.Size),
				ETag:         aws.ToString(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			})
			if max > 0 && len(infos) >= max {
				return infos, nil
			}
		}
	}
	return infos, nil
}

// Stats walks one tier bucket and aggregates object count and bytes.
func (s *Store) Stats(ctx context.Context, tier objstore.Tier) (*objstore.TierStats, error) {
	bucket, err := s.bucketFor(tier)
	if err != nil {
		return nil, err
	}

	stats := &objstore.TierStats{Tier: tier}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyError(err, bucket)
		}
		for _, obj := range page.Contents {
			stats.ObjectCount++
			stats.TotalBytes += aws.ToInt64(obj.Size)
		}
	}
	return stats, nil
}

// Healthcheck verifies the backend is reachable by heading the hot
// bucket.
func (s *Store) Healthcheck(ctx context.Context) error {
	bucket := s.buckets[objstore.TierHot]
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return classifyError(err, bucket)
	}
	return nil
}
