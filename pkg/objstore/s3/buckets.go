package s3

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/objstore"
)

// Bucket policy constants applied by EnsureBuckets.
const (
	// abortMultipartDays is how long an incomplete multipart upload may
	// linger before the bucket aborts it.
	abortMultipartDays = 7

	// transientExpireDays is how long objects under transient/ live.
	transientExpireDays = 90

	// noncurrentTransitionDays is when noncurrent versions move to
	// infrequent-access storage; noncurrentExpireDays is when they
	// expire entirely.
	noncurrentTransitionDays = 30
	noncurrentExpireDays     = 180
)

// EnsureBuckets creates any missing tier buckets and applies the bucket
// policies every backup bucket carries: versioning so every put yields a
// recoverable version, a full public access block, and lifecycle rules
// covering incomplete multiparts, the transient/ prefix, and noncurrent
// versions. Safe to call repeatedly; existing buckets just get their
// policies reasserted.
func (s *Store) EnsureBuckets(ctx context.Context) error {
	for _, tier := range objstore.Tiers {
		bucket := s.buckets[tier]
		if err := s.ensureBucket(ctx, bucket); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureBucket(ctx context.Context, bucket string) error {
	created, err := s.createBucket(ctx, bucket)
	if err != nil {
		return classifyError(err, bucket)
	}
	if created {
		logger.Info("created storage bucket", logger.Bucket(bucket))
	}

	err = s.withRetry(ctx, "put_bucket_versioning", bucket, func(ctx context.Context) error {
		_, err := s.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket: aws.String(bucket),
			VersioningConfiguration: &types.VersioningConfiguration{
				Status: types.BucketVersioningStatusEnabled,
			},
		})
		return err
	})
	if err != nil {
		return classifyError(err, bucket)
	}

	err = s.withRetry(ctx, "put_public_access_block", bucket, func(ctx context.Context) error {
		_, err := s.client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
			Bucket: aws.String(bucket),
			PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
				BlockPublicAcls:       aws.Bool(true),
				BlockPublicPolicy:     aws.Bool(true),
				IgnorePublicAcls:      aws.Bool(true),
				RestrictPublicBuckets: aws.Bool(true),
			},
		})
		return err
	})
	if err != nil {
		return classifyError(err, bucket)
	}

	err = s.withRetry(ctx, "put_bucket_lifecycle", bucket, func(ctx context.Context) error {
		_, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
			Bucket: aws.String(bucket),
			LifecycleConfiguration: &types.BucketLifecycleConfiguration{
				Rules: lifecycleRules(),
			},
		})
		return err
	})
	if err != nil {
		return classifyError(err, bucket)
	}

	return nil
}

// createBucket creates the bucket if missing. Returns whether a bucket
// was actually created.
func (s *Store) createBucket(ctx context.Context, bucket string) (bool, error) {
	input := &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	}
	// us-east-1 is the one region that must NOT be sent as a location
	// constraint.
	if s.cfg.Region != "" && s.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.cfg.Region),
		}
	}

	created := false
	err := s.withRetry(ctx, "create_bucket", bucket, func(ctx context.Context) error {
		_, err := s.client.CreateBucket(ctx, input)
		if err != nil {
			var owned *types.BucketAlreadyOwnedByYou
			var exists *types.BucketAlreadyExists
			if errors.As(err, &owned) || errors.As(err, &exists) {
				return nil
			}
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func lifecycleRules() []types.LifecycleRule {
	return []types.LifecycleRule{
		{
			ID:     aws.String("abort-incomplete-multipart"),
			Status: types.ExpirationStatusEnabled,
			Filter: &types.LifecycleRuleFilter{
				Prefix: aws.String(""),
			},
			AbortIncompleteMultipartUpload: &types.AbortIncompleteMultipartUpload{
				DaysAfterInitiation: aws.Int32(abortMultipartDays),
			},
		},
		{
			ID:     aws.String("expire-transient"),
			Status: types.ExpirationStatusEnabled,
			Filter: &types.LifecycleRuleFilter{
				Prefix: aws.String(objstore.PrefixTransient),
			},
			Expiration: &types.LifecycleExpiration{
				Days: aws.Int32(transientExpireDays),
			},
		},
		{
			ID:     aws.String("retire-noncurrent-versions"),
			Status: types.ExpirationStatusEnabled,
			Filter: &types.LifecycleRuleFilter{
				Prefix: aws.String(""),
			},
			NoncurrentVersionTransitions: []types.NoncurrentVersionTransition{
				{
					NoncurrentDays: aws.Int32(noncurrentTransitionDays),
					StorageClass:   types.TransitionStorageClassStandardIa,
				},
			},
			NoncurrentVersionExpiration: &types.NoncurrentVersionExpiration{
				NoncurrentDays: aws.Int32(noncurrentExpireDays),
			},
		},
	}
}
