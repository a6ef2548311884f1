package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/objstore"
)

// Put uploads data under key in the tier selected by opts. Payloads at or
// above the multipart threshold upload as parallel multipart parts; a
// failed multipart upload is aborted so no incomplete parts linger.
func (s *Store) Put(ctx context.Context, key string, data []byte, opts objstore.PutOptions) (*objstore.PutResult, error) {
	tier := opts.Tier
	if tier == "" {
		tier = objstore.TierHot
	}
	bucket, err := s.bucketFor(tier)
	if err != nil {
		return nil, err
	}

	size := int64(len(data))
	if size > s.cfg.MultipartPartSize*maxMultipartParts {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d",
			objstore.ErrTooLarge, key, size, s.cfg.MultipartPartSize*maxMultipartParts)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = objstore.ContentTypeFor(key)
	}
	disposition := opts.Disposition
	if disposition == "" {
		disposition = objstore.DispositionFor(key)
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	metadata := map[string]string{"sha256": digest}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	start := time.Now()
	var etag, versionID string
	if size >= s.cfg.MultipartThreshold {
		etag, versionID, err = s.putMultipart(ctx, bucket, key, data, contentType, disposition, metadata, opts.Tags)
	} else {
		etag, versionID, err = s.putSingle(ctx, bucket, key, data, contentType, disposition, metadata, opts.Tags)
	}
	if err != nil {
		return nil, classifyError(err, key)
	}

	logger.Debug("uploaded object",
		logger.Bucket(bucket),
		logger.Key(key),
		logger.Size(size),
		logger.VersionID(versionID),
		logger.DurationMs(logger.Duration(start)),
	)

	return &objstore.PutResult{
		Key:       key,
		Tier:      tier,
		Size:      size,
		ETag:      etag,
		VersionID: versionID,
		SHA256:    digest,
	}, nil
}

func (s *Store) putSingle(ctx context.Context, bucket, key string, data []byte, contentType, disposition string, metadata, tags map[string]string) (etag, versionID string, err error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	}
	if disposition != "" {
		input.ContentDisposition = aws.String(disposition)
	}
	if tagging := encodeTags(tags); tagging != "" {
		input.Tagging = aws.String(tagging)
	}

	err = s.withRetry(ctx, "put_object", key, func(ctx context.Context) error {
		// The reader must rewind between attempts.
		input.Body = bytes.NewReader(data)
		resp, err := s.client.PutObject(ctx, input)
		if err != nil {
			return err
		}
		etag = aws.ToString(resp.ETag)
		versionID = aws.ToString(resp.VersionId)
		return nil
	})
	return etag, versionID, err
}

// putMultipart uploads data as a multipart upload with parallel part
// uploads. Parts are indexed up front so completion order never depends
// on upload order. Any failure aborts the upload.
func (s *Store) putMultipart(ctx context.Context, bucket, key string, data []byte, contentType, disposition string, metadata, tags map[string]string) (etag, versionID string, err error) {
	createInput := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	}
	if disposition != "" {
		createInput.ContentDisposition = aws.String(disposition)
	}
	if tagging := encodeTags(tags); tagging != "" {
		createInput.Tagging = aws.String(tagging)
	}

	var uploadID string
	err = s.withRetry(ctx, "create_multipart", key, func(ctx context.Context) error {
		resp, err := s.client.CreateMultipartUpload(ctx, createInput)
		if err != nil {
			return err
		}
		uploadID = aws.ToString(resp.UploadId)
		return nil
	})
	if err != nil {
		return "", "", err
	}

	partSize := s.cfg.MultipartPartSize
	numParts := (int64(len(data)) + partSize - 1) / partSize
	completed := make([]types.CompletedPart, numParts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MultipartConcurrency)

	for i := int64(0); i < numParts; i++ {
		i := i
		g.Go(func() error {
			offset := i * partSize
			end := offset + partSize
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			part := data[offset:end]
			partNumber := int32(i + 1)

			return s.withRetry(gctx, "upload_part", key, func(ctx context.Context) error {
				resp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
					Bucket:     aws.String(bucket),
					Key:        aws.String(key),
					UploadId:   aws.String(uploadID),
					PartNumber: aws.Int32(partNumber),
					Body:       bytes.NewReader(part),
				})
				if err != nil {
					return err
				}
				completed[i] = types.CompletedPart{
					ETag:       resp.ETag,
					PartNumber: aws.Int32(partNumber),
				}
				return nil
			})
		})
	}

	if err := g.Wait(); err != nil {
		s.abortMultipart(ctx, bucket, key, uploadID)
		return "", "", err
	}

	var completeResp *s3.CompleteMultipartUploadOutput
	err = s.withRetry(ctx, "complete_multipart", key, func(ctx context.Context) error {
		var err error
		completeResp, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: completed,
			},
		})
		return err
	})
	if err != nil {
		s.abortMultipart(ctx, bucket, key, uploadID)
		return "", "", err
	}

	logger.Debug("completed multipart upload",
		logger.Bucket(bucket),
		logger.Key(key),
		"parts", numParts,
	)
	return aws.ToString(completeResp.ETag), aws.ToString(completeResp.VersionId), nil
}

// abortMultipart aborts a multipart upload best-effort. It runs detached
// from the caller's context so an abort still goes out after
// cancellation; the bucket lifecycle rule is the backstop for aborts
// that fail too.
func (s *Store) abortMultipart(ctx context.Context, bucket, key, uploadID string) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	_, err := s.client.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &noSuchUpload) {
			return
		}
		logger.Warn("failed to abort multipart upload",
			logger.Bucket(bucket),
			logger.Key(key),
			logger.Err(err),
		)
	}
}

// encodeTags renders an object tag set in the URL-encoded form the S3
// API expects on upload.
func encodeTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	values := url.Values{}
	for k, v := range tags {
		values.Set(k, v)
	}
	return values.Encode()
}
