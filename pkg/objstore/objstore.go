// Package objstore provides tiered object storage for backup payloads,
// job artefacts, and operational documents.
//
// Objects live in one bucket per storage tier (hot, warm, cold, glacier).
// The tier is an attribute of where an object currently lives, not part of
// its key: lifecycle moves relocate objects between tier buckets while the
// key stays stable, and reads that do not know the tier scan the buckets
// from hottest to coldest.
//
// Two implementations are provided: an S3-compatible store (AWS S3, MinIO)
// in the s3 subpackage and an in-memory store for tests and development.
package objstore

import (
	"context"
	"time"
)

// Tier identifies a storage tier. Tiers order from hottest (most
// frequently accessed, fastest) to coldest (archival).
type Tier string

const (
	TierHot     Tier = "hot"
	TierWarm    Tier = "warm"
	TierCold    Tier = "cold"
	TierGlacier Tier = "glacier"
)

// Tiers lists all tiers from hottest to coldest. Reads that do not know
// an object's tier probe buckets in this order.
var Tiers = []Tier{TierHot, TierWarm, TierCold, TierGlacier}

// IsValid reports whether t is a known storage tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierHot, TierWarm, TierCold, TierGlacier:
		return true
	}
	return false
}

// PresignOp selects the HTTP method a presigned URL authorizes.
type PresignOp string

const (
	PresignGet  PresignOp = "GET"
	PresignPut  PresignOp = "PUT"
	PresignHead PresignOp = "HEAD"
)

// IsValid reports whether op is a supported presign operation.
func (op PresignOp) IsValid() bool {
	switch op {
	case PresignGet, PresignPut, PresignHead:
		return true
	}
	return false
}

// Presigned URL expiry bounds. Requests outside this range are clamped,
// never rejected: a zero or negative expiry becomes MinPresignExpiry and
// anything beyond a day becomes MaxPresignExpiry.
const (
	MinPresignExpiry = 1 * time.Second
	MaxPresignExpiry = 24 * time.Hour
)

// ClampExpiry bounds a presigned URL expiry to the supported range.
func ClampExpiry(expiry time.Duration) time.Duration {
	if expiry < MinPresignExpiry {
		return MinPresignExpiry
	}
	if expiry > MaxPresignExpiry {
		return MaxPresignExpiry
	}
	return expiry
}

// PutOptions controls object placement and metadata on upload.
// The zero value uploads to the hot tier with the content type and
// disposition derived from the key's extension.
type PutOptions struct {
	// Tier selects the destination bucket. Defaults to TierHot.
	Tier Tier

	// ContentType overrides the extension-derived content type.
	ContentType string

	// Disposition overrides the extension-derived content disposition.
	Disposition string

	// Metadata is attached as user metadata. The store always adds a
	// "sha256" entry with the hex digest of the payload.
	Metadata map[string]string

	// Tags are attached as object tags.
	Tags map[string]string
}

// PutResult describes a completed upload.
type PutResult struct {
	Key       string
	Tier      Tier
	Size      int64
	ETag      string
	VersionID string

	// SHA256 is the hex digest of the uploaded payload, also attached
	// to the object as the "sha256" metadata entry.
	SHA256 string
}

// ObjectInfo describes a stored object without its payload.
type ObjectInfo struct {
	Key          string
	Tier         Tier
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// TierStats aggregates the contents of one tier bucket.
type TierStats struct {
	Tier        Tier
	ObjectCount int64
	TotalBytes  int64
}

// Store is a tiered object store.
//
// All methods honor context cancellation. Implementations classify
// backend failures into the package sentinel errors (ErrNotFound,
// ErrUnreachable, ErrAccessDenied, ErrTooLarge) so callers can map them
// onto retry policy without knowing the backend.
type Store interface {
	// Put uploads data under key in the tier selected by opts.
	// Content type and disposition default from the key's extension,
	// and the payload's SHA-256 is attached as object metadata.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (*PutResult, error)

	// Get downloads an object without knowing its tier, probing tier
	// buckets from hottest to coldest. Returns the tier the object was
	// found in, or ErrNotFound if no tier holds the key.
	Get(ctx context.Context, key string) ([]byte, Tier, error)

	// GetFromTier downloads an object from a specific tier bucket.
	GetFromTier(ctx context.Context, key string, tier Tier) ([]byte, error)

	// Head returns object metadata without the payload, probing tiers
	// like Get.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Delete removes key from every tier bucket. Deleting an absent
	// object is not an error.
	Delete(ctx context.Context, key string) error

	// MoveTier relocates an object between tier buckets by copying to
	// the destination and deleting the source. If the copy succeeds but
	// the source delete fails, the move still succeeds and the stale
	// source copy is queued for best-effort cleanup.
	MoveTier(ctx context.Context, key string, from, to Tier) error

	// List returns objects in a tier bucket under prefix, fetching
	// pages lazily. A max of 0 or less returns all matches.
	List(ctx context.Context, tier Tier, prefix string, max int) ([]ObjectInfo, error)

	// SetTags replaces the tag set of an object in a tier bucket.
	SetTags(ctx context.Context, key string, tier Tier, tags map[string]string) error

	// Presign returns a presigned URL authorizing op on key in the
	// given tier. The expiry is clamped to [MinPresignExpiry,
	// MaxPresignExpiry].
	Presign(ctx context.Context, op PresignOp, key string, tier Tier, expiry time.Duration) (string, error)

	// EnsureBuckets creates any missing tier buckets and applies
	// versioning, public access blocking, and lifecycle rules to each.
	// Safe to call repeatedly.
	EnsureBuckets(ctx context.Context) error

	// Stats aggregates object count and total size for one tier.
	Stats(ctx context.Context, tier Tier) (*TierStats, error)

	// Healthcheck verifies the backend is reachable.
	Healthcheck(ctx context.Context) error
}
