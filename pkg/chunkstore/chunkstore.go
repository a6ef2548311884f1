// Package chunkstore converts byte streams into reference-counted,
// content-addressed chunks shared across all snapshots of all sources.
//
// Chunk identity is the SHA-256 of the chunk bytes. Adding bytes that
// hash to an existing identifier increments that chunk's reference count
// instead of storing a second copy, which is where deduplication across
// snapshots comes from. Chunk payloads live in object storage under
// chunks/{hex}; the index (reference count, size, MD5 integrity checksum)
// lives in a badger database, with an in-memory index for tests.
package chunkstore

import (
	"context"
	"errors"
	"time"

	"github.com/forgevault/forgevault/pkg/objstore"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrChunkNotFound indicates no chunk with the given identifier is
	// indexed.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrChunkCorrupt indicates the stored chunk bytes no longer match
	// the MD5 recorded at add time. The caller owns marking dependent
	// snapshots corrupted.
	ErrChunkCorrupt = errors.New("chunk failed integrity check")
)

// ChunkInfo describes an indexed chunk.
type ChunkInfo struct {
	// ID is the hex-encoded SHA-256 of the chunk bytes.
	ID string `json:"id"`

	// Size is the chunk byte length.
	Size int64 `json:"size"`

	// RefCount is the number of live snapshots whose chunk list
	// contains this identifier.
	RefCount int64 `json:"ref_count"`

	// MD5 is the hex-encoded MD5 of the chunk bytes, checked on read.
	MD5 string `json:"md5"`

	// Tier is where the chunk payload lives. Chunks are written hot
	// and stay there; snapshots move between tiers, shared chunks do
	// not.
	Tier objstore.Tier `json:"tier"`

	CreatedAt time.Time `json:"created_at"`
}

// Stats aggregates the chunk index.
type Stats struct {
	// TotalChunks is the number of distinct chunks indexed.
	TotalChunks int64 `json:"total_chunks"`

	// TotalBytes is the sum of distinct chunk sizes (bytes actually
	// stored, after deduplication).
	TotalBytes int64 `json:"total_bytes"`

	// TotalRefs is the sum of reference counts (bytes worth of chunk
	// references that snapshots believe they hold).
	TotalRefs int64 `json:"total_refs"`

	// DedupRatio is TotalRefs / TotalChunks; 1.0 means no chunk is
	// shared, higher means deduplication is paying off.
	DedupRatio float64 `json:"dedup_ratio"`
}

// Store is a reference-counted, content-addressed chunk store.
//
// Add and Remove are serialized per store so concurrent snapshot
// creation and retention sweeps cannot lose reference-count updates.
type Store interface {
	// Add stores data as a chunk and returns its info. If the chunk
	// already exists its reference count is incremented and no bytes
	// are written; a returned RefCount of 1 means this call stored a
	// new chunk.
	Add(ctx context.Context, data []byte) (*ChunkInfo, error)

	// Get returns the chunk bytes, verifying them against the recorded
	// MD5. Returns ErrChunkNotFound or ErrChunkCorrupt.
	Get(ctx context.Context, id string) ([]byte, error)

	// Info returns chunk metadata without fetching the payload.
	Info(ctx context.Context, id string) (*ChunkInfo, error)

	// Contains reports whether a chunk is indexed.
	Contains(ctx context.Context, id string) (bool, error)

	// Remove decrements the chunk's reference count and erases the
	// bytes when it reaches zero. Removing an unknown chunk returns
	// ErrChunkNotFound.
	Remove(ctx context.Context, id string) error

	// List returns all indexed chunk IDs. Intended for garbage
	// collection reconciliation, not hot paths.
	List(ctx context.Context) ([]string, error)

	// Stats aggregates the index.
	Stats(ctx context.Context) (*Stats, error)

	// Healthcheck verifies the index is operational.
	Healthcheck(ctx context.Context) error

	// Close releases the index. The underlying object store is owned
	// by the caller and is not closed.
	Close() error
}
