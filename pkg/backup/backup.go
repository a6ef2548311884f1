// Package backup creates and restores deduplicated snapshots of logical
// sources (CAD documents, generated models, simulation inputs).
//
// A snapshot is an ordered list of content-addressed chunks plus the
// metadata needed to reassemble the original payload. Payload bytes live
// in the chunk store where identical content across snapshots and sources
// is stored once; the chunk manifest is compressed, encrypted, and written
// to the hot storage tier; the descriptor row lands in the metadata
// repository for listing, chain resolution, and lifecycle sweeps.
//
// Snapshots of one source form a chain: a full snapshot starts a chain
// and incrementals extend it, each referencing its parent. Manifests are
// always complete, so any snapshot restores directly without replaying
// the chain; the chain records which bytes were new at each point and
// bounds how far back retention must reach. When a chain grows past its
// configured limits the next backup is promoted to a full, and
// CreateSyntheticFull can materialize a full from an existing chain
// without fresh input.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/chunkstore"
	"github.com/forgevault/forgevault/pkg/objstore"
	"github.com/forgevault/forgevault/pkg/repo"
)

// Sentinel errors returned by the engine.
var (
	// ErrSnapshotCorrupt indicates restored bytes no longer match the
	// checksum recorded at create time.
	ErrSnapshotCorrupt = errors.New("snapshot failed integrity check")

	// ErrNoChain indicates a source has no full snapshot to build a
	// synthetic full from.
	ErrNoChain = errors.New("source has no snapshot chain")

	// ErrEncryptionKeyRequired indicates the configured encryption
	// method needs key material that was not provided.
	ErrEncryptionKeyRequired = errors.New("encryption key required")
)

// restoreConcurrency bounds parallel chunk fetches during restore.
const restoreConcurrency = 8

// Config parametrizes the engine. The zero value disables deduplication
// guards nothing; use Defaults() or fill every field.
type Config struct {
	// Dedup enables content-defined chunking. When false each snapshot
	// stores its payload as a single chunk (still content-addressed, so
	// identical payloads dedup whole).
	Dedup bool

	// Compression is the manifest compression algorithm. Auto prefers
	// zstd and requires a 10% saving.
	Compression Algorithm

	// Encryption is the manifest encryption method and Key its 32-byte
	// key material. A customer-managed key goes here; otherwise derive
	// one from the process secret with DeriveKey.
	Encryption Method
	Key        []byte

	// VerifyAfterWrite re-reads and verifies every snapshot directly
	// after creation.
	VerifyAfterWrite bool

	// MaxChainLength promotes the next backup to a full when a source's
	// chain reaches this many snapshots. FullEvery promotes every Nth
	// backup regardless of chain length.
	MaxChainLength int
	FullEvery      int

	// Chunker sizes the content-defined chunker.
	Chunker chunkstore.ChunkerConfig

	// Observer receives completed engine operations; nil disables
	// observation.
	Observer Observer
}

// Observer receives completed engine operations, typically for metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	// ObserveCreate is called once per stored snapshot. dedupHits is
	// the number of manifest chunk references served by chunks that
	// already existed in the store.
	ObserveCreate(snap *repo.Snapshot, dedupHits int, duration time.Duration)

	// ObserveRestore is called once per successful payload reassembly,
	// including the restores that verification and synthetic-full
	// replay perform internally.
	ObserveRestore(bytes int64, duration time.Duration)

	// ObserveVerify is called once per verification run with its
	// outcome.
	ObserveVerify(status VerifyStatus, duration time.Duration)
}

// Defaults returns the engine configuration used when nothing is
// specified: dedup on, auto compression, no encryption, chains capped at
// 20 with a full every 10th backup.
func Defaults() Config {
	return Config{
		Dedup:          true,
		Compression:    CompressionAuto,
		Encryption:     EncryptionNone,
		MaxChainLength: 20,
		FullEvery:      10,
	}
}

// CreateOptions carries the per-call knobs of Create.
type CreateOptions struct {
	// ForceFull produces a full snapshot regardless of chain state.
	ForceFull bool

	// PolicyID attaches a retention policy to the snapshot.
	PolicyID string

	// Tags are attached to the stored snapshot object.
	Tags map[string]string

	// Metadata is an opaque JSON blob persisted with the descriptor
	// (document name, owner, labels).
	Metadata string
}

// Engine creates, restores, verifies, and deletes snapshots.
type Engine struct {
	cfg     Config
	chunker chunkstore.Chunker
	enc     Encryptor

	chunks  chunkstore.Store
	objects objstore.Store
	meta    repo.Store

	// sources serializes snapshot creation per source so concurrent
	// backups of one document cannot race chain-kind selection.
	mu      sync.Mutex
	sources map[string]*sync.Mutex
}

// NewEngine builds an engine over the given stores.
func NewEngine(cfg Config, chunks chunkstore.Store, objects objstore.Store, meta repo.Store) (*Engine, error) {
	if cfg.MaxChainLength <= 0 {
		cfg.MaxChainLength = 20
	}
	if cfg.FullEvery <= 0 {
		cfg.FullEvery = 10
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionAuto
	}
	if cfg.Encryption == "" {
		cfg.Encryption = EncryptionNone
	}
	if cfg.Encryption != EncryptionNone && len(cfg.Key) == 0 {
		return nil, ErrEncryptionKeyRequired
	}

	chunker, err := chunkstore.NewChunker(cfg.Chunker)
	if err != nil {
		return nil, err
	}
	enc, err := NewEncryptor(cfg.Encryption, cfg.Key)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		chunker: chunker,
		enc:     enc,
		chunks:  chunks,
		objects: objects,
		meta:    meta,
		sources: make(map[string]*sync.Mutex),
	}, nil
}

// sourceLock returns the per-source creation lock.
func (e *Engine) sourceLock(sourceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.sources[sourceID]
	if !ok {
		l = &sync.Mutex{}
		e.sources[sourceID] = l
	}
	return l
}

// Create stores data as a new snapshot of sourceID and returns the
// persisted descriptor. The snapshot kind follows the chain rules: the
// first backup of a source, a forced full, a chain at its length cap, or
// every Nth backup produces a full; everything else is an incremental
// descending from the chain tip.
func (e *Engine) Create(ctx context.Context, sourceID string, data []byte, opts CreateOptions) (*repo.Snapshot, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("source id must not be empty")
	}

	lock := e.sourceLock(sourceID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	kind, parentID, err := e.selectKind(ctx, sourceID, opts.ForceFull)
	if err != nil {
		return nil, err
	}

	snap, err := e.create(ctx, sourceID, data, kind, parentID, opts)
	if err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "snapshot created",
		"snapshot_id", snap.ID,
		"source_id", sourceID,
		"kind", snap.Kind,
		"logical_size", snap.LogicalSize,
		"unique_size", snap.UniqueSize,
		"dedup_ratio", snap.DedupRatio,
		"chunks", snap.ChunkCount,
		"compression", snap.Compression,
		"duration_ms", logger.Duration(start))
	return snap, nil
}

// create runs the unconditional part of snapshot creation: chunk, seal,
// store, persist. The caller holds the source lock and has already
// resolved kind and parent.
func (e *Engine) create(ctx context.Context, sourceID string, data []byte, kind repo.SnapshotKind, parentID *string, opts CreateOptions) (*repo.Snapshot, error) {
	snapshotID := uuid.NewString()
	key := objstore.SnapshotKeyFor(sourceID, snapshotID)
	start := time.Now()
	createdAt := start.UTC()

	manifest, uniqueSize, dedupHits, added, err := e.storeChunks(ctx, data)
	if err != nil {
		return nil, err
	}

	// Anything failing past this point must release the chunk
	// references taken above or they leak until a GC reconcile.
	rollback := func() {
		for _, id := range added {
			if rerr := e.chunks.Remove(context.WithoutCancel(ctx), id); rerr != nil {
				logger.WarnCtx(ctx, "failed to release chunk reference during rollback",
					"chunk_id", id, "error", rerr)
			}
		}
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	logicalSize := int64(len(data))

	sealed, sealedSum, compression, err := sealManifest(manifest, e.cfg.Compression, e.enc)
	if err != nil {
		rollback()
		return nil, err
	}

	env := &envelope{
		Version:        envelopeVersion,
		SnapshotID:     snapshotID,
		SourceID:       sourceID,
		Kind:           string(kind),
		ParentID:       parentID,
		CreatedAt:      createdAt,
		Compression:    compression,
		Encryption:     e.enc.Method(),
		Manifest:       sealed,
		ManifestSHA256: sealedSum,
		LogicalSize:    logicalSize,
		Checksum:       checksum,
	}
	envData, err := encodeEnvelope(env)
	if err != nil {
		rollback()
		return nil, err
	}

	if _, err := e.objects.Put(ctx, key, envData, objstore.PutOptions{
		Tier:        objstore.TierHot,
		ContentType: "application/json",
		Tags:        opts.Tags,
	}); err != nil {
		rollback()
		return nil, fmt.Errorf("storing snapshot envelope: %w", err)
	}

	if e.cfg.VerifyAfterWrite {
		if err := e.verifyEnvelope(ctx, env); err != nil {
			rollback()
			if derr := e.objects.Delete(context.WithoutCancel(ctx), key); derr != nil {
				logger.WarnCtx(ctx, "failed to remove unverifiable snapshot envelope",
					"key", key, "error", derr)
			}
			return nil, err
		}
	}

	dedupRatio := 0.0
	if logicalSize > 0 {
		dedupRatio = 1 - float64(uniqueSize)/float64(logicalSize)
	}

	snap := &repo.Snapshot{
		ID:          snapshotID,
		SourceID:    sourceID,
		Kind:        string(kind),
		ParentID:    parentID,
		Status:      repo.SnapshotStatusCompleted,
		StorageKey:  key,
		Tier:        repo.TierHot,
		LogicalSize: logicalSize,
		UniqueSize:  uniqueSize,
		ChunkCount:  len(manifest.Chunks),
		DedupRatio:  dedupRatio,
		Compression: string(compression),
		Encryption:  string(e.enc.Method()),
		Checksum:    checksum,
		CreatedAt:   createdAt,
		Metadata:    opts.Metadata,
	}
	if opts.PolicyID != "" {
		snap.PolicyID = &opts.PolicyID
	}

	if _, err := e.meta.CreateSnapshot(ctx, snap); err != nil {
		rollback()
		if derr := e.objects.Delete(context.WithoutCancel(ctx), key); derr != nil {
			logger.WarnCtx(ctx, "failed to remove orphaned snapshot envelope",
				"key", key, "error", derr)
		}
		return nil, fmt.Errorf("persisting snapshot descriptor: %w", err)
	}

	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveCreate(snap, dedupHits, time.Since(start))
	}
	return snap, nil
}

// storeChunks splits data and adds every chunk to the store. It returns
// the manifest, the number of bytes this call actually added (post-dedup
// unique size), the number of references served by pre-existing chunks,
// and the chunk IDs added, one entry per reference taken, for rollback.
func (e *Engine) storeChunks(ctx context.Context, data []byte) (*Manifest, int64, int, []string, error) {
	var spans []chunkstore.Span
	if e.cfg.Dedup {
		spans = e.chunker.Split(data)
	} else if len(data) > 0 {
		spans = []chunkstore.Span{{Offset: 0, Size: int64(len(data))}}
	}

	manifest := &Manifest{Chunks: make([]ChunkRef, 0, len(spans))}
	added := make([]string, 0, len(spans))
	var uniqueSize int64
	var dedupHits int

	for _, span := range spans {
		raw := data[span.Offset : span.Offset+span.Size]
		info, err := e.chunks.Add(ctx, raw)
		if err != nil {
			// Release references taken so far.
			for _, id := range added {
				if rerr := e.chunks.Remove(context.WithoutCancel(ctx), id); rerr != nil {
					logger.WarnCtx(ctx, "failed to release chunk reference during rollback",
						"chunk_id", id, "error", rerr)
				}
			}
			return nil, 0, 0, nil, fmt.Errorf("storing chunk at offset %d: %w", span.Offset, err)
		}
		added = append(added, info.ID)
		if info.RefCount == 1 {
			uniqueSize += span.Size
		} else {
			dedupHits++
		}
		manifest.Chunks = append(manifest.Chunks, ChunkRef{
			ID:     info.ID,
			Offset: span.Offset,
			Size:   span.Size,
		})
	}

	return manifest, uniqueSize, dedupHits, added, nil
}

// Restore reassembles the payload of a snapshot. Descriptor lookup goes
// to the metadata database first and falls back to scanning object
// storage, so restores keep working when the database itself is what
// was lost.
func (e *Engine) Restore(ctx context.Context, snapshotID string) ([]byte, error) {
	start := time.Now()
	env, err := e.loadEnvelope(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	data, err := e.restoreEnvelope(ctx, env)
	if err != nil {
		return nil, err
	}
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveRestore(int64(len(data)), time.Since(start))
	}
	return data, nil
}

// restoreEnvelope decodes the manifest and reassembles the payload,
// verifying the result against the recorded checksum.
func (e *Engine) restoreEnvelope(ctx context.Context, env *envelope) ([]byte, error) {
	manifest, err := openManifest(env, e.enc)
	if err != nil {
		return nil, err
	}

	data, err := e.assemble(ctx, manifest)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, fmt.Errorf("%w: payload checksum mismatch for snapshot %s",
			ErrSnapshotCorrupt, env.SnapshotID)
	}
	return data, nil
}

// assemble fetches the manifest's chunks and lays them out at their
// offsets. Distinct chunks are fetched once, in parallel; repeated
// references reuse the fetched bytes.
func (e *Engine) assemble(ctx context.Context, m *Manifest) ([]byte, error) {
	buf := make([]byte, m.LogicalSize())

	distinct := make(map[string][]byte, len(m.Chunks))
	for _, ref := range m.Chunks {
		distinct[ref.ID] = nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)
	for id := range distinct {
		g.Go(func() error {
			data, err := e.chunks.Get(gctx, id)
			if err != nil {
				return fmt.Errorf("fetching chunk %s: %w", id, err)
			}
			mu.Lock()
			distinct[id] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, ref := range m.Chunks {
		data := distinct[ref.ID]
		if int64(len(data)) != ref.Size {
			return nil, fmt.Errorf("%w: chunk %s is %d bytes, manifest says %d",
				ErrSnapshotCorrupt, ref.ID, len(data), ref.Size)
		}
		copy(buf[ref.Offset:ref.Offset+ref.Size], data)
	}
	return buf, nil
}

// loadEnvelope fetches and decodes a snapshot envelope. The metadata
// database is consulted first for the storage key and tier; when the
// descriptor row is gone the snapshot prefix is scanned for the key
// carrying the snapshot's UUID hex.
func (e *Engine) loadEnvelope(ctx context.Context, snapshotID string) (*envelope, error) {
	row, err := e.meta.GetSnapshot(ctx, snapshotID)
	switch {
	case err == nil:
		data, gerr := e.objects.GetFromTier(ctx, row.StorageKey, objstore.Tier(row.Tier))
		if errors.Is(gerr, objstore.ErrNotFound) {
			// A lifecycle sweep may have moved the envelope after the
			// row was read. Probe every tier before giving up.
			data, _, gerr = e.objects.Get(ctx, row.StorageKey)
		}
		if gerr != nil {
			return nil, fmt.Errorf("loading snapshot envelope %s: %w", row.StorageKey, gerr)
		}
		return decodeEnvelope(data)

	case errors.Is(err, repo.ErrSnapshotNotFound):
		return e.scanForEnvelope(ctx, snapshotID)

	default:
		return nil, err
	}
}

// scanForEnvelope finds a snapshot envelope by its UUID hex when the
// metadata database has no descriptor. This walks the snapshot prefix of
// every tier, so it is a disaster path, not a hot path.
func (e *Engine) scanForEnvelope(ctx context.Context, snapshotID string) (*envelope, error) {
	suffix := "_" + strings.ReplaceAll(snapshotID, "-", "")
	for _, tier := range objstore.Tiers {
		infos, err := e.objects.List(ctx, tier, objstore.PrefixSnapshots, 0)
		if err != nil {
			return nil, fmt.Errorf("scanning %s tier for snapshot %s: %w", tier, snapshotID, err)
		}
		for _, info := range infos {
			if !strings.HasSuffix(info.Key, suffix) {
				continue
			}
			data, err := e.objects.GetFromTier(ctx, info.Key, tier)
			if err != nil {
				return nil, fmt.Errorf("loading snapshot envelope %s: %w", info.Key, err)
			}
			logger.WarnCtx(ctx, "snapshot descriptor missing from database, recovered from storage",
				"snapshot_id", snapshotID, "key", info.Key, "tier", tier)
			return decodeEnvelope(data)
		}
	}
	return nil, repo.ErrSnapshotNotFound
}

// verifyEnvelope restores from an in-memory envelope and checks the
// payload against its checksum. Used by post-write verification before
// the descriptor row exists.
func (e *Engine) verifyEnvelope(ctx context.Context, env *envelope) error {
	data, err := e.restoreEnvelope(ctx, env)
	if err != nil {
		return fmt.Errorf("post-write verification: %w", err)
	}
	if int64(len(data)) != env.LogicalSize {
		return fmt.Errorf("%w: post-write verification restored %d bytes, expected %d",
			ErrSnapshotCorrupt, len(data), env.LogicalSize)
	}
	return nil
}

// Delete removes a snapshot: every chunk reference it holds is released
// (erasing chunk bytes that reach zero references), the envelope object
// is removed from storage, and the descriptor row is deleted.
//
// Retention enforcement is the lifecycle manager's job; Delete performs
// the removal unconditionally.
func (e *Engine) Delete(ctx context.Context, snapshotID string) error {
	env, err := e.loadEnvelope(ctx, snapshotID)
	if err != nil {
		return err
	}
	manifest, err := openManifest(env, e.enc)
	if err != nil {
		return err
	}

	// One Remove per manifest occurrence: a chunk listed twice holds
	// two references.
	for _, ref := range manifest.Chunks {
		if err := e.chunks.Remove(ctx, ref.ID); err != nil && !errors.Is(err, chunkstore.ErrChunkNotFound) {
			return fmt.Errorf("releasing chunk %s: %w", ref.ID, err)
		}
	}

	key := objstore.SnapshotKeyFor(env.SourceID, env.SnapshotID)
	if err := e.objects.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting snapshot envelope: %w", err)
	}

	if err := e.meta.DeleteSnapshot(ctx, snapshotID); err != nil && !errors.Is(err, repo.ErrSnapshotNotFound) {
		return err
	}

	logger.InfoCtx(ctx, "snapshot deleted",
		"snapshot_id", snapshotID, "source_id", env.SourceID, "chunks_released", len(manifest.Chunks))
	return nil
}
