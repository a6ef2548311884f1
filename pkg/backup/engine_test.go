package backup

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/forgevault/forgevault/pkg/chunkstore"
	"github.com/forgevault/forgevault/pkg/objstore"
	"github.com/forgevault/forgevault/pkg/repo"
)

type testEngine struct {
	*Engine
	chunks  *chunkstore.MemoryStore
	objects *objstore.MemoryStore
	meta    *repo.MemoryStore
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	objects := objstore.NewMemory()
	chunks := chunkstore.NewMemory(objects)
	meta := repo.NewMemory()

	eng, err := NewEngine(cfg, chunks, objects, meta)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return &testEngine{Engine: eng, chunks: chunks, objects: objects, meta: meta}
}

func TestEngineDedupAcrossRepeatedContent(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, Defaults())

	// 64 KiB of constant bytes concatenated with itself: the chunker
	// must cut it into two identical target-size chunks, stored once.
	half := bytes.Repeat([]byte{0x41}, 64*1024)
	payload := append(append([]byte{}, half...), half...)

	snap, err := te.Create(ctx, "src-1", payload, CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if snap.Kind != string(repo.SnapshotFull) {
		t.Errorf("first snapshot kind = %s, want full", snap.Kind)
	}
	if snap.LogicalSize != 131072 {
		t.Errorf("logical size = %d, want 131072", snap.LogicalSize)
	}
	if snap.UniqueSize != 65536 {
		t.Errorf("unique size = %d, want 65536", snap.UniqueSize)
	}
	if snap.ChunkCount != 2 {
		t.Errorf("chunk count = %d, want 2", snap.ChunkCount)
	}
	if snap.DedupRatio < 0.45 {
		t.Errorf("dedup ratio = %f, want >= 0.45", snap.DedupRatio)
	}

	// One distinct chunk with both references on it.
	ids, err := te.chunks.List(ctx)
	if err != nil {
		t.Fatalf("chunk List failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("stored %d distinct chunks, want 1", len(ids))
	}
	info, err := te.chunks.Info(ctx, ids[0])
	if err != nil {
		t.Fatalf("chunk Info failed: %v", err)
	}
	if info.RefCount != 2 {
		t.Errorf("chunk ref count = %d, want 2", info.RefCount)
	}

	restored, err := te.Restore(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Errorf("restored %d bytes that do not match the original payload", len(restored))
	}
}

func TestEngineChainKindSelection(t *testing.T) {
	ctx := context.Background()
	cfg := Defaults()
	cfg.FullEvery = 3
	te := newTestEngine(t, cfg)

	s1, err := te.Create(ctx, "doc-7", []byte("rev one"), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s1.Kind != string(repo.SnapshotFull) || s1.ParentID != nil {
		t.Errorf("first backup = %s/%v, want full with no parent", s1.Kind, s1.ParentID)
	}

	s2, err := te.Create(ctx, "doc-7", []byte("rev two"), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s2.Kind != string(repo.SnapshotIncremental) {
		t.Errorf("second backup kind = %s, want incremental", s2.Kind)
	}
	if s2.ParentID == nil || *s2.ParentID != s1.ID {
		t.Errorf("second backup parent = %v, want %s", s2.ParentID, s1.ID)
	}

	s3, err := te.Create(ctx, "doc-7", []byte("rev three"), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s3.ParentID == nil || *s3.ParentID != s2.ID {
		t.Errorf("third backup parent = %v, want %s", s3.ParentID, s2.ID)
	}

	// The chain now holds three snapshots, so the next one is promoted.
	s4, err := te.Create(ctx, "doc-7", []byte("rev four"), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s4.Kind != string(repo.SnapshotFull) || s4.ParentID != nil {
		t.Errorf("promoted backup = %s/%v, want full with no parent", s4.Kind, s4.ParentID)
	}

	s5, err := te.Create(ctx, "doc-7", []byte("rev five"), CreateOptions{ForceFull: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s5.Kind != string(repo.SnapshotFull) {
		t.Errorf("forced backup kind = %s, want full", s5.Kind)
	}

	// Incrementals extend the newest full, not the original chain.
	s6, err := te.Create(ctx, "doc-7", []byte("rev six"), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s6.ParentID == nil || *s6.ParentID != s5.ID {
		t.Errorf("post-full backup parent = %v, want %s", s6.ParentID, s5.ID)
	}
}

func TestEngineRestoreSurvivesLostDescriptor(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, Defaults())

	payload := []byte("the database is gone but the bytes are not")
	snap, err := te.Create(ctx, "src-dr", payload, CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := te.meta.DeleteSnapshot(ctx, snap.ID); err != nil {
		t.Fatalf("DeleteSnapshot failed: %v", err)
	}

	restored, err := te.Restore(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Restore after descriptor loss failed: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Error("payload mismatch after descriptor loss")
	}

	if _, err := te.Restore(ctx, "1b4e28ba-2fa1-11d2-883f-0016d3cca427"); !errors.Is(err, repo.ErrSnapshotNotFound) {
		t.Errorf("Restore(unknown) = %v, want ErrSnapshotNotFound", err)
	}
}

func TestEngineEncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := Defaults()
	cfg.Encryption = EncryptionAESGCM
	cfg.Key = DeriveKey("unit-test-secret")
	te := newTestEngine(t, cfg)

	payload := bytes.Repeat([]byte("parametric solid body "), 4096)
	snap, err := te.Create(ctx, "src-enc", payload, CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if snap.Encryption != string(EncryptionAESGCM) {
		t.Errorf("recorded encryption = %s, want aes-gcm", snap.Encryption)
	}

	restored, err := te.Restore(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Error("payload mismatch after encrypted round trip")
	}
}

func TestNewEngineRequiresKeyMaterial(t *testing.T) {
	cfg := Defaults()
	cfg.Encryption = EncryptionFernet
	_, err := NewEngine(cfg, chunkstore.NewMemory(objstore.NewMemory()), objstore.NewMemory(), repo.NewMemory())
	if !errors.Is(err, ErrEncryptionKeyRequired) {
		t.Errorf("NewEngine without key = %v, want ErrEncryptionKeyRequired", err)
	}
}

func TestEngineVerify(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, Defaults())

	snap, err := te.Create(ctx, "src-v", []byte("verify this payload"), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	result, err := te.Verify(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Status != VerifyValid {
		t.Fatalf("Verify status = %s, want valid", result.Status)
	}
	row, err := te.meta.GetSnapshot(ctx, snap.ID)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if row.VerifiedAt == nil {
		t.Error("verification did not record VerifiedAt")
	}

	// Damage the chunk payload behind the snapshot. Verification must
	// classify it corrupt and flip the descriptor status.
	ids, err := te.chunks.List(ctx)
	if err != nil {
		t.Fatalf("chunk List failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("stored %d distinct chunks, want 1", len(ids))
	}
	if _, err := te.objects.Put(ctx, objstore.ChunkKey(ids[0]), []byte("tampered"), objstore.PutOptions{Tier: objstore.TierHot}); err != nil {
		t.Fatalf("tampering Put failed: %v", err)
	}

	result, err = te.Verify(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Verify of corrupt snapshot errored: %v", err)
	}
	if result.Status != VerifyCorrupted {
		t.Errorf("Verify status = %s, want corrupted", result.Status)
	}
	row, err = te.meta.GetSnapshot(ctx, snap.ID)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if row.Status != repo.SnapshotStatusCorrupt {
		t.Errorf("snapshot status = %s, want corrupt", row.Status)
	}
}

func TestEngineVerifyUnreachableIsNotCorrupt(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, Defaults())

	snap, err := te.Create(ctx, "src-u", []byte("payload behind a missing envelope"), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := te.objects.Delete(ctx, snap.StorageKey); err != nil {
		t.Fatalf("Delete envelope failed: %v", err)
	}

	result, err := te.Verify(ctx, snap.ID)
	if err == nil {
		t.Fatal("Verify with missing envelope should return an error")
	}
	if result.Status != VerifyError {
		t.Errorf("Verify status = %s, want error", result.Status)
	}

	// An unreachable snapshot keeps its status; only proven corruption
	// flips it.
	row, err := te.meta.GetSnapshot(ctx, snap.ID)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if row.Status != repo.SnapshotStatusCompleted {
		t.Errorf("snapshot status = %s, want completed", row.Status)
	}
}

func TestEngineDeleteReleasesChunkReferences(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, Defaults())

	payload := bytes.Repeat([]byte{0x41}, 128*1024)

	first, err := te.Create(ctx, "src-d", payload, CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := te.Create(ctx, "src-d", payload, CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if second.UniqueSize != 0 {
		t.Errorf("identical re-backup unique size = %d, want 0", second.UniqueSize)
	}

	ids, err := te.chunks.List(ctx)
	if err != nil {
		t.Fatalf("chunk List failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("stored %d distinct chunks, want 1", len(ids))
	}
	info, err := te.chunks.Info(ctx, ids[0])
	if err != nil {
		t.Fatalf("chunk Info failed: %v", err)
	}
	if info.RefCount != 4 {
		t.Errorf("ref count with two snapshots = %d, want 4", info.RefCount)
	}

	// Deleting one snapshot halves the references and keeps the chunk.
	if err := te.Delete(ctx, second.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	info, err = te.chunks.Info(ctx, ids[0])
	if err != nil {
		t.Fatalf("chunk Info failed: %v", err)
	}
	if info.RefCount != 2 {
		t.Errorf("ref count after first delete = %d, want 2", info.RefCount)
	}
	restored, err := te.Restore(ctx, first.ID)
	if err != nil {
		t.Fatalf("Restore of surviving snapshot failed: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Error("surviving snapshot no longer restores its payload")
	}

	// Deleting the last holder erases the chunk and the descriptor.
	if err := te.Delete(ctx, first.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if ok, err := te.chunks.Contains(ctx, ids[0]); err != nil || ok {
		t.Errorf("chunk survived its last reference (ok=%v, err=%v)", ok, err)
	}
	if _, err := te.meta.GetSnapshot(ctx, first.ID); !errors.Is(err, repo.ErrSnapshotNotFound) {
		t.Errorf("GetSnapshot after delete = %v, want ErrSnapshotNotFound", err)
	}

	stats, err := te.objects.Stats(ctx, objstore.TierHot)
	if err != nil {
		t.Fatalf("objstore Stats failed: %v", err)
	}
	if stats.ObjectCount != 0 {
		t.Errorf("%d objects left in hot tier after deleting everything, want 0", stats.ObjectCount)
	}
}

func TestEngineSyntheticFull(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, Defaults())

	a := bytes.Repeat([]byte{0x41}, 64*1024)
	b := bytes.Repeat([]byte{0x42}, 64*1024)
	c := bytes.Repeat([]byte{0x43}, 64*1024)

	v1 := append(append([]byte{}, a...), a...)
	v2 := append(append([]byte{}, b...), a...)
	v3 := append(append([]byte{}, b...), c...)

	if _, err := te.Create(ctx, "doc-s", v1, CreateOptions{}); err != nil {
		t.Fatalf("Create v1 failed: %v", err)
	}
	if _, err := te.Create(ctx, "doc-s", v2, CreateOptions{}); err != nil {
		t.Fatalf("Create v2 failed: %v", err)
	}
	if _, err := te.Create(ctx, "doc-s", v3, CreateOptions{}); err != nil {
		t.Fatalf("Create v3 failed: %v", err)
	}

	synth, err := te.CreateSyntheticFull(ctx, "doc-s")
	if err != nil {
		t.Fatalf("CreateSyntheticFull failed: %v", err)
	}
	if synth.Kind != string(repo.SnapshotSynthetic) {
		t.Errorf("synthetic kind = %s, want synthetic", synth.Kind)
	}
	if synth.ParentID != nil {
		t.Errorf("synthetic parent = %v, want none", *synth.ParentID)
	}
	if synth.LogicalSize != int64(len(v3)) {
		t.Errorf("synthetic logical size = %d, want %d", synth.LogicalSize, len(v3))
	}

	restored, err := te.Restore(ctx, synth.ID)
	if err != nil {
		t.Fatalf("Restore of synthetic failed: %v", err)
	}
	if !bytes.Equal(restored, v3) {
		t.Error("synthetic full does not restore the chain tip state")
	}

	// The synthetic starts a fresh chain.
	next, err := te.Create(ctx, "doc-s", append(append([]byte{}, b...), b...), CreateOptions{})
	if err != nil {
		t.Fatalf("Create after synthetic failed: %v", err)
	}
	if next.Kind != string(repo.SnapshotIncremental) {
		t.Errorf("post-synthetic kind = %s, want incremental", next.Kind)
	}
	if next.ParentID == nil || *next.ParentID != synth.ID {
		t.Errorf("post-synthetic parent = %v, want %s", next.ParentID, synth.ID)
	}
}

func TestEngineSyntheticFullRequiresChain(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, Defaults())

	if _, err := te.CreateSyntheticFull(ctx, "doc-empty"); !errors.Is(err, ErrNoChain) {
		t.Errorf("CreateSyntheticFull on empty source = %v, want ErrNoChain", err)
	}
}

func TestEngineWithoutDedupStoresWholePayload(t *testing.T) {
	ctx := context.Background()
	cfg := Defaults()
	cfg.Dedup = false
	te := newTestEngine(t, cfg)

	payload := bytes.Repeat([]byte{0x41}, 200*1024)
	snap, err := te.Create(ctx, "src-whole", payload, CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if snap.ChunkCount != 1 {
		t.Errorf("chunk count = %d, want 1", snap.ChunkCount)
	}
	if snap.UniqueSize != int64(len(payload)) {
		t.Errorf("unique size = %d, want %d", snap.UniqueSize, len(payload))
	}

	restored, err := te.Restore(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Error("payload mismatch after round trip")
	}
}
