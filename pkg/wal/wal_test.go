package wal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forgevault/forgevault/pkg/objstore"
)

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg, objstore.NewMemory())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func mustAppend(t *testing.T, m *Manager, kind EntryKind, objectID string, payload any) *Entry {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	e, err := m.Append(context.Background(), &Entry{
		Kind:     kind,
		ObjectID: objectID,
		Payload:  raw,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return e
}

func TestAppendAssignsIdentityAndMonotonicTimestamps(t *testing.T) {
	m := newTestManager(t, nil)

	var last time.Time
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		e := mustAppend(t, m, KindCreate, "objA", map[string]int{"n": i})
		if e.TxID == "" {
			t.Fatal("append left TxID empty")
		}
		if seen[e.TxID] {
			t.Fatalf("duplicate TxID %s", e.TxID)
		}
		seen[e.TxID] = true
		if !e.Timestamp.After(last) {
			t.Fatalf("timestamp %v not after %v", e.Timestamp, last)
		}
		if e.Checksum == "" {
			t.Fatal("append left Checksum empty")
		}
		last = e.Timestamp
	}
}

func TestAppendRejectsUnknownKind(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.Append(context.Background(), &Entry{Kind: "truncate"}); err == nil {
		t.Fatal("Append accepted an unknown kind")
	}
}

func TestReadReturnsEntriesInTimestampOrder(t *testing.T) {
	m := newTestManager(t, nil)

	want := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		e := mustAppend(t, m, KindUpdate, "objB", map[string]int{"v": i})
		want = append(want, e.TxID)
	}

	got, err := m.Read(context.Background(), ReadOptions{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("read %d entries, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.TxID != want[i] {
			t.Errorf("entry %d TxID = %s, want %s", i, e.TxID, want[i])
		}
		if i > 0 && !e.Timestamp.After(got[i-1].Timestamp) {
			t.Errorf("entry %d out of order", i)
		}
	}
}

func TestReadWindowBounds(t *testing.T) {
	m := newTestManager(t, nil)

	first := mustAppend(t, m, KindCreate, "objA", 1)
	second := mustAppend(t, m, KindUpdate, "objA", 2)
	third := mustAppend(t, m, KindUpdate, "objA", 3)

	// Start is exclusive, End inclusive.
	got, err := m.Read(context.Background(), ReadOptions{
		Start: first.Timestamp,
		End:   second.Timestamp,
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 1 || got[0].TxID != second.TxID {
		t.Fatalf("windowed read = %d entries, want exactly the middle one", len(got))
	}

	got, err = m.Read(context.Background(), ReadOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("limited read = %d entries, want 2", len(got))
	}
	if got[0].TxID != first.TxID || got[1].TxID != second.TxID {
		t.Error("limit did not keep the oldest entries")
	}
	_ = third
}

func TestRotationSplitsSegmentsAndReadsMergeThem(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.SegmentMaxSize = 600
		cfg.CompressRotated = true
	})

	for i := 0; i < 12; i++ {
		mustAppend(t, m, KindCreate, "objC", map[string]any{
			"index":   i,
			"padding": strings.Repeat("x", 128),
		})
	}

	paths, err := m.segmentPaths()
	if err != nil {
		t.Fatalf("segmentPaths failed: %v", err)
	}
	if len(paths) < 2 {
		t.Fatalf("segments = %d, want rotation to have produced several", len(paths))
	}
	compressed := 0
	for _, p := range paths {
		if strings.HasSuffix(p, ".log.gz") {
			compressed++
		}
	}
	if compressed == 0 {
		t.Error("no rotated segment was compressed")
	}

	got, err := m.Read(context.Background(), ReadOptions{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 12 {
		t.Fatalf("read %d entries across segments, want 12", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Fatalf("entry %d out of order across segment boundary", i)
		}
	}
}

func TestEntryChecksumValidatedOnRead(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	mustAppend(t, m, KindCreate, "objA", map[string]string{"name": "original"})
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Tamper with the payload while keeping the line valid JSON.
	paths, err := filepath.Glob(filepath.Join(dir, "wal_*.log"))
	if err != nil || len(paths) != 1 {
		t.Fatalf("expected one segment, got %v (%v)", paths, err)
	}
	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("reading segment: %v", err)
	}
	tampered := strings.Replace(string(data), "original", "tampered", 1)
	if tampered == string(data) {
		t.Fatal("tampering had no effect")
	}
	if err := os.WriteFile(paths[0], []byte(tampered), 0o644); err != nil {
		t.Fatalf("writing tampered segment: %v", err)
	}

	// A fresh manager has an empty ring, so the read scans the segment.
	reopened, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.Read(context.Background(), ReadOptions{}); !errors.Is(err, ErrEntryCorrupt) {
		t.Fatalf("Read of tampered segment = %v, want ErrEntryCorrupt", err)
	}
}

func TestSweepRemovesExpiredSegments(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.Retention = 24 * time.Hour
	cfg.CompressRotated = false

	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	mustAppend(t, m, KindCreate, "objA", 1)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Age the rotated segment past retention.
	paths, _ := filepath.Glob(filepath.Join(dir, "wal_*.log"))
	if len(paths) != 1 {
		t.Fatalf("expected one segment, got %d", len(paths))
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(paths[0], old, old); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	reopened, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer reopened.Close()
	mustAppend(t, reopened, KindCreate, "objB", 2)

	removed, err := reopened.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("swept %d segments, want 1", removed)
	}
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Error("expired segment still present")
	}

	// The open segment is never swept.
	remaining, _ := filepath.Glob(filepath.Join(dir, "wal_*.log"))
	if len(remaining) != 1 {
		t.Errorf("remaining segments = %d, want the open one", len(remaining))
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	m := newTestManager(t, nil)
	mustAppend(t, m, KindCreate, "objA", 1)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := m.Append(context.Background(), &Entry{Kind: KindCreate}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Append after close = %v, want ErrClosed", err)
	}
}

func TestRingEviction(t *testing.T) {
	ring := newEntryRing(3)
	for i := 0; i < 5; i++ {
		ring.Push(&Entry{TxID: string(rune('a' + i)), Timestamp: time.Unix(int64(i), 0)})
	}
	if ring.Len() != 3 {
		t.Fatalf("ring length = %d, want 3", ring.Len())
	}
	snap := ring.Snapshot()
	if snap[0].TxID != "c" || snap[2].TxID != "e" {
		t.Errorf("ring retained %s..%s, want c..e", snap[0].TxID, snap[2].TxID)
	}
	oldest, ok := ring.OldestTimestamp()
	if !ok || !oldest.Equal(time.Unix(2, 0)) {
		t.Errorf("oldest timestamp = %v, want t=2", oldest)
	}
}
