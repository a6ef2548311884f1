// Package wal provides the write-ahead transaction log and checkpoint
// store that point-in-time recovery replays.
//
// Entries are single JSON lines appended to segment files under the WAL
// directory. A segment rotates when it would exceed the size cap;
// rotated segments are optionally gzip-compressed, archived to object
// storage, and deleted once they age past the retention window. Segment
// file names embed the creation instant, so lexicographic order is
// chronological order.
//
// Segment lifecycle: absent, then open on the first append, rotated on
// a size breach, compressed when configured, expired past retention,
// deleted. An open segment only exits via rotation or Close.
package wal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/objstore"
)

// Sentinel errors.
var (
	// ErrClosed is returned when operations are attempted on a closed
	// manager.
	ErrClosed = errors.New("wal manager is closed")

	// ErrEntryCorrupt indicates an entry failed its checksum on read.
	ErrEntryCorrupt = errors.New("wal entry failed checksum")

	// ErrCheckpointNotFound indicates no checkpoint matches the
	// requested identifier, or none exist at all.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointCorrupt indicates a checkpoint's state no longer
	// matches the checksum recorded when it was written.
	ErrCheckpointCorrupt = errors.New("checkpoint failed integrity check")
)

// EntryKind classifies a logged mutation.
type EntryKind string

const (
	KindCreate     EntryKind = "create"
	KindUpdate     EntryKind = "update"
	KindDelete     EntryKind = "delete"
	KindCheckpoint EntryKind = "checkpoint"
	KindSnapshot   EntryKind = "snapshot"
)

// IsValid reports whether k is a known entry kind.
func (k EntryKind) IsValid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindCheckpoint, KindSnapshot:
		return true
	}
	return false
}

// Entry is one logged mutation. Append assigns TxID, Timestamp, and
// Checksum; callers fill the rest.
type Entry struct {
	// TxID is the globally unique transaction identifier.
	TxID string `json:"tx_id"`

	// Timestamp is monotonic within the manager: no two entries share
	// an instant, and append order equals timestamp order.
	Timestamp time.Time `json:"timestamp"`

	Kind EntryKind `json:"kind"`

	// ObjectID names the mutated object (document, snapshot,
	// checkpoint).
	ObjectID string `json:"object_id"`

	// Payload is the operation body. The checksum covers exactly these
	// bytes.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Before and After capture surrounding state where the producer
	// has it; deletes and checkpoints may omit them.
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`

	// Checksum is the hex SHA-256 of Payload, validated on read.
	Checksum string `json:"checksum"`

	UserID   string            `json:"user_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StateProvider supplies the current logical state for automatic
// checkpoints.
type StateProvider func(ctx context.Context) (any, error)

// Config parametrizes the manager. Zero values select the defaults
// noted per field.
type Config struct {
	// Dir holds WAL segment files. Required.
	Dir string

	// SegmentMaxSize is the rotation threshold. Default: 16 MiB.
	SegmentMaxSize int64

	// CompressRotated gzips segments after rotation. Default: true
	// (set via DefaultConfig; the zero value disables).
	CompressRotated bool

	// Retention is how long rotated segments are kept. Default: 168h.
	Retention time.Duration

	// RingCapacity is the recent-entries ring size. Default: 1000.
	RingCapacity int

	// CheckpointDir holds checkpoint documents. Default:
	// Dir/checkpoints.
	CheckpointDir string

	// MaxCheckpoints caps retained checkpoints; the oldest are pruned
	// past it. Default: 48.
	MaxCheckpoints int

	// CheckpointInterval is the automatic checkpoint period.
	// Default: 15m.
	CheckpointInterval time.Duration

	// StateProvider feeds automatic checkpoints. Without one,
	// Subscribe still counts but no loop runs.
	StateProvider StateProvider

	// Observer receives appended entries, rotations, and checkpoints;
	// nil disables observation.
	Observer Observer
}

// Observer receives completed log operations, typically for metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	// ObserveAppend is called once per durable entry with the encoded
	// line size and the append latency, fsync included.
	ObserveAppend(kind EntryKind, bytes int, duration time.Duration)

	// ObserveRotate is called once per segment rotation with the
	// rotated segment's pre-compression size.
	ObserveRotate(segmentBytes int64)

	// ObserveCheckpoint is called once per written checkpoint with the
	// serialized state size.
	ObserveCheckpoint(stateBytes int)
}

// DefaultConfig returns the standard WAL configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                dir,
		SegmentMaxSize:     16 * 1024 * 1024,
		CompressRotated:    true,
		Retention:          168 * time.Hour,
		RingCapacity:       1000,
		MaxCheckpoints:     48,
		CheckpointInterval: 15 * time.Minute,
	}
}

// Manager appends, reads, and checkpoints the write-ahead log.
type Manager struct {
	cfg     Config
	objects objstore.Store

	// appendMu serializes appends; concurrent appenders queue.
	appendMu sync.Mutex
	seg      *os.File
	segPath  string
	segSize  int64
	lastTS   time.Time
	closed   bool

	ring *entryRing

	// ckptMu serializes checkpoint writes and pruning.
	ckptMu sync.Mutex

	// subMu guards the automatic checkpoint loop refcount.
	subMu    sync.Mutex
	subs     int
	stopAuto chan struct{}
	autoDone chan struct{}
}

// NewManager creates a WAL manager rooted at cfg.Dir. The objects store
// receives archived copies of rotated segments and checkpoints; nil
// disables archiving.
func NewManager(cfg Config, objects objstore.Store) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("wal directory is required")
	}
	if cfg.SegmentMaxSize <= 0 {
		cfg.SegmentMaxSize = 16 * 1024 * 1024
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 168 * time.Hour
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 1000
	}
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = filepath.Join(cfg.Dir, "checkpoints")
	}
	if cfg.MaxCheckpoints <= 0 {
		cfg.MaxCheckpoints = 48
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 15 * time.Minute
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating wal directory: %w", err)
	}
	if err := os.MkdirAll(cfg.CheckpointDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}

	return &Manager{
		cfg:     cfg,
		objects: objects,
		ring:    newEntryRing(cfg.RingCapacity),
	}, nil
}

// Append completes entry (transaction ID, monotonic timestamp, payload
// checksum) and writes it as one line of the current segment, rotating
// first when the line would breach the size cap. The completed entry is
// also pushed to the recent-entries ring.
func (m *Manager) Append(ctx context.Context, entry *Entry) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !entry.Kind.IsValid() {
		return nil, fmt.Errorf("invalid wal entry kind %q", entry.Kind)
	}

	start := time.Now()

	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	e := *entry
	if e.TxID == "" {
		e.TxID = uuid.NewString()
	}
	now := time.Now().UTC()
	if !now.After(m.lastTS) {
		now = m.lastTS.Add(time.Nanosecond)
	}
	e.Timestamp = now
	sum := sha256.Sum256(e.Payload)
	e.Checksum = hex.EncodeToString(sum[:])

	line, err := json.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("encoding wal entry: %w", err)
	}
	line = append(line, '\n')

	if m.seg != nil && m.segSize+int64(len(line)) > m.cfg.SegmentMaxSize {
		if err := m.rotateLocked(ctx); err != nil {
			return nil, err
		}
	}
	if m.seg == nil {
		if err := m.openSegmentLocked(now); err != nil {
			return nil, err
		}
	}

	if _, err := m.seg.Write(line); err != nil {
		return nil, fmt.Errorf("writing wal entry: %w", err)
	}
	if err := m.seg.Sync(); err != nil {
		return nil, fmt.Errorf("syncing wal segment: %w", err)
	}
	m.segSize += int64(len(line))
	m.lastTS = now

	m.ring.Push(&e)
	if m.cfg.Observer != nil {
		m.cfg.Observer.ObserveAppend(e.Kind, len(line), time.Since(start))
	}
	return &e, nil
}

// openSegmentLocked starts a new segment file. The name embeds the
// creation instant in fixed-width nanoseconds so names sort in time
// order.
func (m *Manager) openSegmentLocked(at time.Time) error {
	name := fmt.Sprintf("wal_%020d.log", at.UnixNano())
	path := filepath.Join(m.cfg.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("opening wal segment: %w", err)
	}
	m.seg = f
	m.segPath = path
	m.segSize = 0
	logger.Debug("Opened WAL segment", "path", path)
	return nil
}

// rotateLocked closes the current segment, optionally compresses it,
// archives it to object storage, and triggers a retention sweep.
func (m *Manager) rotateLocked(ctx context.Context) error {
	if m.seg == nil {
		return nil
	}
	if err := m.seg.Close(); err != nil {
		return fmt.Errorf("closing wal segment: %w", err)
	}
	path := m.segPath
	size := m.segSize
	m.seg = nil
	m.segPath = ""
	m.segSize = 0

	if m.cfg.CompressRotated {
		compressed, err := compressSegment(path)
		if err != nil {
			// The uncompressed segment is still valid and readable;
			// leave it in place.
			logger.Warn("Failed to compress rotated WAL segment", "path", path, "error", err)
		} else {
			path = compressed
		}
	}

	m.archiveSegment(ctx, path)
	logger.Info("Rotated WAL segment", "path", path, "bytes", size)
	if m.cfg.Observer != nil {
		m.cfg.Observer.ObserveRotate(size)
	}

	if removed, err := m.sweepLocked(time.Now()); err != nil {
		logger.Warn("WAL retention sweep failed", "error", err)
	} else if removed > 0 {
		logger.Info("WAL retention sweep removed segments", "removed", removed)
	}
	return nil
}

// compressSegment gzips a rotated segment in place, returning the new
// path.
func compressSegment(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	gzPath := path + ".gz"
	out, err := os.Create(gzPath)
	if err != nil {
		return "", err
	}
	w := gzip.NewWriter(out)
	if _, err := w.Write(data); err != nil {
		out.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	if err := os.Remove(path); err != nil {
		return "", err
	}
	return gzPath, nil
}

// archiveSegment uploads a rotated segment to object storage.
// Best-effort: the local file remains the durable copy until retention
// removes it.
func (m *Manager) archiveSegment(ctx context.Context, path string) {
	if m.objects == nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Failed to read rotated WAL segment for archiving", "path", path, "error", err)
		return
	}
	key := objstore.WALKey()
	if _, err := m.objects.Put(context.WithoutCancel(ctx), key, data, objstore.PutOptions{
		Tier:     objstore.TierHot,
		Metadata: map[string]string{"segment": filepath.Base(path)},
	}); err != nil {
		logger.Warn("Failed to archive rotated WAL segment", "path", path, "key", key, "error", err)
		return
	}
	logger.Debug("Archived WAL segment", "path", path, "key", key)
}

// Sweep removes rotated segments older than the retention window and
// returns how many were deleted. The open segment is never swept.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	return m.sweepLocked(time.Now())
}

func (m *Manager) sweepLocked(now time.Time) (int, error) {
	paths, err := m.segmentPaths()
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-m.cfg.Retention)

	removed := 0
	for _, path := range paths {
		if path == m.segPath {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("Failed to remove expired WAL segment", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// segmentPaths returns every segment file, open or rotated, sorted so
// older segments come first.
func (m *Manager) segmentPaths() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("listing wal directory: %w", err)
	}
	var paths []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, "wal_") {
			continue
		}
		if !strings.HasSuffix(name, ".log") && !strings.HasSuffix(name, ".log.gz") {
			continue
		}
		paths = append(paths, filepath.Join(m.cfg.Dir, name))
	}
	// Names embed fixed-width creation nanos; plain sort is time order.
	// A compressed segment sorts identically to its uncompressed self
	// because the suffix only differs after the timestamp.
	sort.Strings(paths)
	return paths, nil
}

// Close stops the automatic checkpoint loop if running and closes the
// open segment. Further appends return ErrClosed.
func (m *Manager) Close() error {
	m.subMu.Lock()
	if m.stopAuto != nil {
		close(m.stopAuto)
		<-m.autoDone
		m.stopAuto = nil
		m.subs = 0
	}
	m.subMu.Unlock()

	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.seg != nil {
		if err := m.seg.Close(); err != nil {
			return fmt.Errorf("closing wal segment: %w", err)
		}
		m.seg = nil
	}
	return nil
}
