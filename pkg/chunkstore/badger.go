package chunkstore

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/objstore"
)

// ============================================================================
// Database Key Namespace
// ============================================================================
//
// Data Type     Prefix   Key Format     Value Type
// =======================================================
// Chunk Index   "c:"     c:<sha256hex>  ChunkInfo (JSON)

const prefixChunk = "c:"

func keyChunk(id string) []byte {
	return []byte(prefixChunk + id)
}

func encodeChunkInfo(info *ChunkInfo) ([]byte, error) {
	bytes, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk info: %w", err)
	}
	return bytes, nil
}

func decodeChunkInfo(bytes []byte) (*ChunkInfo, error) {
	var info ChunkInfo
	if err := json.Unmarshal(bytes, &info); err != nil {
		return nil, fmt.Errorf("failed to decode chunk info: %w", err)
	}
	return &info, nil
}

// BadgerStore is the persistent chunk store: badger holds the index,
// object storage holds the chunk payloads under chunks/{hex}.
//
// Invariant: an index entry implies the payload was written. Payload
// bytes without an index entry can occur after partial failures and are
// reclaimed by garbage collection; the reverse would lose data, so Add
// writes bytes before the index entry.
type BadgerStore struct {
	db      *badgerdb.DB
	objects objstore.Store

	// mu serializes Add and Remove so concurrent snapshot creation and
	// retention sweeps cannot lose reference-count updates.
	mu sync.Mutex
}

var _ Store = (*BadgerStore)(nil)

// NewBadger opens (or creates) the chunk index at path. Chunk payloads
// read and write through objects, which the caller keeps ownership of.
func NewBadger(path string, objects objstore.Store) (*BadgerStore, error) {
	opts := badgerdb.DefaultOptions(path)
	opts.Logger = nil

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk index at %s: %w", path, err)
	}

	logger.Debug("opened chunk index", "path", path)
	return &BadgerStore{db: db, objects: objects}, nil
}

func (s *BadgerStore) Add(ctx context.Context, data []byte) (*ChunkInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getInfo(id)
	if err == nil {
		existing.RefCount++
		if err := s.putInfo(existing); err != nil {
			return nil, err
		}
		logger.Debug("deduplicated chunk",
			logger.ChunkID(id),
			logger.RefCount(existing.RefCount),
		)
		return existing, nil
	}
	if !errors.Is(err, ErrChunkNotFound) {
		return nil, err
	}

	md5sum := md5.Sum(data)
	info := &ChunkInfo{
		ID:        id,
		Size:      int64(len(data)),
		RefCount:  1,
		MD5:       hex.EncodeToString(md5sum[:]),
		Tier:      objstore.TierHot,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.objects.Put(ctx, objstore.ChunkKey(id), data, objstore.PutOptions{Tier: info.Tier})
	if err != nil {
		return nil, fmt.Errorf("failed to store chunk payload: %w", err)
	}

	if err := s.putInfo(info); err != nil {
		// Roll the payload back best-effort so a retried Add does not
		// find half a chunk.
		if delErr := s.objects.Delete(ctx, objstore.ChunkKey(id)); delErr != nil {
			logger.Warn("failed to remove orphaned chunk payload",
				logger.ChunkID(id),
				logger.Err(delErr),
			)
		}
		return nil, err
	}

	return info, nil
}

func (s *BadgerStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := s.Info(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := s.objects.GetFromTier(ctx, objstore.ChunkKey(id), info.Tier)
	if err != nil {
		// Indexed but gone from storage is an integrity failure, not a
		// lookup miss.
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s: payload missing from storage", ErrChunkCorrupt, id)
		}
		return nil, fmt.Errorf("failed to fetch chunk payload: %w", err)
	}

	md5sum := md5.Sum(data)
	if hex.EncodeToString(md5sum[:]) != info.MD5 {
		return nil, fmt.Errorf("%w: %s", ErrChunkCorrupt, id)
	}
	return data, nil
}

func (s *BadgerStore) Info(ctx context.Context, id string) (*ChunkInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.getInfo(id)
}

func (s *BadgerStore) Contains(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyChunk(id))
		return err
	})
	if err == badgerdb.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.getInfo(id)
	if err != nil {
		return err
	}

	info.RefCount--
	if info.RefCount > 0 {
		return s.putInfo(info)
	}

	// Last reference gone: erase the index entry first, then the
	// payload. A payload orphaned by a failed delete is reclaimed by
	// garbage collection.
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keyChunk(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete chunk index entry: %w", err)
	}

	if err := s.objects.Delete(ctx, objstore.ChunkKey(id)); err != nil {
		logger.Warn("failed to delete chunk payload",
			logger.ChunkID(id),
			logger.Err(err),
		)
	}

	logger.Debug("erased chunk", logger.ChunkID(id))
	return nil
}

func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixChunk)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, key[len(prefixChunk):])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return ids, nil
}

func (s *BadgerStore) Stats(ctx context.Context) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixChunk)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				info, err := decodeChunkInfo(val)
				if err != nil {
					return err
				}
				stats.TotalChunks++
				stats.TotalBytes += info.Size
				stats.TotalRefs += info.RefCount
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate chunk stats: %w", err)
	}

	if stats.TotalChunks > 0 {
		stats.DedupRatio = float64(stats.TotalRefs) / float64(stats.TotalChunks)
	}
	return stats, nil
}

func (s *BadgerStore) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.View(func(txn *badgerdb.Txn) error {
		return nil
	})
	if err != nil {
		return fmt.Errorf("chunk index healthcheck failed: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) getInfo(id string) (*ChunkInfo, error) {
	var info *ChunkInfo
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyChunk(id))
		if err == badgerdb.ErrKeyNotFound {
			return ErrChunkNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decErr error
			info, decErr = decodeChunkInfo(val)
			return decErr
		})
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *BadgerStore) putInfo(info *ChunkInfo) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		bytes, err := encodeChunkInfo(info)
		if err != nil {
			return err
		}
		if err := txn.Set(keyChunk(info.ID), bytes); err != nil {
			return fmt.Errorf("failed to store chunk info: %w", err)
		}
		return nil
	})
}
