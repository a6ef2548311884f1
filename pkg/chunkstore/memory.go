package chunkstore

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forgevault/forgevault/pkg/objstore"
)

// MemoryStore keeps the chunk index in memory while payloads still go
// through the given object store. Pairs with objstore.NewMemory for
// fully in-process tests; same semantics as BadgerStore.
type MemoryStore struct {
	objects objstore.Store

	mu    sync.Mutex
	index map[string]*ChunkInfo
}

var _ Store = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory chunk store backed by objects.
func NewMemory(objects objstore.Store) *MemoryStore {
	return &MemoryStore{
		objects: objects,
		index:   make(map[string]*ChunkInfo),
	}
}

func (s *MemoryStore) Add(ctx context.Context, data []byte) (*ChunkInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.index[id]; ok {
		existing.RefCount++
		out := *existing
		return &out, nil
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

	_, err := s.objects.Put(ctx, objstore.ChunkKey(id), data, objstore.PutOptions{Tier: info.Tier})
	if err != nil {
		return nil, fmt.Errorf("failed to store chunk payload: %w", err)
	}

	s.index[id] = info
	out := *info
	return &out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) ([]byte, error) {
	info, err := s.Info(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := s.objects.GetFromTier(ctx, objstore.ChunkKey(id), info.Tier)
	if err != nil {
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

func (s *MemoryStore) Info(ctx context.Context, id string) (*ChunkInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.index[id]
	if !ok {
		return nil, ErrChunkNotFound
	}
	out := *info
	return &out, nil
}

func (s *MemoryStore) Contains(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok, nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.index[id]
	if !ok {
		return ErrChunkNotFound
	}

	info.RefCount--
	if info.RefCount > 0 {
		return nil
	}

	delete(s.index, id)
	return s.objects.Delete(ctx, objstore.ChunkKey(id))
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{}
	for _, info := range s.index {
		stats.TotalChunks++
		stats.TotalBytes += info.Size
		stats.TotalRefs += info.RefCount
	}
	if stats.TotalChunks > 0 {
		stats.DedupRatio = float64(stats.TotalRefs) / float64(stats.TotalChunks)
	}
	return stats, nil
}

func (s *MemoryStore) Healthcheck(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}
