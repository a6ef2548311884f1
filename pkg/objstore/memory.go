package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and development. It mirrors
// the S3 store's semantics: one keyspace per tier, version IDs on every
// put, idempotent deletes, and tier-scanning reads.
type MemoryStore struct {
	mu         sync.RWMutex
	tiers      map[Tier]map[string]*memObject
	versionSeq int64
	ensured    bool
}

type memObject struct {
	data []byte
	info ObjectInfo
	tags map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory store with all tier keyspaces
// ready for use.
func NewMemory() *MemoryStore {
	tiers := make(map[Tier]map[string]*memObject, len(Tiers))
	for _, t := range Tiers {
		tiers[t] = make(map[string]*memObject)
	}
	return &MemoryStore{tiers: tiers}
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) (*PutResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tier := opts.Tier
	if tier == "" {
		tier = TierHot
	}
	if !tier.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	metadata := map[string]string{"sha256": digest}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.versionSeq++
	versionID := fmt.Sprintf("v%d", m.versionSeq)

	obj := &memObject{
		data: append([]byte(nil), data...),
		info: ObjectInfo{
			Key:          key,
			Tier:         tier,
			Size:         int64(len(data)),
			ETag:         digest[:32],
			ContentType:  contentType,
			LastModified: time.Now().UTC(),
			Metadata:     metadata,
		},
		tags: copyStringMap(opts.Tags),
	}
	m.tiers[tier][key] = obj

	return &PutResult{
		Key:       key,
		Tier:      tier,
		Size:      obj.info.Size,
		ETag:      obj.info.ETag,
		VersionID: versionID,
		SHA256:    digest,
	}, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, Tier, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tier := range Tiers {
		if obj, ok := m.tiers[tier][key]; ok {
			return append([]byte(nil), obj.data...), tier, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (m *MemoryStore) GetFromTier(ctx context.Context, key string, tier Tier) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !tier.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.tiers[tier][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s in tier %s", ErrNotFound, key, tier)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tier := range Tiers {
		if obj, ok := m.tiers[tier][key]; ok {
			info := obj.info
			info.Metadata = copyStringMap(obj.info.Metadata)
			return &info, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tier := range Tiers {
		delete(m.tiers[tier], key)
	}
	return nil
}

func (m *MemoryStore) MoveTier(ctx context.Context, key string, from, to Tier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTier, from, to)
	}
	if from == to {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.tiers[from][key]
	if !ok {
		return fmt.Errorf("%w: %s in tier %s", ErrNotFound, key, from)
	}
	moved := *obj
	moved.info.Tier = to
	m.tiers[to][key] = &moved
	delete(m.tiers[from], key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, tier Tier, prefix string, max int) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !tier.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.tiers[tier]))
	for key := range m.tiers[tier] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	if max > 0 && len(keys) > max {
		keys = keys[:max]
	}

	infos := make([]ObjectInfo, 0, len(keys))
	for _, key := range keys {
		obj := m.tiers[tier][key]
		info := obj.info
		info.Metadata = copyStringMap(obj.info.Metadata)
		infos = append(infos, info)
	}
	return infos, nil
}

func (m *MemoryStore) SetTags(ctx context.Context, key string, tier Tier, tags map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !tier.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.tiers[tier][key]
	if !ok {
		return fmt.Errorf("%w: %s in tier %s", ErrNotFound, key, tier)
	}
	obj.tags = copyStringMap(tags)
	return nil
}

// Tags returns a copy of an object's tag set. Test helper; the Store
// interface has no read path for tags.
func (m *MemoryStore) Tags(key string, tier Tier) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if obj, ok := m.tiers[tier][key]; ok {
		return copyStringMap(obj.tags)
	}
	return nil
}

func (m *MemoryStore) Presign(ctx context.Context, op PresignOp, key string, tier Tier, expiry time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !op.IsValid() {
		return "", fmt.Errorf("unsupported presign operation %q", op)
	}
	if !tier.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	expiry = ClampExpiry(expiry)
	return fmt.Sprintf("memory://%s/%s?op=%s&expires=%d", tier, key, op, int64(expiry.Seconds())), nil
}

func (m *MemoryStore) EnsureBuckets(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range Tiers {
		if m.tiers[t] == nil {
			m.tiers[t] = make(map[string]*memObject)
		}
	}
	m.ensured = true
	return nil
}

func (m *MemoryStore) Stats(ctx context.Context, tier Tier) (*TierStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !tier.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &TierStats{Tier: tier}
	for _, obj := range m.tiers[tier] {
		stats.ObjectCount++
		stats.TotalBytes += obj.info.Size
	}
	return stats, nil
}

func (m *MemoryStore) Healthcheck(ctx context.Context) error {
	return ctx.Err()
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
