package repo

import (
	"context"
)

// ============================================================================
// RETENTION POLICY OPERATIONS
// ============================================================================

// CreatePolicy persists a new retention policy and returns its ID.
func (s *GORMStore) CreatePolicy(ctx context.Context, policy *RetentionPolicy) (string, error) {
	return createWithID(s.db, ctx, policy,
		func(m *RetentionPolicy, id string) { m.ID = id },
		policy.ID, ErrDuplicatePolicy)
}

// GetPolicy retrieves a retention policy by ID.
func (s *GORMStore) GetPolicy(ctx context.Context, id string) (*RetentionPolicy, error) {
	return getByField[RetentionPolicy](s.db, ctx, "id", id, ErrPolicyNotFound)
}

// GetPolicyByName retrieves a retention policy by name.
func (s *GORMStore) GetPolicyByName(ctx context.Context, name string) (*RetentionPolicy, error) {
	return getByField[RetentionPolicy](s.db, ctx, "name", name, ErrPolicyNotFound)
}

// ListPolicies returns all retention policies ordered by name. When
// activeOnly is true, inactive policies are excluded.
func (s *GORMStore) ListPolicies(ctx context.Context, activeOnly bool) ([]*RetentionPolicy, error) {
	var policies []*RetentionPolicy
	q := s.db.WithContext(ctx).Order("name ASC")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Find(&policies).Error; err != nil {
		return nil, err
	}
	return policies, nil
}

// UpdatePolicy persists the mutable fields of a retention policy. The
// name and kind are immutable after creation.
func (s *GORMStore) UpdatePolicy(ctx context.Context, policy *RetentionPolicy) error {
	updates := map[string]any{
		"source_id":       policy.SourceID,
		"retain_days":     policy.RetainDays,
		"retain_versions": policy.RetainVersions,
		"immutable":       policy.Immutable,
		"active":          policy.Active,
		"hold_until":      policy.HoldUntil,
	}
	return updateFields[RetentionPolicy](s.db, ctx, "id", policy.ID, updates, ErrPolicyNotFound)
}

// DeletePolicy removes a retention policy.
func (s *GORMStore) DeletePolicy(ctx context.Context, id string) error {
	return deleteByField[RetentionPolicy](s.db, ctx, "id", id, ErrPolicyNotFound)
}
