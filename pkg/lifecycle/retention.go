package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/forgevault/forgevault/pkg/repo"
)

// Sentinel errors for retention policy guards.
var (
	// ErrPolicyImmutable indicates an attempt to remove an active
	// compliance policy.
	ErrPolicyImmutable = errors.New("compliance policy cannot be removed")

	// ErrRetentionShortened indicates an attempt to shorten the
	// retention of an immutable policy.
	ErrRetentionShortened = errors.New("immutable policy retention can only be extended")
)

// expiredUnder returns the snapshots a policy no longer protects.
//
// Time and compliance policies expire by age. Version policies keep the
// newest RetainVersions per source. Legal holds shield everything until
// the hold instant; after it, age applies when RetainDays is set and
// nothing expires otherwise.
func expiredUnder(policy *repo.RetentionPolicy, covered []*repo.Snapshot, now time.Time, result *SweepResult) []*repo.Snapshot {
	switch policy.Kind {
	case repo.PolicyTimeBased, repo.PolicyCompliance:
		return olderThan(covered, now, policy.RetainDays)

	case repo.PolicyVersionBased:
		return beyondNewest(covered, policy.RetainVersions)

	case repo.PolicyLegalHold:
		if policy.HoldUntil != nil && now.Before(*policy.HoldUntil) {
			if policy.RetainDays > 0 {
				result.SkippedHeld += len(olderThan(covered, now, policy.RetainDays))
			}
			return nil
		}
		if policy.RetainDays <= 0 {
			return nil
		}
		return olderThan(covered, now, policy.RetainDays)

	default:
		return nil
	}
}

func olderThan(snaps []*repo.Snapshot, now time.Time, days int) []*repo.Snapshot {
	if days <= 0 {
		return nil
	}
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	var expired []*repo.Snapshot
	for _, snap := range snaps {
		if snap.CreatedAt.Before(cutoff) {
			expired = append(expired, snap)
		}
	}
	return expired
}

// beyondNewest returns, per source, every snapshot past the newest keep.
func beyondNewest(snaps []*repo.Snapshot, keep int) []*repo.Snapshot {
	if keep <= 0 {
		return nil
	}
	bySource := make(map[string][]*repo.Snapshot)
	for _, snap := range snaps {
		bySource[snap.SourceID] = append(bySource[snap.SourceID], snap)
	}

	var expired []*repo.Snapshot
	for _, group := range bySource {
		if len(group) <= keep {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			return group[i].CreatedAt.After(group[j].CreatedAt)
		})
		expired = append(expired, group[keep:]...)
	}
	return expired
}

// CreatePolicy validates and persists a retention policy. Compliance
// policies are stamped immutable on the way in.
func (m *Manager) CreatePolicy(ctx context.Context, policy *repo.RetentionPolicy) (string, error) {
	switch policy.Kind {
	case repo.PolicyTimeBased:
		if policy.RetainDays <= 0 {
			return "", fmt.Errorf("time policy %q requires retain_days >= 1", policy.Name)
		}
	case repo.PolicyVersionBased:
		if policy.RetainVersions <= 0 {
			return "", fmt.Errorf("version policy %q requires retain_versions >= 1", policy.Name)
		}
	case repo.PolicyLegalHold:
		if policy.HoldUntil == nil {
			return "", fmt.Errorf("legal-hold policy %q requires a hold timestamp", policy.Name)
		}
	case repo.PolicyCompliance:
		if policy.RetainDays <= 0 {
			return "", fmt.Errorf("compliance policy %q requires retain_days >= 1", policy.Name)
		}
		policy.Immutable = true
	default:
		return "", fmt.Errorf("unknown policy kind %q", policy.Kind)
	}

	policy.Active = true
	return m.meta.CreatePolicy(ctx, policy)
}

// SetRetention changes a policy's retention window. Immutable policies
// only accept extensions.
func (m *Manager) SetRetention(ctx context.Context, policyID string, days int) error {
	policy, err := m.meta.GetPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	if days <= 0 {
		return fmt.Errorf("retain_days must be >= 1, got %d", days)
	}
	if policy.Immutable && days < policy.RetainDays {
		return fmt.Errorf("%w: %s holds %d days, requested %d",
			ErrRetentionShortened, policy.Name, policy.RetainDays, days)
	}
	policy.RetainDays = days
	return m.meta.UpdatePolicy(ctx, policy)
}

// SetHold moves a legal-hold policy's hold instant.
func (m *Manager) SetHold(ctx context.Context, policyID string, until time.Time) error {
	policy, err := m.meta.GetPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	if policy.Kind != repo.PolicyLegalHold {
		return fmt.Errorf("policy %s is %s, not legal-hold", policy.Name, policy.Kind)
	}
	policy.HoldUntil = &until
	return m.meta.UpdatePolicy(ctx, policy)
}

// RemovePolicy deletes a retention policy. Active compliance policies
// cannot be removed; they must age out on their own terms.
func (m *Manager) RemovePolicy(ctx context.Context, policyID string) error {
	policy, err := m.meta.GetPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	if policy.Immutable && policy.Active {
		return fmt.Errorf("%w: %s", ErrPolicyImmutable, policy.Name)
	}
	return m.meta.DeletePolicy(ctx, policyID)
}
