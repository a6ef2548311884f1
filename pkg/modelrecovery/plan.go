package modelrecovery

import (
	"errors"
	"fmt"

	"github.com/forgevault/forgevault/pkg/repo"
)

// Strategy names a repair approach.
type Strategy string

const (
	// StrategyAutoRepair fixes in place: geometry recompute and
	// constraint resolution.
	StrategyAutoRepair Strategy = "auto-repair"

	// StrategyRebuildFeatures regenerates the feature tree from the
	// document's WAL history.
	StrategyRebuildFeatures Strategy = "rebuild-features"

	// StrategyRestoreBackup restores the latest valid snapshot and
	// replays post-backup WAL entries.
	StrategyRestoreBackup Strategy = "restore-backup"

	// StrategyPartialRecovery salvages the valid features and drops the
	// broken ones.
	StrategyPartialRecovery Strategy = "partial-recovery"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyAutoRepair, StrategyRebuildFeatures, StrategyRestoreBackup, StrategyPartialRecovery:
		return true
	}
	return false
}

// ErrNoCorruption indicates Plan was asked to pick a strategy for a
// document detection found nothing wrong with.
var ErrNoCorruption = errors.New("modelrecovery: document has no corruption to recover")

// PlanStep is one planned repair step with its estimated success rate.
type PlanStep struct {
	Name        string  `json:"name"`
	SuccessRate float64 `json:"success_rate"`
}

// Plan is an ordered repair procedure for one document.
type Plan struct {
	DocumentID string      `json:"document_id"`
	Strategy   Strategy    `json:"strategy"`
	Corruption *Corruption `json:"corruption,omitempty"`
	Steps      []PlanStep  `json:"steps"`
}

// Success-rate estimates per step, from repair outcomes observed so
// far. Restores are near-certain, in-place constraint fixes are not.
var strategySteps = map[Strategy][]PlanStep{
	StrategyAutoRepair: {
		{Name: "recompute-geometry", SuccessRate: 0.75},
		{Name: "solve-constraints", SuccessRate: 0.65},
	},
	StrategyRebuildFeatures: {
		{Name: "analyze-dependencies", SuccessRate: 0.95},
		{Name: "regenerate-features", SuccessRate: 0.70},
		{Name: "reapply-constraints", SuccessRate: 0.80},
	},
	StrategyRestoreBackup: {
		{Name: "locate-backup", SuccessRate: 0.98},
		{Name: "restore-snapshot", SuccessRate: 0.95},
		{Name: "replay-wal", SuccessRate: 0.85},
	},
	StrategyPartialRecovery: {
		{Name: "extract-features", SuccessRate: 0.90},
		{Name: "rebuild-document", SuccessRate: 0.60},
	},
}

// Plan assembles the repair procedure. An empty strategy picks by
// classification: critical damage and truncated files restore from
// backup, geometry and constraint trouble repair in place, a broken
// feature tree rebuilds from history, the rest salvage partially.
func (s *Service) Plan(corruption *Corruption, strategy Strategy) (*Plan, error) {
	if corruption == nil || corruption.DocumentID == "" {
		return nil, errors.New("modelrecovery: corruption with document id required")
	}
	if strategy == "" {
		if !corruption.Corrupted() {
			return nil, ErrNoCorruption
		}
		strategy = strategyFor(corruption)
	} else if !strategy.IsValid() {
		return nil, fmt.Errorf("modelrecovery: unknown strategy %q", strategy)
	}

	steps := make([]PlanStep, len(strategySteps[strategy]))
	copy(steps, strategySteps[strategy])
	return &Plan{
		DocumentID: corruption.DocumentID,
		Strategy:   strategy,
		Corruption: corruption,
		Steps:      steps,
	}, nil
}

func strategyFor(c *Corruption) Strategy {
	switch {
	case c.Severity == repo.SeverityCritical:
		return StrategyRestoreBackup
	case c.Classification == CorruptionGeometryInvalid, c.Classification == CorruptionConstraintConflict:
		return StrategyAutoRepair
	case c.Classification == CorruptionFeatureTree:
		return StrategyRebuildFeatures
	case c.Classification == CorruptionFileTruncated:
		return StrategyRestoreBackup
	default:
		return StrategyPartialRecovery
	}
}
