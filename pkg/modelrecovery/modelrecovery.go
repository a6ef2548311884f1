// Package modelrecovery specializes disaster recovery for CAD
// documents: detect corruption through kernel validation, classify it,
// pick a repair strategy, and execute it against the kernel, the backup
// engine, and the WAL.
//
// Every executed recovery persists a report and appends a transaction
// to the WAL so later recoveries see the repair event. The service
// implements the disaster orchestrator's document recoverer, so DR plan
// steps (repair, rebuild, restore, validate) land here.
package modelrecovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/backup"
	"github.com/forgevault/forgevault/pkg/collab/kernel"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/forgevault/forgevault/pkg/wal"
)

// Config parametrizes the recovery service.
type Config struct {
	// DetectionLevel is the validation depth Detect runs at.
	// Default: full.
	DetectionLevel kernel.ValidationLevel

	// ReplayLimit caps the WAL entries consulted per rebuild or
	// restore catch-up. Default: 10000.
	ReplayLimit int
}

func (c Config) withDefaults() Config {
	if c.DetectionLevel == "" {
		c.DetectionLevel = kernel.ValidationFull
	}
	if c.ReplayLimit <= 0 {
		c.ReplayLimit = 10000
	}
	return c
}

// Service detects and repairs document corruption.
type Service struct {
	cfg     Config
	kernel  kernel.Kernel
	backups *backup.Engine
	wal     *wal.Manager
	store   repo.Store
}

// NewService builds the recovery service. backups and walMgr may be
// nil; the restore-backup strategy then fails its steps instead of the
// constructor.
func NewService(cfg Config, k kernel.Kernel, backups *backup.Engine, walMgr *wal.Manager, store repo.Store) (*Service, error) {
	if k == nil {
		return nil, errors.New("modelrecovery: kernel is required")
	}
	if store == nil {
		return nil, errors.New("modelrecovery: store is required")
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		kernel:  k,
		backups: backups,
		wal:     walMgr,
		store:   store,
	}, nil
}

// Recover detects, plans, and executes in one call. An empty strategy
// picks by classification; a named one is forced.
func (s *Service) Recover(ctx context.Context, documentID string, strategy Strategy) (*Result, error) {
	corruption, err := s.Detect(ctx, documentID)
	if err != nil {
		return nil, err
	}
	plan, err := s.Plan(corruption, strategy)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, plan)
}

// AutoRecoverOnOpen gates a document open: basic validation, and on
// failure an auto-repair pass. It reports whether the document is good
// to open.
func (s *Service) AutoRecoverOnOpen(ctx context.Context, documentID string) (bool, error) {
	h, err := s.kernel.OpenDocument(ctx, documentID)
	if err != nil {
		return false, err
	}
	issues, verr := s.kernel.Validate(ctx, h, kernel.ValidationBasic)
	if cerr := s.kernel.CloseDocument(ctx, h); cerr != nil && verr == nil {
		verr = cerr
	}
	if verr != nil {
		return false, verr
	}
	if !kernel.HasErrors(issues) {
		return true, nil
	}

	logger.InfoCtx(ctx, "Document failed open validation, auto-repairing",
		"document_id", documentID,
		"findings", len(issues))
	res, err := s.Recover(ctx, documentID, StrategyAutoRepair)
	if err != nil {
		return false, err
	}
	return res.Success, nil
}

// Repair runs the auto-repair strategy for a DR plan step.
func (s *Service) Repair(ctx context.Context, documentID string) error {
	return s.recoverOrErr(ctx, documentID, StrategyAutoRepair)
}

// Rebuild regenerates the document's features from its WAL history.
func (s *Service) Rebuild(ctx context.Context, documentID string) error {
	return s.recoverOrErr(ctx, documentID, StrategyRebuildFeatures)
}

// RestoreBackup restores the latest valid snapshot and replays the WAL
// to catch up.
func (s *Service) RestoreBackup(ctx context.Context, documentID string) error {
	return s.recoverOrErr(ctx, documentID, StrategyRestoreBackup)
}

// Validate runs basic validation and fails when the document carries
// error findings.
func (s *Service) Validate(ctx context.Context, documentID string) error {
	h, err := s.kernel.OpenDocument(ctx, documentID)
	if err != nil {
		return err
	}
	issues, verr := s.kernel.Validate(ctx, h, kernel.ValidationBasic)
	if cerr := s.kernel.CloseDocument(ctx, h); cerr != nil && verr == nil {
		verr = cerr
	}
	if verr != nil {
		return verr
	}
	if kernel.HasErrors(issues) {
		return fmt.Errorf("modelrecovery: document %s failed validation with %d findings", documentID, len(issues))
	}
	return nil
}

func (s *Service) recoverOrErr(ctx context.Context, documentID string, strategy Strategy) error {
	res, err := s.Recover(ctx, documentID, strategy)
	if err != nil {
		return err
	}
	if !res.Success {
		msg := "validation did not pass"
		if len(res.Errors) > 0 {
			msg = strings.Join(res.Errors, "; ")
		}
		return fmt.Errorf("modelrecovery: %s on %s failed: %s", strategy, documentID, msg)
	}
	return nil
}
