// Package cmdutil provides shared utilities for fvctl commands.
package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/forgevault/forgevault/internal/cli/output"
	"github.com/forgevault/forgevault/internal/cli/prompt"
	"github.com/forgevault/forgevault/pkg/backup"
	"github.com/forgevault/forgevault/pkg/chunkstore"
	"github.com/forgevault/forgevault/pkg/config"
	"github.com/forgevault/forgevault/pkg/fleet"
	"github.com/forgevault/forgevault/pkg/objstore"
	"github.com/forgevault/forgevault/pkg/pitr"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/forgevault/forgevault/pkg/wal"
)

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	ConfigPath string
	Output     string
	NoColor    bool
	Verbose    bool
	Yes        bool
}

// Exit codes of the operator CLI.
const (
	ExitOK           = 0
	ExitFailure      = 1 // generic failure
	ExitConfig       = 2 // configuration error
	ExitValidation   = 3 // validation error
	ExitStorage      = 4 // storage unreachable
	ExitCollaborator = 5 // external-collaborator failure
)

// CodedError carries the process exit code alongside the cause.
type CodedError struct {
	Code int
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

// ConfigError marks err as a configuration failure (exit code 2).
func ConfigError(err error) error {
	return &CodedError{Code: ExitConfig, Err: err}
}

// ValidationError marks err as a validation failure (exit code 3).
func ValidationError(err error) error {
	return &CodedError{Code: ExitValidation, Err: err}
}

// StorageError marks err as a storage failure (exit code 4).
func StorageError(err error) error {
	return &CodedError{Code: ExitStorage, Err: err}
}

// CollaboratorError marks err as an external-collaborator failure
// (exit code 5).
func CollaboratorError(err error) error {
	return &CodedError{Code: ExitCollaborator, Err: err}
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ExitFailure
}

// LoadConfig loads and validates the configuration selected by the
// --config flag, falling back to the default location.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.MustLoad(Flags.ConfigPath)
	if err != nil {
		return nil, ConfigError(err)
	}
	return cfg, nil
}

// Stores bundles the storage components a command operates on. Not
// every field is populated: the opener connects only what was asked
// for, and Close releases whatever was opened.
type Stores struct {
	Cfg     *config.Config
	Repo    repo.Store
	Objects objstore.Store
	Chunks  chunkstore.Store
}

// OpenStores loads the configuration and connects the metadata
// repository, object store, and chunk store.
func OpenStores(ctx context.Context) (*Stores, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	repoStore, err := config.CreateRepoStore(ctx, cfg)
	if err != nil {
		return nil, StorageError(err)
	}
	objects, err := config.CreateObjectStore(ctx, cfg)
	if err != nil {
		_ = repoStore.Close()
		return nil, StorageError(err)
	}
	chunks, err := config.CreateChunkStore(cfg, objects)
	if err != nil {
		_ = repoStore.Close()
		return nil, StorageError(err)
	}

	return &Stores{Cfg: cfg, Repo: repoStore, Objects: objects, Chunks: chunks}, nil
}

// Close releases every opened store.
func (s *Stores) Close() {
	if s.Chunks != nil {
		_ = s.Chunks.Close()
	}
	if s.Repo != nil {
		_ = s.Repo.Close()
	}
}

// BackupEngine builds the backup engine over the opened stores.
func (s *Stores) BackupEngine() (*backup.Engine, error) {
	engine, err := config.CreateBackupEngine(s.Cfg, config.MetricsResult{}, s.Chunks, s.Objects, s.Repo)
	if err != nil {
		return nil, ConfigError(err)
	}
	return engine, nil
}

// WAL opens the write-ahead log over the opened object store. The
// caller owns the returned manager and must Close it.
func (s *Stores) WAL() (*wal.Manager, error) {
	mgr, err := config.CreateWAL(s.Cfg, config.MetricsResult{}, pitr.NewMemoryState(), s.Objects)
	if err != nil {
		return nil, StorageError(err)
	}
	return mgr, nil
}

// OpenFleet connects the fleet coordinator from configuration.
func OpenFleet(cfg *config.Config) (*fleet.Coordinator, error) {
	coord, err := fleet.New(fleet.Config{
		RedisURL:     cfg.Fleet.RedisURL,
		MaxRetries:   cfg.Fleet.MaxRetries,
		RetryBackoff: cfg.Fleet.RetryBackoff,
		LockTimeout:  cfg.Fleet.LockTimeout,
	})
	if err != nil {
		return nil, StorageError(err)
	}
	return coord, nil
}

// GetOutputFormatParsed returns the parsed output format.
func GetOutputFormatParsed() (output.Format, error) {
	f, err := output.ParseFormat(Flags.Output)
	if err != nil {
		return f, ValidationError(err)
	}
	return f, nil
}

// IsVerbose returns whether verbose output is enabled.
func IsVerbose() bool {
	return Flags.Verbose
}

// PrintOutput prints data in the specified format (JSON, YAML, or table).
// For table format, it displays emptyMsg if data is empty, otherwise
// uses the tableRenderer.
func PrintOutput(w io.Writer, data any, isEmpty bool, emptyMsg string, tableRenderer output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		if isEmpty {
			fmt.Fprintln(w, emptyMsg)
			return nil
		}
		return output.PrintTable(w, tableRenderer)
	}
}

// Confirm asks for confirmation unless --yes was given.
func Confirm(label string) (bool, error) {
	if Flags.Yes {
		return true, nil
	}
	ok, err := prompt.Confirm(label, false)
	if err != nil {
		if errors.Is(err, prompt.ErrAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// Stderr returns the stream for progress and warning chatter, keeping
// stdout clean for parseable output.
func Stderr() io.Writer {
	return os.Stderr
}
