// Package solver runs FEM input decks through an external solver
// binary. The deck goes in as a .inp path, results come back as the
// standard .frd/.dat/.sta files plus the captured output log.
package solver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
)

// ErrNotConverged indicates the solve finished without a converged
// solution. Fatal for the job; the same deck diverges again.
var ErrNotConverged = errors.New("solver: solution did not converge")

// Markers the solver prints when an analysis fails to converge.
var divergenceMarkers = []string{
	"too many attempts",
	"too many increments",
	"did not converge",
	"no convergence",
	"divergence",
}

// ResultFiles are the artifacts of one solve. DAT and STA may be empty
// when the deck requests no corresponding output.
type ResultFiles struct {
	// FRD is the binary results file path.
	FRD string

	// DAT holds requested scalar results.
	DAT string

	// STA is the increment convergence log.
	STA string

	// Log is the captured solver output.
	Log string
}

// Solver runs one input deck to completion.
type Solver interface {
	Run(ctx context.Context, deckPath string) (ResultFiles, error)
}

// LocalConfig parametrizes the local solver runner.
type LocalConfig struct {
	// BinaryPath of the solver executable. Default: ccx.
	BinaryPath string

	// Timeout is the hard wall-clock cap for one solve. Default: 30m.
	Timeout time.Duration
}

func (c LocalConfig) withDefaults() LocalConfig {
	if c.BinaryPath == "" {
		c.BinaryPath = "ccx"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	return c
}

// Local invokes the solver binary in the deck's directory, the way the
// solver expects its working files laid out.
type Local struct {
	cfg LocalConfig
}

// NewLocal returns a solver backed by a local binary.
func NewLocal(cfg LocalConfig) *Local {
	return &Local{cfg: cfg.withDefaults()}
}

// Run solves one deck. The solver is invoked as `binary -i <base>` in
// the deck directory; its combined output is written next to the deck
// as <base>.log. A run past the timeout is killed and fails; it does
// not retry.
func (l *Local) Run(ctx context.Context, deckPath string) (ResultFiles, error) {
	base := strings.TrimSuffix(filepath.Base(deckPath), ".inp")
	if base == filepath.Base(deckPath) {
		return ResultFiles{}, fmt.Errorf("solver: deck %s is not a .inp file", deckPath)
	}
	if _, err := os.Stat(deckPath); err != nil {
		return ResultFiles{}, fmt.Errorf("solver: deck: %w", err)
	}
	dir := filepath.Dir(deckPath)

	runCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, l.cfg.BinaryPath, "-i", base)
	cmd.Dir = dir
	// Orphaned children holding the output pipe must not wedge the
	// worker past the kill.
	cmd.WaitDelay = time.Second
	output, runErr := cmd.CombinedOutput()

	logPath := filepath.Join(dir, base+".log")
	if err := os.WriteFile(logPath, output, 0o644); err != nil {
		return ResultFiles{}, fmt.Errorf("solver: write log: %w", err)
	}
	logger.DebugCtx(ctx, "Solver run finished",
		"deck", deckPath,
		"duration", time.Since(start),
		"error", runErr)

	if marker := findDivergence(output); marker != "" {
		return ResultFiles{}, fmt.Errorf("%w: %s", ErrNotConverged, marker)
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return ResultFiles{}, fmt.Errorf("solver: run exceeded the %v cap", l.cfg.Timeout)
	}
	if runErr != nil {
		return ResultFiles{}, fmt.Errorf("solver: %s: %w: %s", l.cfg.BinaryPath, runErr, tail(output, 512))
	}

	res := ResultFiles{Log: logPath}
	frd := filepath.Join(dir, base+".frd")
	if _, err := os.Stat(frd); err != nil {
		// A clean exit without results means the solve went nowhere.
		return ResultFiles{}, fmt.Errorf("%w: no %s.frd produced", ErrNotConverged, base)
	}
	res.FRD = frd
	if p := filepath.Join(dir, base+".dat"); fileExists(p) {
		res.DAT = p
	}
	if p := filepath.Join(dir, base+".sta"); fileExists(p) {
		res.STA = p
	}
	return res, nil
}

// findDivergence returns the first line carrying a non-convergence
// marker, or "".
func findDivergence(output []byte) string {
	for _, line := range strings.Split(string(output), "\n") {
		lower := strings.ToLower(line)
		for _, marker := range divergenceMarkers {
			if strings.Contains(lower, marker) {
				return strings.TrimSpace(line)
			}
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
