package solver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Solver for tests. It records decks, optionally
// fails or stalls, and otherwise writes empty result files next to the
// deck the way the real solver does.
type Fake struct {
	mu    sync.Mutex
	decks []string
	errs  []error

	// Delay stalls each run, for cancellation tests.
	Delay time.Duration
}

// NewFake returns an empty fake solver.
func NewFake() *Fake { return &Fake{} }

// FailNext arranges for the next run to fail with err.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

// Decks returns the deck paths run so far.
func (f *Fake) Decks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.decks))
	copy(out, f.decks)
	return out
}

func (f *Fake) Run(ctx context.Context, deckPath string) (ResultFiles, error) {
	f.mu.Lock()
	f.decks = append(f.decks, deckPath)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	delay := f.Delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ResultFiles{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return ResultFiles{}, err
	}

	base := strings.TrimSuffix(filepath.Base(deckPath), ".inp")
	if base == filepath.Base(deckPath) {
		return ResultFiles{}, fmt.Errorf("solver: deck %s is not a .inp file", deckPath)
	}
	dir := filepath.Dir(deckPath)

	res := ResultFiles{
		FRD: filepath.Join(dir, base+".frd"),
		DAT: filepath.Join(dir, base+".dat"),
		STA: filepath.Join(dir, base+".sta"),
		Log: filepath.Join(dir, base+".log"),
	}
	for _, p := range []string{res.FRD, res.DAT, res.STA} {
		if err := os.WriteFile(p, []byte("fake solver output\n"), 0o644); err != nil {
			return ResultFiles{}, fmt.Errorf("solver: write %s: %w", p, err)
		}
	}
	if err := os.WriteFile(res.Log, []byte("fake solve converged\n"), 0o644); err != nil {
		return ResultFiles{}, fmt.Errorf("solver: write log: %w", err)
	}
	return res, nil
}
