package solver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeSolverScript installs a shell script standing in for the solver
// binary and returns its path.
func writeSolverScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ccx")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write solver script: %v", err)
	}
	return path
}

func writeDeck(t *testing.T) string {
	t.Helper()
	deck := filepath.Join(t.TempDir(), "job.inp")
	if err := os.WriteFile(deck, []byte("*HEADING\ntest model\n*STEP\n*END STEP\n"), 0o644); err != nil {
		t.Fatalf("write deck: %v", err)
	}
	return deck
}

func TestLocalRunProducesResultFiles(t *testing.T) {
	deck := writeDeck(t)
	bin := writeSolverScript(t, `touch "$2.frd" "$2.dat" "$2.sta"
echo "Job finished"`)

	l := NewLocal(LocalConfig{BinaryPath: bin, Timeout: 10 * time.Second})
	res, err := l.Run(context.Background(), deck)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	dir := filepath.Dir(deck)
	if res.FRD != filepath.Join(dir, "job.frd") {
		t.Errorf("FRD = %q", res.FRD)
	}
	if res.DAT == "" || res.STA == "" {
		t.Errorf("optional results missing: %+v", res)
	}
	logData, err := os.ReadFile(res.Log)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(logData), "Job finished") {
		t.Errorf("log = %q", logData)
	}
}

func TestLocalRunDetectsNonConvergence(t *testing.T) {
	deck := writeDeck(t)
	bin := writeSolverScript(t, `touch "$2.frd"
echo " *ERROR: too many attempts made in increment 3"
exit 0`)

	l := NewLocal(LocalConfig{BinaryPath: bin, Timeout: 10 * time.Second})
	_, err := l.Run(context.Background(), deck)
	if !errors.Is(err, ErrNotConverged) {
		t.Fatalf("Run = %v, want ErrNotConverged", err)
	}
	if !strings.Contains(err.Error(), "too many attempts") {
		t.Errorf("error hides the marker line: %v", err)
	}
}

func TestLocalRunMissingResultIsNonConvergence(t *testing.T) {
	deck := writeDeck(t)
	bin := writeSolverScript(t, `echo "clean exit, no results"`)

	l := NewLocal(LocalConfig{BinaryPath: bin, Timeout: 10 * time.Second})
	_, err := l.Run(context.Background(), deck)
	if !errors.Is(err, ErrNotConverged) {
		t.Fatalf("Run = %v, want ErrNotConverged", err)
	}
}

func TestLocalRunEnforcesTimeout(t *testing.T) {
	deck := writeDeck(t)
	bin := writeSolverScript(t, `sleep 5`)

	l := NewLocal(LocalConfig{BinaryPath: bin, Timeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := l.Run(context.Background(), deck)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "cap") {
		t.Errorf("error = %v, want the timeout cap", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("run was not killed promptly: %v", elapsed)
	}
}

func TestLocalRunSurfacesSolverFailure(t *testing.T) {
	deck := writeDeck(t)
	bin := writeSolverScript(t, `echo "*ERROR reading the input deck"
exit 201`)

	l := NewLocal(LocalConfig{BinaryPath: bin, Timeout: 10 * time.Second})
	_, err := l.Run(context.Background(), deck)
	if err == nil {
		t.Fatal("expected failure")
	}
	if errors.Is(err, ErrNotConverged) {
		t.Errorf("deck error misclassified as non-convergence: %v", err)
	}
	if !strings.Contains(err.Error(), "reading the input deck") {
		t.Errorf("error hides solver output: %v", err)
	}
}

func TestLocalRunRejectsNonDeckPath(t *testing.T) {
	l := NewLocal(LocalConfig{BinaryPath: "ccx"})
	if _, err := l.Run(context.Background(), "/tmp/job.txt"); err == nil {
		t.Fatal("expected error for non-.inp path")
	}
}

func TestFakeWritesResults(t *testing.T) {
	deck := writeDeck(t)
	f := NewFake()

	res, err := f.Run(context.Background(), deck)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, p := range []string{res.FRD, res.DAT, res.STA, res.Log} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("result %s missing: %v", p, err)
		}
	}
	if decks := f.Decks(); len(decks) != 1 || decks[0] != deck {
		t.Errorf("decks = %v", decks)
	}
}

func TestFakeFailNext(t *testing.T) {
	deck := writeDeck(t)
	f := NewFake()
	f.FailNext(ErrNotConverged)

	if _, err := f.Run(context.Background(), deck); !errors.Is(err, ErrNotConverged) {
		t.Fatalf("Run = %v, want queued ErrNotConverged", err)
	}
	if _, err := f.Run(context.Background(), deck); err != nil {
		t.Fatalf("second Run = %v, want success", err)
	}
}

func TestFakeHonorsCancellation(t *testing.T) {
	deck := writeDeck(t)
	f := NewFake()
	f.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Run(ctx, deck); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want deadline exceeded", err)
	}
}
