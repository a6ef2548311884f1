// Package gc implements the chunk garbage collection command.
package gc

import (
	"fmt"
	"os"

	"github.com/forgevault/forgevault/cmd/fvctl/cmdutil"
	"github.com/forgevault/forgevault/internal/cli/output"
	"github.com/forgevault/forgevault/pkg/backup"
	"github.com/spf13/cobra"
)

// Cmd is the parent gc command.
var Cmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim orphaned chunk storage",
	Long:  `Reconcile the chunk index against live snapshots and remove orphans.`,
}

var (
	runDryRun     bool
	runMaxOrphans int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a garbage collection sweep",
	Long: `Reconcile the chunk index against the manifests of every live
snapshot and remove chunks nothing references. Orphans appear when a
deletion or rollback crashed partway.

Examples:
  # Report without deleting
  fvctl gc run --dry-run

  # Reclaim for real
  fvctl gc run`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	if !runDryRun {
		ok, err := cmdutil.Confirm("Delete orphaned chunks")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmdutil.Stderr(), "Aborted.")
			return nil
		}
	}

	ctx := cmd.Context()
	stores, err := cmdutil.OpenStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	engine, err := stores.BackupEngine()
	if err != nil {
		return err
	}

	var progress func(backup.GCStats)
	if cmdutil.IsVerbose() {
		progress = func(stats backup.GCStats) {
			fmt.Fprintf(cmdutil.Stderr(), "orphans: %d, reclaimed: %d bytes\n",
				stats.OrphanChunks, stats.BytesReclaimed)
		}
	}

	stats, err := engine.CollectGarbage(ctx, backup.GCOptions{
		DryRun:     runDryRun,
		MaxOrphans: runMaxOrphans,
		Progress:   progress,
	})
	if err != nil {
		return cmdutil.StorageError(err)
	}

	detail := output.NewTableData("FIELD", "VALUE")
	detail.AddRow("Snapshots scanned", fmt.Sprintf("%d", stats.SnapshotsScanned))
	detail.AddRow("Chunks scanned", fmt.Sprintf("%d", stats.ChunksScanned))
	detail.AddRow("Live chunks", fmt.Sprintf("%d", stats.LiveChunks))
	detail.AddRow("Orphan chunks", fmt.Sprintf("%d", stats.OrphanChunks))
	detail.AddRow("Bytes reclaimed", fmt.Sprintf("%d", stats.BytesReclaimed))
	detail.AddRow("Errors", fmt.Sprintf("%d", stats.Errors))
	detail.AddRow("Dry run", fmt.Sprintf("%t", stats.DryRun))
	return cmdutil.PrintOutput(os.Stdout, stats, false, "", detail)
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Report orphans without deleting them")
	runCmd.Flags().IntVar(&runMaxOrphans, "max-orphans", 0, "Stop after this many orphans (0 = unlimited)")

	Cmd.AddCommand(runCmd)
}
