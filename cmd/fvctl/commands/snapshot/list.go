package snapshot

import (
	"fmt"
	"os"

	"github.com/forgevault/forgevault/cmd/fvctl/cmdutil"
	"github.com/forgevault/forgevault/internal/cli/timeutil"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/spf13/cobra"
)

var listSource string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	Long: `List snapshots, optionally filtered by source document.

Examples:
  # All snapshots
  fvctl snapshot list

  # One document's chain
  fvctl snapshot list --source doc-123

  # As JSON
  fvctl snapshot list -o json`,
	RunE: runList,
}

// snapshotRow holds resolved snapshot info for table display.
type snapshotRow struct {
	ID          string `json:"id"`
	Source      string `json:"source_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Tier        string `json:"tier"`
	LogicalSize int64  `json:"logical_size"`
	CreatedAt   string `json:"created_at"`
}

// SnapshotList is a list of snapshots for table rendering.
type SnapshotList []snapshotRow

// Headers implements TableRenderer.
func (sl SnapshotList) Headers() []string {
	return []string{"ID", "SOURCE", "KIND", "STATUS", "TIER", "SIZE", "CREATED"}
}

// Rows implements TableRenderer.
func (sl SnapshotList) Rows() [][]string {
	rows := make([][]string, 0, len(sl))
	for _, s := range sl {
		rows = append(rows, []string{
			s.ID, s.Source, s.Kind, s.Status, s.Tier,
			fmt.Sprintf("%d", s.LogicalSize), s.CreatedAt,
		})
	}
	return rows
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	stores, err := cmdutil.OpenStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	snaps, err := stores.Repo.ListSnapshots(ctx, listSource)
	if err != nil {
		return cmdutil.StorageError(fmt.Errorf("failed to list snapshots: %w", err))
	}

	rows := make(SnapshotList, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, toRow(s))
	}

	return cmdutil.PrintOutput(os.Stdout, rows, len(rows) == 0, "No snapshots found.", rows)
}

func toRow(s *repo.Snapshot) snapshotRow {
	return snapshotRow{
		ID:          s.ID,
		Source:      s.SourceID,
		Kind:        s.Kind,
		Status:      s.Status,
		Tier:        s.Tier,
		LogicalSize: s.LogicalSize,
		CreatedAt:   timeutil.Stamp(s.CreatedAt),
	}
}

func init() {
	listCmd.Flags().StringVar(&listSource, "source", "", "Filter by source document ID")
}
