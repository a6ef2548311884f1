package snapshot

import (
	"fmt"
	"os"

	"github.com/forgevault/forgevault/cmd/fvctl/cmdutil"
	"github.com/forgevault/forgevault/internal/cli/output"
	"github.com/forgevault/forgevault/pkg/backup"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <snapshot-id>",
	Short: "Verify a snapshot's integrity",
	Long: `Fully restore a snapshot in memory and compare the payload against
the checksum recorded at create time. A mismatch marks the snapshot
corrupt, which shields it from retention deletion until an operator
intervenes.

Examples:
  fvctl snapshot verify snap-abc123`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
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

	result, err := engine.Verify(ctx, args[0])
	if err != nil {
		return cmdutil.StorageError(err)
	}

	detail := output.NewTableData("FIELD", "VALUE")
	detail.AddRow("Snapshot", result.SnapshotID)
	detail.AddRow("Status", string(result.Status))
	if result.Message != "" {
		detail.AddRow("Message", result.Message)
	}
	detail.AddRow("Duration", result.Duration.String())
	if err := cmdutil.PrintOutput(os.Stdout, result, false, "", detail); err != nil {
		return err
	}

	if result.Status != backup.VerifyValid {
		return cmdutil.ValidationError(fmt.Errorf("snapshot %s failed verification: %s", result.SnapshotID, result.Message))
	}
	return nil
}
