package snapshot

import (
	"fmt"
	"os"

	"github.com/forgevault/forgevault/cmd/fvctl/cmdutil"
	"github.com/spf13/cobra"
)

var restoreOutput string

var restoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Short: "Restore a snapshot's payload",
	Long: `Restore a snapshot's full payload, walking its incremental chain if
necessary, and write it to a file or stdout.

Examples:
  # Restore to a file
  fvctl snapshot restore snap-abc123 --output model.FCStd

  # Restore to stdout
  fvctl snapshot restore snap-abc123 --output -`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func runRestore(cmd *cobra.Command, args []string) error {
	if restoreOutput == "" {
		return cmdutil.ValidationError(fmt.Errorf("--output is required"))
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

	data, err := engine.Restore(ctx, args[0])
	if err != nil {
		return cmdutil.StorageError(err)
	}

	if restoreOutput == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(restoreOutput, data, 0o600); err != nil {
		return fmt.Errorf("writing restored payload: %w", err)
	}
	fmt.Fprintf(cmdutil.Stderr(), "Restored %d bytes to %s\n", len(data), restoreOutput)
	return nil
}

func init() {
	restoreCmd.Flags().StringVar(&restoreOutput, "output", "", "Destination file, or - for stdout (required)")
	_ = restoreCmd.MarkFlagRequired("output")
}
