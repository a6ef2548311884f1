package snapshot

import (
	"fmt"

	"github.com/forgevault/forgevault/cmd/fvctl/cmdutil"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <snapshot-id>",
	Short: "Delete a snapshot",
	Long: `Delete a snapshot, releasing its chunk references and removing its
stored envelope.

Deleting a snapshot in the middle of an incremental chain makes later
increments unrestorable; retention normally handles deletion in chain
order. Asks for confirmation unless --yes is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	ok, err := cmdutil.Confirm(fmt.Sprintf("Delete snapshot %s", args[0]))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(cmdutil.Stderr(), "Aborted.")
		return nil
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

	if err := engine.Delete(ctx, args[0]); err != nil {
		return cmdutil.StorageError(err)
	}
	fmt.Printf("Snapshot %s deleted.\n", args[0])
	return nil
}
