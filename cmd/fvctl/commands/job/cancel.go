package job

import (
	"fmt"

	"github.com/forgevault/forgevault/cmd/fvctl/cmdutil"
	"github.com/forgevault/forgevault/pkg/jobs"
	"github.com/spf13/cobra"
)

var cancelReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request job cancellation",
	Long: `Request cancellation of a job. Pending jobs cancel immediately; a
running job stops at its next checkpoint on whichever worker holds it,
and is force-cancelled by the sweep if it ignores the request.

Examples:
  fvctl job cancel job-abc123 --reason "wrong input deck"`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	stores, err := cmdutil.OpenStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	coord, err := cmdutil.OpenFleet(stores.Cfg)
	if err != nil {
		return err
	}
	defer func() { _ = coord.Close() }()

	if err := jobs.RequestCancel(ctx, stores.Repo, coord, args[0], cancelReason); err != nil {
		return err
	}
	fmt.Printf("Cancellation requested for job %s.\n", args[0])
	return nil
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "operator request", "Cancellation reason recorded on the job")
}
