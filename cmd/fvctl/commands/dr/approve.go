package dr

import (
	"fmt"
	"os/user"

	"github.com/forgevault/forgevault/cmd/fvctl/cmdutil"
	"github.com/forgevault/forgevault/pkg/disaster"
	"github.com/spf13/cobra"
)

var (
	approveBy     string
	approveReason string
	approveDeny   bool
)

var approveCmd = &cobra.Command{
	Use:   "approve <event-id> <step-name>",
	Short: "Approve or deny a manual recovery step",
	Long: `Record the decision for a manual recovery step. A recovery blocked
on the step picks the decision up through fleet state, on whatever
worker is executing it.

Examples:
  # Approve the failover step of an event
  fvctl dr approve evt-abc123 promote-standby --by alice

  # Deny it
  fvctl dr approve evt-abc123 promote-standby --deny --reason "primary is back"`,
	Args: cobra.ExactArgs(2),
	RunE: runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	by := approveBy
	if by == "" {
		if u, err := user.Current(); err == nil {
			by = u.Username
		}
	}

	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return err
	}
	coord, err := cmdutil.OpenFleet(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = coord.Close() }()

	approval := disaster.Approval{
		Approved: !approveDeny,
		By:       by,
		Reason:   approveReason,
	}
	if err := disaster.ApproveStep(cmd.Context(), coord, args[0], args[1], approval); err != nil {
		return cmdutil.StorageError(err)
	}

	verdict := "approved"
	if approveDeny {
		verdict = "denied"
	}
	fmt.Printf("Step %s of event %s %s.\n", args[1], args[0], verdict)
	return nil
}

func init() {
	approveCmd.Flags().StringVar(&approveBy, "by", "", "Operator recording the decision (default: current user)")
	approveCmd.Flags().StringVar(&approveReason, "reason", "", "Reason recorded with the decision")
	approveCmd.Flags().BoolVar(&approveDeny, "deny", false, "Deny the step instead of approving it")
}
