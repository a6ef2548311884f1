// Package dr implements disaster recovery operator commands.
package dr

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent disaster recovery command.
var Cmd = &cobra.Command{
	Use:   "dr",
	Short: "Disaster recovery status and control",
	Long: `Inspect disaster events and recovery metrics, list recovery plans,
and approve or deny manual recovery steps.`,
}

func init() {
	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(eventsCmd)
	Cmd.AddCommand(plansCmd)
	Cmd.AddCommand(approveCmd)
}
