package dr

import (
	"fmt"
	"os"

	"github.com/forgevault/forgevault/cmd/fvctl/cmdutil"
	"github.com/forgevault/forgevault/internal/cli/output"
	"github.com/forgevault/forgevault/pkg/disaster"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recovery metrics",
	Long: `Aggregate the disaster event history into recovery metrics: open
and resolved counts, mean time to recover, and RTO/RPO compliance.

Examples:
  fvctl dr status
  fvctl dr status -o json`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	stores, err := cmdutil.OpenStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	events, err := stores.Repo.ListEvents(ctx, repo.EventFilter{})
	if err != nil {
		return cmdutil.StorageError(fmt.Errorf("failed to list disaster events: %w", err))
	}
	m := disaster.ComputeMetrics(events)

	detail := output.NewTableData("FIELD", "VALUE")
	detail.AddRow("Total events", fmt.Sprintf("%d", m.TotalEvents))
	detail.AddRow("Open", fmt.Sprintf("%d", m.Open))
	detail.AddRow("Completed", fmt.Sprintf("%d", m.Completed))
	detail.AddRow("Failed", fmt.Sprintf("%d", m.Failed))
	detail.AddRow("Rolled back", fmt.Sprintf("%d", m.RolledBack))
	detail.AddRow("MTTR (min)", fmt.Sprintf("%.1f", m.MTTRMinutes))
	detail.AddRow("EMA (min)", fmt.Sprintf("%.1f", m.EMAMinutes))
	detail.AddRow("RTO compliance", fmt.Sprintf("%.0f%%", m.RTOCompliance*100))
	detail.AddRow("RPO compliance", fmt.Sprintf("%.0f%%", m.RPOCompliance*100))

	return cmdutil.PrintOutput(os.Stdout, m, false, "", detail)
}
