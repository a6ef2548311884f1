package dr

import (
	"fmt"
	"os"

	"github.com/forgevault/forgevault/cmd/fvctl/cmdutil"
	"github.com/forgevault/forgevault/internal/cli/timeutil"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/spf13/cobra"
)

var (
	eventsStatus   string
	eventsSeverity string
	eventsKind     string
	eventsLimit    int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List disaster events",
	Long: `List disaster events, newest first, with optional filters.

Examples:
  # Recent events
  fvctl dr events

  # Open critical events
  fvctl dr events --status detected --severity critical`,
	RunE: runEvents,
}

// eventRow holds resolved event info for table display.
type eventRow struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Status   string `json:"status"`
	Plan     string `json:"plan_id,omitempty"`
	Detected string `json:"detected_at"`
	Message  string `json:"message,omitempty"`
}

// EventList is a list of disaster events for table rendering.
type EventList []eventRow

// Headers implements TableRenderer.
func (el EventList) Headers() []string {
	return []string{"ID", "KIND", "SEVERITY", "STATUS", "PLAN", "DETECTED", "MESSAGE"}
}

// Rows implements TableRenderer.
func (el EventList) Rows() [][]string {
	rows := make([][]string, 0, len(el))
	for _, e := range el {
		rows = append(rows, []string{e.ID, e.Kind, e.Severity, e.Status, e.Plan, e.Detected, e.Message})
	}
	return rows
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	stores, err := cmdutil.OpenStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	events, err := stores.Repo.ListEvents(ctx, repo.EventFilter{
		Status:   eventsStatus,
		Severity: eventsSeverity,
		Kind:     eventsKind,
		Limit:    eventsLimit,
	})
	if err != nil {
		return cmdutil.StorageError(fmt.Errorf("failed to list disaster events: %w", err))
	}

	rows := make(EventList, 0, len(events))
	for _, e := range events {
		rows = append(rows, eventRow{
			ID:       e.ID,
			Kind:     e.Kind,
			Severity: e.Severity,
			Status:   e.Status,
			Plan:     e.PlanID,
			Detected: timeutil.Stamp(e.DetectedAt),
			Message:  e.Message,
		})
	}

	return cmdutil.PrintOutput(os.Stdout, rows, len(rows) == 0, "No disaster events recorded.", rows)
}

func init() {
	eventsCmd.Flags().StringVar(&eventsStatus, "status", "", "Filter by status")
	eventsCmd.Flags().StringVar(&eventsSeverity, "severity", "", "Filter by severity")
	eventsCmd.Flags().StringVar(&eventsKind, "kind", "", "Filter by disaster kind")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum rows (0 = no limit)")
}
