package job

import (
	"fmt"
	"os"

	"github.com/forgevault/forgevault/cmd/fvctl/cmdutil"
	"github.com/forgevault/forgevault/internal/cli/timeutil"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/spf13/cobra"
)

var (
	listQueue  string
	listStatus string
	listFlow   string
	listUser   string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs, newest first, with optional filters.

Examples:
  # Most recent jobs
  fvctl job list

  # Running FEM analyses
  fvctl job list --status running --flow fem

  # One user's jobs as JSON
  fvctl job list --user u-42 -o json`,
	RunE: runList,
}

// jobRow holds resolved job info for table display.
type jobRow struct {
	ID       string `json:"id"`
	Flow     string `json:"flow"`
	Queue    string `json:"queue"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Attempt  int    `json:"attempt"`
	Worker   string `json:"worker_id,omitempty"`
	Enqueued string `json:"enqueued_at"`
}

// JobList is a list of jobs for table rendering.
type JobList []jobRow

// Headers implements TableRenderer.
func (jl JobList) Headers() []string {
	return []string{"ID", "FLOW", "QUEUE", "STATUS", "PROGRESS", "ATTEMPT", "WORKER", "ENQUEUED"}
}

// Rows implements TableRenderer.
func (jl JobList) Rows() [][]string {
	rows := make([][]string, 0, len(jl))
	for _, j := range jl {
		rows = append(rows, []string{
			j.ID, j.Flow, j.Queue, j.Status,
			fmt.Sprintf("%d%%", j.Progress),
			fmt.Sprintf("%d", j.Attempt),
			j.Worker, j.Enqueued,
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

	jobs, err := stores.Repo.ListJobs(ctx, repo.JobFilter{
		Queue:  listQueue,
		Status: listStatus,
		Flow:   listFlow,
		UserID: listUser,
		Limit:  listLimit,
	})
	if err != nil {
		return cmdutil.StorageError(fmt.Errorf("failed to list jobs: %w", err))
	}

	rows := make(JobList, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, jobRow{
			ID:       j.ID,
			Flow:     j.Flow,
			Queue:    j.Queue,
			Status:   j.Status,
			Progress: j.Progress,
			Attempt:  j.Attempt,
			Worker:   j.WorkerID,
			Enqueued: timeutil.Stamp(j.EnqueuedAt),
		})
	}

	return cmdutil.PrintOutput(os.Stdout, rows, len(rows) == 0, "No jobs found.", rows)
}

func init() {
	listCmd.Flags().StringVar(&listQueue, "queue", "", "Filter by queue")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending|running|completed|failed|cancelled)")
	listCmd.Flags().StringVar(&listFlow, "flow", "", "Filter by flow")
	listCmd.Flags().StringVar(&listUser, "user", "", "Filter by user ID")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum rows (0 = no limit)")
}
