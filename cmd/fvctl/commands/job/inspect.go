package job

import (
	"fmt"
	"os"

	"github.com/forgevault/forgevault/cmd/fvctl/cmdutil"
	"github.com/forgevault/forgevault/internal/cli/output"
	"github.com/forgevault/forgevault/internal/cli/timeutil"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <job-id>",
	Short: "Show one job in full",
	Long: `Show a job's complete record: status, attempts, payload, result,
and error details.

Examples:
  fvctl job inspect job-abc123
  fvctl job inspect job-abc123 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	stores, err := cmdutil.OpenStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	job, err := stores.Repo.GetJob(ctx, args[0])
	if err != nil {
		return cmdutil.StorageError(err)
	}

	detail := output.NewTableData("FIELD", "VALUE")
	detail.AddRow("ID", job.ID)
	detail.AddRow("Flow", job.Flow)
	detail.AddRow("Queue", job.Queue)
	detail.AddRow("Status", job.Status)
	detail.AddRow("Priority", fmt.Sprintf("%d", job.Priority))
	detail.AddRow("Progress", fmt.Sprintf("%d%%", job.Progress))
	detail.AddRow("Attempt", fmt.Sprintf("%d/%d", job.Attempt, job.MaxRetries+1))
	if job.UserID != "" {
		detail.AddRow("User", job.UserID)
	}
	if job.DocumentID != "" {
		detail.AddRow("Document", job.DocumentID)
	}
	if job.WorkerID != "" {
		detail.AddRow("Worker", job.WorkerID)
	}
	detail.AddRow("Enqueued", timeutil.Stamp(job.EnqueuedAt))
	if job.StartedAt != nil {
		detail.AddRow("Started", timeutil.Stamp(*job.StartedAt))
	}
	if job.FinishedAt != nil {
		detail.AddRow("Finished", timeutil.Stamp(*job.FinishedAt))
		if job.StartedAt != nil {
			detail.AddRow("Duration", timeutil.FormatDuration(job.FinishedAt.Sub(*job.StartedAt)))
		}
	}
	if job.ErrorCode != "" {
		detail.AddRow("Error code", job.ErrorCode)
	}
	if job.ErrorMessage != "" {
		detail.AddRow("Error", job.ErrorMessage)
	}
	if job.CancelReason != "" {
		detail.AddRow("Cancel reason", job.CancelReason)
	}
	if job.Result != "" {
		detail.AddRow("Result", job.Result)
	}

	return cmdutil.PrintOutput(os.Stdout, job, false, "", detail)
}
