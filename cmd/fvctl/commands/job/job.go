// Package job implements job inspection and cancellation commands.
package job

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent job command.
var Cmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and cancel jobs",
	Long:  `List jobs, inspect a single job, and request cancellation.`,
}

func init() {
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(inspectCmd)
	Cmd.AddCommand(cancelCmd)
}
