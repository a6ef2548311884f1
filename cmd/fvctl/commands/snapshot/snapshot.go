// Package snapshot implements snapshot inspection and restore commands.
package snapshot

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent snapshot command.
var Cmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect, verify, and restore snapshots",
	Long:  `List snapshots, verify their integrity, and restore their payloads.`,
}

func init() {
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(verifyCmd)
	Cmd.AddCommand(restoreCmd)
	Cmd.AddCommand(deleteCmd)
}
