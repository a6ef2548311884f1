// Package wal implements write-ahead log operator commands.
package wal

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent wal command.
var Cmd = &cobra.Command{
	Use:   "wal",
	Short: "Inspect the write-ahead log",
	Long:  `Read WAL entries, list checkpoints, and write a manual checkpoint.`,
}

func init() {
	Cmd.AddCommand(inspectCmd)
	Cmd.AddCommand(checkpointCmd)
}
