// Package commands implements the CLI commands for the fvctl operator
// client.
package commands

import (
	"github.com/forgevault/forgevault/cmd/fvctl/cmdutil"
	drcmd "github.com/forgevault/forgevault/cmd/fvctl/commands/dr"
	gccmd "github.com/forgevault/forgevault/cmd/fvctl/commands/gc"
	jobcmd "github.com/forgevault/forgevault/cmd/fvctl/commands/job"
	snapshotcmd "github.com/forgevault/forgevault/cmd/fvctl/commands/snapshot"
	walcmd "github.com/forgevault/forgevault/cmd/fvctl/commands/wal"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "fvctl",
	Short: "ForgeVault Control - backup and recovery operations",
	Long: `fvctl is the command-line client for operating a ForgeVault deployment.

Use this tool to create and restore backups, inspect snapshots and jobs,
drive disaster recovery, examine the write-ahead log, and reclaim orphaned
chunk storage. Commands open the stores named by the daemon configuration
directly; point --config at the same file the daemon uses.

Use "fvctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Sync flags to cmdutil.Flags for subcommands
		cmdutil.Flags.ConfigPath, _ = cmd.Flags().GetString("config")
		cmdutil.Flags.Output, _ = cmd.Flags().GetString("output")
		cmdutil.Flags.NoColor, _ = cmd.Flags().GetBool("no-color")
		cmdutil.Flags.Verbose, _ = cmd.Flags().GetBool("verbose")
		cmdutil.Flags.Yes, _ = cmd.Flags().GetBool("yes")
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (default: XDG config dir)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table|json|yaml)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolP("yes", "y", false, "Assume yes for confirmation prompts")

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(snapshotcmd.Cmd)
	rootCmd.AddCommand(jobcmd.Cmd)
	rootCmd.AddCommand(drcmd.Cmd)
	rootCmd.AddCommand(walcmd.Cmd)
	rootCmd.AddCommand(gccmd.Cmd)
	rootCmd.AddCommand(completionCmd)
}
