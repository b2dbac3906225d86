package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/pulsejob/cmd/pulsejob/commands"
	"github.com/teranos/pulsejob/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pulsejob",
	Short: "pulsejob - timer and job scheduling core",
	Long: `pulsejob - timer and job scheduling core for process and case engines.

pulsejob stores timers, executable jobs and external-worker jobs, fires
timers when they fall due, runs jobs with retries and backoff, and leases
jobs to out-of-process workers over HTTP.

Available commands:
  am      - Show and validate configuration
  pulse   - Run the executor and HTTP API
  jobs    - Inspect jobs and manage the category allow-list
  version - Show version information

Examples:
  pulsejob am show                        # Show current configuration
  pulsejob pulse start                    # Start the daemon
  pulsejob jobs ls --kind deadletter      # List dead-letter jobs
  pulsejob jobs categories enable billing # Acquire only billing jobs`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
