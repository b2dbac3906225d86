package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsejob/am"
	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/logger"
	"github.com/teranos/pulsejob/sym"
	"github.com/teranos/pulsejob/version"
)

// PulseCmd groups the daemon commands
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the pulsejob daemon",
	Long: sym.Pulse + ` Pulse daemon - timer firing, job execution and worker leases.

The daemon:
- Fires due timers and schedules the next occurrence of repeating ones
- Runs executable jobs on a bounded worker pool with retries and backoff
- Moves jobs that exhaust their retries to the dead-letter kind
- Serves the external-worker lease protocol over HTTP
- Streams job lifecycle events over a websocket
- Reloads the category allow-list when configuration files change

Example:
  pulsejob pulse start                # Start in the foreground
  pulsejob pulse start --workers 8    # Override the worker count
  pulsejob pulse start --port 9000    # Override the HTTP port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pulsejob daemon",
	Long: `Start the daemon in the foreground. It runs until interrupted (Ctrl+C or
SIGTERM), then stops accepting HTTP requests and waits for in-flight
handlers before exiting.`,
	RunE: runPulseStart,
}

func init() {
	PulseStartCmd.Flags().Int("workers", -1, "Number of concurrent workers (default from config)")
	PulseStartCmd.Flags().Int("port", 0, "HTTP port (default from config)")
	PulseStartCmd.Flags().Bool("no-watch", false, "Do not reload configuration when files change")
	PulseCmd.AddCommand(PulseStartCmd, pulseWorkersCmd)
}

var pulseWorkersCmd = &cobra.Command{
	Use:   "workers <n>",
	Short: "Persist the worker count (0 serves external workers only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.Newf("invalid worker count %q", args[0])
		}
		if err := am.UpdatePulseWorkers(n); err != nil {
			return err
		}
		pterm.Success.Printf("Workers set to %d in %s\n", n, am.GetOverlayPath())
		pterm.Info.Println("A running daemon applies worker changes on restart")
		return nil
	},
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers >= 0 {
		cfg.Pulse.Workers = workers
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = &port
	}

	database, dialect, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	log := logger.Logger
	log.Infow("Starting pulsejob", version.Get().LogFields()...)
	d := newDaemon(cfg, database, dialect, nil, log)

	if noWatch, _ := cmd.Flags().GetBool("no-watch"); !noWatch {
		watcher, err := am.WatchDefaultPaths(log)
		if err != nil {
			log.Warnw("Config watcher not started", "error", err)
		} else {
			watcher.OnReload(d.applyConfig)
			am.SetGlobalWatcher(watcher)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("%s pulsejob started\n", sym.Pulse)
	fmt.Printf("  Executor: %s\n", d.executor.Config().ExecutorID)
	fmt.Printf("  Workers: %d\n", cfg.Pulse.Workers)
	fmt.Printf("  Poll interval: %v\n", cfg.Pulse.PollInterval())
	fmt.Printf("  Database: %s\n", dialect)
	fmt.Printf("  HTTP: http://%s\n", cfg.GetServerAddr())
	if len(cfg.Pulse.Categories) > 0 {
		fmt.Printf("  Categories: %v\n", cfg.Pulse.Categories)
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	if err := d.run(ctx); err != nil {
		return err
	}

	fmt.Printf("%s pulsejob stopped\n", sym.PulseClose)
	return nil
}
