package commands

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsejob/am"
	"github.com/teranos/pulsejob/display"
	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/pulse/duedate"
	"github.com/teranos/pulsejob/pulse/jobstore"
	"github.com/teranos/pulsejob/server"
)

// JobsCmd groups job inspection commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect jobs and manage categories",
	Long: `Inspect stored jobs and manage the category allow-list.

Examples:
  pulsejob jobs ls                          # All jobs, oldest first
  pulsejob jobs ls --kind timer --limit 20  # The next twenty timers
  pulsejob jobs due "R/PT15M"               # Preview a timer expression
  pulsejob jobs categories ls               # Show the allow-list
  pulsejob jobs categories enable billing   # Acquire billing jobs
  pulsejob jobs categories disable billing  # Stop acquiring billing jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobsLs,
}

var jobsDueCmd = &cobra.Command{
	Use:   "due <expression>",
	Short: "Preview the due dates a timer expression produces",
	Long: `Resolve a timer expression against the current time and list its next
occurrences. Accepts an ISO-8601 instant, duration or repeating interval, or a
cron expression.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsDue,
}

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "Manage the category allow-list (empty enables every category)",
}

var categoriesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "Show enabled categories",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		printCategories(cfg.Pulse.Categories)
		return nil
	},
}

var categoriesEnableCmd = &cobra.Command{
	Use:   "enable <category>",
	Short: "Add a category to the allow-list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateCategories(func(list []string) []string {
			return append(list, args[0])
		})
	},
}

var categoriesDisableCmd = &cobra.Command{
	Use:   "disable <category>",
	Short: "Remove a category from the allow-list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateCategories(func(list []string) []string {
			return slices.DeleteFunc(list, func(c string) bool { return c == args[0] })
		})
	},
}

func init() {
	jobsLsCmd.Flags().String("kind", "", "Only jobs of this kind: timer, executable, suspended, deadletter, externalworker")
	jobsLsCmd.Flags().Int("limit", 50, "Maximum number of jobs to show (0 for all)")
	jobsLsCmd.Flags().Bool("json", false, "Output jobs as JSON")

	jobsDueCmd.Flags().IntP("count", "n", 5, "Number of occurrences to show")
	jobsDueCmd.Flags().Bool("json", false, "Output due dates as JSON")

	categoriesCmd.AddCommand(categoriesLsCmd, categoriesEnableCmd, categoriesDisableCmd)
	JobsCmd.AddCommand(jobsLsCmd, jobsDueCmd, categoriesCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	kindFlag, _ := cmd.Flags().GetString("kind")
	limit, _ := cmd.Flags().GetInt("limit")
	kind := jobstore.Kind(kindFlag)
	if kind != "" && !kind.Valid() {
		return errors.Newf("unknown job kind %q", kindFlag)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, dialect, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := jobstore.NewStore(database, dialect).List(context.Background(), kind, limit)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		resp := make([]server.JobResponse, 0, len(jobs))
		for _, j := range jobs {
			resp = append(resp, server.NewJobResponse(j, nil))
		}
		return display.OutputJSON(cmd.OutOrStdout(), resp)
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(jobTable(jobs, time.Now())).Render()
}

// jobTable renders jobs as table rows with a header row.
func jobTable(jobs []*jobstore.Job, now time.Time) pterm.TableData {
	data := pterm.TableData{{"ID", "Kind", "Handler", "Topic", "Scope", "Due", "Retries", "Lock", "Error"}}
	for _, j := range jobs {
		scope := ""
		if j.ScopeType != "" {
			scope = string(j.ScopeType) + ":" + j.ScopeID
		}
		due := ""
		if j.DueDate != nil {
			due = j.DueDate.Format(time.RFC3339)
		}
		lock := ""
		if j.IsLocked(now) {
			lock = j.LockOwner
		}
		data = append(data, []string{
			j.ID,
			string(j.Kind),
			j.HandlerType,
			j.Topic,
			scope,
			due,
			strconv.Itoa(j.RetriesLeft),
			lock,
			j.ExceptionMessage,
		})
	}
	return data
}

func runJobsDue(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt("count")
	now := time.Now().UTC()

	due, err := previewDue(args[0], now, count)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), due)
	}
	if len(due) == 0 {
		pterm.Info.Println("No future occurrence")
		return nil
	}
	data := pterm.TableData{{"#", "Due", "In"}}
	for i, at := range due {
		data = append(data, []string{
			strconv.Itoa(i + 1),
			at.Format(time.RFC3339),
			at.Sub(now).Round(time.Second).String(),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// previewDue resolves expr at now and follows it for up to count occurrences.
func previewDue(expr string, now time.Time, count int) ([]time.Time, error) {
	res, err := duedate.Resolve(duedate.Parse(expr, now), now)
	if err != nil {
		return nil, err
	}
	due := []time.Time{}
	for len(due) < count && !res.Exhausted {
		due = append(due, res.At)
		if res.Repeat == nil {
			break
		}
		if res, err = duedate.Next(*res.Repeat, res.At, res.At); err != nil {
			return nil, err
		}
	}
	return due, nil
}

// updateCategories edits the allow-list in the CLI overlay. A running daemon
// picks the change up through its config watcher.
func updateCategories(edit func([]string) []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	list := edit(slices.Clone(cfg.Pulse.Categories))
	if err := am.UpdatePulseCategories(list); err != nil {
		return err
	}
	am.Reset()
	cfg, err = loadConfig()
	if err != nil {
		return err
	}
	pterm.Success.Printf("Saved to %s\n", am.GetOverlayPath())
	printCategories(cfg.Pulse.Categories)
	return nil
}

func printCategories(categories []string) {
	if len(categories) == 0 {
		fmt.Println("All categories enabled")
		return
	}
	for _, c := range categories {
		fmt.Println(c)
	}
}
