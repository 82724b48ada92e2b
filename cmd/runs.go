package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strand/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded worker runs",
	Long: `List finished worker runs from the history database, newest first.

Example:
  strand runs                  # recent runs across all projects
  strand runs --key build      # runs for one worker key
  strand runs --project myapp  # runs for one project`,
	RunE: runRuns,
}

var (
	runsLimit   int
	runsKey     string
	runsProject string
)

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to show")
	runsCmd.Flags().StringVar(&runsKey, "key", "", "only runs for this worker key")
	runsCmd.Flags().StringVar(&runsProject, "project", "", "only runs for this project")
}

func runRuns(_ *cobra.Command, _ []string) error {
	history, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer history.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var runs []store.Run
	switch {
	case runsKey != "":
		runs, err = history.ByKey(ctx, runsKey, runsLimit)
	case runsProject != "":
		runs, err = history.ByProject(ctx, runsProject, runsLimit)
	default:
		runs, err = history.Recent(ctx, runsLimit)
	}
	if err != nil {
		return fmt.Errorf("querying run history: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tCATEGORY\tPROJECT\tEXIT\tPHASE\tDURATION\tENDED")
	for _, run := range runs {
		duration := run.EndedAt.Sub(run.StartedAt).Round(time.Second)
		project := run.Project
		if project == "" {
			project = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			run.Key, run.Category, project, run.ExitCode,
			run.FinalPhase, duration, run.EndedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
