package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strand/internal/creds"
	"github.com/zjrosen/strand/internal/progress"
	"github.com/zjrosen/strand/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run <key> -- <command> [args...]",
	Short: "Run one worker locally and stream its output",
	Long: `Run a single worker in the foreground without the daemon. Output
lines and inferred phase transitions print as they happen, and the
command exits with the worker's exit code.

Example:
  strand run build -- make test
  strand run deploy --category roadmap --credential DEPLOY_TOKEN -- ./deploy.sh`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

var (
	runCategory   string
	runProject    string
	runSpecID     string
	runCredential string
	runDir        string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runCategory, "category", string(progress.CategoryTask), "worker category")
	runCmd.Flags().StringVar(&runProject, "project", "", "project the worker belongs to")
	runCmd.Flags().StringVar(&runSpecID, "spec", "", "spec the worker is executing")
	runCmd.Flags().StringVar(&runCredential, "credential", "", "credential name to resolve into the worker environment")
	runCmd.Flags().StringVar(&runDir, "dir", "", "working directory for the worker")
}

func runRun(_ *cobra.Command, args []string) error {
	key := args[0]
	command := args[1]
	var cmdArgs []string
	if len(args) > 2 {
		cmdArgs = args[2:]
	}

	resolver := creds.NewResolver(creds.Options{
		ProfilePath:  cfg.Creds.ProfilePath,
		SettingsPath: cfg.Creds.SettingsPath,
		CacheTTL:     time.Duration(cfg.Creds.CacheTTLSeconds) * time.Second,
	})
	registry := worker.NewRegistry(worker.Options{
		Runner:      cfg.Workers.Runner,
		BufferLines: cfg.Workers.BufferLines,
		Resolver:    resolver,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := registry.Subscribe(ctx)

	err := registry.Spawn(ctx, worker.SpawnRequest{
		Key:            key,
		Category:       progress.Category(runCategory),
		Project:        runProject,
		SpecID:         runSpecID,
		Command:        command,
		Args:           cmdArgs,
		Dir:            runDir,
		CredentialName: runCredential,
	})
	if err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "stopping worker...")
			registry.Stop(ctx, key)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case worker.EventLog:
				fmt.Println(ev.Line)
			case worker.EventProgress:
				fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.State.Phase, ev.State.Message)
			case worker.EventExit:
				return nil
			case worker.EventError:
				if ev.ExitCode > 0 {
					os.Exit(ev.ExitCode)
				}
				return fmt.Errorf("%s", ev.Message)
			}
		}
	}
}
