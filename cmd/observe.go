package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strand/internal/hub"
	"github.com/zjrosen/strand/internal/mux"
	"github.com/zjrosen/strand/internal/progress"
	"github.com/zjrosen/strand/internal/worker"
)

var observeCmd = &cobra.Command{
	Use:   "observe [channel...]",
	Short: "Stream daemon events to stdout",
	Long: `Connect to a running daemon and print events from the given channels
as newline-delimited JSON.

Channels are namespace:type pairs, e.g. "task:progress" or "spec:log".
With no arguments every channel of every worker category is streamed.

Example:
  strand observe                      # everything
  strand observe task:progress        # only task progress updates
  strand observe --project myapp      # scope to one project`,
	RunE: runObserve,
}

var (
	observeAddr    string
	observeProject string
)

func init() {
	rootCmd.AddCommand(observeCmd)

	observeCmd.Flags().StringVar(&observeAddr, "addr", "", "daemon address (overrides config)")
	observeCmd.Flags().StringVar(&observeProject, "project", "", "only receive events for this project")
}

func allChannels() []string {
	cats := []progress.Category{
		progress.CategoryTask,
		progress.CategorySpec,
		progress.CategoryRoadmap,
		progress.CategoryIdeation,
		progress.CategoryInsights,
	}
	types := []worker.EventType{
		worker.EventLog,
		worker.EventProgress,
		worker.EventExit,
		worker.EventError,
	}
	var channels []string
	for _, cat := range cats {
		for _, t := range types {
			channels = append(channels, cat.Namespace()+":"+string(t))
		}
	}
	return channels
}

func runObserve(_ *cobra.Command, args []string) error {
	addr := observeAddr
	if addr == "" {
		addr = cfg.Listen
	}

	channels := args
	if len(channels) == 0 {
		channels = allChannels()
	}

	client := mux.NewClient(addr)
	if observeProject != "" {
		client.SetProject(observeProject)
	}

	lines := make(chan string, 256)
	for _, ch := range channels {
		client.Subscribe(ch, func(env hub.Envelope) {
			lines <- fmt.Sprintf(`{"channel":%q,"data":%s}`, env.Channel, env.Data)
		})
	}
	client.Start()
	defer client.Close()

	fmt.Fprintf(os.Stderr, "observing %d channel(s) on %s\n", len(channels), addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case line := <-lines:
			fmt.Println(line)
		case <-sigCh:
			return nil
		}
	}
}
