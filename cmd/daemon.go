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
	"github.com/zjrosen/strand/internal/hub"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/store"
	"github.com/zjrosen/strand/internal/term"
	"github.com/zjrosen/strand/internal/tracing"
	"github.com/zjrosen/strand/internal/worker"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the strand daemon",
	Long: `Run the worker and session registries with the event hub listening
for observers.

The daemon listens on the configured address (default: 127.0.0.1:7333).
Observers connect over TCP with newline-delimited JSON frames: a
connection opening with an attach frame streams one interactive
session; any other connection receives channel events it subscribes to.

Example:
  strand daemon                       # listen on the configured address
  strand daemon --addr 127.0.0.1:9000`,
	RunE: runDaemon,
}

var daemonAddr string

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonAddr, "addr", "", "address to listen on (overrides config)")
}

func runDaemon(_ *cobra.Command, _ []string) error {
	if debugFlag || os.Getenv("STRAND_DEBUG") != "" {
		cleanup, err := log.Init(cfg.LogPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
		log.Info(log.CatConfig, "strand daemon starting", "logPath", cfg.LogPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	history, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer history.Close()

	resolver := creds.NewResolver(creds.Options{
		ProfilePath:  cfg.Creds.ProfilePath,
		SettingsPath: cfg.Creds.SettingsPath,
		CacheTTL:     time.Duration(cfg.Creds.CacheTTLSeconds) * time.Second,
	})
	watcher, err := creds.NewWatcher(resolver, 0)
	if err != nil {
		log.Warn(log.CatCreds, "credential watcher unavailable", "error", err)
	} else {
		watcher.Start()
		defer func() { _ = watcher.Stop() }()
	}

	workers := worker.NewRegistry(worker.Options{
		Runner:      cfg.Workers.Runner,
		BufferLines: cfg.Workers.BufferLines,
		Resolver:    resolver,
		Tracer:      tracer,
	})
	sessions := term.NewRegistry(term.Options{
		Shell:        cfg.Sessions.Shell,
		AgentCommand: cfg.Sessions.AgentCommand,
		BufferBytes:  cfg.Sessions.BufferBytes,
		Tracer:       tracer,
	})

	h := hub.NewHub()
	bridge := hub.NewBridge(h, history)
	go bridge.Run(ctx, workers.Subscribe(ctx))

	server := hub.NewServer(h, sessions)
	addr := daemonAddr
	if addr == "" {
		addr = cfg.Listen
	}
	if err := server.Listen(addr); err != nil {
		return err
	}

	fmt.Printf("strand daemon listening on %s\n", server.Addr())
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)

	server.Close()
	workers.Shutdown(ctx)
	sessions.Shutdown(ctx)

	fmt.Println("Daemon stopped")
	return nil
}
