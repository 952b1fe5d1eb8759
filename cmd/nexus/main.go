// Package main provides the CLI entry point for the orchestration runtime.
//
// orchestrion wires a session store, a set of per-agent runtimes, the
// Optimizer, and a cron scheduler into one multiagent.Orchestrator and
// exposes it through two subcommands: "chat" (an interactive REPL that
// drives Orchestrator.HandleUserInput directly) and "serve" (the same
// wiring, but driven by the cron scheduler instead of a terminal).
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string
	var agentsPath string
	var debug bool

	root := &cobra.Command{
		Use:     "nexus",
		Short:   "Multi-agent orchestration runtime",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	}
	root.PersistentFlags().StringVar(&configPath, "config", envOr("NEXUS_CONFIG", "nexus.yaml"), "path to the runtime config file")
	root.PersistentFlags().StringVar(&agentsPath, "agents", envOr("NEXUS_AGENTS", "agents.yaml"), "path to the multi-agent definitions file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(buildChatCmd(&configPath, &agentsPath, &debug))
	root.AddCommand(buildServeCmd(&configPath, &agentsPath, &debug))

	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func buildChatCmd(configPath, agentsPath *string, debug *bool) *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive REPL that calls Orchestrator.HandleUserInput for each line of input",
		RunE: func(cmd *cobra.Command, args []string) error {
			setDebugLogging(*debug)
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := bootstrap(ctx, *configPath, *agentsPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if sessionKey == "" {
				sessionKey = "cli-session"
			}

			fmt.Fprintln(os.Stdout, "orchestrion chat — Ctrl-D to exit")
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for {
				fmt.Fprint(os.Stdout, "> ")
				if !scanner.Scan() {
					break
				}
				line := scanner.Text()
				if line == "" {
					continue
				}
				reply, err := rt.orchestrator.HandleUserInput(ctx, sessionKey, line)
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
					continue
				}
				fmt.Fprintln(os.Stdout, reply)
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key to resume (default: a fresh CLI session)")
	return cmd
}

func buildServeCmd(configPath, agentsPath *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cron scheduler against the orchestrator until a shutdown signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			setDebugLogging(*debug)
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := bootstrap(ctx, *configPath, *agentsPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.scheduler == nil {
				slog.Warn("cron.enabled is false; serve has nothing scheduled and will idle until a shutdown signal")
			} else if err := rt.scheduler.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}

			slog.Info("orchestrion serve started", "config", *configPath, "agents", *agentsPath)
			<-ctx.Done()
			slog.Info("shutdown signal received")

			if rt.scheduler != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), rt.shutdownTimeout())
				defer shutdownCancel()
				rt.scheduler.Stop(shutdownCtx)
			}
			return nil
		},
	}
}

func setDebugLogging(debug bool) {
	if !debug {
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
}
