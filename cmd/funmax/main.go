// Package main provides the CLI entry point for the FunMax agent core.
//
// FunMax drives agent tasks through a bounded think/act loop on top of
// a durable workflow substrate: every side effect is a named, memoized
// step, so a re-invoked run replays committed work instead of repeating
// it. Tools include the built-in control tools and the paintboard media
// generation suite.
//
// # Basic Usage
//
// Start the server:
//
//	funmax serve --config funmax.yaml
//
// Run a single task locally:
//
//	funmax task run "summarize the attached report"
//
// # Environment Variables
//
//   - FUNMAX_CONFIG: Path to configuration file (default: funmax.yaml)
//   - OPENAI_API_KEY: OpenAI API key
//   - ANTHROPIC_API_KEY: Anthropic API key
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "funmax",
		Short: "FunMax - durable agent task runner",
		Long: `FunMax runs agent tasks: a bounded think/act loop over a durable
workflow substrate, with built-in control tools and media generation.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTaskCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("FUNMAX_CONFIG"); env != "" {
		return env
	}
	return "funmax.yaml"
}
