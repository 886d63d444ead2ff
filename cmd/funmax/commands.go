// commands.go contains the cobra command definitions and their flag
// configurations. Each builder creates a command and wires it to its
// handler in handlers.go.
package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the HTTP server
// and the task engine.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the FunMax server",
		Long: `Start the FunMax server.

The server will:
1. Load configuration from the specified file (or funmax.yaml)
2. Open the sqlite store (or the in-memory store when no path is set)
3. Initialize model providers with failover
4. Register the built-in tool set
5. Serve the task API, the SSE progress stream and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  funmax serve

  # Start with custom config
  funmax serve --config /etc/funmax/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// buildTaskCmd creates the "task" command group.
func buildTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Run and inspect tasks",
	}
	cmd.AddCommand(buildTaskRunCmd())
	return cmd
}

func buildTaskRunCmd() *cobra.Command {
	var (
		configPath string
		org        string
		maxSteps   int
	)

	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Run one task locally and print its progress",
		Long: `Run a single task against in-memory stores and stream its progress
log to stdout. Useful for trying prompts and tool behavior without a
server.`,
		Example: `  funmax task run "summarize the latest sales figures"
  funmax task run --max-steps 5 "draft a launch announcement"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskRun(cmd.Context(), resolveConfigPath(configPath), args[0], org, maxSteps)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&org, "org", "local", "Organization ID for the run")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Override the step budget")
	return cmd
}
