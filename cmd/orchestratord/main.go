// Orchestratord runs the generation orchestrator with its HTTP control API.
//
// Configuration is read from ~/.config/gencode/config.yaml (or --config)
// and GENCODE_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	GENCODE_AGENT_EXECUTOR_URL=http://localhost:9000 orchestratord
//
//	# Use an explicit config file
//	orchestratord --config /etc/gencode/config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	noRecover  bool
)

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Adaptive multi-step generation orchestrator",
	Long: `orchestratord drives generation runs through their step graph, delegating
each step to an external agent executor and reviewer, and serves the run
control API on the configured port.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err := run(ctx, configPath, !noRecover)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "orchestratord\n")
		fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", gitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.config/gencode/config.yaml)")
	rootCmd.Flags().BoolVar(&noRecover, "no-recover", false, "do not resume unfinished runs from checkpoints on startup")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: %v\n", err)
		os.Exit(1)
	}
}
