// Package main implements orchctl, the command-line client for the
// orchestrator HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/NeuralNinja23/gencode-orchestrator/internal/http"
)

var (
	// serverURL is the base URL of the orchestrator
	serverURL string
	// outputJSON prints raw response bodies
	outputJSON bool
	timeout    time.Duration
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchctl",
	Short: "CLI for the generation orchestrator",
	Long: `orchctl talks to a running orchestratord. It starts and controls runs,
reports decision outcomes and inspects checkpoints.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("GENCODE_SERVER_URL", "http://localhost:8080"), "orchestrator server URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.AddCommand(healthCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check orchestrator health",
	Long: `Check the health status of the orchestrator.

Examples:
  # Check health
  orchctl health

  # Check health on a different server
  orchctl health --server http://orchestrator:8080`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, _ []string) error {
	var resp httpapi.HealthResponse
	if err := call(cmd, http.MethodGet, "/health", nil, &resp); err != nil {
		return printedOK(err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
	fmt.Fprintf(out, "Server URL: %s\n", serverURL)
	for name, state := range resp.Components {
		fmt.Fprintf(out, "  %s: %s\n", name, state)
	}
	return nil
}

// apiError is the error body echo writes.
type apiError struct {
	Message string `json:"message"`
}

// call performs one API request. With --json the raw body is printed and
// out is left untouched.
func call(cmd *cobra.Command, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	url := strings.TrimRight(serverURL, "/") + path
	req, err := http.NewRequestWithContext(cmd.Context(), method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Message != "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, ae.Message)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if outputJSON {
		var pretty bytes.Buffer
		if json.Indent(&pretty, data, "", "  ") != nil {
			pretty.Reset()
			pretty.Write(data)
		}
		fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
		return errPrinted
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
