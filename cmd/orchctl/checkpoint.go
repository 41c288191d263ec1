package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/checkpoint"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/config"
)

var (
	// checkpoint command flags
	cpDir      string
	cpSequence uint64
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointRunsCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)

	checkpointCmd.PersistentFlags().StringVar(&cpDir, "dir", "", "checkpoint directory (defaults to checkpoint.directory from the config file)")
	checkpointShowCmd.Flags().Uint64Var(&cpSequence, "seq", 0, "sequence to show (latest when zero)")
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect checkpoints on disk",
	Long: `Inspect run checkpoints directly from the checkpoint directory. These
commands do not need a running orchestrator.

Examples:
  # List runs with checkpoints
  orchctl checkpoint runs --dir /var/lib/gencode/checkpoints

  # List the checkpoints of a run
  orchctl checkpoint list <run-id>

  # Show the latest snapshot of a run
  orchctl checkpoint show <run-id>

  # Show a specific sequence as JSON
  orchctl checkpoint show <run-id> --seq 4 --json`,
}

var checkpointRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs that have checkpoints",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointRuns,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list <run-id>",
	Short: "List the checkpoints of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointList,
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a checkpointed snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointShow,
}

// openCheckpoints opens the file store read-side. The directory comes from
// --dir or the orchestrator config.
func openCheckpoints() (*checkpoint.FileStore, error) {
	dir := cpDir
	if dir == "" {
		cfg, err := config.Load("")
		if err != nil {
			return nil, fmt.Errorf("failed to load config (use --dir): %w", err)
		}
		dir = cfg.Checkpoint.Directory
	}
	if dir == "" {
		return nil, fmt.Errorf("no checkpoint directory configured; checkpoints are kept in memory")
	}
	return checkpoint.NewFileStore(dir)
}

func runCheckpointRuns(cmd *cobra.Command, _ []string) error {
	store, err := openCheckpoints()
	if err != nil {
		return err
	}
	ids, err := store.Runs(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	sort.Strings(ids)

	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), ids)
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No checkpointed runs")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	store, err := openCheckpoints()
	if err != nil {
		return err
	}
	infos, err := store.List(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tCREATED\tREASON\tID")
	for _, info := range infos {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			info.Sequence,
			info.CreatedAt.Format("2006-01-02 15:04:05"),
			info.Reason,
			info.ID,
		)
	}
	return w.Flush()
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	store, err := openCheckpoints()
	if err != nil {
		return err
	}

	var cp *checkpoint.Checkpoint
	if cpSequence == 0 {
		cp, err = store.Latest(cmd.Context(), args[0])
	} else {
		cp, err = store.Get(cmd.Context(), args[0], cpSequence)
	}
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), cp)
	}

	out := cmd.OutOrStdout()
	snap := cp.Snapshot
	fmt.Fprintf(out, "Run:       %s\n", cp.RunID)
	fmt.Fprintf(out, "Sequence:  %d (%s)\n", cp.Sequence, cp.Reason)
	fmt.Fprintf(out, "Saved:     %s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Status:    %s\n", snap.Run.Status)
	fmt.Fprintf(out, "Budget:    %.4f / %.4f\n", snap.Run.Spent, snap.Run.BudgetLimit)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nSTEP\tSTATUS\tATTEMPTS\tLAST SCORE")
	for _, step := range snap.Graph.Steps {
		st := snap.Steps[step.Name]
		if st == nil {
			continue
		}
		score := "-"
		if a := st.LastAttempt(); a != nil && a.QualityScore != nil {
			score = strconv.FormatFloat(*a.QualityScore, 'f', 1, 64)
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", step.Name, st.Status, len(st.Attempts), step.MaxAttempts, score)
	}
	return w.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
