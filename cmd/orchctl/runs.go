package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	httpapi "github.com/NeuralNinja23/gencode-orchestrator/internal/http"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

// errPrinted signals that --json already printed the response.
var errPrinted = errors.New("printed")

var (
	runTemplate  string
	runID        string
	runArchetype string
	runBudget    float64
	runContext   []string
	runGraphFile string

	outcomeScore   float64
	outcomeDetails []string
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsCreateCmd, runsGetCmd, runsPauseCmd, runsResumeCmd, runsCancelCmd, runsBudgetCmd)

	runsCreateCmd.Flags().StringVar(&runTemplate, "template", "", "built-in graph template (fullstack, minimal)")
	runsCreateCmd.Flags().StringVar(&runGraphFile, "graph", "", "YAML file with an explicit step graph")
	runsCreateCmd.Flags().StringVar(&runID, "id", "", "run id (generated when empty)")
	runsCreateCmd.Flags().StringVar(&runArchetype, "archetype", "", "project archetype used for routing")
	runsCreateCmd.Flags().Float64Var(&runBudget, "budget", 0, "budget limit (server default when zero)")
	runsCreateCmd.Flags().StringArrayVar(&runContext, "context", nil, "prompt context entry key=value (repeatable)")

	rootCmd.AddCommand(decisionsCmd)
	decisionsCmd.AddCommand(decisionsGetCmd, outcomeCmd)
	outcomeCmd.Flags().Float64Var(&outcomeScore, "score", -1, "quality score 0..10")
	outcomeCmd.Flags().StringArrayVar(&outcomeDetails, "detail", nil, "detail entry key=value (repeatable)")
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Start and control runs",
	Long: `Start and control generation runs.

Examples:
  # Start a run from a template
  orchctl runs create --template fullstack --archetype saas --context idea="todo app"

  # Start a run from an explicit graph
  orchctl runs create --graph graph.yaml --budget 2.5

  # Inspect, pause and resume
  orchctl runs get <run-id>
  orchctl runs pause <run-id>
  orchctl runs resume <run-id>

  # Raise the budget of a run
  orchctl runs budget <run-id> 10`,
}

var runsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a new run",
	Args:  cobra.NoArgs,
	RunE:  runCreate,
}

var runsGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run and its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var runsPauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Stop dispatching new steps",
	Args:  cobra.ExactArgs(1),
	RunE:  control("pause"),
}

var runsResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused run, or restore one from its latest checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  control("resume"),
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Abort a run",
	Args:  cobra.ExactArgs(1),
	RunE:  control("cancel"),
}

var runsBudgetCmd = &cobra.Command{
	Use:   "budget <run-id> [new-limit]",
	Short: "Show or raise a run's budget",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runBudgetCmd,
}

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "Inspect routing decisions and report outcomes",
}

var decisionsGetCmd = &cobra.Command{
	Use:   "get <decision-id>",
	Short: "Show a routing decision",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecisionGet,
}

var outcomeCmd = &cobra.Command{
	Use:   "outcome <decision-id> <success|partial|failure>",
	Short: "Report the outcome of a routing decision",
	Long: `Report the outcome of acting on a routing decision. Reporting the same
outcome twice is a no-op; a different outcome for the same decision is rejected.

Examples:
  orchctl decisions outcome 6f1c... success --score 8.5
  orchctl decisions outcome 6f1c... failure --detail reason=timeout`,
	Args: cobra.ExactArgs(2),
	RunE: runOutcome,
}

func runCreate(cmd *cobra.Command, _ []string) error {
	req := httpapi.CreateRunRequest{
		RunID:       runID,
		Template:    runTemplate,
		Archetype:   runArchetype,
		BudgetLimit: runBudget,
	}
	pairs, err := parsePairs(runContext)
	if err != nil {
		return err
	}
	if len(pairs) > 0 {
		req.PromptContext = pairs
	}
	if runGraphFile != "" {
		g, err := readGraph(runGraphFile)
		if err != nil {
			return err
		}
		req.GraphName, req.GraphVersion, req.Steps = g.Name, g.Version, g.Steps
	}
	if req.Template == "" && len(req.Steps) == 0 {
		return errors.New("--template or --graph is required")
	}

	var resp httpapi.RunResponse
	if err := call(cmd, http.MethodPost, "/api/v1/runs", req, &resp); err != nil {
		return printedOK(err)
	}
	printRun(cmd, resp)
	return nil
}

// readGraph loads a YAML graph file. Keys follow the JSON API names
// (name, version, steps[].depends_on, ...).
func readGraph(path string) (workflow.Graph, error) {
	var g workflow.Graph
	data, err := os.ReadFile(path)
	if err != nil {
		return g, fmt.Errorf("failed to read graph %s: %w", path, err)
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return g, fmt.Errorf("failed to parse graph %s: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", &g, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return g, fmt.Errorf("failed to decode graph %s: %w", path, err)
	}
	if err := g.Validate(); err != nil {
		return g, fmt.Errorf("invalid graph %s: %w", path, err)
	}
	return g, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	var resp httpapi.RunResponse
	if err := call(cmd, http.MethodGet, "/api/v1/runs/"+url.PathEscape(args[0]), nil, &resp); err != nil {
		return printedOK(err)
	}
	printRun(cmd, resp)
	return nil
}

func control(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var resp httpapi.StatusResponse
		path := "/api/v1/runs/" + url.PathEscape(args[0]) + "/" + action
		if err := call(cmd, http.MethodPost, path, nil, &resp); err != nil {
			return printedOK(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s\n", resp.RunID, resp.Status)
		return nil
	}
}

func runBudgetCmd(cmd *cobra.Command, args []string) error {
	path := "/api/v1/runs/" + url.PathEscape(args[0]) + "/budget"
	var resp httpapi.BudgetView
	var err error
	if len(args) == 2 {
		limit, perr := strconv.ParseFloat(args[1], 64)
		if perr != nil || limit <= 0 {
			return fmt.Errorf("invalid budget limit %q", args[1])
		}
		err = call(cmd, http.MethodPost, path, httpapi.BudgetOverrideRequest{Limit: limit}, &resp)
	} else {
		err = call(cmd, http.MethodGet, path, nil, &resp)
	}
	if err != nil {
		return printedOK(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Budget: %.4f / %.4f (%s, %.4f remaining, %.4f reserved)\n",
		resp.Spent, resp.Limit, resp.Status, resp.Remaining, resp.Reserved)
	return nil
}

func runDecisionGet(cmd *cobra.Command, args []string) error {
	var resp httpapi.DecisionResponse
	if err := call(cmd, http.MethodGet, "/api/v1/decisions/"+url.PathEscape(args[0]), nil, &resp); err != nil {
		return printedOK(err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Decision:  %s\n", resp.ID)
	fmt.Fprintf(out, "Context:   %s / %s\n", resp.ContextType, resp.Archetype)
	fmt.Fprintf(out, "Selected:  %s (%s, entropy %.3f)\n", resp.CandidateID, resp.Mode, resp.Entropy)
	if resp.Outcome != nil {
		fmt.Fprintf(out, "Outcome:   %s\n", *resp.Outcome)
	}

	ids := make([]string, 0, len(resp.Weights))
	for id := range resp.Weights {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return resp.Weights[ids[i]] > resp.Weights[ids[j]] })
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CANDIDATE\tWEIGHT")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%.4f\n", id, resp.Weights[id])
	}
	return w.Flush()
}

func runOutcome(cmd *cobra.Command, args []string) error {
	req := httpapi.OutcomeRequest{Outcome: args[1]}
	if cmd.Flags().Changed("score") {
		req.Score = &outcomeScore
	}
	details, err := parsePairs(outcomeDetails)
	if err != nil {
		return err
	}
	if len(details) > 0 {
		req.Details = make(map[string]any, len(details))
		for k, v := range details {
			req.Details[k] = v
		}
	}

	var resp httpapi.OutcomeResponse
	if err := call(cmd, http.MethodPost, "/api/v1/decisions/"+url.PathEscape(args[0])+"/outcome", req, &resp); err != nil {
		return printedOK(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for decision %s\n", resp.Outcome, resp.DecisionID)
	return nil
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func printedOK(err error) error {
	if errors.Is(err, errPrinted) {
		return nil
	}
	return err
}

func printRun(cmd *cobra.Command, resp httpapi.RunResponse) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:     %s\n", resp.Run.ID)
	fmt.Fprintf(out, "Status:  %s\n", resp.Run.Status)
	fmt.Fprintf(out, "Graph:   %s\n", resp.Run.GraphVersion)
	if resp.Budget != nil {
		fmt.Fprintf(out, "Budget:  %.4f / %.4f (%s)\n", resp.Budget.Spent, resp.Budget.Limit, resp.Budget.Status)
	} else {
		fmt.Fprintf(out, "Budget:  %.4f / %.4f\n", resp.Run.Spent, resp.Run.BudgetLimit)
	}
	if f := resp.Run.Failure; f != nil {
		fmt.Fprintf(out, "Failure: step %s (%s) %s\n", f.Step, f.ErrorClass, f.Message)
	}
	if len(resp.Steps) == 0 {
		return
	}

	names := make([]string, 0, len(resp.Steps))
	for name := range resp.Steps {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nSTEP\tSTATUS\tCRITICALITY\tATTEMPTS\tLAST SCORE")
	for _, name := range names {
		st := resp.Steps[name]
		score := "-"
		if n := len(st.Attempts); n > 0 && st.Attempts[n-1].QualityScore != nil {
			score = strconv.FormatFloat(*st.Attempts[n-1].QualityScore, 'f', 1, 64)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n", name, st.Status, st.Criticality, len(st.Attempts), st.MaxAttempts, score)
	}
	_ = w.Flush()
}
