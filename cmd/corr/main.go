package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"corr/internal/config"
	"corr/internal/correlate"
	"corr/internal/logging"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	// Run and estimate flags
	runIdentity string
	runFrom     string
	runTo       string
	runSources  []string
	runInputs   []string
	runMode     string
	runMaxCost  float64
	runJSON     bool

	// Replay, report, and tui flags
	targetRunID string

	cfg    *config.Config
	logger *zap.Logger

	// exitStatus carries the exit code for commands that finish without
	// an error but not cleanly, like a degraded run.
	exitStatus int
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "corr",
	Short: "corr - cross-source engineering evidence correlation",
	Long: `corr links the scattered records of engineering work: commits,
tickets, reviews, messages, and documents.

Deterministic rules propose candidate pairs for free, embeddings score
their similarity, and a language model adjudicates only the ambiguous
remainder. Every paid call is reserved against a monthly spend ledger
before it is made, so a run can never overshoot the budget.

Accepted relationships are grouped into stories: threads of related
work across sources, annotated with phases, technologies, and
collaboration patterns.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgPath
		if path == "" {
			path = defaultConfigPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", path, err)
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd executes one correlation run
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Correlate evidence for an identity and window",
	Long: `Runs the full pipeline: collect evidence from the registered
sources (or load it from --input files), pre-filter candidate pairs,
resolve them through the cheapest tiers the budget allows, then group
the accepted relationships into stories.

Exit status: 0 clean, 2 degraded, 3 budget denied the requested mode,
4 invalid input.

Examples:
  corr run --identity alice --from 2025-03-01 --to 2025-03-08
  corr run --input evidence.json --mode rules --json`,
	RunE: runCorrelate,
}

// estimateCmd projects a run's cost without spending anything
var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Project the cost of a run without spending",
	Long: `Collects and pre-filters exactly like run, then prints the cost
projection and the mode it recommends instead of executing the paid
tiers. Nothing is reserved or spent.`,
	RunE: runEstimate,
}

// budgetCmd shows the monthly ledger
var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show the monthly budget ledger",
	RunE:  showBudget,
}

// replayCmd re-derives a persisted run from stored evidence
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-derive a persisted run from stored evidence",
	Long: `Loads the evidence and relationships persisted by an earlier run
and rebuilds its stories and insights deterministically. No provider
calls are made and nothing is spent.`,
	RunE: runReplay,
}

// reportCmd renders a persisted run report
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render a persisted run report",
	RunE:  showReport,
}

// sourcesCmd lists the registered evidence adapters
var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List evidence sources and their health",
	RunE:  showSources,
}

// tuiCmd opens the interactive story browser
var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Browse a run's stories and the budget interactively",
	RunE:  runTUI,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default: ~/.corr/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	// Request flags, shared by run and estimate
	for _, c := range []*cobra.Command{runCmd, estimateCmd} {
		c.Flags().StringVar(&runIdentity, "identity", "", "Canonical person id to collect for")
		c.Flags().StringVar(&runFrom, "from", "", "Window start (YYYY-MM-DD or RFC 3339)")
		c.Flags().StringVar(&runTo, "to", "", "Window end (YYYY-MM-DD or RFC 3339)")
		c.Flags().StringSliceVar(&runSources, "source", nil, "Restrict collection to the named sources")
		c.Flags().StringSliceVar(&runInputs, "input", nil, "JSON evidence file(s) to correlate directly")
		c.Flags().StringVar(&runMode, "mode", "auto", "Tier selection: auto, llm, or rules")
		c.Flags().Float64Var(&runMaxCost, "max-cost", 0, "Per-run spend cap in dollars (0 = monthly ledger only)")
		c.Flags().BoolVar(&runJSON, "json", false, "Print raw JSON instead of the summary")
	}

	replayCmd.Flags().StringVar(&targetRunID, "run", "", "Run id (default: most recent persisted run)")
	replayCmd.Flags().BoolVar(&runJSON, "json", false, "Print raw JSON instead of the summary")
	reportCmd.Flags().StringVar(&targetRunID, "run", "", "Run id (default: most recent persisted run)")
	reportCmd.Flags().BoolVar(&runJSON, "json", false, "Print the report as raw JSON")
	tuiCmd.Flags().StringVar(&targetRunID, "run", "", "Run id (default: most recent persisted run)")

	// Add commands to root
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(estimateCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(tuiCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		switch {
		case errors.Is(err, correlate.ErrBudgetDenied):
			os.Exit(3)
		case errors.Is(err, correlate.ErrInvalidInput):
			os.Exit(4)
		default:
			os.Exit(1)
		}
	}
	os.Exit(exitStatus)
}

// defaultConfigPath is ~/.corr/config.yaml, falling back to the working
// directory when no home directory resolves.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "corr.yaml"
	}
	return filepath.Join(home, ".corr", "config.yaml")
}
