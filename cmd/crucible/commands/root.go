package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/crucible-run/crucible/pkg/config"
	"github.com/crucible-run/crucible/pkg/engine"
	"github.com/crucible-run/crucible/pkg/executor"
	"github.com/crucible-run/crucible/pkg/policy"
	"github.com/crucible-run/crucible/pkg/resolve"
	"github.com/crucible-run/crucible/pkg/sandbox"
	"github.com/crucible-run/crucible/pkg/stores"
	"github.com/crucible-run/crucible/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crucible",
		Short: "Crucible - Declarative multi-environment task runner",
		Long: `Crucible reads a declarative INI document describing named environments --
each an interpreter selector, a dependency list, and a command sequence --
and runs them in isolated, fingerprint-keyed sandboxes.

Features:
  - Inheriting environment sections with placeholder substitution
  - Fingerprint-keyed sandbox reuse
  - External-command whitelisting
  - Parallel orchestration with deterministic aggregation
  - SQLite-backed run history
  - Policy linting of resolved environments`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file path (default crucible.ini)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newEnvsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadDocument parses the configuration document named by --config, falling
// back to crucible.ini in the working directory.
func loadDocument() (*config.Document, error) {
	path := configPath
	if path == "" {
		path = config.DefaultFile
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("configuration file not found: %s", abs)
	}
	return config.Load(abs)
}

// newTelemetry builds the telemetry bundle from the persistent flags.
func newTelemetry(version, metricsAddr string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	cfg.Metrics.ListenAddress = metricsAddr
	if exporter := os.Getenv("CRUCIBLE_TRACE_EXPORTER"); exporter != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = exporter
		cfg.Tracing.Endpoint = os.Getenv("CRUCIBLE_TRACE_ENDPOINT")
	}
	return telemetry.NewTelemetry(cfg)
}

// buildOrchestrator wires the resolver, sandbox manager, and executor into
// an orchestrator writing environment output blocks to stdout.
func buildOrchestrator(doc *config.Document, tel *telemetry.Telemetry, store engine.HistoryStore, parallel int) (*engine.Orchestrator, error) {
	zl := tel.Logger.Zerolog()
	return engine.NewOrchestrator(engine.OrchestratorConfig{
		Resolver:                resolve.New(doc, zl),
		Sandboxes:               sandbox.NewManager(zl),
		Runner:                  executor.New(zl),
		Store:                   store,
		Metrics:                 tel.Metrics,
		Tracer:                  tel.Tracer,
		Logger:                  zl,
		Output:                  os.Stdout,
		ConfigPath:              doc.Path,
		MaxParallel:             parallel,
		SkipMissingInterpreters: doc.Global.SkipMissingInterpreters,
	})
}

// openHistoryStore opens the run history database under the sandbox root.
// History is best-effort: any failure is logged and nil is returned.
func openHistoryStore(ctx context.Context, workdir string, logger *telemetry.Logger) *stores.SQLiteStore {
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		logger.WithError(err).Warn("Failed to create work directory, run history disabled")
		return nil
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(workdir, "history.db")})
	if err != nil {
		logger.WithError(err).Warn("Failed to create history store, run history disabled")
		return nil
	}
	if err := store.Init(ctx); err != nil {
		logger.WithError(err).Warn("Failed to open history store, run history disabled")
		return nil
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		logger.WithError(err).Warn("Failed to migrate history store, run history disabled")
		return nil
	}
	return store
}

// reportPolicyFindings lints resolved environments against the builtin
// policies and logs each violation. Warning- and info-severity findings
// never fail a run; error-severity ones flip the result to not allowed and
// callers abort before executing anything.
func reportPolicyFindings(ctx context.Context, specs []*engine.EnvSpec) *policy.Result {
	logger := telemetry.FromContext(ctx)
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		logger = tel.Logger
	}

	eng := policy.NewEngine(logger.Zerolog())
	result, err := eng.Evaluate(ctx, specs)
	if err != nil {
		logger.WithError(err).Warn("Policy evaluation failed")
		return &policy.Result{Allowed: true}
	}
	zl := logger.Zerolog()
	for _, v := range result.Violations {
		zl.Warn().
			Str("policy", v.Policy).
			Str("env", v.Env).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
	}
	return result
}
