package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crucible-run/crucible/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		envs        []string
		recreate    bool
		parallel    int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run [-e env,...] [-- posargs...]",
		Short: "Run environments from the configuration document",
		Long: `Run one, several, or all configured environments.

Each environment resolves to an interpreter, a dependency list, and a
command sequence. Sandboxes are reused when their dependency fingerprint
matches; commands run fail-fast against the external-command whitelist.

Tokens after -- are passed through to commands via the {posargs}
placeholder.`,
		Example: `  # Run the default environment list
  crucible run

  # Run two named environments in parallel
  crucible run -e py311,pep8 --parallel 2

  # Run everything, rebuilding sandboxes
  crucible run -e ALL --recreate

  # Pass arguments through to the commands
  crucible run -e py311 -- tests/unit -k smoke`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			posargs, err := splitPosargs(cmd, args)
			if err != nil {
				return err
			}

			doc, err := loadDocument()
			if err != nil {
				return err
			}

			tel, err := newTelemetry(cmd.Root().Version, metricsAddr)
			if err != nil {
				return err
			}
			ctx := tel.WithContext(cmd.Context())
			defer func() { _ = tel.Shutdown(context.Background()) }()

			if metricsAddr != "" {
				if err := tel.StartMetricsServer(); err != nil {
					tel.Logger.WithError(err).Warn("Failed to start metrics endpoint")
				}
			}

			store := openHistoryStore(ctx, doc.Global.Workdir, tel.Logger)
			var history engine.HistoryStore
			if store != nil {
				history = store
				defer func() { _ = store.Close() }()
			}

			orch, err := buildOrchestrator(doc, tel, history, parallel)
			if err != nil {
				return err
			}

			opts := engine.RunOptions{Recreate: recreate, Posargs: posargs}

			specs, err := orch.Resolve(ctx, envs, opts)
			if err != nil {
				return err
			}
			if res := reportPolicyFindings(ctx, specs); !res.Allowed {
				return fmt.Errorf("policy violations block this run")
			}

			agg, err := orch.Run(ctx, envs, opts)
			if err != nil {
				return err
			}
			if err := tel.Flush(ctx); err != nil {
				tel.Logger.WithError(err).Warn("Failed to flush telemetry")
			}

			if jsonOutput {
				data, err := json.MarshalIndent(agg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			} else {
				printSummary(agg)
			}

			if !agg.Success() {
				return fmt.Errorf("%d of %d environments failed",
					agg.FailedCount(), len(agg.Results))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&envs, "env", "e", nil, "environments to run (ALL for every declared environment)")
	cmd.Flags().BoolVar(&recreate, "recreate", false, "rebuild sandboxes even when fingerprints match")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 1, "maximum environments running simultaneously")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the Prometheus metrics endpoint")

	return cmd
}

// splitPosargs separates pass-through tokens (after --) from positional
// arguments, which the run command does not accept.
func splitPosargs(cmd *cobra.Command, args []string) ([]string, error) {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		if len(args) > 0 {
			return nil, fmt.Errorf("unexpected argument %q (environments are named with -e; pass-through tokens follow --)", args[0])
		}
		return nil, nil
	}
	if dash > 0 {
		return nil, fmt.Errorf("unexpected argument %q (environments are named with -e; pass-through tokens follow --)", args[0])
	}
	return args[dash:], nil
}

func printSummary(agg *engine.Aggregate) {
	fmt.Fprintln(os.Stdout, "summary:")
	for i := range agg.Results {
		r := &agg.Results[i]
		line := fmt.Sprintf("  %s: %s in %s", r.Env, r.Outcome, r.Duration.Round(time.Millisecond))
		if r.Outcome == engine.OutcomeFailed && r.ExitCode != 0 {
			line += fmt.Sprintf(" (exit %d)", r.ExitCode)
		}
		fmt.Fprintln(os.Stdout, line)

		// Failing detail goes to stderr so the stdout summary stays
		// machine-friendly.
		if r.Failed() && r.Err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", r.Env, r.Err)
		}
	}
}
