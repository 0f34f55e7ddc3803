package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past runs from the history store",
		Long: `Show past runs recorded in the SQLite history database under the
sandbox root. With a run ID, show that run's per-environment results in
their original requested order.`,
		Example: `  # The twenty most recent runs
  crucible history

  # Per-environment results of one run
  crucible history 5f0e6f2a-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadDocument()
			if err != nil {
				return err
			}

			tel, err := newTelemetry(cmd.Root().Version, "")
			if err != nil {
				return err
			}
			ctx := tel.WithContext(cmd.Context())

			store := openHistoryStore(ctx, doc.Global.Workdir, tel.Logger)
			if store == nil {
				return fmt.Errorf("history store unavailable")
			}
			defer func() { _ = store.Close() }()

			if len(args) == 1 {
				results, err := store.GetEnvResults(ctx, args[0])
				if err != nil {
					return err
				}
				if len(results) == 0 {
					return fmt.Errorf("no run with ID %s", args[0])
				}
				if jsonOutput {
					return printJSON(results)
				}
				w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ENV\tOUTCOME\tSTAGE\tEXIT\tDURATION\tERROR")
				for _, r := range results {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
						r.Env, r.Outcome, r.Stage, r.ExitCode,
						r.Duration.Round(time.Millisecond), r.Error)
				}
				return w.Flush()
			}

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(runs)
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTARTED\tENVS\tFAILED\tDURATION\tRESULT")
			for _, r := range runs {
				result := "ok"
				if !r.Success {
					result = "failed"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					r.ID, r.StartedAt.Local().Format(time.RFC3339),
					r.EnvCount, r.FailedCount,
					r.Duration.Round(time.Millisecond), result)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show")

	return cmd
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
