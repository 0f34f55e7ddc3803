package commands

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/crucible-run/crucible/pkg/engine"
	"github.com/crucible-run/crucible/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	var (
		envs     []string
		recreate bool
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "watch [-e env,...]",
		Short: "Re-run environments whenever the configuration file changes",
		Long: `Run the selected environments once, then watch the configuration file
and re-run on every change. The document is re-parsed per run, so edits to
environment sections take effect immediately. Stop with Ctrl-C.`,
		Example: `  # Watch and re-run the default environment list
  crucible watch

  # Watch a single environment
  crucible watch -e pep8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := loadDocument()
			if err != nil {
				return err
			}

			tel, err := newTelemetry(cmd.Root().Version, "")
			if err != nil {
				return err
			}
			ctx := tel.WithContext(cmd.Context())
			defer func() { _ = tel.Shutdown(context.Background()) }()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer func() { _ = watcher.Close() }()

			// Watch the directory: editors replace files on save, which
			// drops a watch registered on the file itself.
			if err := watcher.Add(filepath.Dir(doc.Path)); err != nil {
				return err
			}

			opts := engine.RunOptions{Recreate: recreate}
			runOnce(ctx, tel, envs, opts, parallel)

			// Debounce reruns: one save can produce several events.
			var rerunTimer *time.Timer
			rerunDelay := 500 * time.Millisecond

			for {
				select {
				case <-ctx.Done():
					return nil

				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Name != doc.Path {
						continue
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					zl := tel.Logger.Zerolog()
					zl.Debug().
						Str("file", event.Name).
						Str("op", event.Op.String()).
						Msg("Configuration changed")
					if rerunTimer != nil {
						rerunTimer.Stop()
					}
					rerunTimer = time.AfterFunc(rerunDelay, func() {
						runOnce(ctx, tel, envs, opts, parallel)
					})

				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					tel.Logger.WithError(err).Warn("Watcher error")
				}
			}
		},
	}

	cmd.Flags().StringSliceVarP(&envs, "env", "e", nil, "environments to run (ALL for every declared environment)")
	cmd.Flags().BoolVar(&recreate, "recreate", false, "rebuild sandboxes even when fingerprints match")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 1, "maximum environments running simultaneously")

	return cmd
}

// runOnce re-parses the document and runs the selection. Failures are
// logged, never fatal: the watch loop keeps going.
func runOnce(ctx context.Context, tel *telemetry.Telemetry, envs []string, opts engine.RunOptions, parallel int) {
	logger := tel.Logger

	doc, err := loadDocument()
	if err != nil {
		logger.WithError(err).Error("Failed to load configuration")
		return
	}

	store := openHistoryStore(ctx, doc.Global.Workdir, logger)
	var history engine.HistoryStore
	if store != nil {
		history = store
		defer func() { _ = store.Close() }()
	}

	orch, err := buildOrchestrator(doc, tel, history, parallel)
	if err != nil {
		logger.WithError(err).Error("Failed to build orchestrator")
		return
	}

	agg, err := orch.Run(ctx, envs, opts)
	if err != nil {
		logger.WithError(err).Error("Run failed")
		return
	}
	printSummary(agg)
}
