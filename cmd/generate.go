package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/app"
	"github.com/ShaneHoughton/capstone2022/internal/config"
	"github.com/ShaneHoughton/capstone2022/internal/discovery"
	"github.com/ShaneHoughton/capstone2022/internal/scheduler"
	"github.com/ShaneHoughton/capstone2022/internal/upstream"
)

// errProcessLocalQueue is returned when a standalone generator would write to a
// queue no work server can see.
var errProcessLocalQueue = errors.New("the memory queue is process-local; use queue.backend=postgres or run 'serve --generate'")

// newGenerateCmd creates the 'generate' subcommand, which runs discovery passes.
func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Discovers modified records and enqueues jobs",
		Long: `Walks the dockets, documents and comments listings from each endpoint's
checkpoint, enqueues one job per record and advances the checkpoint after
every accepted page. Runs on discovery.schedule unless --once is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.resolveApp()
			if err != nil {
				return err
			}
			cfg := a.Config()
			if err := cfg.ValidateGenerate(); err != nil {
				return err
			}
			if cfg.Queue.Backend == config.BackendMemory {
				return errProcessLocalQueue
			}

			ctx := cmd.Context()
			a.ServeMetrics(ctx)

			runner, err := newDiscoveryRunner(ctx, a)
			if err != nil {
				return err
			}
			if once {
				return runner.TryRun(ctx)
			}
			return runner.Run(ctx, cfg.Discovery.RunNow)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

// newDiscoveryRunner wires the generator to the queue store and wraps it in a scheduler.
func newDiscoveryRunner(ctx context.Context, a *app.App) (*scheduler.Runner, error) {
	cfg := a.Config()
	store, err := a.Queue(ctx)
	if err != nil {
		return nil, err
	}
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, fmt.Errorf("discovery endpoints: %w", err)
	}
	lister := upstream.NewLister(a.Executor(), upstream.Config{
		BaseURL:  cfg.API.BaseURL,
		APIKey:   cfg.API.Key,
		PageSize: cfg.API.PageSize,
	}, a.Logger().Named("upstream"))
	gen := discovery.New(store, lister, endpoints, a.Logger().Named("discovery"))

	pass := func(ctx context.Context) error {
		stats, err := gen.Run(ctx)
		for _, s := range stats {
			a.Logger().Info("endpoint pass summary",
				zap.String("endpoint", string(s.Endpoint)),
				zap.Int("pages", s.Pages),
				zap.Int("empty_pages", s.EmptyPages),
				zap.Int("jobs", s.Jobs),
			)
		}
		return err
	}
	return scheduler.New(cfg.Discovery.Schedule, pass, a.Clock(), a.Logger().Named("scheduler"))
}
