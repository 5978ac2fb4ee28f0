// Package cmd defines the CLI commands of the mirrulations executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/app"
	"github.com/ShaneHoughton/capstone2022/internal/config"
	"github.com/ShaneHoughton/capstone2022/internal/logging"
)

// rootOptions carries state shared by the subcommands of one invocation.
type rootOptions struct {
	cfgFile string
	app     *app.App
	restore func()
}

// newApp is the application factory. It's a variable so tests can swap in their own.
var newApp = func(cfg config.Config, logger *zap.Logger) *app.App {
	return app.New(cfg, logger)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirrulations",
		Short: "Harvests regulations.gov dockets, documents and comments.",
		Long: `mirrulations mirrors regulations.gov. The work server hands out jobs,
the generator discovers new and modified records and enqueues them, and
clients fetch each record and report the result back.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Config is loaded before every subcommand so each one receives a ready App.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cmd.Name())
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			opts.restore = logging.Install(logger)
			opts.app = newApp(cfg, logger)
			if err := opts.app.StartTracing(cmd.Context(), "mirrulations-"+cmd.Name()); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newClientCmd(opts),
		newGenerateCmd(opts),
		newServeCmd(opts),
	)
	return cmd
}

// close releases the App and restores the global logger. Safe to call when
// PersistentPreRunE never ran.
func (o *rootOptions) close() {
	if o.app != nil {
		_ = o.app.Close()
		_ = o.app.Logger().Sync()
		o.app = nil
	}
	if o.restore != nil {
		o.restore()
		o.restore = nil
	}
}

func (o *rootOptions) resolveApp() (*app.App, error) {
	if o.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return o.app, nil
}

// run executes the command tree with args and releases services afterwards.
func run(ctx context.Context, args []string) error {
	opts := &rootOptions{}
	defer opts.close()

	root := newRootCmd(opts)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// Execute is the main entry point. It exits non-zero on any failure, including
// missing configuration.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mirrulations: %v\n", err)
		os.Exit(1)
	}
}
