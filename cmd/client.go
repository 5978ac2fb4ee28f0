package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/identity"
	"github.com/ShaneHoughton/capstone2022/internal/workclient"
	"github.com/ShaneHoughton/capstone2022/internal/worker"
)

// newClientCmd creates the 'client' subcommand, which runs one worker.
func newClientCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Runs a worker that executes jobs from the work server",
		Long: `Loads or acquires a client id, then polls the work server for jobs,
fetches each job's record (and attachments) from regulations.gov and
reports the result. Requires WORK_SERVER_HOSTNAME, WORK_SERVER_PORT and API_KEY.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.resolveApp()
			if err != nil {
				return err
			}
			cfg := a.Config()
			if err := cfg.ValidateWorker(); err != nil {
				a.Logger().Error("worker cannot start", zap.Error(err))
				return err
			}

			ctx := cmd.Context()
			a.ServeMetrics(ctx)

			baseURL := workclient.BaseURL(cfg.WorkServer.Hostname, cfg.WorkServer.Port)
			w := worker.New(
				workclient.New(baseURL, a.WorkServerExecutor(), a.Logger().Named("workclient")),
				a.Executor(),
				a.Clock(),
				identity.NewFileStore(cfg.Worker.IdentityFile),
				worker.Config{APIKey: cfg.API.Key, IdleInterval: cfg.Worker.IdleInterval},
				a.Logger(),
			)
			a.Logger().Info("starting worker", zap.String("work_server", baseURL))
			return w.Run(ctx)
		},
	}
}
