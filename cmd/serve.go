package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/hash/sha256"
	"github.com/ShaneHoughton/capstone2022/internal/workserver"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the 'serve' subcommand, which runs the work server.
func newServeCmd(opts *rootOptions) *cobra.Command {
	var withGenerator bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the work server",
		Long: `Serves /get_client_id, /get_job and /put_results on work_server.listen,
writes reported results to the configured storage backend and announces them
on the Pub/Sub topic. With --generate the discovery schedule runs in-process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.resolveApp()
			if err != nil {
				return err
			}
			cfg := a.Config()
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			if withGenerator {
				if err := cfg.ValidateGenerate(); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			store, err := a.Queue(ctx)
			if err != nil {
				return err
			}
			blobs, err := a.Blobs(ctx)
			if err != nil {
				return err
			}
			publisher, err := a.Publisher(ctx)
			if err != nil {
				return err
			}

			server := workserver.NewServer(store, blobs, publisher, sha256.New(), a.Clock(), workserver.Config{
				Topic:          cfg.PubSub.TopicName,
				MaxUploadBytes: cfg.WorkServer.MaxUploadBytes,
				RequestTimeout: cfg.WorkServer.RequestTimeout,
			}, a.Logger())

			if withGenerator {
				runner, err := newDiscoveryRunner(ctx, a)
				if err != nil {
					return err
				}
				go func() {
					_ = runner.Run(ctx, cfg.Discovery.RunNow)
				}()
			}

			ln, err := net.Listen("tcp", cfg.WorkServer.Listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.WorkServer.Listen, err)
			}
			return serveUntilDone(ctx, ln, server.Handler(), a.Logger())
		},
	}
	cmd.Flags().BoolVar(&withGenerator, "generate", false, "also run the discovery schedule in this process")
	return cmd
}

// serveUntilDone serves on ln until ctx ends, then drains in-flight requests.
func serveUntilDone(ctx context.Context, ln net.Listener, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
