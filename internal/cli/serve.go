package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/studyquest/studysync/internal/httpapi"
	"github.com/studyquest/studysync/internal/logging"
	"github.com/studyquest/studysync/internal/registry"
	"github.com/studyquest/studysync/pkg/studysync"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with its HTTP control API",
		Long: `Run the sync engine in the foreground. Mutations posted to the HTTP API
are queued locally and committed to the configured backend whenever the
engine is online. SIGINT or SIGTERM shuts down gracefully.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, addr, cmd)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, addr string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := studysync.LoadConfig(opts.ConfigPath)
	if err != nil {
		return formatter.Fail(WrapExitError(ExitCommandError, "failed to load config", err))
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}

	logger := logging.New(registry.InternalLoggingConfig{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	}, cmd.ErrOrStderr())
	logging.Install(logger)

	engine, err := studysync.New(ctx, cfg, studysync.WithLogger(logger))
	if err != nil {
		return formatter.Fail(WrapExitError(ExitCommandError, "failed to create engine", err))
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error().Err(err).Msg("engine close error")
		}
	}()

	if err := engine.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return formatter.Fail(WrapExitError(ExitFailure, "failed to start engine", err))
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return formatter.Fail(WrapExitError(ExitFailure, "failed to listen", err))
	}

	srv := &httpapi.Server{Engine: engine, Logger: logger}
	httpServer := &http.Server{
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("starting HTTP server")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return formatter.Fail(WrapExitError(ExitFailure, "HTTP server failed", err))
		}
	}

	logger.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	logger.Info().Msg("server stopped")
	return nil
}
