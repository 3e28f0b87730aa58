package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nmslite/wmipoller/internal/api"
	"github.com/nmslite/wmipoller/internal/auth"
	"github.com/nmslite/wmipoller/internal/channels"
	"github.com/nmslite/wmipoller/internal/config"
	"github.com/nmslite/wmipoller/internal/connection"
	"github.com/nmslite/wmipoller/internal/database"
	"github.com/nmslite/wmipoller/internal/poller"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

// runDeps holds the collaborators that tests replace
type runDeps struct {
	resolver connection.Resolver
	opener   connection.Opener
	stdout   io.Writer
}

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every configured input until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger, closeLog, err := initLogger(cfg.Logging, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger, runDeps{
				resolver: connection.NewNetResolver(),
				opener:   connection.WMIOpener{},
				stdout:   cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "wmipoller.yaml", "path to the configuration file")
	return cmd
}

// run wires sinks, pipeline, loops and the status API and blocks until ctx is
// cancelled. Registration failures are returned before anything is started.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, rt runDeps) error {
	logger.Info("starting wmipoller",
		"version", version,
		"inputs", len(cfg.Inputs),
	)

	sinks := make([]channels.Sink, 0, 2)
	if cfg.Sinks.Stdout.Enabled {
		sinks = append(sinks, channels.NewJSONLinesSink(rt.stdout))
	}

	var batchWriter *database.BatchWriter
	if cfg.Sinks.Postgres.Enabled {
		pool, err := database.NewPool(ctx, &cfg.Sinks.Postgres)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres sink: %w", err)
		}
		defer pool.Close()

		if err := database.RunMigrations(pool); err != nil {
			return err
		}
		batchWriter = database.NewBatchWriter(pool, &cfg.Sinks.Postgres, logger)
		sinks = append(sinks, batchWriter)
	}

	pipeline := channels.NewPipeline(cfg.Pipeline.BufferSize, logger, sinks...)
	loops := poller.LoopsFromConfig(cfg, rt.resolver, rt.opener, pipeline, logger)
	supervisor := poller.NewSupervisor(loops, logger)

	srv, err := newServer(cfg, supervisor, pipeline, logger)
	if err != nil {
		return err
	}

	ln, err := listen(srv)
	if err != nil {
		return err
	}

	if err := supervisor.Register(ctx); err != nil {
		if ln != nil {
			ln.Close()
		}
		return err
	}

	// Sinks outlive the loops so that buffered events are still delivered
	// after ctx is cancelled.
	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	defer cancelSinks()

	var writerWG sync.WaitGroup
	if batchWriter != nil {
		writerWG.Add(1)
		go func() {
			defer writerWG.Done()
			if err := batchWriter.Run(sinkCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("batch writer error", "error", err)
			}
		}()
	}

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if err := pipeline.Run(sinkCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("pipeline error", "error", err)
		}
	}()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	// A status API that stops serving takes the loops down with it.
	serverErr := serve(srv, ln, logger)
	serverFailed := make(chan error, 1)
	go func() {
		select {
		case err := <-serverErr:
			serverFailed <- err
			cancelLoops()
		case <-loopCtx.Done():
		}
	}()

	if err := supervisor.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor error", "error", err)
	}

	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", "error", err)
		}
		cancel()
	}

	pipeline.Close()
	<-pipelineDone
	cancelSinks()
	writerWG.Wait()

	stats := pipeline.Stats()
	logger.Info("wmipoller stopped",
		"events_emitted", stats.Emitted,
		"events_delivered", stats.Delivered,
		"sink_errors", stats.SinkErrors,
	)

	select {
	case err := <-serverFailed:
		return err
	default:
		return nil
	}
}

// newServer builds the status API server, or returns nil when it is disabled
func newServer(
	cfg *config.Config,
	supervisor *poller.Supervisor,
	pipeline *channels.Pipeline,
	logger *slog.Logger,
) (*http.Server, error) {
	if !cfg.Server.Enabled {
		return nil, nil
	}

	var authService *auth.Service
	if cfg.Auth.JWTSecret != "" {
		var err error
		authService, err = auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize auth service: %w", err)
		}
	} else {
		logger.Warn("status API has no authentication", "addr", cfg.Server.Addr())
	}

	router := api.NewRouter(api.Dependencies{
		Inputs:   supervisor,
		Pipeline: pipeline,
		Auth:     authService,
		Logger:   logger,
		Version:  version,
	})

	return &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}, nil
}

// listen binds the status API address so that a busy port fails startup
func listen(srv *http.Server) (net.Listener, error) {
	if srv == nil {
		return nil, nil
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind status API on %s: %w", srv.Addr, err)
	}
	return ln, nil
}

// serve runs srv on ln in the background. Serve failures are logged and
// reported on the returned channel.
func serve(srv *http.Server, ln net.Listener, logger *slog.Logger) <-chan error {
	errCh := make(chan error, 1)
	if srv == nil {
		return errCh
	}

	go func() {
		logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			errCh <- fmt.Errorf("status API failed: %w", err)
		}
	}()

	return errCh
}
