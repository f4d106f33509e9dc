/*
main.go - Application entry point

PURPOSE:
  Starts the authorization unit engine: HTTP API, background expiry, and
  maintenance commands. Handles configuration, dependency wiring, and
  graceful shutdown.

COMMANDS:
  serve     Run the HTTP API and the expiry scheduler
  migrate   Create or upgrade the schema for the configured store, then exit
  expire    Run one expiry pass, then exit

STARTUP SEQUENCE (serve):
  1. Load configuration (environment, optional .env)
  2. Open the store (sqlite | postgres | memory)
  3. Build the audit sink (log, plus Redis stream when REDIS_URL is set)
  4. Build retrier, ledger, coordinator, handler, router
  5. Start the expiry scheduler and the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the expiry scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close store and Redis connections

SEE ALSO:
  - config/config.go: configuration keys
  - api/server.go:    router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/authunits/api"
	"github.com/warp/authunits/audit"
	"github.com/warp/authunits/config"
	"github.com/warp/authunits/engine"
	"github.com/warp/authunits/engine/store"
	"github.com/warp/authunits/logging"
	"github.com/warp/authunits/scheduling"
	"github.com/warp/authunits/store/postgres"
	"github.com/warp/authunits/store/sqlite"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "authunits",
		Short: "Authorization unit accounting engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(expireCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema for the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			// Opening a store migrates it.
			_, closeStore, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			closeStore()
			log.Info().Str("driver", cfg.StoreDriver).Msg("schema up to date")
			return nil
		},
	}
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire authorizations whose end date has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			ts, closeStore, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			ledger := engine.NewLedger(ts, newRetrier(cfg, log),
				engine.WithAuditSink(audit.NewLogSink(log)),
				engine.WithLogger(log))
			n, err := ledger.ExpireAuthorizations(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			log.Info().Int("expired", n).Msg("expiry complete")
			return nil
		},
	}
}

// =============================================================================
// WIRING
// =============================================================================

func bootstrap() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.New(cfg.Env, cfg.LogLevel), nil
}

// openStore returns the configured store, already migrated, and its closer.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (engine.TxStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, postgres.PoolConfig{
			DSN:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		s := postgres.New(pool)
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		log.Info().Msg("using postgres store")
		return s, s.Close, nil

	case config.DriverMemory:
		log.Warn().Msg("using in-memory store, data is lost on exit")
		return store.NewMemory(), func() {}, nil

	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("using sqlite store")
		return s, func() {
			if err := s.Close(); err != nil {
				log.Error().Err(err).Msg("close sqlite")
			}
		}, nil
	}
}

// auditSink always logs, and also streams to Redis when configured.
func auditSink(ctx context.Context, cfg *config.Config, log zerolog.Logger) (engine.AuditSink, func(), error) {
	logSink := audit.NewLogSink(log)
	if cfg.RedisURL == "" {
		return logSink, func() {}, nil
	}
	client, err := audit.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	stream := audit.NewStreamSink(client, cfg.AuditStream, audit.WithStreamLogger(log))
	log.Info().Str("stream", cfg.AuditStream).Msg("streaming audit records to redis")
	return audit.Fanout{logSink, stream}, func() { client.Close() }, nil
}

func newRetrier(cfg *config.Config, log zerolog.Logger) *engine.Retrier {
	return engine.NewRetrier(cfg.Retry(), engine.WithRetryLogger(log))
}

// =============================================================================
// SERVE
// =============================================================================

func runServer() error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	ctx := context.Background()

	ts, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, closeAudit, err := auditSink(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeAudit()

	ledger := engine.NewLedger(ts, newRetrier(cfg, log),
		engine.WithAuditSink(sink),
		engine.WithLogger(log))
	coord := scheduling.NewCoordinator(ledger,
		scheduling.WithDirectCompletion(cfg.AllowDirectCompletion),
		scheduling.WithLogger(log))
	handler := api.NewHandler(ledger, coord, log)
	router := api.NewRouter(handler, log, cfg.CORSOrigins)

	expiry := api.NewExpiryScheduler(ledger, cfg.ExpiryInterval, log)
	expiry.Start()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		expiry.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info().Msg("shutting down server")
	expiry.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	stats := ledger.Retrier().Stats()
	log.Info().
		Int64("retried", stats.Retried).
		Int64("exhausted", stats.Exhausted).
		Msg("server stopped")
	return nil
}
