package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/arkadas/parley/db"
	"github.com/arkadas/parley/internal/api"
	"github.com/arkadas/parley/internal/cache"
	"github.com/arkadas/parley/internal/config"
	"github.com/arkadas/parley/internal/coordinator"
	"github.com/arkadas/parley/internal/durable"
	"github.com/arkadas/parley/internal/log"
	"github.com/arkadas/parley/internal/maintenance"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session state HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe initializes both storage tiers and starts the HTTP API server.
func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Background loops (cache janitor, maintenance scheduler) stop when ctx
	// is canceled; wait for them before returning so shutdown is clean.
	var background sync.WaitGroup
	defer func() {
		cancel()
		background.Wait()
	}()

	logger.Info("starting parley", "version", AppVersion, "config", cfg)

	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("durable tier unreachable: %w", err)
	}

	store, err := durable.NewStore(pool, logger)
	if err != nil {
		return fmt.Errorf("creating durable store: %w", err)
	}

	cacheStore := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SessionTTL, logger)
	if mem, ok := cacheStore.(*cache.Memory); ok {
		background.Add(1)
		go func() {
			defer background.Done()
			mem.Run(ctx)
		}()
	}

	coord := coordinator.New(cacheStore, store, logger)

	scheduler := maintenance.New(coord, logger,
		maintenance.WithInterval(cfg.CleanupInterval),
		maintenance.WithStartupDelay(cfg.CleanupStartupDelay),
	)
	background.Add(1)
	go func() {
		defer background.Done()
		scheduler.Run(ctx)
	}()

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:         logger,
		Sessions:       coord,
		Saver:          coord,
		Transcripts:    store,
		Cleaner:        scheduler,
		Pool:           pool,
		CacheConnected: cacheStore.Connected,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", cfg.ListenAddr,
		"api", "/api/*",
		"health", "/health, /ready",
		"cache_connected", cacheStore.Connected(),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}
