package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/rankd/internal/activity"
	"github.com/lazypower/rankd/internal/config"
	"github.com/lazypower/rankd/internal/engine"
	"github.com/lazypower/rankd/internal/eventbus"
	"github.com/lazypower/rankd/internal/logging"
	"github.com/lazypower/rankd/internal/server"
	"github.com/lazypower/rankd/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ranking engine and HTTP API server",
	RunE:  runServe,
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return config.Config{}, err
		}
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Resolve database path
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New(logger)
	defer bus.Close()

	if cfg.Events.RedisURL != "" {
		relay, err := eventbus.NewRedisRelay(ctx, cfg.Events.RedisURL, cfg.Events.RedisStream, logger)
		if err != nil {
			logger.Warn("redis relay disabled", zap.Error(err))
		} else {
			defer relay.Close()
			cancel := bus.Subscribe("redis", relay)
			defer cancel()
			logger.Info("relaying events to redis", zap.String("stream", cfg.Events.RedisStream))
		}
	}

	tracker, stopTracking, err := activity.Load(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("load current activity: %w", err)
	}
	defer stopTracking()

	eng := engine.New(db, engine.Options{
		Workers:     cfg.Aggregator.Workers,
		RetryDelay:  cfg.Aggregator.RetryDelay,
		RankingSize: cfg.Ranking.Size,
		ChunkSize:   cfg.View.ChunkSize,
		Logger:      logger,
		Bus:         bus,
		Resolver:    tracker,
	})
	eng.Start(ctx)
	defer eng.Stop()

	srv := server.New(eng, db, tracker, VersionString(), logger)
	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving",
			zap.String("addr", addr),
			zap.String("db", dbPath),
			zap.String("activity", tracker.CurrentActivity()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Score whatever was recorded before shutdown.
	if err := eng.Flush(shutdownCtx); err != nil {
		logger.Warn("final flush incomplete", zap.Error(err))
	}
	return nil
}
