package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/database"
	"fieldsync/internal/domain"
	"fieldsync/internal/engine"
	"fieldsync/internal/events"
	"fieldsync/internal/logging"
	"fieldsync/internal/metrics"
	"fieldsync/internal/network"
	"fieldsync/internal/remote"
	"fieldsync/internal/repository"
	"fieldsync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, loadErr := loadConfigAndLogger()
	if loadErr != nil {
		return loadErr
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if err := prepareDirectories(cfg, &logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("Ошибка инициализации базы данных")
		return err
	}
	defer db.Close()

	store := initQueueStore(ctx, cfg, db, &logger)
	eventBus := events.NewEventBus()

	metrics.Register()
	if cfg.Monitoring.PrometheusEnabled {
		go startPrometheus(cfg.Monitoring.PrometheusPort, &logger)
	}

	milestoneClient := remote.NewClient(cfg.Remote, &logger)

	policy := engine.RetryPolicy{
		MaxRetries:    cfg.Sync.MaxRetries,
		BaseDelay:     cfg.Sync.BaseDelay(),
		BackoffFactor: cfg.Sync.BackoffFactor,
	}
	eng := engine.New(store, milestoneClient, eventBus, policy, &logger)

	monitor := network.NewMonitor(network.NewHTTPProber(cfg.Network), cfg.Network.ProbeInterval(), &logger)
	monitor.OnConnectivityRestored(func() {
		_ = eventBus.PublishJSON(events.EventConnectivityRestored, nil)
	})
	go monitor.Start(ctx)

	scheduler := worker.NewDrainScheduler(eng, eventBus, 5*time.Minute, &logger)
	go scheduler.Start(ctx)

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
		go backupService.Start(ctx)
	}

	if cfg.API.Enabled {
		apiServer := api.NewHTTPServer(cfg.API, eng, &logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			_ = apiServer.Shutdown(context.Background())
		}()
	}

	logger.Info().Str("version", cfg.App.Version).Msg("Агент синхронизации запущен...")
	<-ctx.Done()

	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "agent-main").Logger()

	return cfg, logger, closer, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if cfg == nil {
		return os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("Ошибка создания директории для базы данных")
		return err
	}
	if cfg.Backup.Enabled && cfg.Backup.StoragePath != "" {
		if err := os.MkdirAll(cfg.Backup.StoragePath, 0o755); err != nil {
			logger.Error().Err(err).Msg("Ошибка создания директории для бэкапов")
			return err
		}
	}
	return nil
}

// initQueueStore returns the snapshot store: SQLite alone, or Redis with
// SQLite as the failover target the moment Redis misbehaves.
func initQueueStore(ctx context.Context, cfg *config.Config, db *database.DB, logger *zerolog.Logger) domain.QueueStore {
	if cfg.Redis.Address == "" {
		return db
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable")
	}

	primary := repository.NewRedisQueueStore(redisClient)
	return repository.NewFailoverQueueStore(primary, db, logger)
}

func startPrometheus(port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info().Str("addr", addr).Msg("Prometheus metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("Prometheus server error")
	}
}
