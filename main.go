// backend/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/alerts"
	"github.com/gewnthar/aplsync/archive"
	"github.com/gewnthar/aplsync/config"
	"github.com/gewnthar/aplsync/database"
	"github.com/gewnthar/aplsync/handlers"
	"github.com/gewnthar/aplsync/logging"
	"github.com/gewnthar/aplsync/metrics"
	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/scraper"
	"github.com/gewnthar/aplsync/services"
	"github.com/gewnthar/aplsync/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (searched in standard locations when empty)")
	once := flag.String("once", "", "run a single sync for STATE/source and exit")
	file := flag.String("file", "", "with -once: ingest this local file instead of downloading")
	replay := flag.String("replay", "", "with -once: re-ingest an archived file by location")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *once, *file, *replay); err != nil {
		logger.Error("Exiting with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, once, file, replay string) error {
	db, err := database.InitDB(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer database.CloseDB(db, logger)

	entries := database.NewAPLStore(db, logger)
	statuses := database.NewSyncStatusStore(db)
	runs := database.NewRunStore(db, logger)

	notifier, err := alerts.FromConfig(ctx, cfg.Alerts, logger)
	if err != nil {
		return err
	}
	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	m := metrics.New(cfg.Metrics)

	tracker := services.NewSyncTracker(statuses, notifier, cfg.Alerts, logger)
	opts := []services.Option{
		services.WithMetrics(m),
		services.WithRunLog(runs),
		services.WithPolicy(cfg.Policy),
		services.WithTimeouts(cfg.Worker.RunTimeout, cfg.Worker.CommitTimeout),
	}
	if archiver != nil {
		opts = append(opts, services.WithArchiver(archiver))
	}
	svc := services.NewIngestionService(scraper.NewFetcher(cfg.Worker, logger), entries, tracker, logger, opts...)

	if once != "" {
		return runOnce(ctx, cfg, svc, once, file, replay)
	}

	var locker worker.Locker = worker.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		locker = worker.NewRedisLocker(client, cfg.Redis.LockTTL, logger)
		logger.Info("Using Redis state locks", zap.String("addr", cfg.Redis.Addr))
	}

	sched, err := worker.New(svc, cfg, logger,
		worker.WithLocker(locker),
		worker.WithNotifier(notifier),
		worker.WithStaleChecker(tracker),
		worker.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	var metricsHandler http.Handler
	if m.Enabled() {
		metricsHandler = m.Handler()
	}
	h := handlers.New(entries, tracker, sched, metricsHandler, logger).WithPinger(db).WithRunHistory(runs).WithVerifier(entries)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched.Start(ctx)
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runOnce performs one sync and prints its stats as JSON.
func runOnce(ctx context.Context, cfg *config.Config, svc *services.IngestionService, target, file, replay string) error {
	state, source, ok := strings.Cut(target, "/")
	if !ok {
		return fmt.Errorf("-once wants STATE/source, got %q", target)
	}
	src, found := cfg.Source(state, source)
	if !found {
		src = config.SourceConfig{Name: "adhoc", State: strings.ToUpper(state), DataSource: strings.ToLower(source)}
		if file == "" && replay == "" {
			return fmt.Errorf("no source configured for %s", target)
		}
	}
	if file != "" {
		src.LocalPath, src.URL, src.LandingPage = file, "", ""
	}

	var (
		stats *models.IngestionStats
		err   error
	)
	if replay != "" {
		stats, err = svc.Replay(ctx, src, replay)
	} else {
		stats, err = svc.Run(ctx, src)
	}
	if stats != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(stats); encErr != nil {
			return errors.Join(err, encErr)
		}
	}
	return err
}
