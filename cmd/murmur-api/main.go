package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"murmur/internal/broadcast"
	"murmur/internal/config"
	"murmur/internal/files"
	server "murmur/internal/http"
	"murmur/internal/jobs"
	"murmur/internal/metrics"
	"murmur/internal/migrate"
	"murmur/internal/pipeline"
	"murmur/internal/services"
	"murmur/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// A missing .env is fine; real environment variables still apply.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		persister jobs.Persister
		checks    = map[string]server.Pinger{}
		rdb       *redis.Client
	)
	switch cfg.Storage.Backend {
	case "postgres":
		// Run migrations on a short-lived connection
		if err := migrate.Run(cfg.Database.DSN); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		pg, err := store.OpenPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open postgres failed: %v", err)
		}
		defer pg.Close()
		pg.DB.SetMaxOpenConns(10)
		pg.DB.SetMaxIdleConns(5)
		pg.DB.SetConnMaxLifetime(30 * time.Minute)
		persister = pg
		checks["postgres"] = pg
	case "redis":
		rs, err := store.OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatalf("open redis failed: %v", err)
		}
		defer rs.Close()
		persister = rs
		rdb = rs.Client()
	}

	// The rate limiter can use Redis even when records live elsewhere.
	if rdb == nil && cfg.Redis.URL != "" {
		if opt, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			rdb = redis.NewClient(opt)
			defer rdb.Close()
		} else {
			logger.Warn("redis_url_invalid", "error", err)
		}
	}
	if rdb != nil {
		checks["redis"] = redisPinger{rdb}
	}

	storeOpts := []jobs.StoreOption{}
	if persister != nil {
		storeOpts = append(storeOpts, jobs.WithPersister(persister))
	}
	st := jobs.NewStore(logger, storeOpts...)
	metrics.SetJobCounter(func() map[string]int {
		out := make(map[string]int)
		for status, n := range st.Count() {
			out[string(status)] = n
		}
		return out
	})

	fm, err := files.NewManager(cfg.Storage.DataDir)
	if err != nil {
		log.Fatalf("data dir: %v", err)
	}

	events := broadcast.New(
		broadcast.WithBufferSize(cfg.Broadcast.BufferSize),
		broadcast.WithMaxSubscribers(cfg.Broadcast.MaxSubscribersPerJob),
		broadcast.WithDropHook(func(string) { metrics.RecordBroadcastDrop() }),
		broadcast.WithLogger(logger),
	)

	runner := pipeline.ExecRunner{WaitDelay: 5 * time.Second}
	if cfg.Accelerator.Enabled {
		acc := pipeline.NewAccelerator(cfg.Accelerator.NvidiaSMIPath, runner)
		detectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		devices, err := acc.Detect(detectCtx)
		cancel()
		if err != nil {
			logger.Warn("accelerator_unavailable", "error", err)
		} else {
			logger.Info("accelerator_detected",
				"count", len(devices),
				"name", devices[0].Name,
				"memory_mib", devices[0].MemoryMiB,
				"compute_capability", devices[0].ComputeCapability,
			)
		}
		checks["accelerator"] = acc
	}

	disp := jobs.NewDispatcher(st, jobs.NewQueue(), jobs.Stages{
		Converter: pipeline.NewFFmpegConverter(cfg.Converter.FFmpegPath, runner),
		Engine:    pipeline.NewWhisperEngine(cfg.Engine.WhisperPath, cfg.Engine.ModelDir, cfg.Engine.Threads, runner),
	}, fm, events, jobs.DispatcherOptions{
		JobTimeout:       cfg.JobTimeout(),
		RetryLimit:       cfg.Worker.RetryLimit,
		RetryBackoffBase: cfg.RetryBackoffBase(),
	}, logger)

	requeue, err := st.Recover(ctx)
	if err != nil {
		log.Fatalf("recover jobs failed: %v", err)
	}
	for _, id := range requeue {
		disp.Enqueue(id)
	}
	if len(requeue) > 0 {
		logger.Info("jobs_requeued", "count", len(requeue))
	}

	dispDone := make(chan struct{})
	go func() {
		defer close(dispDone)
		disp.Run(ctx)
	}()

	janitor := jobs.NewJanitor(st, fm, events, cfg.ResultRetention(), cfg.CleanupInterval(), logger)
	go janitor.Start(ctx)

	svc := services.NewTranscriptionService(st, disp, fm, events, services.TranscriptionOptions{
		MaxFileSizeBytes: cfg.Limits.MaxFileSizeBytes,
		DefaultModel:     cfg.Engine.DefaultModel,
		Models:           cfg.Engine.Models,
		ModelDir:         cfg.Engine.ModelDir,
	}, logger)

	s := server.NewServer(cfg, server.Dependencies{
		Service: svc,
		Redis:   rdb,
		Checks:  checks,
		Logger:  logger,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error("http_shutdown_failed", "error", err)
		}
	}()

	if err := s.Listen(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
	stop()
	<-dispDone

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.Close(flushCtx); err != nil {
		logger.Warn("job_persist_flush_failed", "error", err)
	}
	logger.Info("shutdown_complete")
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
