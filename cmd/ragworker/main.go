package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/api"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/bus"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/config"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/database"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/gpulock"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/idempotency"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/metrics"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/rag"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/redisclient"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/status"
)

var version = "dev"

func main() {
	envFile := flag.String("env", "", "path to .env file")
	httpAddr := flag.String("http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	logLevel := flag.String("log-level", "", "log level (overrides LOG_LEVEL)")
	dbURL := flag.String("db-url", "", "database URL (overrides DATABASE_URL)")
	redisURL := flag.String("redis-url", "", "redis URL (overrides REDIS_URL)")
	consumer := flag.String("consumer", "", "consumer name (defaults to hostname)")
	flag.Parse()

	cfg, err := config.Load(config.Overrides{
		EnvFile:     *envFile,
		HTTPAddr:    *httpAddr,
		LogLevel:    *logLevel,
		DatabaseURL: *dbURL,
		RedisURL:    *redisURL,
	})
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("ragworker starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL, log.With().Str("component", "database").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema init failed")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	rc, err := redisclient.Connect(ctx, cfg.RedisURL, log.With().Str("component", "redis").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rc.Close()

	b := bus.New(rc, bus.Options{}, log)

	name := *consumer
	if name == "" {
		name, _ = os.Hostname()
	}
	if name == "" {
		name = "ragworker"
	}

	deps := rag.Deps{
		Store:    db,
		Bus:      b,
		Idem:     idempotency.NewRegister(rc, log),
		GPULock:  gpulock.New(rc, cfg.GPULockLease, log),
		Status:   status.NewAggregator(rc, log),
		Embedder: rag.NewEmbeddingClient(cfg.EmbeddingsURL, cfg.EmbeddingsModel, cfg.EmbeddingsTimeout, log),
		Chunker:  rag.NewChunker(cfg.MaxChunkSize, cfg.ChunkOverlap),
	}
	if cfg.KeywordIndexPath != "" {
		deps.Keyword = rag.NewKeywordIndex(cfg.KeywordIndexPath, log)
	}

	sub := rag.New(deps, rag.Options{Consumer: name}, log)

	prometheus.MustRegister(metrics.NewCollector(db.Pool, nil))

	srv := api.NewServer(cfg, api.Deps{Store: db, Status: deps.Status, DB: db, Redis: rc}, version, log)
	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start() }()
	go func() { errCh <- sub.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("component error")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("ragworker stopped")
}
