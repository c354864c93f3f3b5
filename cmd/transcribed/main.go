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
	"github.com/dylangamachefl/pod-scribe-sub000/internal/audio"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/bus"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/config"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/database"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/gpulock"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/idempotency"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/ingest"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/metrics"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/redisclient"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/status"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/storage"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/transcribe"
)

var version = "dev"

func main() {
	envFile := flag.String("env", "", "path to .env file")
	httpAddr := flag.String("http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	logLevel := flag.String("log-level", "", "log level (overrides LOG_LEVEL)")
	dbURL := flag.String("db-url", "", "database URL (overrides DATABASE_URL)")
	redisURL := flag.String("redis-url", "", "redis URL (overrides REDIS_URL)")
	tempDir := flag.String("temp-dir", "", "temp audio dir (overrides TEMP_DIR)")
	consumer := flag.String("consumer", "", "consumer name (defaults to hostname)")
	flag.Parse()

	cfg, err := config.Load(config.Overrides{
		EnvFile:     *envFile,
		HTTPAddr:    *httpAddr,
		LogLevel:    *logLevel,
		DatabaseURL: *dbURL,
		RedisURL:    *redisURL,
		TempDir:     *tempDir,
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
	log.Info().Str("version", version).Msg("transcribed starting")

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
	idem := idempotency.NewRegister(rc, log)
	gpu := gpulock.New(rc, cfg.GPULockLease, log)
	agg := status.NewAggregator(rc, log)

	name := *consumer
	if name == "" {
		name, _ = os.Hostname()
	}
	if name == "" {
		name = "transcribed"
	}

	deps := transcribe.Deps{
		Store:    db,
		Bus:      b,
		Idem:     idem,
		GPULock:  gpu,
		Status:   agg,
		Provider: transcribe.NewWhisperClient(cfg.WhisperURL, cfg.WhisperModel, cfg.WhisperTimeout),
		Fetcher:  audio.NewDownloader(cfg.TempDir, log),
	}
	if cfg.DiarizerURL != "" {
		deps.Diarizer = transcribe.NewDiarizerClient(cfg.DiarizerURL, cfg.DiarizerTimeout)
	}

	store, err := storage.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("audio archive init failed")
	}
	// A typed-nil Archive in the interface field would defeat the daemon's
	// nil check, so only assign when the archive is actually enabled.
	if archive := storage.NewArchive(store, log); archive != nil {
		deps.Archive = archive
	}

	daemon := transcribe.New(deps, transcribe.Options{
		Consumer:       name,
		TempDir:        cfg.TempDir,
		StuckJobMaxAge: cfg.StuckJobMaxAge,
	}, log)

	prometheus.MustRegister(metrics.NewCollector(db.Pool, daemon))

	janitor := storage.NewTempJanitor(cfg.TempDir, cfg.StuckJobMaxAge, log)
	janitor.Start()
	defer janitor.Stop()

	if cfg.WatchDir != "" {
		w := ingest.NewWatcher(db, b, cfg.WatchDir, log)
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error().Err(err).Msg("drop-dir watcher stopped")
			}
		}()
	}

	srv := api.NewServer(cfg, api.Deps{Store: db, Status: agg, DB: db, Redis: rc}, version, log)
	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start() }()
	go func() { errCh <- daemon.Run(ctx) }()

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

	log.Info().Msg("transcribed stopped")
}
