package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	ServiceName string `env:"SERVICE_NAME"`

	// Transcription daemon
	WhisperURL      string        `env:"WHISPER_URL" envDefault:"http://localhost:8000/v1/audio/transcriptions"`
	WhisperModel    string        `env:"WHISPER_MODEL" envDefault:"large-v3"`
	WhisperTimeout  time.Duration `env:"WHISPER_TIMEOUT" envDefault:"30m"`
	DiarizerURL     string        `env:"DIARIZER_URL"`
	DiarizerTimeout time.Duration `env:"DIARIZER_TIMEOUT" envDefault:"15m"`
	TempDir         string        `env:"TEMP_DIR" envDefault:"/tmp/podscribe"`
	WatchDir        string        `env:"WATCH_DIR"`
	StuckJobMaxAge  time.Duration `env:"STUCK_JOB_MAX_AGE" envDefault:"2h"`

	// GPU lock
	GPULockLease time.Duration `env:"GPU_LOCK_LEASE" envDefault:"600s"`

	// RAG ingestion
	EmbeddingsURL     string        `env:"EMBEDDINGS_URL" envDefault:"http://localhost:8001/v1/embeddings"`
	EmbeddingsModel   string        `env:"EMBEDDINGS_MODEL" envDefault:"nomic-embed-text-v1.5"`
	EmbeddingsTimeout time.Duration `env:"EMBEDDINGS_TIMEOUT" envDefault:"120s"`
	MaxChunkSize      int           `env:"MAX_CHUNK_SIZE" envDefault:"500"`
	ChunkOverlap      int           `env:"CHUNK_OVERLAP" envDefault:"100"`
	KeywordIndexPath  string        `env:"KEYWORD_INDEX_PATH" envDefault:"./data/keyword_index.json"`

	// Summarization
	LLMURL     string        `env:"LLM_URL" envDefault:"http://localhost:8002/v1/chat/completions"`
	LLMModel   string        `env:"LLM_MODEL" envDefault:"llama-3.1-70b-instruct"`
	LLMAPIKey  string        `env:"LLM_API_KEY"`
	LLMTimeout time.Duration `env:"LLM_TIMEOUT" envDefault:"5m"`

	// Audio archive
	ArchiveEnabled bool   `env:"ARCHIVE_ENABLED" envDefault:"false"`
	ArchiveDir     string `env:"ARCHIVE_DIR" envDefault:"./archive"`
	ArchiveBackend string `env:"ARCHIVE_BACKEND" envDefault:"local"` // "local" or "s3"
	S3             S3Config

	// HTTP status surface
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	AuthToken    string        `env:"AUTH_TOKEN"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// S3Config configures the S3 audio archive backend.
type S3Config struct {
	Endpoint      string        `env:"S3_ENDPOINT"`
	Region        string        `env:"S3_REGION" envDefault:"us-east-1"`
	Bucket        string        `env:"S3_BUCKET"`
	Prefix        string        `env:"S3_PREFIX"`
	AccessKey     string        `env:"S3_ACCESS_KEY"`
	SecretKey     string        `env:"S3_SECRET_KEY"`
	PresignExpiry time.Duration `env:"S3_PRESIGN_EXPIRY" envDefault:"1h"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	TempDir     string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.RedisURL != "" {
		cfg.RedisURL = overrides.RedisURL
	}
	if overrides.TempDir != "" {
		cfg.TempDir = overrides.TempDir
	}

	return cfg, nil
}
