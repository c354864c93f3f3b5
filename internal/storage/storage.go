package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/config"
)

// AudioStore abstracts the audio archive backend.
type AudioStore interface {
	// Save stores audio data under the key (episode id plus extension).
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for an archived file.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks whether the key is already archived.
	Exists(ctx context.Context, key string) bool

	// URL returns a presigned URL for the file. Returns "" for local backends.
	URL(ctx context.Context, key string) (string, error)

	// Type returns "local" or "s3".
	Type() string
}

// New creates the configured archive backend, or (nil, nil) when archiving
// is disabled. S3 credentials and bucket access are verified at startup.
func New(cfg *config.Config, log zerolog.Logger) (AudioStore, error) {
	if !cfg.ArchiveEnabled {
		return nil, nil
	}

	if cfg.ArchiveBackend != "s3" {
		return NewLocalStore(cfg.ArchiveDir), nil
	}

	s3store, err := NewS3Store(cfg.S3, log)
	if err != nil {
		return nil, fmt.Errorf("s3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("s3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.S3.Bucket, cfg.S3.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.S3.Bucket).Str("endpoint", cfg.S3.Endpoint).Msg("s3 connection verified")
	return s3store, nil
}

// Archive copies downloaded episode audio into the archive store. It is the
// daemon's archiver; a nil *Archive disables archiving.
type Archive struct {
	store AudioStore
	log   zerolog.Logger
}

func NewArchive(store AudioStore, log zerolog.Logger) *Archive {
	if store == nil {
		return nil
	}
	return &Archive{store: store, log: log.With().Str("component", "archive").Logger()}
}

// Store archives the file under the episode id and returns an opaque
// reference ({backend}://{key}). Already-archived episodes are skipped.
func (a *Archive) Store(ctx context.Context, episodeID, path string) (string, error) {
	key := episodeID + "/audio" + strings.ToLower(filepath.Ext(path))
	ref := a.store.Type() + "://" + key

	if a.store.Exists(ctx, key) {
		return ref, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read audio %s: %w", path, err)
	}
	if err := a.store.Save(ctx, key, data, contentTypeFor(path)); err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}

	a.log.Debug().Str("key", key).Int("bytes", len(data)).Msg("audio archived")
	return ref, nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".ogg":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
