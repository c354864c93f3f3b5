package rag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/bus"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/database"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/events"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/gpulock"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/idempotency"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/metrics"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/status"
)

const serviceName = "rag"

// Store is the chunk persistence the subscriber needs. *database.DB satisfies it.
type Store interface {
	GetEpisodeByID(ctx context.Context, id string, loadTranscript bool) (*database.Episode, error)
	ReplaceChunks(ctx context.Context, episodeID string, chunks []database.Chunk) error
	HasChunks(ctx context.Context, episodeID string) (bool, error)
}

// Options configures the ingestion subscriber.
type Options struct {
	Consumer string
	Group    string
}

// Deps are the subscriber's collaborators.
type Deps struct {
	Store    Store
	Bus      *bus.Bus
	Idem     *idempotency.Register
	GPULock  *gpulock.Lock
	Status   *status.Aggregator
	Embedder Embedder
	Chunker  *Chunker
	Keyword  *KeywordIndex // nil disables the lexical index
}

// Subscriber ingests finished transcripts into the retrieval store: chunk,
// embed under the GPU lock, persist vectors, refresh the keyword index.
type Subscriber struct {
	opts Options
	deps Deps
	log  zerolog.Logger
}

func New(deps Deps, opts Options, log zerolog.Logger) *Subscriber {
	if opts.Group == "" {
		opts.Group = "rag_ingestion"
	}
	return &Subscriber{
		opts: opts,
		deps: deps,
		log:  log.With().Str("component", "rag").Str("consumer", opts.Consumer).Logger(),
	}
}

// Run consumes transcript announcements until ctx is canceled.
func (s *Subscriber) Run(ctx context.Context) error {
	err := s.deps.Bus.Subscribe(ctx, events.StreamEpisodesTranscribed, s.opts.Group, s.opts.Consumer, s.handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Subscriber) handle(ctx context.Context, e events.Event) error {
	ev, ok := e.(events.EpisodeTranscribed)
	if !ok {
		s.log.Warn().Str("event_type", e.Kind()).Msg("unexpected event on transcript stream")
		return nil
	}
	log := s.log.With().Str("episode_id", ev.EpisodeID).Logger()

	key := idempotency.Key(serviceName, events.KindEpisodeTranscribed, ev.EpisodeID)
	first, err := s.deps.Idem.Claim(ctx, key, idempotency.DefaultTTL)
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	if !first {
		metrics.IdempotencySkipsTotal.WithLabelValues(serviceName).Inc()
		log.Info().Msg("episode already claimed, skipping")
		return nil
	}

	// The claim key expires; the chunk table is the durable dedup record.
	if done, err := s.deps.Store.HasChunks(ctx, ev.EpisodeID); err == nil && done {
		log.Info().Msg("episode already ingested, skipping")
		return nil
	}

	if err := s.ingest(ctx, ev, log); err != nil {
		log.Error().Err(err).Msg("ingestion failed")
		s.clearStatus(ctx, ev.EpisodeID, false)
		// Release the claim so the redelivery can retry.
		if cerr := s.deps.Idem.Clear(ctx, key); cerr != nil {
			log.Warn().Err(cerr).Msg("claim clear failed")
		}
		return err
	}

	s.clearStatus(ctx, ev.EpisodeID, true)
	return nil
}

func (s *Subscriber) ingest(ctx context.Context, ev events.EpisodeTranscribed, log zerolog.Logger) error {
	extra := map[string]any{"episode_title": ev.EpisodeTitle, "podcast_name": ev.PodcastName}
	s.report(ctx, ev.EpisodeID, "chunking", 0.1, "loading transcript", extra)

	ep, err := s.deps.Store.GetEpisodeByID(ctx, ev.EpisodeID, true)
	if err != nil {
		return err
	}
	if ep == nil {
		return fmt.Errorf("episode %s not found in store", ev.EpisodeID)
	}
	if ep.TranscriptText == "" {
		return fmt.Errorf("episode %s has no transcript", ev.EpisodeID)
	}

	chunks := s.deps.Chunker.Chunk(ep.ID, ep.TranscriptText)
	if len(chunks) == 0 {
		log.Warn().Msg("transcript produced no chunks, nothing to ingest")
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	s.report(ctx, ev.EpisodeID, "embedding", 0.3, fmt.Sprintf("embedding %d chunks", len(chunks)), nil)

	// Embedding runs on the shared GPU; serialize with the other model hosts.
	start := time.Now()
	handle, err := s.deps.GPULock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire gpu lock: %w", err)
	}
	metrics.GPULockWaitDuration.Observe(time.Since(start).Seconds())

	vecs, err := s.deps.Embedder.Embed(ctx, texts)
	if rerr := handle.Release(ctx); rerr != nil {
		log.Warn().Err(rerr).Msg("gpu lock release failed")
	}
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(chunks), len(vecs))
	}
	for i := range chunks {
		chunks[i].Embedding = pgvector.NewVector(vecs[i])
	}

	s.report(ctx, ev.EpisodeID, "indexing", 0.8, "persisting vectors", nil)
	if err := s.deps.Store.ReplaceChunks(ctx, ep.ID, chunks); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}

	if s.deps.Keyword != nil {
		if err := s.deps.Keyword.Update(ep.ID, ep.Title, ep.PodcastName, chunks); err != nil {
			// The vector store is authoritative; a keyword miss is recoverable.
			log.Warn().Err(err).Msg("keyword index update failed")
		}
	}

	metrics.ChunksEmbeddedTotal.Add(float64(len(chunks)))
	log.Info().Int("chunks", len(chunks)).Msg("episode ingested")
	return nil
}

func (s *Subscriber) report(ctx context.Context, episodeID, stage string, progress float64, msg string, extra map[string]any) {
	if err := s.deps.Status.UpdateServiceStatus(ctx, serviceName, episodeID, stage, progress, msg, extra); err != nil {
		s.log.Warn().Err(err).Str("episode_id", episodeID).Msg("status update failed")
	}
}

func (s *Subscriber) clearStatus(ctx context.Context, episodeID string, completed bool) {
	if err := s.deps.Status.ClearServiceStatus(ctx, serviceName, episodeID); err != nil {
		s.log.Warn().Err(err).Msg("status clear failed")
	}
	if err := s.deps.Status.IncrementStats(ctx, serviceName, completed); err != nil {
		s.log.Warn().Err(err).Msg("stats increment failed")
	}
}
