package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/bus"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/database"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/events"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/gpulock"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/idempotency"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/metrics"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/status"
)

const serviceName = "summarization"

// Store is the persistence the subscriber needs. *database.DB satisfies it.
type Store interface {
	GetEpisodeByID(ctx context.Context, id string, loadTranscript bool) (*database.Episode, error)
	SaveSummary(ctx context.Context, episodeID string, content json.RawMessage) (*database.Summary, bool, error)
	GetSummaryByEpisodeID(ctx context.Context, episodeID string) (*database.Summary, error)
}

// Options configures the subscriber.
type Options struct {
	Consumer string
	Group    string
}

// Deps are the subscriber's collaborators.
type Deps struct {
	Store      Store
	Bus        *bus.Bus
	Idem       *idempotency.Register
	GPULock    *gpulock.Lock
	Status     *status.Aggregator
	Summarizer *Summarizer
}

// Subscriber turns finished transcripts into structured summaries and
// announces them downstream.
type Subscriber struct {
	opts Options
	deps Deps
	log  zerolog.Logger
}

func New(deps Deps, opts Options, log zerolog.Logger) *Subscriber {
	if opts.Group == "" {
		opts.Group = "summarization"
	}
	return &Subscriber{
		opts: opts,
		deps: deps,
		log:  log.With().Str("component", "summarize").Str("consumer", opts.Consumer).Logger(),
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

	// The summary row is the durable dedup record behind the expiring claim.
	if existing, err := s.deps.Store.GetSummaryByEpisodeID(ctx, ev.EpisodeID); err == nil && existing != nil {
		log.Info().Msg("episode already summarized, skipping")
		return nil
	}

	if err := s.summarize(ctx, ev, log); err != nil {
		log.Error().Err(err).Msg("summarization failed")
		metrics.SummariesGeneratedTotal.WithLabelValues("failed").Inc()
		s.clearStatus(ctx, ev.EpisodeID, false)
		if cerr := s.deps.Idem.Clear(ctx, key); cerr != nil {
			log.Warn().Err(cerr).Msg("claim clear failed")
		}
		return err
	}

	metrics.SummariesGeneratedTotal.WithLabelValues("completed").Inc()
	s.clearStatus(ctx, ev.EpisodeID, true)
	return nil
}

func (s *Subscriber) summarize(ctx context.Context, ev events.EpisodeTranscribed, log zerolog.Logger) error {
	extra := map[string]any{"episode_title": ev.EpisodeTitle, "podcast_name": ev.PodcastName}
	s.report(ctx, ev.EpisodeID, "loading", 0.1, "loading transcript", extra)

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

	s.report(ctx, ev.EpisodeID, "summarizing", 0.3, "generating summary", nil)

	// The model host shares the GPU with transcription and embedding.
	start := time.Now()
	handle, err := s.deps.GPULock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire gpu lock: %w", err)
	}
	metrics.GPULockWaitDuration.Observe(time.Since(start).Seconds())

	summary, err := s.deps.Summarizer.Summarize(ctx, ep.Title, ep.PodcastName, ep.TranscriptText)
	if rerr := handle.Release(ctx); rerr != nil {
		log.Warn().Err(rerr).Msg("gpu lock release failed")
	}
	if err != nil {
		return err
	}

	content, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	s.report(ctx, ev.EpisodeID, "saving", 0.9, "persisting summary", nil)
	row, created, err := s.deps.Store.SaveSummary(ctx, ep.ID, content)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	if !created {
		// Another worker got there between the check and the insert.
		log.Info().Msg("summary already persisted by a concurrent worker")
		return nil
	}

	s.deps.Bus.Publish(ctx, events.StreamEpisodesSummarized, events.EpisodeSummarized{
		EventID:      events.NewID(),
		Timestamp:    events.Now(),
		Service:      serviceName,
		EpisodeID:    ep.ID,
		EpisodeTitle: ep.Title,
		PodcastName:  ep.PodcastName,
		SummaryPath:  fmt.Sprintf("db://summaries/%s", ep.ID),
		SummaryData:  row.Content,
	})

	log.Info().Int("takeaways", len(summary.Takeaways)).Msg("episode summarized")
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
