package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/audio"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/bus"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/database"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/events"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/gpulock"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/idempotency"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/metrics"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/status"
)

const serviceName = "transcription"

var errCanceled = errors.New("job canceled by control signal")

// Store is the episode persistence the daemon needs. *database.DB satisfies it.
type Store interface {
	GetEpisodeByID(ctx context.Context, id string, loadTranscript bool) (*database.Episode, error)
	UpdateEpisodeStatus(ctx context.Context, id, status string) error
	SaveTranscript(ctx context.Context, id, transcript string, metadata map[string]any) error
	ResetStuckEpisodes(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Fetcher downloads episode audio. *audio.Downloader satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url, episodeID string, progress func(done, total int64)) (string, error)
}

// Archiver optionally preserves the raw audio after download.
type Archiver interface {
	Store(ctx context.Context, episodeID, path string) (string, error)
}

// Options configures the daemon.
type Options struct {
	Consumer       string // unique per daemon instance
	Group          string
	StuckJobMaxAge time.Duration
	TempDir        string
	Language       string
}

// Deps are the daemon's collaborators.
type Deps struct {
	Store    Store
	Bus      *bus.Bus
	Idem     *idempotency.Register
	GPULock  *gpulock.Lock
	Status   *status.Aggregator
	Provider Provider
	Diarizer Diarizer // nil disables diarization
	Fetcher  Fetcher
	Archive  Archiver // nil disables archiving
}

// Daemon consumes transcription jobs one at a time: download, transcribe,
// diarize, persist, announce. It holds the GPU lock lazily across jobs and
// releases it deterministically when a batch drains so competing GPU
// consumers can make progress without waiting for an idle timer.
type Daemon struct {
	opts Options
	deps Deps
	log  zerolog.Logger

	mu       sync.Mutex
	gpu      *gpulock.Handle
	batches  map[string]*batchState
	canceled map[string]bool

	stopping atomic.Bool
	active   atomic.Int32
}

type batchState struct {
	total     int
	completed map[string]bool
	succeeded map[string]bool
}

func New(deps Deps, opts Options, log zerolog.Logger) *Daemon {
	if opts.Group == "" {
		opts.Group = "transcription_workers"
	}
	if opts.StuckJobMaxAge <= 0 {
		opts.StuckJobMaxAge = 2 * time.Hour
	}
	return &Daemon{
		opts:     opts,
		deps:     deps,
		log:      log.With().Str("component", "daemon").Str("consumer", opts.Consumer).Logger(),
		batches:  make(map[string]*batchState),
		canceled: make(map[string]bool),
	}
}

// Run recovers stranded state, starts the control-signal monitors, and
// consumes jobs until ctx is canceled. The GPU lock is force-released on the
// way out so a crashed or stopping daemon never strands the device.
func (d *Daemon) Run(ctx context.Context) error {
	d.recover(ctx)

	go d.deps.Bus.Listen(ctx, d.onControl, events.ChannelStop)
	go d.deps.Bus.ListenPattern(ctx, d.onControl, events.ChannelCancelBatch("*"))

	defer func() {
		// Shutdown path: the subscription is gone, release the GPU with a
		// fresh context since ctx is already canceled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.releaseGPU(releaseCtx)
	}()

	err := d.deps.Bus.Subscribe(ctx, events.StreamTranscriptionJobs, d.opts.Group, d.opts.Consumer, d.handleJob)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// recover handles the leftovers of a previous crash: episodes stranded in a
// non-terminal status, stale progress records, and orphaned temp audio.
func (d *Daemon) recover(ctx context.Context) {
	if n, err := d.deps.Store.ResetStuckEpisodes(ctx, d.opts.StuckJobMaxAge); err != nil {
		d.log.Warn().Err(err).Msg("stuck episode reset failed")
	} else if n > 0 {
		d.log.Info().Int64("episodes", n).Msg("stuck episodes reset")
	}

	if err := d.deps.Status.ClearStale(ctx); err != nil {
		d.log.Warn().Err(err).Msg("stale status clear failed")
	}

	if d.opts.TempDir != "" {
		entries, err := os.ReadDir(d.opts.TempDir)
		if err != nil {
			d.log.Warn().Err(err).Msg("temp dir sweep failed")
			return
		}
		removed := 0
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if os.Remove(filepath.Join(d.opts.TempDir, e.Name())) == nil {
				removed++
			}
		}
		if removed > 0 {
			d.log.Info().Int("files", removed).Msg("leftover temp audio removed")
		}
	}
}

func (d *Daemon) onControl(channel, payload string) {
	cancelPrefix := events.ChannelCancelBatch("")
	switch {
	case channel == events.ChannelStop:
		d.log.Info().Msg("stop signal received, failing subsequent jobs")
		d.stopping.Store(true)
	case strings.HasPrefix(channel, cancelPrefix):
		batchID := strings.TrimPrefix(channel, cancelPrefix)
		d.mu.Lock()
		d.canceled[batchID] = true
		d.mu.Unlock()
		d.log.Info().Str("batch_id", batchID).Msg("batch cancel signal received")
	}
}

func (d *Daemon) isCanceled(job events.TranscriptionJob) bool {
	if d.stopping.Load() {
		return true
	}
	if job.BatchID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canceled[job.BatchID]
}

func (d *Daemon) handleJob(ctx context.Context, e events.Event) error {
	job, ok := e.(events.TranscriptionJob)
	if !ok {
		d.log.Warn().Str("event_type", e.Kind()).Msg("unexpected event on job stream")
		return nil
	}
	log := d.log.With().Str("episode_id", job.EpisodeID).Str("batch_id", job.BatchID).Logger()

	key := idempotency.Key(serviceName, events.KindTranscriptionJob, job.EpisodeID)
	first, err := d.deps.Idem.Claim(ctx, key, idempotency.DefaultTTL)
	if err != nil {
		// Substrate hiccup: leave the entry pending for redelivery.
		return fmt.Errorf("claim %s: %w", key, err)
	}
	if !first {
		metrics.IdempotencySkipsTotal.WithLabelValues(serviceName).Inc()
		log.Info().Msg("job already claimed, skipping")
		return nil
	}

	d.active.Add(1)
	defer d.active.Add(-1)

	start := time.Now()
	if err := d.process(ctx, job, log); err != nil {
		d.failJob(ctx, job, key, err, log)
		metrics.EpisodesTranscribedTotal.WithLabelValues("failed").Inc()
		return nil
	}

	metrics.EpisodesTranscribedTotal.WithLabelValues("completed").Inc()
	metrics.TranscriptionDuration.Observe(time.Since(start).Seconds())
	d.finishBatch(ctx, job, true, log)
	return nil
}

func (d *Daemon) process(ctx context.Context, job events.TranscriptionJob, log zerolog.Logger) error {
	ep, err := d.deps.Store.GetEpisodeByID(ctx, job.EpisodeID, false)
	if err != nil {
		return err
	}
	if ep == nil {
		return fmt.Errorf("episode %s not found in store", job.EpisodeID)
	}

	if err := d.deps.Store.UpdateEpisodeStatus(ctx, ep.ID, database.StatusTranscribing); err != nil {
		return err
	}

	extra := map[string]any{"episode_title": ep.Title, "podcast_name": ep.PodcastName}
	d.report(ctx, ep.ID, "preparing", 0.05, "job accepted", extra)

	if err := d.ensureGPU(ctx); err != nil {
		return err
	}
	if d.isCanceled(job) {
		return errCanceled
	}

	audioURL := resolveAudioURL(ep)
	d.report(ctx, ep.ID, "downloading", 0.1, "downloading audio", nil)
	audioPath, err := d.deps.Fetcher.Fetch(ctx, audioURL, ep.ID, func(done, total int64) {
		p := 0.1
		if total > 0 {
			p += 0.3 * float64(done) / float64(total)
		}
		d.report(ctx, ep.ID, "downloading", p, "", nil)
	})
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer os.Remove(audioPath)

	if d.deps.Archive != nil {
		if ref, err := d.deps.Archive.Store(ctx, ep.ID, audioPath); err != nil {
			log.Warn().Err(err).Msg("audio archive failed")
		} else {
			log.Debug().Str("ref", ref).Msg("audio archived")
		}
	}

	if d.isCanceled(job) {
		return errCanceled
	}

	d.report(ctx, ep.ID, "transcribing", 0.45, "running speech-to-text", nil)
	resp, err := d.deps.Provider.Transcribe(ctx, audioPath, TranscribeOpts{Language: d.opts.Language})
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}
	if resp.Text == "" && len(resp.Segments) == 0 {
		return fmt.Errorf("transcription produced no text")
	}

	d.report(ctx, ep.ID, "diarizing", 0.8, "attributing speakers", nil)
	lines, diarFailed := d.diarize(ctx, audioPath, resp.Segments, log)

	doc := Format(Header{
		Title:             ep.Title,
		EpisodeID:         ep.ID,
		Podcast:           ep.PodcastName,
		AudioURL:          audioURL,
		Duration:          resp.Duration,
		Processed:         events.Now(),
		DiarizationFailed: diarFailed,
	}, lines)

	d.report(ctx, ep.ID, "saving", 0.9, "persisting transcript", nil)
	meta := map[string]any{
		"audio_url":          audioURL,
		"duration_seconds":   resp.Duration,
		"diarization_failed": diarFailed,
		"language":           resp.Language,
		"model":              d.deps.Provider.Model(),
	}
	if err := d.deps.Store.SaveTranscript(ctx, ep.ID, doc, meta); err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}

	d.deps.Bus.Publish(ctx, events.StreamEpisodesTranscribed, events.EpisodeTranscribed{
		EventID:           events.NewID(),
		Timestamp:         events.Now(),
		Service:           serviceName,
		EpisodeID:         ep.ID,
		EpisodeTitle:      ep.Title,
		PodcastName:       ep.PodcastName,
		AudioURL:          audioURL,
		DurationSeconds:   resp.Duration,
		DiarizationFailed: diarFailed,
	})

	if err := d.deps.Status.ClearServiceStatus(ctx, serviceName, ep.ID); err != nil {
		log.Warn().Err(err).Msg("status clear failed")
	}
	if err := d.deps.Status.IncrementStats(ctx, serviceName, true); err != nil {
		log.Warn().Err(err).Msg("stats increment failed")
	}

	log.Info().
		Int("lines", len(lines)).
		Bool("diarization_failed", diarFailed).
		Msg("episode transcribed")
	return nil
}

// resolveAudioURL prefers the audio_url recorded in the episode's metadata
// over the row's URL column, which may point at a feed or video page.
func resolveAudioURL(ep *database.Episode) string {
	if len(ep.Metadata) > 0 {
		var meta struct {
			AudioURL string `json:"audio_url"`
		}
		if err := json.Unmarshal(ep.Metadata, &meta); err == nil && meta.AudioURL != "" {
			return meta.AudioURL
		}
	}
	return ep.URL
}

// diarize runs speaker attribution on a sanitized WAV copy. Any failure falls
// back to unattributed lines with the failure flagged, never aborts the job.
func (d *Daemon) diarize(ctx context.Context, audioPath string, segments []Segment, log zerolog.Logger) ([]Line, bool) {
	if d.deps.Diarizer == nil {
		return FallbackLines(segments), true
	}

	wavPath, cleanup, err := audio.Sanitize(ctx, audioPath)
	if err != nil {
		log.Warn().Err(err).Msg("audio sanitize failed, diarizing original")
		wavPath = audioPath
		cleanup = func() {}
	}
	defer cleanup()

	turns, err := d.deps.Diarizer.Diarize(ctx, wavPath)
	if err != nil {
		log.Warn().Err(err).Msg("diarization failed, falling back to raw segments")
		return FallbackLines(segments), true
	}
	return AssignSpeakers(segments, turns), false
}

// failJob marks the episode FAILED and releases the idempotency claim so an
// operator republish can retry the job.
func (d *Daemon) failJob(ctx context.Context, job events.TranscriptionJob, key string, cause error, log zerolog.Logger) {
	log.Error().Err(cause).Msg("transcription job failed")

	if err := d.deps.Store.UpdateEpisodeStatus(ctx, job.EpisodeID, database.StatusFailed); err != nil {
		log.Warn().Err(err).Msg("failed-status update failed")
	}
	if err := d.deps.Status.ClearServiceStatus(ctx, serviceName, job.EpisodeID); err != nil {
		log.Warn().Err(err).Msg("status clear failed")
	}
	if err := d.deps.Status.IncrementStats(ctx, serviceName, false); err != nil {
		log.Warn().Err(err).Msg("stats increment failed")
	}
	if err := d.deps.Idem.Clear(ctx, key); err != nil {
		log.Warn().Err(err).Msg("claim clear failed")
	}

	// A failed job still counts toward batch completion, otherwise the batch
	// would never drain and the GPU handoff would never fire.
	d.finishBatch(ctx, job, false, log)
}

// finishBatch records the episode against its batch and, when the batch
// drains, publishes the completion event and hands the GPU off immediately.
// Failed and canceled episodes count toward the drain but are excluded from
// the completion event; a batch with no successes publishes nothing. Jobs
// without a batch release the GPU after each episode.
func (d *Daemon) finishBatch(ctx context.Context, job events.TranscriptionJob, succeeded bool, log zerolog.Logger) {
	if job.BatchID == "" {
		d.releaseGPU(ctx)
		return
	}

	d.mu.Lock()
	bs := d.batches[job.BatchID]
	if bs == nil {
		bs = &batchState{completed: make(map[string]bool), succeeded: make(map[string]bool)}
		d.batches[job.BatchID] = bs
	}
	if job.TotalBatchCount > bs.total {
		bs.total = job.TotalBatchCount
	}
	bs.completed[job.EpisodeID] = true
	if succeeded {
		bs.succeeded[job.EpisodeID] = true
	}
	done := bs.total > 0 && len(bs.completed) >= bs.total

	var ids []string
	if done {
		for id := range bs.succeeded {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		delete(d.batches, job.BatchID)
		delete(d.canceled, job.BatchID)
	}
	d.mu.Unlock()

	if !done {
		return
	}

	if len(ids) > 0 {
		d.deps.Bus.Publish(ctx, events.StreamBatchTranscribed, events.BatchTranscribed{
			EventID:    events.NewID(),
			Timestamp:  events.Now(),
			Service:    serviceName,
			BatchID:    job.BatchID,
			EpisodeIDs: ids,
		})
	}
	log.Info().Int("episodes", len(ids)).Msg("batch drained, releasing gpu")
	d.releaseGPU(ctx)
}

func (d *Daemon) ensureGPU(ctx context.Context) error {
	d.mu.Lock()
	held := d.gpu != nil
	d.mu.Unlock()
	if held {
		return nil
	}

	start := time.Now()
	h, err := d.deps.GPULock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire gpu lock: %w", err)
	}
	metrics.GPULockWaitDuration.Observe(time.Since(start).Seconds())

	d.mu.Lock()
	d.gpu = h
	d.mu.Unlock()
	return nil
}

func (d *Daemon) releaseGPU(ctx context.Context) {
	d.mu.Lock()
	h := d.gpu
	d.gpu = nil
	d.mu.Unlock()

	if h == nil {
		return
	}
	if err := h.Release(ctx); err != nil {
		d.log.Warn().Err(err).Msg("gpu lock release failed")
	}
}

func (d *Daemon) report(ctx context.Context, episodeID, stage string, progress float64, msg string, extra map[string]any) {
	if err := d.deps.Status.UpdateServiceStatus(ctx, serviceName, episodeID, stage, progress, msg, extra); err != nil {
		d.log.Warn().Err(err).Str("episode_id", episodeID).Msg("status update failed")
	}
}

// ActiveJobCount implements metrics.WorkerStats.
func (d *Daemon) ActiveJobCount() int { return int(d.active.Load()) }

// GPUHeld implements metrics.WorkerStats.
func (d *Daemon) GPUHeld() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gpu != nil
}
