package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/bus"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/database"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/events"
)

const debounceDelay = 500 * time.Millisecond

// JobFile is the drop-dir submission format: one JSON file per episode.
// Batch fields are optional and group jobs for the daemon's GPU handoff.
type JobFile struct {
	EpisodeID       string `json:"episode_id"`
	AudioURL        string `json:"audio_url"`
	Title           string `json:"title,omitempty"`
	PodcastName     string `json:"podcast_name,omitempty"`
	BatchID         string `json:"batch_id,omitempty"`
	TotalBatchCount int    `json:"total_batch_count,omitempty"`
}

// Store is the episode persistence the watcher needs. *database.DB satisfies it.
type Store interface {
	CreateEpisode(ctx context.Context, e *database.Episode) (*database.Episode, error)
}

// Watcher monitors a drop directory for job files. A dropped .json file
// creates the episode row, publishes a transcription job, and is removed.
// Files already present at startup are processed oldest-name-first.
type Watcher struct {
	store    Store
	bus      *bus.Bus
	watchDir string
	log      zerolog.Logger

	watcher *fsnotify.Watcher

	// Coalesce rapid Create+Write events and let the writer finish.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	filesProcessed atomic.Int64
	filesSkipped   atomic.Int64
}

func NewWatcher(store Store, b *bus.Bus, watchDir string, log zerolog.Logger) *Watcher {
	return &Watcher{
		store:          store,
		bus:            b,
		watchDir:       watchDir,
		log:            log.With().Str("component", "watcher").Logger(),
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Run watches until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw
	defer fw.Close()

	if err := fw.Add(w.watchDir); err != nil {
		return err
	}
	w.log.Info().Str("watch_dir", w.watchDir).Msg("drop-dir watcher started")

	w.processExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			w.log.Info().
				Int64("files_processed", w.filesProcessed.Load()).
				Int64("files_skipped", w.filesSkipped.Load()).
				Msg("watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".json") {
				continue
			}
			w.scheduleProcess(ctx, event.Name)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// processExisting drains job files left over from downtime, oldest name first.
func (w *Watcher) processExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.watchDir)
	if err != nil {
		w.log.Warn().Err(err).Msg("drop dir scan failed")
		return
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		w.processJobFile(ctx, filepath.Join(w.watchDir, name))
	}
}

func (w *Watcher) scheduleProcess(ctx context.Context, path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(debounceDelay)
		return
	}

	w.debounceTimers[path] = time.AfterFunc(debounceDelay, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		w.processJobFile(ctx, path)
	})
}

// processJobFile ingests one job file. The file is removed only after the job
// is published, so a crash mid-ingest leaves the file for the startup scan.
// Malformed files are renamed aside rather than retried forever.
func (w *Watcher) processJobFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("job file read failed")
		return
	}

	var job JobFile
	if err := json.Unmarshal(data, &job); err != nil {
		w.rejectFile(path, "not valid JSON")
		return
	}
	if job.EpisodeID == "" || job.AudioURL == "" {
		w.rejectFile(path, "missing episode_id or audio_url")
		return
	}

	log := w.log.With().Str("episode_id", job.EpisodeID).Logger()

	meta, _ := json.Marshal(map[string]string{"audio_url": job.AudioURL})
	if _, err := w.store.CreateEpisode(ctx, &database.Episode{
		ID:          job.EpisodeID,
		URL:         job.AudioURL,
		Title:       job.Title,
		PodcastName: job.PodcastName,
		Status:      database.StatusPending,
		Metadata:    meta,
	}); err != nil {
		// Keep the file; the startup scan retries once the store is back.
		log.Warn().Err(err).Msg("episode create failed, leaving job file in place")
		return
	}

	if !w.bus.Publish(ctx, events.StreamTranscriptionJobs, events.TranscriptionJob{
		EpisodeID:       job.EpisodeID,
		BatchID:         job.BatchID,
		TotalBatchCount: job.TotalBatchCount,
	}) {
		log.Warn().Msg("job publish failed, leaving job file in place")
		return
	}

	if err := os.Remove(path); err != nil {
		log.Warn().Err(err).Msg("job file remove failed")
	}
	w.filesProcessed.Add(1)
	log.Info().Str("batch_id", job.BatchID).Msg("job file ingested")
}

func (w *Watcher) rejectFile(path, reason string) {
	w.filesSkipped.Add(1)
	rejected := path + ".rejected"
	if err := os.Rename(path, rejected); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("reject rename failed")
		return
	}
	w.log.Warn().Str("path", rejected).Str("reason", reason).Msg("job file rejected")
}

// FilesProcessed reports how many job files have been ingested.
func (w *Watcher) FilesProcessed() int64 { return w.filesProcessed.Load() }
