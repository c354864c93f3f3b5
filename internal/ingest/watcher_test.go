package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/bus"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/database"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/events"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/redisclient"
)

type fakeStore struct {
	mu       sync.Mutex
	episodes map[string]*database.Episode
	fail     bool
}

func (s *fakeStore) CreateEpisode(_ context.Context, e *database.Episode) (*database.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, context.DeadlineExceeded
	}
	if s.episodes == nil {
		s.episodes = make(map[string]*database.Episode)
	}
	if existing, ok := s.episodes[e.ID]; ok {
		return existing, nil
	}
	s.episodes[e.ID] = e
	return e, nil
}

func (s *fakeStore) episode(id string) *database.Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episodes[id]
}

type watcherFixture struct {
	w     *Watcher
	rc    *redisclient.Client
	store *fakeStore
	dir   string
}

func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := redisclient.Connect(context.Background(), "redis://"+mr.Addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { rc.Close() })

	b := bus.New(rc, bus.Options{BlockDuration: 50 * time.Millisecond}, zerolog.Nop())
	store := &fakeStore{}
	dir := t.TempDir()
	w := NewWatcher(store, b, dir, zerolog.Nop())
	return &watcherFixture{w: w, rc: rc, store: store, dir: dir}
}

func dropJob(t *testing.T, dir string, job JobFile) string {
	t.Helper()
	data, _ := json.Marshal(job)
	path := filepath.Join(dir, job.EpisodeID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWatcher_IngestsDroppedJobFile(t *testing.T) {
	fx := newWatcherFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go fx.w.Run(ctx)
	time.Sleep(200 * time.Millisecond) // let the fsnotify watch attach

	path := dropJob(t, fx.dir, JobFile{
		EpisodeID:   "ep-1",
		AudioURL:    "https://cdn.example.com/ep-1.mp3",
		Title:       "Episode One",
		PodcastName: "Test Show",
	})

	waitUntil(t, 10*time.Second, func() bool {
		n, _ := fx.rc.Rdb.XLen(ctx, events.StreamTranscriptionJobs).Result()
		return n == 1
	}, "job never published")

	msgs, _ := fx.rc.Rdb.XRange(ctx, events.StreamTranscriptionJobs, "-", "+").Result()
	e, err := events.Decode(msgs[0].Values)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	job, ok := e.(events.TranscriptionJob)
	if !ok || job.EpisodeID != "ep-1" {
		t.Fatalf("event = %#v", e)
	}

	ep := fx.store.episode("ep-1")
	if ep == nil || ep.URL != "https://cdn.example.com/ep-1.mp3" || ep.Status != database.StatusPending {
		t.Errorf("episode = %+v", ep)
	}
	var meta map[string]string
	if err := json.Unmarshal(ep.Metadata, &meta); err != nil || meta["audio_url"] != ep.URL {
		t.Errorf("metadata = %s, want audio_url recorded", ep.Metadata)
	}

	waitUntil(t, 5*time.Second, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, "job file not removed after ingest")
}

func TestWatcher_ProcessesExistingFilesOnStartup(t *testing.T) {
	fx := newWatcherFixture(t)

	dropJob(t, fx.dir, JobFile{EpisodeID: "ep-a", AudioURL: "https://cdn.example.com/a.mp3", BatchID: "b1", TotalBatchCount: 2})
	dropJob(t, fx.dir, JobFile{EpisodeID: "ep-b", AudioURL: "https://cdn.example.com/b.mp3", BatchID: "b1", TotalBatchCount: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.w.Run(ctx)

	waitUntil(t, 10*time.Second, func() bool {
		n, _ := fx.rc.Rdb.XLen(ctx, events.StreamTranscriptionJobs).Result()
		return n == 2
	}, "startup backlog never published")

	msgs, _ := fx.rc.Rdb.XRange(ctx, events.StreamTranscriptionJobs, "-", "+").Result()
	first, _ := events.Decode(msgs[0].Values)
	if job := first.(events.TranscriptionJob); job.EpisodeID != "ep-a" || job.BatchID != "b1" || job.TotalBatchCount != 2 {
		t.Errorf("first job = %+v, want ep-a with batch fields", job)
	}
}

func TestWatcher_RejectsMalformedFile(t *testing.T) {
	fx := newWatcherFixture(t)
	path := filepath.Join(fx.dir, "broken.json")
	os.WriteFile(path, []byte("{not json"), 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.w.Run(ctx)

	waitUntil(t, 10*time.Second, func() bool {
		_, err := os.Stat(path + ".rejected")
		return err == nil
	}, "malformed file never renamed aside")

	n, _ := fx.rc.Rdb.XLen(ctx, events.StreamTranscriptionJobs).Result()
	if n != 0 {
		t.Errorf("jobs published = %d, want 0", n)
	}
}

func TestWatcher_MissingFieldsRejected(t *testing.T) {
	fx := newWatcherFixture(t)
	path := dropJob(t, fx.dir, JobFile{EpisodeID: "ep-1"}) // no audio_url

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.w.Run(ctx)

	waitUntil(t, 10*time.Second, func() bool {
		_, err := os.Stat(path + ".rejected")
		return err == nil
	}, "incomplete file never renamed aside")
}

func TestWatcher_StoreFailureKeepsFile(t *testing.T) {
	fx := newWatcherFixture(t)
	fx.store.fail = true
	path := dropJob(t, fx.dir, JobFile{EpisodeID: "ep-1", AudioURL: "https://cdn.example.com/a.mp3"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.w.Run(ctx)

	// Give the startup scan time to attempt the file.
	time.Sleep(500 * time.Millisecond)

	if _, err := os.Stat(path); err != nil {
		t.Error("job file must survive a store failure for the next startup scan")
	}
	n, _ := fx.rc.Rdb.XLen(ctx, events.StreamTranscriptionJobs).Result()
	if n != 0 {
		t.Errorf("jobs published = %d, want 0", n)
	}
}
