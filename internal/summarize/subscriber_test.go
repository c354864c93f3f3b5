package summarize

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/bus"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/database"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/events"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/gpulock"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/idempotency"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/redisclient"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/status"
)

type fakeStore struct {
	mu        sync.Mutex
	episodes  map[string]*database.Episode
	summaries map[string]*database.Summary
	nextID    int64
}

func newFakeStore(eps ...*database.Episode) *fakeStore {
	s := &fakeStore{
		episodes:  make(map[string]*database.Episode),
		summaries: make(map[string]*database.Summary),
	}
	for _, e := range eps {
		s.episodes[e.ID] = e
	}
	return s
}

func (s *fakeStore) GetEpisodeByID(_ context.Context, id string, _ bool) (*database.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.episodes[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *fakeStore) SaveSummary(_ context.Context, episodeID string, content json.RawMessage) (*database.Summary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.summaries[episodeID]; ok {
		return existing, false, nil
	}
	s.nextID++
	row := &database.Summary{ID: s.nextID, EpisodeID: episodeID, Content: content, CreatedAt: time.Now()}
	s.summaries[episodeID] = row
	return row, true, nil
}

func (s *fakeStore) GetSummaryByEpisodeID(_ context.Context, episodeID string) (*database.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaries[episodeID], nil
}

func (s *fakeStore) summary(episodeID string) *database.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaries[episodeID]
}

type subFixture struct {
	s     *Subscriber
	b     *bus.Bus
	rc    *redisclient.Client
	mr    *miniredis.Miniredis
	store *fakeStore
	llm   *fakeLLM
}

func newSubFixture(t *testing.T, eps ...*database.Episode) *subFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := redisclient.Connect(context.Background(), "redis://"+mr.Addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { rc.Close() })

	b := bus.New(rc, bus.Options{BlockDuration: 50 * time.Millisecond}, zerolog.Nop())
	store := newFakeStore(eps...)
	llm := &fakeLLM{responses: []string{validNarrative, validExtraction}}

	s := New(Deps{
		Store:      store,
		Bus:        b,
		Idem:       idempotency.NewRegister(rc, zerolog.Nop()),
		GPULock:    gpulock.New(rc, time.Minute, zerolog.Nop()),
		Status:     status.NewAggregator(rc, zerolog.Nop()),
		Summarizer: NewSummarizer(llm, zerolog.Nop()),
	}, Options{Consumer: "test-summarizer"}, zerolog.Nop())

	return &subFixture{s: s, b: b, rc: rc, mr: mr, store: store, llm: llm}
}

func transcribedEpisode(id string) *database.Episode {
	return &database.Episode{
		ID:             id,
		Title:          "Episode " + id,
		PodcastName:    "Test Show",
		Status:         database.StatusCompleted,
		TranscriptText: "[SPEAKER_00] 00:00:01: a long conversation about systems\n",
	}
}

func announce(id string) events.EpisodeTranscribed {
	return events.EpisodeTranscribed{
		EventID:      events.NewID(),
		Timestamp:    events.Now(),
		Service:      "transcription",
		EpisodeID:    id,
		EpisodeTitle: "Episode " + id,
		PodcastName:  "Test Show",
	}
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

func TestSubscriber_SummarizesEpisodeEndToEnd(t *testing.T) {
	fx := newSubFixture(t, transcribedEpisode("ep-1"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.b.Publish(ctx, events.StreamEpisodesTranscribed, announce("ep-1"))
	go fx.s.Run(ctx)

	waitUntil(t, 10*time.Second, func() bool {
		return fx.store.summary("ep-1") != nil
	}, "summary never saved")

	var sum Summary
	if err := json.Unmarshal(fx.store.summary("ep-1").Content, &sum); err != nil {
		t.Fatalf("stored content not valid JSON: %v", err)
	}
	if sum.Hook == "" || len(sum.Takeaways) != 3 {
		t.Errorf("summary = %+v", sum)
	}

	waitUntil(t, 5*time.Second, func() bool {
		n, _ := fx.rc.Rdb.XLen(ctx, events.StreamEpisodesSummarized).Result()
		return n == 1
	}, "EpisodeSummarized never published")

	msgs, _ := fx.rc.Rdb.XRange(ctx, events.StreamEpisodesSummarized, "-", "+").Result()
	e, err := events.Decode(msgs[0].Values)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev, ok := e.(events.EpisodeSummarized)
	if !ok {
		t.Fatalf("event = %#v", e)
	}
	if ev.SummaryPath != "db://summaries/ep-1" {
		t.Errorf("summary_path = %q", ev.SummaryPath)
	}
	if len(ev.SummaryData) == 0 {
		t.Error("summary_data missing from announcement")
	}

	waitUntil(t, 5*time.Second, func() bool {
		return !fx.mr.Exists(gpulock.KeyName)
	}, "gpu lock not released after summarization")
}

func TestSubscriber_DuplicateDeliverySkipped(t *testing.T) {
	fx := newSubFixture(t, transcribedEpisode("ep-1"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.b.Publish(ctx, events.StreamEpisodesTranscribed, announce("ep-1"))
	fx.b.Publish(ctx, events.StreamEpisodesTranscribed, announce("ep-1"))
	go fx.s.Run(ctx)

	waitUntil(t, 10*time.Second, func() bool {
		p, err := fx.rc.Rdb.XPending(ctx, events.StreamEpisodesTranscribed, "summarization").Result()
		return err == nil && p.Count == 0
	}, "entries never fully acknowledged")

	if got := fx.llm.callCount(); got != 2 {
		t.Errorf("llm calls = %d, want 2 (one two-stage run)", got)
	}
}

func TestSubscriber_ExistingSummarySkipped(t *testing.T) {
	fx := newSubFixture(t, transcribedEpisode("ep-1"))
	fx.store.SaveSummary(context.Background(), "ep-1", json.RawMessage(`{"hook":"old"}`))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.b.Publish(ctx, events.StreamEpisodesTranscribed, announce("ep-1"))
	go fx.s.Run(ctx)

	waitUntil(t, 10*time.Second, func() bool {
		p, err := fx.rc.Rdb.XPending(ctx, events.StreamEpisodesTranscribed, "summarization").Result()
		return err == nil && p.Count == 0
	}, "entry never acknowledged")

	if got := fx.llm.callCount(); got != 0 {
		t.Errorf("llm calls = %d, want 0 for already-summarized episode", got)
	}
	n, _ := fx.rc.Rdb.XLen(ctx, events.StreamEpisodesSummarized).Result()
	if n != 0 {
		t.Errorf("announcements = %d, want 0 on skip", n)
	}
}

func TestSubscriber_LLMFailureLeavesEntryPending(t *testing.T) {
	fx := newSubFixture(t, transcribedEpisode("ep-1"))
	fx.llm.err = context.DeadlineExceeded
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.b.Publish(ctx, events.StreamEpisodesTranscribed, announce("ep-1"))
	go fx.s.Run(ctx)

	key := idempotency.Key("summarization", events.KindEpisodeTranscribed, "ep-1")
	waitUntil(t, 10*time.Second, func() bool {
		// The claim is taken, then released again once the run fails.
		p, err := fx.rc.Rdb.XPending(ctx, events.StreamEpisodesTranscribed, "summarization").Result()
		return err == nil && p.Count == 1 && !fx.mr.Exists(key)
	}, "failed entry not left pending with claim released")

	if fx.store.summary("ep-1") != nil {
		t.Error("summary must not be saved on failure")
	}
}
