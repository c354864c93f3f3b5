package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/config"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/database"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/redisclient"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/status"
)

type fakeEpisodeStore struct {
	episodes  map[string]*database.Episode
	summaries map[string]*database.Summary
	lastSeen  []string
	lastFlag  bool
	listErr   error
}

func (s *fakeEpisodeStore) ListEpisodes(_ context.Context, f database.EpisodeFilter) ([]database.Episode, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []database.Episode
	for _, e := range s.episodes {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.UnseenOnly && e.IsSeen {
			continue
		}
		out = append(out, *e)
	}
	if out == nil {
		out = []database.Episode{}
	}
	return out, nil
}

func (s *fakeEpisodeStore) GetEpisodeByID(_ context.Context, id string, loadTranscript bool) (*database.Episode, error) {
	e, ok := s.episodes[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	if !loadTranscript {
		cp.TranscriptText = ""
	}
	return &cp, nil
}

func (s *fakeEpisodeStore) MarkEpisodesSeen(_ context.Context, ids []string, seen bool) (int64, error) {
	s.lastSeen = ids
	s.lastFlag = seen
	return int64(len(ids)), nil
}

func (s *fakeEpisodeStore) GetSummaryByEpisodeID(_ context.Context, id string) (*database.Summary, error) {
	return s.summaries[id], nil
}

type okPinger struct{}

func (okPinger) HealthCheck(context.Context) error { return nil }

func newTestServer(t *testing.T, store EpisodeStore, agg *status.Aggregator, token string) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		HTTPAddr:     ":0",
		AuthToken:    token,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  time.Minute,
	}
	s := NewServer(cfg, Deps{Store: store, Status: agg, DB: okPinger{}, Redis: okPinger{}}, "test", zerolog.Nop())
	ts := httptest.NewServer(s.http.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func newTestAggregator(t *testing.T) *status.Aggregator {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := redisclient.Connect(context.Background(), "redis://"+mr.Addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { rc.Close() })
	return status.NewAggregator(rc, zerolog.Nop())
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("GET", url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

func TestServer_AuthRequired(t *testing.T) {
	ts := newTestServer(t, &fakeEpisodeStore{}, newTestAggregator(t), "secret")

	resp := get(t, ts.URL+"/api/v1/episodes", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated list status = %d, want 401", resp.StatusCode)
	}

	// Health stays open.
	resp = get(t, ts.URL+"/api/v1/health", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_ListEpisodes(t *testing.T) {
	store := &fakeEpisodeStore{episodes: map[string]*database.Episode{
		"ep-1": {ID: "ep-1", Status: database.StatusCompleted},
		"ep-2": {ID: "ep-2", Status: database.StatusPending},
	}}
	ts := newTestServer(t, store, newTestAggregator(t), "secret")

	resp := get(t, ts.URL+"/api/v1/episodes?status=COMPLETED", "secret")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Episodes []database.Episode `json:"episodes"`
		Count    int                `json:"count"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Count != 1 || len(body.Episodes) != 1 || body.Episodes[0].ID != "ep-1" {
		t.Errorf("body = %+v, want only ep-1", body)
	}
}

func TestServer_GetEpisode(t *testing.T) {
	store := &fakeEpisodeStore{episodes: map[string]*database.Episode{
		"ep-1": {ID: "ep-1", Status: database.StatusCompleted, TranscriptText: "SPEAKER_00 [0.0s]: hello"},
	}}
	ts := newTestServer(t, store, newTestAggregator(t), "secret")

	resp := get(t, ts.URL+"/api/v1/episodes/ep-1", "secret")
	var ep database.Episode
	json.NewDecoder(resp.Body).Decode(&ep)
	resp.Body.Close()
	if ep.TranscriptText != "" {
		t.Error("transcript must not be included by default")
	}

	resp = get(t, ts.URL+"/api/v1/episodes/ep-1?transcript=true", "secret")
	json.NewDecoder(resp.Body).Decode(&ep)
	resp.Body.Close()
	if !strings.Contains(ep.TranscriptText, "hello") {
		t.Errorf("transcript = %q, want body with ?transcript=true", ep.TranscriptText)
	}

	resp = get(t, ts.URL+"/api/v1/episodes/nope", "secret")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing episode status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_MarkSeen(t *testing.T) {
	store := &fakeEpisodeStore{}
	ts := newTestServer(t, store, newTestAggregator(t), "")

	resp, err := http.Post(ts.URL+"/api/v1/episodes/seen", "application/json",
		strings.NewReader(`{"episode_ids":["ep-1","ep-2"]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Updated int64 `json:"updated"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Updated != 2 || len(store.lastSeen) != 2 || !store.lastFlag {
		t.Errorf("updated = %d, seen = %v/%v", body.Updated, store.lastSeen, store.lastFlag)
	}

	resp, _ = http.Post(ts.URL+"/api/v1/episodes/seen", "application/json",
		strings.NewReader(`{"episode_ids":[]}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty ids status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_GetSummary(t *testing.T) {
	store := &fakeEpisodeStore{summaries: map[string]*database.Summary{
		"ep-1": {ID: 1, EpisodeID: "ep-1", Content: json.RawMessage(`{"hook":"listen"}`)},
	}}
	ts := newTestServer(t, store, newTestAggregator(t), "")

	resp := get(t, ts.URL+"/api/v1/episodes/ep-1/summary", "")
	var s database.Summary
	json.NewDecoder(resp.Body).Decode(&s)
	resp.Body.Close()
	if s.EpisodeID != "ep-1" || !strings.Contains(string(s.Content), "listen") {
		t.Errorf("summary = %+v", s)
	}

	resp = get(t, ts.URL+"/api/v1/episodes/ep-2/summary", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing summary status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_PipelineStatus(t *testing.T) {
	agg := newTestAggregator(t)
	ctx := context.Background()
	if err := agg.UpdateServiceStatus(ctx, "transcription", "ep-1", "transcribing", 0.5, "", map[string]any{"episode_title": "One"}); err != nil {
		t.Fatal(err)
	}

	ts := newTestServer(t, &fakeEpisodeStore{}, agg, "")
	resp := get(t, ts.URL+"/api/v1/pipeline/status", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var ps status.PipelineStatus
	json.NewDecoder(resp.Body).Decode(&ps)
	if len(ps.ActiveEpisodes) != 1 || ps.ActiveEpisodes[0].EpisodeID != "ep-1" {
		t.Errorf("active episodes = %+v", ps.ActiveEpisodes)
	}
	if !ps.Services["transcription"].Running {
		t.Error("transcription service should be running")
	}
}
