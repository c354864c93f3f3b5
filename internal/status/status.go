package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/redisclient"
)

// Substrate keys.
const (
	ActiveSetKey = "pipeline:active_episodes"

	// Legacy rollup key written by the transcription worker; the rollup
	// lifts GPU fields (device name, memory) from it.
	legacyTranscriptionKey = "transcription:status"

	// SentinelEpisodeID is a worker-local placeholder record. It must never
	// appear in the aggregated view.
	SentinelEpisodeID = "current"
)

const (
	recordTTL     = time.Hour
	maxRecentLogs = 50
)

// Services known to the aggregator. Clear checks all of them before pruning
// the active set.
var Services = []string{"transcription", "rag", "summarization"}

// setScript adds the episode to the active set and writes the record with
// TTL in one round trip. Without the script, a concurrent clear on another
// service could observe the set between the two writes and prune the episode
// while this record is live.
var setScript = redis.NewScript(`
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], ARGV[2], "EX", ARGV[3])
return 1
`)

// clearScript deletes this service's record, then removes the episode from
// the active set only if no service still has a live record for it.
var clearScript = redis.NewScript(`
redis.call("DEL", KEYS[2])
for i = 3, #KEYS do
	if redis.call("EXISTS", KEYS[i]) == 1 then
		return 0
	end
end
redis.call("SREM", KEYS[1], ARGV[1])
return 1
`)

// statsScript increments the per-service counters stored as a JSON record.
var statsScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
local s
if raw then
	s = cjson.decode(raw)
else
	s = {completed = 0, total = 0}
end
s.total = s.total + 1
if ARGV[1] == "1" then
	s.completed = s.completed + 1
end
s.last_updated = ARGV[2]
redis.call("SET", KEYS[1], cjson.encode(s))
return s.total
`)

// Record is one service's progress on one episode.
type Record struct {
	Service     string         `json:"service"`
	EpisodeID   string         `json:"episode_id"`
	Stage       string         `json:"stage"`
	Progress    float64        `json:"progress"`
	RecentLogs  []string       `json:"recent_logs,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
	LastUpdated string         `json:"last_updated"`
}

// Stats are per-service completion counters.
type Stats struct {
	Completed   int    `json:"completed"`
	Total       int    `json:"total"`
	LastUpdated string `json:"last_updated,omitempty"`
}

// EpisodeStatus is one row of the rollup's active_episodes list: every
// service's live record for the episode, merged by episode id.
type EpisodeStatus struct {
	EpisodeID    string            `json:"episode_id"`
	EpisodeTitle string            `json:"episode_title,omitempty"`
	PodcastName  string            `json:"podcast_name,omitempty"`
	Stages       map[string]Record `json:"stages"`
}

// PipelineStatus is the operator rollup view.
type PipelineStatus struct {
	Services       map[string]ServiceBlock `json:"services"`
	ActiveEpisodes []EpisodeStatus         `json:"active_episodes"`
	GPU            map[string]any          `json:"gpu,omitempty"`
}

// ServiceBlock summarizes one service in the rollup.
type ServiceBlock struct {
	Running bool   `json:"running"`
	Stats   *Stats `json:"stats,omitempty"`
}

// Aggregator reads and writes the shared pipeline progress state.
type Aggregator struct {
	rc  *redisclient.Client
	log zerolog.Logger
}

func NewAggregator(rc *redisclient.Client, log zerolog.Logger) *Aggregator {
	return &Aggregator{rc: rc, log: log.With().Str("component", "status").Logger()}
}

// RecordKey builds the per-service per-episode record key.
func RecordKey(service, episodeID string) string {
	return fmt.Sprintf("status:%s:%s", service, episodeID)
}

// StatsKey builds the per-service counters key.
func StatsKey(service string) string {
	return fmt.Sprintf("stats:%s", service)
}

// UpdateServiceStatus writes the service's progress record and ensures the
// episode is in the active set, atomically. logMsg (if non-empty) is spliced
// into the record's recent-log ring, newest first, capped at 50 lines. extra
// fields merge into the record.
func (a *Aggregator) UpdateServiceStatus(ctx context.Context, service, episodeID, stage string, progress float64, logMsg string, extra map[string]any) error {
	key := RecordKey(service, episodeID)

	// Merge against the existing record so the log ring and extra fields
	// survive across updates. Each service is the only writer of its own
	// record, so read-modify-write is safe here; the script keeps the
	// record and the active set consistent with concurrent clears.
	rec := Record{Service: service, EpisodeID: episodeID}
	if raw, err := a.rc.Rdb.Get(ctx, key).Result(); err == nil {
		_ = json.Unmarshal([]byte(raw), &rec)
	} else if err != redis.Nil {
		return fmt.Errorf("read status %s: %w", key, err)
	}

	rec.Stage = stage
	rec.Progress = clampProgress(progress)
	rec.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	if logMsg != "" {
		line := rec.LastUpdated + " " + logMsg
		rec.RecentLogs = append([]string{line}, rec.RecentLogs...)
		if len(rec.RecentLogs) > maxRecentLogs {
			rec.RecentLogs = rec.RecentLogs[:maxRecentLogs]
		}
	}
	if len(extra) > 0 {
		if rec.Extra == nil {
			rec.Extra = make(map[string]any, len(extra))
		}
		for k, v := range extra {
			rec.Extra[k] = v
		}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}

	err = setScript.Run(ctx, a.rc.Rdb,
		[]string{ActiveSetKey, key},
		episodeID, string(payload), int(recordTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("set status %s: %w", key, err)
	}
	return nil
}

// ClearServiceStatus removes the service's record for the episode and prunes
// the episode from the active set when no service has a live record left.
func (a *Aggregator) ClearServiceStatus(ctx context.Context, service, episodeID string) error {
	keys := []string{ActiveSetKey, RecordKey(service, episodeID)}
	for _, s := range Services {
		keys = append(keys, RecordKey(s, episodeID))
	}

	err := clearScript.Run(ctx, a.rc.Rdb, keys, episodeID).Err()
	if err != nil {
		return fmt.Errorf("clear status %s/%s: %w", service, episodeID, err)
	}
	return nil
}

// IncrementStats bumps the per-service counters.
func (a *Aggregator) IncrementStats(ctx context.Context, service string, completed bool) error {
	arg := "0"
	if completed {
		arg = "1"
	}
	err := statsScript.Run(ctx, a.rc.Rdb,
		[]string{StatsKey(service)},
		arg, time.Now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return fmt.Errorf("increment stats %s: %w", service, err)
	}
	return nil
}

// GetRecord reads one service's record for an episode. Returns nil when the
// record does not exist or has expired.
func (a *Aggregator) GetRecord(ctx context.Context, service, episodeID string) (*Record, error) {
	raw, err := a.rc.Rdb.Get(ctx, RecordKey(service, episodeID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode status record: %w", err)
	}
	return &rec, nil
}

// GetPipelineStatus builds the operator rollup: per-service blocks plus the
// active episode list merged by episode id. The worker-local "current"
// sentinel is filtered out. When the pipeline is fully idle, stale stats
// keys are cleared as a self-healing step.
func (a *Aggregator) GetPipelineStatus(ctx context.Context) (*PipelineStatus, error) {
	ids, err := a.rc.Rdb.SMembers(ctx, ActiveSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read active set: %w", err)
	}

	out := &PipelineStatus{
		Services:       make(map[string]ServiceBlock, len(Services)),
		ActiveEpisodes: []EpisodeStatus{},
	}

	running := make(map[string]bool, len(Services))
	byEpisode := make(map[string]*EpisodeStatus)

	for _, id := range ids {
		if id == SentinelEpisodeID {
			continue
		}
		for _, svc := range Services {
			rec, err := a.GetRecord(ctx, svc, id)
			if err != nil {
				a.log.Warn().Err(err).Str("service", svc).Str("episode_id", id).Msg("unreadable status record")
				continue
			}
			if rec == nil {
				continue
			}
			running[svc] = true

			es, ok := byEpisode[id]
			if !ok {
				es = &EpisodeStatus{EpisodeID: id, Stages: make(map[string]Record)}
				byEpisode[id] = es
			}
			es.Stages[svc] = *rec
			if t, ok := rec.Extra["episode_title"].(string); ok && es.EpisodeTitle == "" {
				es.EpisodeTitle = t
			}
			if p, ok := rec.Extra["podcast_name"].(string); ok && es.PodcastName == "" {
				es.PodcastName = p
			}
		}
	}

	for _, id := range ids {
		if es, ok := byEpisode[id]; ok {
			out.ActiveEpisodes = append(out.ActiveEpisodes, *es)
		}
	}

	for _, svc := range Services {
		block := ServiceBlock{Running: running[svc]}
		if raw, err := a.rc.Rdb.Get(ctx, StatsKey(svc)).Result(); err == nil {
			var s Stats
			if json.Unmarshal([]byte(raw), &s) == nil {
				block.Stats = &s
			}
		}
		out.Services[svc] = block
	}

	// GPU fields come from the legacy transcription rollup key.
	if raw, err := a.rc.Rdb.Get(ctx, legacyTranscriptionKey).Result(); err == nil {
		var legacy map[string]any
		if json.Unmarshal([]byte(raw), &legacy) == nil {
			gpu := make(map[string]any)
			for _, k := range []string{"gpu_name", "gpu_memory_used", "gpu_memory_total", "model"} {
				if v, ok := legacy[k]; ok {
					gpu[k] = v
				}
			}
			if len(gpu) > 0 {
				out.GPU = gpu
			}
		}
	}

	// Self-heal: an empty active set with nothing running means leftover
	// stats from a previous run.
	if len(out.ActiveEpisodes) == 0 {
		anyRunning := false
		for _, svc := range Services {
			if running[svc] {
				anyRunning = true
				break
			}
		}
		if !anyRunning {
			keys := make([]string, 0, len(Services))
			for _, svc := range Services {
				keys = append(keys, StatsKey(svc))
			}
			if n, err := a.rc.Rdb.Del(ctx, keys...).Result(); err == nil && n > 0 {
				a.log.Info().Int64("cleared", n).Msg("cleared stale stats keys")
				for _, svc := range Services {
					block := out.Services[svc]
					block.Stats = nil
					out.Services[svc] = block
				}
			}
		}
	}

	return out, nil
}

// ClearStale removes all status records and the active set. Used by the
// daemon's startup recovery.
func (a *Aggregator) ClearStale(ctx context.Context) error {
	var keys []string
	for _, svc := range Services {
		pattern := RecordKey(svc, "*")
		iter := a.rc.Rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
	}
	keys = append(keys, ActiveSetKey)
	if err := a.rc.Rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear stale status: %w", err)
	}
	return nil
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
