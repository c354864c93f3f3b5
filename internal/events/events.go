package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stream names. Each is an append-only log with per-subscriber consumer groups.
const (
	StreamTranscriptionJobs   = "transcription_jobs"
	StreamEpisodesTranscribed = "episodes:transcribed"
	StreamEpisodesSummarized  = "episodes:summarized"
	StreamBatchTranscribed    = "batch:transcribed"
)

// Broadcast channels (non-durable pub/sub control signals).
const (
	ChannelStop              = "pipeline:stop"
	channelCancelBatchPrefix = "pipeline:cancel_batch:"
)

// ChannelCancelBatch returns the broadcast channel for canceling one batch.
func ChannelCancelBatch(batchID string) string {
	return channelCancelBatchPrefix + batchID
}

// Event kinds carried in the stream entry's event_type field.
const (
	KindTranscriptionJob   = "transcription_job"
	KindEpisodeTranscribed = "episode_transcribed"
	KindEpisodeSummarized  = "episode_summarized"
	KindBatchTranscribed   = "batch_transcribed"
)

// Event is the sum type flowing through the bus. Payloads are decoded into
// a concrete variant at the bus boundary; handlers never see raw field maps.
type Event interface {
	Kind() string
}

// TranscriptionJob asks a daemon to transcribe one episode. BatchID groups
// jobs so the daemon can hand the GPU off deterministically when the batch
// drains.
type TranscriptionJob struct {
	EpisodeID       string `json:"episode_id"`
	BatchID         string `json:"batch_id,omitempty"`
	TotalBatchCount int    `json:"total_batch_count,omitempty"`
}

func (TranscriptionJob) Kind() string { return KindTranscriptionJob }

// EpisodeTranscribed announces a persisted transcript.
type EpisodeTranscribed struct {
	EventID           string  `json:"event_id"`
	Timestamp         string  `json:"timestamp"`
	Service           string  `json:"service"`
	EpisodeID         string  `json:"episode_id"`
	EpisodeTitle      string  `json:"episode_title"`
	PodcastName       string  `json:"podcast_name"`
	AudioURL          string  `json:"audio_url,omitempty"`
	DurationSeconds   float64 `json:"duration_seconds,omitempty"`
	DiarizationFailed bool    `json:"diarization_failed"`
}

func (EpisodeTranscribed) Kind() string { return KindEpisodeTranscribed }

// EpisodeSummarized announces a persisted structured summary. SummaryPath is
// an opaque virtual reference (db://summaries/{id}); the full structured
// object rides along in SummaryData.
type EpisodeSummarized struct {
	EventID      string          `json:"event_id"`
	Timestamp    string          `json:"timestamp"`
	Service      string          `json:"service"`
	EpisodeID    string          `json:"episode_id"`
	EpisodeTitle string          `json:"episode_title"`
	PodcastName  string          `json:"podcast_name"`
	SummaryPath  string          `json:"summary_path"`
	SummaryData  json.RawMessage `json:"summary_data,omitempty"`
}

func (EpisodeSummarized) Kind() string { return KindEpisodeSummarized }

// BatchTranscribed announces that every job of a batch has completed.
type BatchTranscribed struct {
	EventID    string   `json:"event_id"`
	Timestamp  string   `json:"timestamp"`
	Service    string   `json:"service"`
	BatchID    string   `json:"batch_id"`
	EpisodeIDs []string `json:"episode_ids"`
}

func (BatchTranscribed) Kind() string { return KindBatchTranscribed }

// NewID returns a fresh event_id. Unique per published event; subscribers use
// it for dedup logging.
func NewID() string { return uuid.NewString() }

// Now returns the envelope timestamp in ISO 8601.
func Now() string { return time.Now().UTC().Format(time.RFC3339) }

// Encode serializes an event into the stream entry field map: the kind tag
// plus the JSON payload under "data".
func Encode(e Event) (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Kind(), err)
	}
	return map[string]any{
		"event_type": e.Kind(),
		"data":       string(data),
	}, nil
}

// Decode parses a stream entry field map back into a typed event.
func Decode(values map[string]any) (Event, error) {
	kind, ok := values["event_type"].(string)
	if !ok {
		return nil, fmt.Errorf("entry missing event_type field")
	}
	data, ok := values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("entry missing data field")
	}

	switch kind {
	case KindTranscriptionJob:
		var e TranscriptionJob
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if e.EpisodeID == "" {
			return nil, fmt.Errorf("decode %s: empty episode_id", kind)
		}
		return e, nil
	case KindEpisodeTranscribed:
		var e EpisodeTranscribed
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return e, nil
	case KindEpisodeSummarized:
		var e EpisodeSummarized
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return e, nil
	case KindBatchTranscribed:
		var e BatchTranscribed
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", kind)
	}
}
