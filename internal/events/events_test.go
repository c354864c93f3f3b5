package events

import (
	"testing"
)

func TestEncodeDecode_TranscriptionJob(t *testing.T) {
	in := TranscriptionJob{EpisodeID: "ep-A", BatchID: "b1", TotalBatchCount: 2}

	values, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if values["event_type"] != KindTranscriptionJob {
		t.Errorf("event_type = %v, want %q", values["event_type"], KindTranscriptionJob)
	}

	out, err := Decode(values)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	job, ok := out.(TranscriptionJob)
	if !ok {
		t.Fatalf("Decode() returned %T, want TranscriptionJob", out)
	}
	if job != in {
		t.Errorf("round trip = %+v, want %+v", job, in)
	}
}

func TestEncodeDecode_EpisodeTranscribed(t *testing.T) {
	in := EpisodeTranscribed{
		EventID:           NewID(),
		Timestamp:         Now(),
		Service:           "transcription",
		EpisodeID:         "ep-A",
		EpisodeTitle:      "Episode A",
		PodcastName:       "Show",
		AudioURL:          "http://host/a.mp3",
		DurationSeconds:   123.4,
		DiarizationFailed: true,
	}

	values, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	out, err := Decode(values)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	got, ok := out.(EpisodeTranscribed)
	if !ok {
		t.Fatalf("Decode() returned %T, want EpisodeTranscribed", out)
	}
	if got != in {
		t.Errorf("round trip = %+v, want %+v", got, in)
	}
}

func TestDecode_BatchTranscribed(t *testing.T) {
	in := BatchTranscribed{
		EventID:    NewID(),
		Timestamp:  Now(),
		Service:    "transcription",
		BatchID:    "b2",
		EpisodeIDs: []string{"ep-A", "ep-B"},
	}
	values, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	out, err := Decode(values)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	got := out.(BatchTranscribed)
	if got.BatchID != "b2" || len(got.EpisodeIDs) != 2 {
		t.Errorf("round trip = %+v", got)
	}
}

func TestDecode_Errors(t *testing.T) {
	cases := []struct {
		name   string
		values map[string]any
	}{
		{"missing event_type", map[string]any{"data": "{}"}},
		{"missing data", map[string]any{"event_type": KindTranscriptionJob}},
		{"unknown kind", map[string]any{"event_type": "bogus", "data": "{}"}},
		{"bad json", map[string]any{"event_type": KindTranscriptionJob, "data": "{"}},
		{"job without episode_id", map[string]any{"event_type": KindTranscriptionJob, "data": "{}"}},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.values); err == nil {
			t.Errorf("%s: Decode() should fail", tc.name)
		}
	}
}

func TestChannelCancelBatch(t *testing.T) {
	if got := ChannelCancelBatch("b1"); got != "pipeline:cancel_batch:b1" {
		t.Errorf("ChannelCancelBatch = %q", got)
	}
}
