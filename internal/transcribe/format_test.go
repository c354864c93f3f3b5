package transcribe

import (
	"strings"
	"testing"
)

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00"},
		{59.9, "00:00:59"},
		{83, "00:01:23"},
		{3661, "01:01:01"},
		{-5, "00:00:00"},
	}
	for _, tt := range tests {
		if got := FormatTimestamp(tt.seconds); got != tt.want {
			t.Errorf("FormatTimestamp(%v) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestFormatParse_RoundTrip(t *testing.T) {
	h := Header{
		Title:     "Deep Work Revisited",
		EpisodeID: "ep-42",
		Podcast:   "Focus Weekly",
		AudioURL:  "https://cdn.example.com/ep42.mp3",
		Duration:  3723,
		Processed: "2026-08-24T10:00:00Z",
		Speakers:  2,
	}
	lines := []Line{
		{Speaker: "SPEAKER_00", Timestamp: "00:00:01", Text: "welcome back to the show"},
		{Speaker: "SPEAKER_01", Timestamp: "00:00:05", Text: "glad to be here"},
		{Speaker: "SPEAKER_00", Timestamp: "01:01:03", Text: "let's dig in: topic one"},
	}

	doc := Format(h, lines)
	gotH, gotLines := Parse(doc)

	if gotH != h {
		t.Errorf("header round trip:\n got %+v\nwant %+v", gotH, h)
	}
	if len(gotLines) != len(lines) {
		t.Fatalf("lines = %d, want %d", len(gotLines), len(lines))
	}
	for i := range lines {
		if gotLines[i] != lines[i] {
			t.Errorf("line %d = %+v, want %+v", i, gotLines[i], lines[i])
		}
	}
}

func TestFormat_DiarizationFailedFlag(t *testing.T) {
	doc := Format(Header{Title: "T", Podcast: "P", DiarizationFailed: true}, nil)
	if !strings.Contains(doc, "Speakers: unknown (diarization failed)") {
		t.Errorf("document missing diarization marker:\n%s", doc)
	}
	h, _ := Parse(doc)
	if !h.DiarizationFailed {
		t.Error("DiarizationFailed lost on parse")
	}
}

func TestFormat_HeaderKeys(t *testing.T) {
	h := Header{
		Title:     "T",
		EpisodeID: "ep-1",
		Podcast:   "P",
		AudioURL:  "https://cdn.example.com/ep1.mp3",
		Duration:  61,
		Processed: "2026-08-24T10:00:00Z",
	}
	lines := []Line{
		{Speaker: "SPEAKER_00", Timestamp: "00:00:01", Text: "hi"},
		{Speaker: "SPEAKER_01", Timestamp: "00:00:03", Text: "hello"},
	}
	doc := Format(h, lines)
	head, _, _ := strings.Cut(doc, "========")
	for _, want := range []string{
		"Title: T\n",
		"Episode: ep-1\n",
		"Podcast: P\n",
		"Processed: 2026-08-24T10:00:00Z\n",
		"Duration: 00:01:01\n",
		"Audio URL: https://cdn.example.com/ep1.mp3\n",
		"Speakers: 2\n",
	} {
		if !strings.Contains(head, want) {
			t.Errorf("header missing %q:\n%s", want, head)
		}
	}
}

func TestParse_MalformedLinesGetSentinel(t *testing.T) {
	doc := "Title: T\nPodcast: P\n========\n" +
		"[SPEAKER_00] 00:00:01: a normal line\n" +
		"this line has no speaker prefix\n" +
		"[BADLY 0:0: formatted\n"

	_, lines := Parse(doc)
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3 (nothing dropped)", len(lines))
	}
	if lines[0].Speaker != "SPEAKER_00" {
		t.Errorf("line 0 speaker = %q", lines[0].Speaker)
	}
	for _, l := range lines[1:] {
		if l.Speaker != "UNKNOWN" || l.Timestamp != "00:00:00" {
			t.Errorf("malformed line = %+v, want UNKNOWN/00:00:00 sentinel", l)
		}
	}
}

func TestParse_NoHeader(t *testing.T) {
	_, lines := Parse("[A] 00:00:01: hello\n")
	if len(lines) != 1 || lines[0].Speaker != "A" {
		t.Errorf("lines = %+v", lines)
	}
}
