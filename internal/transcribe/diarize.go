package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Turn is one speaker turn from the diarizer.
type Turn struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Diarizer resolves who-spoke-when for an audio file.
type Diarizer interface {
	Diarize(ctx context.Context, wavPath string) ([]Turn, error)
}

// DiarizerClient calls an HTTP diarization service with a 16kHz mono WAV.
type DiarizerClient struct {
	url    string
	client *http.Client
}

func NewDiarizerClient(url string, timeout time.Duration) *DiarizerClient {
	return &DiarizerClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Diarize uploads the WAV and returns the speaker turns.
func (dc *DiarizerClient) Diarize(ctx context.Context, wavPath string) ([]Turn, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(wavPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy wav data: %w", err)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dc.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := dc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("diarizer request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("diarizer error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Segments []Turn `json:"segments"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result.Segments, nil
}

// AssignSpeakers labels each transcript segment with the diarizer turn it
// overlaps most. Segments with no overlapping turn keep the nearest turn's
// speaker, or the fallback label when there are no turns at all.
func AssignSpeakers(segments []Segment, turns []Turn) []Line {
	if len(turns) == 0 {
		return FallbackLines(segments)
	}

	lines := make([]Line, 0, len(segments))
	for _, seg := range segments {
		best := turns[0].Speaker
		bestOverlap := -1.0
		for _, t := range turns {
			o := overlap(seg.Start, seg.End, t.Start, t.End)
			if o > bestOverlap {
				bestOverlap = o
				best = t.Speaker
			}
		}
		lines = append(lines, Line{
			Speaker:   best,
			Timestamp: FormatTimestamp(seg.Start),
			Text:      seg.Text,
		})
	}
	return lines
}

// FallbackLines renders segments without speaker attribution, used when
// diarization fails.
func FallbackLines(segments []Segment) []Line {
	lines := make([]Line, 0, len(segments))
	for _, seg := range segments {
		lines = append(lines, Line{
			Speaker:   "SPEAKER_00",
			Timestamp: FormatTimestamp(seg.Start),
			Text:      seg.Text,
		})
	}
	return lines
}

func overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	start := aStart
	if bStart > start {
		start = bStart
	}
	end := aEnd
	if bEnd < end {
		end = bEnd
	}
	return end - start
}
