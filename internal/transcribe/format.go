package transcribe

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Transcripts are stored as a human-readable document: a key/value header,
// a separator, then one speaker-prefixed line per utterance:
//
//	Title: Some Episode
//	Podcast: Some Show
//	========
//	[SPEAKER_00] 00:01:23: hello and welcome back
const headerSeparator = "========"

// speakersUnknown is the Speakers header value written when diarization
// failed and the turns carry fallback attribution.
const speakersUnknown = "unknown (diarization failed)"

// Header is the transcript preamble.
type Header struct {
	Title             string
	EpisodeID         string
	Podcast           string
	AudioURL          string
	Duration          float64 // seconds
	Processed         string  // ISO timestamp
	Speakers          int
	DiarizationFailed bool
}

// Line is one speaker-attributed utterance.
type Line struct {
	Speaker   string
	Timestamp string // HH:MM:SS
	Text      string
}

// FormatTimestamp renders seconds as HH:MM:SS.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	s := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

// Format renders the transcript document. The Speakers header is derived
// from the lines when the header doesn't carry a count.
func Format(h Header, lines []Line) string {
	speakers := h.Speakers
	if speakers == 0 {
		speakers = countSpeakers(lines)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", h.Title)
	if h.EpisodeID != "" {
		fmt.Fprintf(&b, "Episode: %s\n", h.EpisodeID)
	}
	fmt.Fprintf(&b, "Podcast: %s\n", h.Podcast)
	if h.Processed != "" {
		fmt.Fprintf(&b, "Processed: %s\n", h.Processed)
	}
	if h.Duration > 0 {
		fmt.Fprintf(&b, "Duration: %s\n", FormatTimestamp(h.Duration))
	}
	if h.AudioURL != "" {
		fmt.Fprintf(&b, "Audio URL: %s\n", h.AudioURL)
	}
	if h.DiarizationFailed {
		fmt.Fprintf(&b, "Speakers: %s\n", speakersUnknown)
	} else if speakers > 0 {
		fmt.Fprintf(&b, "Speakers: %d\n", speakers)
	}
	b.WriteString(headerSeparator + "\n")
	for _, l := range lines {
		fmt.Fprintf(&b, "[%s] %s: %s\n", l.Speaker, l.Timestamp, l.Text)
	}
	return b.String()
}

func countSpeakers(lines []Line) int {
	seen := make(map[string]struct{})
	for _, l := range lines {
		seen[l.Speaker] = struct{}{}
	}
	return len(seen)
}

var lineRe = regexp.MustCompile(`^\[([^\]]+)\] (\d{2}:\d{2}:\d{2}): (.*)$`)

// Parse splits a stored transcript back into header and lines. Body lines
// that don't match the speaker format are kept with sentinel attribution so
// no transcript text is ever dropped.
func Parse(doc string) (Header, []Line) {
	var h Header
	var lines []Line

	body := doc
	if i := strings.Index(doc, headerSeparator); i >= 0 {
		for _, raw := range strings.Split(doc[:i], "\n") {
			key, val, ok := strings.Cut(raw, ": ")
			if !ok {
				continue
			}
			switch key {
			case "Title":
				h.Title = val
			case "Episode":
				h.EpisodeID = val
			case "Podcast":
				h.Podcast = val
			case "Processed":
				h.Processed = val
			case "Duration":
				h.Duration = parseTimestamp(val)
			case "Audio URL":
				h.AudioURL = val
			case "Speakers":
				if strings.Contains(val, "diarization failed") {
					h.DiarizationFailed = true
				} else if n, err := strconv.Atoi(val); err == nil {
					h.Speakers = n
				}
			}
		}
		body = doc[i+len(headerSeparator):]
	}

	for _, raw := range strings.Split(body, "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if m := lineRe.FindStringSubmatch(raw); m != nil {
			lines = append(lines, Line{Speaker: m[1], Timestamp: m[2], Text: m[3]})
			continue
		}
		lines = append(lines, Line{Speaker: "UNKNOWN", Timestamp: "00:00:00", Text: raw})
	}
	return h, lines
}

func parseTimestamp(ts string) float64 {
	var hh, mm, ss int
	if _, err := fmt.Sscanf(ts, "%d:%d:%d", &hh, &mm, &ss); err != nil {
		return 0
	}
	return float64(hh*3600 + mm*60 + ss)
}
