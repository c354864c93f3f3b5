package transcribe

import "context"

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, audioPath string, opts TranscribeOpts) (*Response, error)
	Name() string  // "whisper"
	Model() string // model identifier for DB/logs
}

// TranscribeOpts are per-request options.
type TranscribeOpts struct {
	Temperature float64
	Language    string
	Prompt      string // initial_prompt / domain vocabulary
}

// Response is the common transcription result from any provider.
type Response struct {
	Text     string
	Language string
	Duration float64   // audio duration in seconds
	Segments []Segment // timestamped utterances
}

// Segment is a timestamped utterance from any STT provider.
type Segment struct {
	Start float64 // seconds
	End   float64 // seconds
	Text  string
}
