package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// maxTranscriptChars bounds the prompt size. Long transcripts are truncated
// from the tail; the opening of an episode carries most of the framing.
const maxTranscriptChars = 48000

const extractionRetries = 3

// Summary is the structured output persisted per episode.
type Summary struct {
	Hook         string   `json:"hook" validate:"required,min=10"`
	Takeaways    []string `json:"takeaways" validate:"required,min=3,max=5,dive,required"`
	Advice       []string `json:"advice" validate:"required,min=3,dive,required"`
	Quotes       []Quote  `json:"quotes" validate:"required,min=2,max=5,dive"`
	Concepts     []string `json:"concepts" validate:"omitempty,dive,required"`
	Perspectives []string `json:"perspectives" validate:"omitempty,dive,required"`
	Topics       []string `json:"topics" validate:"omitempty,dive,required"`
	Narrative    string   `json:"narrative" validate:"required,min=200"`
	Model        string   `json:"model,omitempty"`
}

// Quote is a notable verbatim line from the episode.
type Quote struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text" validate:"required"`
}

const narrativeSystemPrompt = `You are an expert podcast editor. Write a flowing narrative summary of the
transcript you are given: what the episode covers, the arguments made, and how
the conversation develops. Write at least three paragraphs of plain prose.
Do not use headings or bullet points.`

const extractionSystemPrompt = `You extract structured highlights from podcast summaries. Respond with a
single JSON object with exactly these fields:
  "hook": one sentence that makes someone want to listen (string),
  "takeaways": 3 to 5 key takeaways (array of strings),
  "advice": at least 3 actionable pieces of advice (array of strings),
  "quotes": 2 to 5 notable quotes (array of {"speaker": string, "text": string}),
  "concepts": key concepts or terms introduced (array of strings),
  "perspectives": differing viewpoints voiced in the episode (array of strings),
  "topics": short topic labels for discovery (array of strings).
Respond with JSON only, no prose around it.`

// Summarizer runs the two-stage pipeline: a free-form narrative pass over the
// transcript, then a structured extraction pass over the narrative. The
// extraction output is schema-validated; violations are fed back to the model
// for another attempt.
type Summarizer struct {
	llm      LLM
	validate *validator.Validate
	log      zerolog.Logger
}

func NewSummarizer(llm LLM, log zerolog.Logger) *Summarizer {
	return &Summarizer{
		llm:      llm,
		validate: validator.New(),
		log:      log.With().Str("component", "summarizer").Logger(),
	}
}

// Summarize produces a validated structured summary for one transcript.
func (s *Summarizer) Summarize(ctx context.Context, title, podcast, transcript string) (*Summary, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, fmt.Errorf("empty transcript")
	}
	if len(transcript) > maxTranscriptChars {
		transcript = transcript[:maxTranscriptChars]
	}

	narrative, err := s.narrative(ctx, title, podcast, transcript)
	if err != nil {
		return nil, fmt.Errorf("narrative stage: %w", err)
	}

	summary, err := s.extract(ctx, narrative)
	if err != nil {
		return nil, fmt.Errorf("extraction stage: %w", err)
	}
	summary.Narrative = narrative
	summary.Model = s.llm.Model()

	if err := s.validate.Struct(summary); err != nil {
		return nil, fmt.Errorf("summary failed validation: %w", err)
	}
	return summary, nil
}

func (s *Summarizer) narrative(ctx context.Context, title, podcast, transcript string) (string, error) {
	user := fmt.Sprintf("Podcast: %s\nEpisode: %s\n\nTranscript:\n%s", podcast, title, transcript)
	out, err := s.llm.Complete(ctx, []Message{
		{Role: "system", Content: narrativeSystemPrompt},
		{Role: "user", Content: user},
	}, false)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if len(out) < 200 {
		return "", fmt.Errorf("narrative too short (%d chars)", len(out))
	}
	return out, nil
}

// extract runs the structured pass, retrying with the parse or validation
// error appended to the conversation so the model can correct itself.
func (s *Summarizer) extract(ctx context.Context, narrative string) (*Summary, error) {
	msgs := []Message{
		{Role: "system", Content: extractionSystemPrompt},
		{Role: "user", Content: narrative},
	}

	var lastErr error
	for attempt := 1; attempt <= extractionRetries; attempt++ {
		raw, err := s.llm.Complete(ctx, msgs, true)
		if err != nil {
			return nil, err
		}

		summary, verr := parseSummary(raw)
		if verr == nil {
			if verr = s.validate.StructPartial(summary, "Hook", "Takeaways", "Advice", "Quotes", "Concepts", "Perspectives", "Topics"); verr == nil {
				return summary, nil
			}
		}
		lastErr = verr
		s.log.Warn().Err(verr).Int("attempt", attempt).Msg("extraction output rejected")

		msgs = append(msgs,
			Message{Role: "assistant", Content: raw},
			Message{Role: "user", Content: fmt.Sprintf(
				"That response was invalid: %v. Respond again with a corrected JSON object only.", verr)},
		)
	}
	return nil, fmt.Errorf("no valid output after %d attempts: %w", extractionRetries, lastErr)
}

// parseSummary tolerates code fences and leading prose around the JSON object.
func parseSummary(raw string) (*Summary, error) {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '{'); i > 0 {
		raw = raw[i:]
	}
	if i := strings.LastIndexByte(raw, '}'); i >= 0 {
		raw = raw[:i+1]
	}

	var s Summary
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	return &s, nil
}
