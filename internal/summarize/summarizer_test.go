package summarize

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// fakeLLM replays scripted responses and records whether each call asked for
// JSON mode.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	jsonModes []bool
	err       error
}

func (f *fakeLLM) Complete(_ context.Context, _ []Message, jsonMode bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.jsonModes = append(f.jsonModes, jsonMode)
	if len(f.responses) == 0 {
		return "", errors.New("fakeLLM: out of scripted responses")
	}
	out := f.responses[0]
	f.responses = f.responses[1:]
	return out, nil
}

func (f *fakeLLM) Model() string { return "fake-llm" }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jsonModes)
}

var validNarrative = strings.Repeat("The hosts discuss distributed systems at length. ", 6)

const validExtraction = `{
	"hook": "Why your queue is the real database.",
	"takeaways": ["queues are state", "retries need idempotency", "locks expire"],
	"advice": ["claim before work", "ack after persist", "bound your retries"],
	"quotes": [
		{"speaker": "SPEAKER_00", "text": "at-least-once is a promise, not a threat"},
		{"speaker": "SPEAKER_01", "text": "the dead letter stream is where hope goes"}
	],
	"concepts": ["consumer groups", "idempotency keys"],
	"perspectives": ["queues as durable state", "queues as transient plumbing"],
	"topics": ["messaging", "reliability"]
}`

func TestSummarize_TwoStagePipeline(t *testing.T) {
	llm := &fakeLLM{responses: []string{validNarrative, validExtraction}}
	s := NewSummarizer(llm, zerolog.Nop())

	sum, err := s.Summarize(context.Background(), "Ep 1", "Test Show", "transcript text")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Hook != "Why your queue is the real database." {
		t.Errorf("hook = %q", sum.Hook)
	}
	if len(sum.Takeaways) != 3 || len(sum.Advice) != 3 || len(sum.Quotes) != 2 {
		t.Errorf("counts = %d/%d/%d", len(sum.Takeaways), len(sum.Advice), len(sum.Quotes))
	}
	if len(sum.Concepts) != 2 || len(sum.Perspectives) != 2 || len(sum.Topics) != 2 {
		t.Errorf("concepts/perspectives/topics = %d/%d/%d, want 2/2/2",
			len(sum.Concepts), len(sum.Perspectives), len(sum.Topics))
	}
	if sum.Narrative != strings.TrimSpace(validNarrative) {
		t.Error("narrative not carried into the summary")
	}
	if sum.Model != "fake-llm" {
		t.Errorf("model = %q", sum.Model)
	}
	if len(llm.jsonModes) != 2 || llm.jsonModes[0] || !llm.jsonModes[1] {
		t.Errorf("jsonModes = %v, want [false true]", llm.jsonModes)
	}
}

func TestSummarize_RetriesInvalidExtraction(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		validNarrative,
		"sorry, here is some prose instead of JSON",
		`{"hook": "too few lists", "takeaways": ["one"], "advice": [], "quotes": []}`,
		validExtraction,
	}}
	s := NewSummarizer(llm, zerolog.Nop())

	sum, err := s.Summarize(context.Background(), "Ep 1", "Test Show", "transcript text")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Hook == "" {
		t.Error("hook empty after successful retry")
	}
	if got := llm.callCount(); got != 4 {
		t.Errorf("llm calls = %d, want 4 (narrative + 2 rejects + success)", got)
	}
}

func TestSummarize_FailsAfterRetryBudget(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		validNarrative, "garbage", "garbage", "garbage",
	}}
	s := NewSummarizer(llm, zerolog.Nop())

	if _, err := s.Summarize(context.Background(), "Ep 1", "Test Show", "transcript text"); err == nil {
		t.Error("expected failure after retry budget exhausted")
	}
}

func TestSummarize_ShortNarrativeRejected(t *testing.T) {
	llm := &fakeLLM{responses: []string{"too short"}}
	s := NewSummarizer(llm, zerolog.Nop())

	if _, err := s.Summarize(context.Background(), "Ep 1", "Test Show", "transcript text"); err == nil {
		t.Error("expected error for short narrative")
	}
}

func TestSummarize_EmptyTranscript(t *testing.T) {
	s := NewSummarizer(&fakeLLM{}, zerolog.Nop())
	if _, err := s.Summarize(context.Background(), "Ep 1", "Test Show", "   "); err == nil {
		t.Error("expected error for empty transcript")
	}
}

func TestParseSummary_ToleratesCodeFence(t *testing.T) {
	raw := "```json\n" + validExtraction + "\n```"
	sum, err := parseSummary(raw)
	if err != nil {
		t.Fatalf("parseSummary: %v", err)
	}
	if sum.Hook == "" || len(sum.Takeaways) != 3 {
		t.Errorf("summary = %+v", sum)
	}
}
