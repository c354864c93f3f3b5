package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func embedServer(t *testing.T, handler http.HandlerFunc) *EmbeddingClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewEmbeddingClient(srv.URL, "test-model", 5*time.Second, zerolog.Nop())
}

func TestEmbed_ReordersByIndex(t *testing.T) {
	e := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test-model" {
			t.Errorf("model = %q", req.Model)
		}
		// Respond out of order; the client must restore input order.
		resp := map[string]any{"data": []map[string]any{
			{"index": 1, "embedding": []float32{2}},
			{"index": 0, "embedding": []float32{1}},
		}}
		json.NewEncoder(w).Encode(resp)
	})

	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][0] != 2 {
		t.Errorf("vecs = %v, want input order restored", vecs)
	}
}

func TestEmbed_BatchesLargeInputs(t *testing.T) {
	var requests atomic.Int32
	e := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) > embedBatchSize {
			t.Errorf("batch size = %d, want <= %d", len(req.Input), embedBatchSize)
		}
		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"index": i, "embedding": []float32{float32(i)}}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	})

	texts := make([]string, embedBatchSize+1)
	for i := range texts {
		texts[i] = "t"
	}
	vecs, err := e.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Errorf("vecs = %d, want %d", len(vecs), len(texts))
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestEmbed_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	e := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"index": 0, "embedding": []float32{1}},
		}})
	})

	vecs, err := e.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 1 {
		t.Errorf("vecs = %d", len(vecs))
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestEmbed_CountMismatchFails(t *testing.T) {
	e := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"index": 0, "embedding": []float32{1}},
		}})
	})

	if _, err := e.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("expected count mismatch error")
	}
}
