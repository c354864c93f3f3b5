package rag

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/database"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/transcribe"
)

// Chunker splits transcripts into speaker-attributed pieces sized for the
// embedding model. Consecutive lines from the same speaker merge into one
// turn first, so chunks never mix speakers.
type Chunker struct {
	maxSize int
	overlap int
}

func NewChunker(maxSize, overlap int) *Chunker {
	if maxSize <= 0 {
		maxSize = 500
	}
	if overlap < 0 || overlap >= maxSize/2 {
		overlap = maxSize / 5
	}
	return &Chunker{maxSize: maxSize, overlap: overlap}
}

// Chunk splits a stored transcript document into chunks. IDs are uuid5 of
// "{episode_id}_{index}" so re-ingesting an episode produces identical rows.
func (c *Chunker) Chunk(episodeID, doc string) []database.Chunk {
	_, lines := transcribe.Parse(doc)

	type turn struct {
		speaker   string
		startTime string
		text      string
	}
	var turns []turn
	for _, l := range lines {
		if n := len(turns); n > 0 && turns[n-1].speaker == l.Speaker {
			turns[n-1].text += " " + l.Text
			continue
		}
		turns = append(turns, turn{speaker: l.Speaker, startTime: l.Timestamp, text: l.Text})
	}

	var chunks []database.Chunk
	for _, t := range turns {
		for _, piece := range splitText(t.text, c.maxSize, c.overlap) {
			if piece == "" {
				continue
			}
			idx := len(chunks)
			chunks = append(chunks, database.Chunk{
				ID:        ChunkID(episodeID, idx),
				EpisodeID: episodeID,
				Index:     idx,
				Speaker:   t.speaker,
				StartTime: t.startTime,
				Text:      piece,
			})
		}
	}
	return chunks
}

// ChunkID derives the deterministic chunk id for an (episode, index) pair.
func ChunkID(episodeID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(fmt.Sprintf("%s_%d", episodeID, index))).String()
}

// splitText cuts text into pieces of at most maxSize bytes. Adjacent pieces
// share the trailing overlap bytes of the previous piece so no context is
// lost at a boundary. Cuts prefer the last space in the tail of the window.
func splitText(text string, maxSize, overlap int) []string {
	if len(text) <= maxSize {
		return []string{strings.TrimSpace(text)}
	}
	var pieces []string
	start := 0
	for start < len(text) {
		end := start + maxSize
		if end >= len(text) {
			pieces = append(pieces, strings.TrimSpace(text[start:]))
			break
		}
		cut := end
		if i := strings.LastIndexByte(text[start:end], ' '); i > maxSize-overlap {
			cut = start + i
		}
		pieces = append(pieces, strings.TrimSpace(text[start:cut]))
		start = cut - overlap
	}
	return pieces
}
