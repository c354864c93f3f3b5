package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Chunk is one embedded transcript segment. IDs are deterministic per
// (episode, index) so re-ingestion writes the same rows.
type Chunk struct {
	ID        string          `json:"id"`
	EpisodeID string          `json:"episode_id"`
	Index     int             `json:"chunk_index"`
	Speaker   string          `json:"speaker"`
	StartTime string          `json:"start_time"`
	Text      string          `json:"text"`
	Embedding pgvector.Vector `json:"-"`
}

// ReplaceChunks swaps the episode's chunk set in one transaction: delete
// everything, insert the new set. Re-ingestion replaces, never appends.
func (db *DB) ReplaceChunks(ctx context.Context, episodeID string, chunks []Chunk) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM transcript_chunks WHERE episode_id = $1`, episodeID); err != nil {
		return fmt.Errorf("delete chunks %s: %w", episodeID, err)
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
			INSERT INTO transcript_chunks (id, episode_id, chunk_index, speaker, start_time, text, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, c.ID, episodeID, c.Index, c.Speaker, c.StartTime, c.Text, c.Embedding)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks %s: %w", episodeID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	db.log.Debug().Str("episode_id", episodeID).Int("chunks", len(chunks)).Msg("chunk set replaced")
	return nil
}

// HasChunks reports whether any chunk rows exist for the episode. Used as the
// persistence-layer idempotency check behind the claim key.
func (db *DB) HasChunks(ctx context.Context, episodeID string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transcript_chunks WHERE episode_id = $1)`,
		episodeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check chunks %s: %w", episodeID, err)
	}
	return exists, nil
}

// SearchChunks returns the episode-scoped or global nearest chunks to the
// query embedding by cosine distance.
func (db *DB) SearchChunks(ctx context.Context, embedding pgvector.Vector, episodeID string, limit int) ([]Chunk, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, episode_id, chunk_index, speaker, start_time, text
		FROM transcript_chunks
		WHERE ($2::text IS NULL OR episode_id = $2)
		ORDER BY embedding <=> $1
		LIMIT $3
	`, embedding, pqString(episodeID), limit)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var result []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.EpisodeID, &c.Index, &c.Speaker, &c.StartTime, &c.Text); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if result == nil {
		result = []Chunk{}
	}
	return result, rows.Err()
}
