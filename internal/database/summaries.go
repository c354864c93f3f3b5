package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Summary is the structured summarization artifact for one episode.
type Summary struct {
	ID        int64           `json:"id"`
	EpisodeID string          `json:"episode_id"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// SaveSummary stores the summary for an episode. At most one summary exists
// per episode: if one is already there, it is returned unchanged and created
// is false. The unique constraint on episode_id backs the check against
// concurrent writers.
func (db *DB) SaveSummary(ctx context.Context, episodeID string, content json.RawMessage) (*Summary, bool, error) {
	existing, err := db.GetSummaryByEpisodeID(ctx, episodeID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		db.log.Debug().Str("episode_id", episodeID).Msg("summary already exists, keeping existing row")
		return existing, false, nil
	}

	var s Summary
	err = db.Pool.QueryRow(ctx, `
		INSERT INTO summaries (episode_id, content)
		VALUES ($1, $2)
		ON CONFLICT (episode_id) DO NOTHING
		RETURNING id, episode_id, content, created_at
	`, episodeID, content).Scan(&s.ID, &s.EpisodeID, &s.Content, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race; another writer inserted between check and insert.
		existing, err = db.GetSummaryByEpisodeID(ctx, episodeID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert summary %s: %w", episodeID, err)
	}
	return &s, true, nil
}

// GetSummaryByEpisodeID returns the episode's summary, or nil when none exists.
func (db *DB) GetSummaryByEpisodeID(ctx context.Context, episodeID string) (*Summary, error) {
	var s Summary
	err := db.Pool.QueryRow(ctx, `
		SELECT id, episode_id, content, created_at
		FROM summaries
		WHERE episode_id = $1
	`, episodeID).Scan(&s.ID, &s.EpisodeID, &s.Content, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get summary %s: %w", episodeID, err)
	}
	return &s, nil
}
