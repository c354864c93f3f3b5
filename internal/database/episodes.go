package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Episode lifecycle states. Transitions are driven by the transcription
// daemon; COMPLETED and FAILED are terminal.
const (
	StatusPending      = "PENDING"
	StatusProcessing   = "PROCESSING"
	StatusTranscribing = "TRANSCRIBING"
	StatusCompleted    = "COMPLETED"
	StatusFailed       = "FAILED"
)

var validStatuses = map[string]bool{
	StatusPending:      true,
	StatusProcessing:   true,
	StatusTranscribing: true,
	StatusCompleted:    true,
	StatusFailed:       true,
}

// Episode is one podcast episode row. TranscriptText is only populated when
// explicitly requested; list queries never select it.
type Episode struct {
	ID             string          `json:"id"`
	URL            string          `json:"url"`
	Title          string          `json:"title"`
	PodcastName    string          `json:"podcast_name"`
	Status         string          `json:"status"`
	TranscriptText string          `json:"transcript_text,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IsSelected     bool            `json:"is_selected"`
	IsSeen         bool            `json:"is_seen"`
	IsFavorite     bool            `json:"is_favorite"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// EpisodeFilter narrows ListEpisodes. Zero values mean "no filter".
type EpisodeFilter struct {
	Status       string
	PodcastName  string
	SelectedOnly bool
	UnseenOnly   bool
	Limit        int
	Offset       int
}

const episodeColumns = `id, url, title, podcast_name, status, metadata,
	is_selected, is_seen, is_favorite, created_at, updated_at, processed_at`

func scanEpisode(row pgx.Row, loadTranscript bool) (*Episode, error) {
	var e Episode
	var err error
	if loadTranscript {
		err = row.Scan(
			&e.ID, &e.URL, &e.Title, &e.PodcastName, &e.Status, &e.Metadata,
			&e.IsSelected, &e.IsSeen, &e.IsFavorite, &e.CreatedAt, &e.UpdatedAt, &e.ProcessedAt,
			&e.TranscriptText,
		)
	} else {
		err = row.Scan(
			&e.ID, &e.URL, &e.Title, &e.PodcastName, &e.Status, &e.Metadata,
			&e.IsSelected, &e.IsSeen, &e.IsFavorite, &e.CreatedAt, &e.UpdatedAt, &e.ProcessedAt,
		)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEpisode inserts the episode, or returns the existing row when the id
// is already present. Concurrent creators race safely on the conflict clause.
func (db *DB) CreateEpisode(ctx context.Context, e *Episode) (*Episode, error) {
	status := e.Status
	if status == "" {
		status = StatusPending
	}
	metadata := e.Metadata
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}

	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO episodes (id, url, title, podcast_name, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.URL, e.Title, e.PodcastName, status, metadata)
	if err != nil {
		return nil, fmt.Errorf("insert episode %s: %w", e.ID, err)
	}

	existing, err := db.GetEpisodeByID(ctx, e.ID, false)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("episode %s missing after insert", e.ID)
	}
	if tag.RowsAffected() == 0 {
		db.log.Debug().Str("episode_id", e.ID).Msg("episode already exists, returning existing row")
	}
	return existing, nil
}

// UpdateEpisodeStatus transitions the episode's lifecycle state.
func (db *DB) UpdateEpisodeStatus(ctx context.Context, id, status string) error {
	if !validStatuses[status] {
		return fmt.Errorf("invalid episode status: %s", status)
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE episodes SET status = $2, updated_at = now()
		WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update episode status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("episode %s not found", id)
	}
	return nil
}

// SaveTranscript writes the transcript body, merges metadata into the
// existing jsonb document, stamps processed_at, and marks the episode
// COMPLETED. This is the only path that sets transcript_text.
func (db *DB) SaveTranscript(ctx context.Context, id, transcript string, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal transcript metadata: %w", err)
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE episodes SET
			transcript_text = $2,
			metadata = metadata || $3::jsonb,
			status = $4,
			processed_at = now(),
			updated_at = now()
		WHERE id = $1
	`, id, transcript, meta, StatusCompleted)
	if err != nil {
		return fmt.Errorf("save transcript %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("episode %s not found", id)
	}
	return nil
}

// GetEpisodeByID returns the episode, or nil when it does not exist.
// The loadTranscript=false path never selects transcript_text.
func (db *DB) GetEpisodeByID(ctx context.Context, id string, loadTranscript bool) (*Episode, error) {
	cols := episodeColumns
	if loadTranscript {
		cols += `, COALESCE(transcript_text, '')`
	}
	row := db.Pool.QueryRow(ctx,
		`SELECT `+cols+` FROM episodes WHERE id = $1`, id)

	e, err := scanEpisode(row, loadTranscript)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get episode %s: %w", id, err)
	}
	return e, nil
}

// ListEpisodes returns episodes matching the filter, newest first. Transcript
// bodies are never included.
func (db *DB) ListEpisodes(ctx context.Context, filter EpisodeFilter) ([]Episode, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT `+episodeColumns+`
		FROM episodes
		WHERE ($1::text IS NULL OR status = $1)
		  AND ($2::text IS NULL OR podcast_name = $2)
		  AND (NOT $3::boolean OR is_selected)
		  AND (NOT $4::boolean OR NOT is_seen)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6
	`, pqString(filter.Status), pqString(filter.PodcastName),
		filter.SelectedOnly, filter.UnseenOnly, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var result []Episode
	for rows.Next() {
		e, err := scanEpisode(rows, false)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if result == nil {
		result = []Episode{}
	}
	return result, rows.Err()
}

// MarkEpisodesSeen flips the is_seen flag on the given episodes.
func (db *DB) MarkEpisodesSeen(ctx context.Context, ids []string, seen bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE episodes SET is_seen = $2, updated_at = now()
		WHERE id = ANY($1)
	`, ids, seen)
	if err != nil {
		return 0, fmt.Errorf("mark episodes seen: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetFailedEpisodes reverts FAILED episodes to PENDING so an operator
// republish can retry them.
func (db *DB) ResetFailedEpisodes(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE episodes SET status = $1, updated_at = now()
		WHERE status = $2
	`, StatusPending, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("reset failed episodes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetStuckEpisodes reverts episodes stranded in a non-terminal status by a
// crashed worker back to PENDING. Returns the number of rows reset.
func (db *DB) ResetStuckEpisodes(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE episodes SET status = $1, updated_at = now()
		WHERE status IN ($2, $3)
		  AND updated_at < now() - make_interval(secs => $4)
	`, StatusPending, StatusProcessing, StatusTranscribing, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reset stuck episodes: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		db.log.Info().Int64("reset", n).Msg("stuck episodes reverted to pending")
		return n, nil
	}
	return 0, nil
}
