package database

import "context"

// schemaSQL is the full schema for a fresh database. Columns added after the
// initial release live in migrations.go instead.
const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS episodes (
    id              text PRIMARY KEY,
    url             text NOT NULL UNIQUE,
    title           text NOT NULL DEFAULT '',
    podcast_name    text NOT NULL DEFAULT '',
    status          text NOT NULL DEFAULT 'PENDING',
    transcript_text text,
    metadata        jsonb NOT NULL DEFAULT '{}',
    is_selected     boolean NOT NULL DEFAULT false,
    is_seen         boolean NOT NULL DEFAULT false,
    is_favorite     boolean NOT NULL DEFAULT false,
    created_at      timestamptz NOT NULL DEFAULT now(),
    updated_at      timestamptz NOT NULL DEFAULT now(),
    processed_at    timestamptz
);

CREATE INDEX IF NOT EXISTS idx_episodes_status ON episodes (status);
CREATE INDEX IF NOT EXISTS idx_episodes_created_at ON episodes (created_at DESC);

CREATE TABLE IF NOT EXISTS summaries (
    id         bigserial PRIMARY KEY,
    episode_id text NOT NULL UNIQUE REFERENCES episodes (id) ON DELETE CASCADE,
    content    jsonb NOT NULL,
    created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transcript_chunks (
    id          uuid PRIMARY KEY,
    episode_id  text NOT NULL REFERENCES episodes (id) ON DELETE CASCADE,
    chunk_index int NOT NULL,
    speaker     text NOT NULL DEFAULT '',
    start_time  text NOT NULL DEFAULT '',
    text        text NOT NULL,
    embedding   vector(768)
);

CREATE INDEX IF NOT EXISTS idx_transcript_chunks_episode ON transcript_chunks (episode_id, chunk_index);
`

// InitSchema applies the full schema on a fresh database.
// It checks whether the "episodes" table exists as a proxy for
// whether the schema has been loaded. If present, it's a no-op.
func (db *DB) InitSchema(ctx context.Context) error {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'episodes')`,
	).Scan(&exists)
	if err != nil {
		return err
	}

	if exists {
		db.log.Debug().Msg("schema already initialized, skipping")
		return nil
	}

	db.log.Info().Msg("fresh database detected, applying schema")
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	db.log.Info().Msg("schema applied successfully")
	return nil
}
