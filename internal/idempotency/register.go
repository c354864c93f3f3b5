package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/redisclient"
)

// DefaultTTL is how long a claim masks duplicates. Long enough to cover any
// realistic redelivery window, short enough that a crash between claim and
// persistence self-heals before a human re-triggers the work.
const DefaultTTL = 24 * time.Hour

const sentinel = "1"

// Register provides exactly-once effect on top of at-least-once delivery.
// Claim is atomic set-if-absent with TTL; the first caller wins.
type Register struct {
	rc  *redisclient.Client
	log zerolog.Logger
}

func NewRegister(rc *redisclient.Client, log zerolog.Logger) *Register {
	return &Register{rc: rc, log: log.With().Str("component", "idempotency").Logger()}
}

// Key builds the conventional claim key for a (service, event, episode) triple.
func Key(service, event, episodeID string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", service, event, episodeID)
}

// Claim atomically claims the key. Returns true iff the caller is the first
// to observe it (SET NX succeeded). A ttl of 0 uses DefaultTTL.
func (r *Register) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := r.rc.Rdb.SetNX(ctx, key, sentinel, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !ok {
		r.log.Debug().Str("key", key).Msg("duplicate claim")
	}
	return ok, nil
}

// IsProcessed reports whether the key has been claimed.
func (r *Register) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := r.rc.Rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// MarkProcessed sets the key unconditionally. Not atomic with respect to
// Claim; intended for test fixtures and manual repair.
func (r *Register) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := r.rc.Rdb.Set(ctx, key, sentinel, ttl).Err(); err != nil {
		return fmt.Errorf("mark %s: %w", key, err)
	}
	return nil
}

// Clear removes the key so the next Claim wins again. Administrative.
func (r *Register) Clear(ctx context.Context, key string) error {
	if err := r.rc.Rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear %s: %w", key, err)
	}
	return nil
}
