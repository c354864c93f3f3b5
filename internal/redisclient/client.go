package redisclient

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Client is the single connection pool to the coordination substrate.
// The event bus, idempotency register, GPU lock, and status aggregator
// all share it.
type Client struct {
	Rdb *redis.Client
	log zerolog.Logger
}

func Connect(ctx context.Context, redisURL string, log zerolog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	opts.PoolSize = 20
	opts.MinIdleConns = 4

	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	log.Info().
		Str("url", maskURL(redisURL)).
		Int("pool_size", opts.PoolSize).
		Msg("redis connected")

	return &Client{Rdb: rdb, log: log}, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.Rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	c.log.Info().Msg("closing redis pool")
	return c.Rdb.Close()
}

func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User == nil {
		return u.String()
	}
	if _, hasPass := u.User.Password(); !hasPass {
		return u.String()
	}
	// url.UserPassword would percent-encode the sentinel, so splice it in.
	name := u.User.Username()
	bare := *u
	bare.User = nil
	rest := strings.TrimPrefix(bare.String(), u.Scheme+"://")
	return u.Scheme + "://" + name + ":***@" + rest
}
