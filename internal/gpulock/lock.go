package gpulock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/redisclient"
)

// KeyName is the single named mutex gating GPU-bound model calls across
// all services.
const KeyName = "gpu_resource_lock"

// DefaultLease bounds how long a crashed holder can block everyone else.
const DefaultLease = 600 * time.Second

const pollInterval = 500 * time.Millisecond

// releaseScript deletes the lock only when the stored token matches the
// caller's. A waiter whose turn came up after a lease expiry must not be
// able to release the new holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript renews the lease, token-checked like release.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a distributed mutex with an absolute lease. Acquire blocks until
// the current holder releases or its lease expires.
type Lock struct {
	rc    *redisclient.Client
	key   string
	lease time.Duration
	log   zerolog.Logger
}

func New(rc *redisclient.Client, lease time.Duration, log zerolog.Logger) *Lock {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Lock{
		rc:    rc,
		key:   KeyName,
		lease: lease,
		log:   log.With().Str("component", "gpu-lock").Logger(),
	}
}

// Handle represents one acquisition. Release is idempotent.
type Handle struct {
	lock  *Lock
	token string

	mu       sync.Mutex
	released bool
}

// Acquire blocks until the lock is held or ctx is canceled. Every wait cycle
// is a cancellation point.
func (l *Lock) Acquire(ctx context.Context) (*Handle, error) {
	token := newToken()
	start := time.Now()

	for {
		ok, err := l.rc.Rdb.SetNX(ctx, l.key, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", l.key, err)
		}
		if ok {
			l.log.Debug().
				Dur("waited_ms", time.Since(start)).
				Msg("gpu lock acquired")
			return &Handle{lock: l, token: token}, nil
		}

		// Jittered poll so multiple waiters don't stampede.
		wait := pollInterval + time.Duration(mrand.Int64N(int64(pollInterval/2)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TryAcquire attempts a single non-blocking acquisition.
func (l *Lock) TryAcquire(ctx context.Context) (*Handle, error) {
	token := newToken()
	ok, err := l.rc.Rdb.SetNX(ctx, l.key, token, l.lease).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Handle{lock: l, token: token}, nil
}

// Release frees the lock if this handle still owns it. Double-release is a
// no-op; releasing after lease expiry (someone else holds it) is a no-op.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	n, err := releaseScript.Run(ctx, h.lock.rc.Rdb, []string{h.lock.key}, h.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", h.lock.key, err)
	}
	if n == 0 {
		h.lock.log.Warn().Msg("gpu lock already expired or held by another acquirer")
		return nil
	}
	h.lock.log.Debug().Msg("gpu lock released")
	return nil
}

// Extend renews the lease for a long-running critical section. Returns false
// if the handle no longer owns the lock.
func (h *Handle) Extend(ctx context.Context) (bool, error) {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return false, nil
	}

	n, err := extendScript.Run(ctx, h.lock.rc.Rdb,
		[]string{h.lock.key}, h.token, h.lock.lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", h.lock.key, err)
	}
	return n == 1, nil
}

func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
