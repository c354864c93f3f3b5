package bus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/events"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/metrics"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/redisclient"
)

// Handler processes one decoded event. A nil return acknowledges the entry;
// an error leaves it pending for redelivery after the claim threshold.
type Handler func(ctx context.Context, e events.Event) error

// Options tune the consumer loop. Zero values take the defaults below.
type Options struct {
	BlockDuration time.Duration // XREADGROUP block timeout
	BatchSize     int64         // entries per read
	ClaimInterval time.Duration // how often to sweep for abandoned entries
	ClaimMinIdle  time.Duration // pending idle threshold before claiming
	MaxRetries    int64         // deliveries before an entry moves to the DLQ
	MaxStreamLen  int64         // approximate XADD cap per stream
}

const (
	defaultBlockDuration = 5 * time.Second
	defaultBatchSize     = 10
	defaultClaimInterval = 30 * time.Second
	defaultClaimMinIdle  = 60 * time.Second
	defaultMaxRetries    = 3
	defaultMaxStreamLen  = 10000

	maxReconnectBackoff = 16 * time.Second

	dlqSuffix    = ":dead"
	dlqMaxLen    = 1000
	dlqRetention = 7 * 24 * time.Hour
)

// Bus is the durable event transport: append-only streams with per-subscriber
// consumer groups for data, plain pub/sub for control signals.
type Bus struct {
	rc   *redisclient.Client
	opts Options
	log  zerolog.Logger
}

func New(rc *redisclient.Client, opts Options, log zerolog.Logger) *Bus {
	if opts.BlockDuration <= 0 {
		opts.BlockDuration = defaultBlockDuration
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = defaultClaimInterval
	}
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = defaultClaimMinIdle
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxStreamLen <= 0 {
		opts.MaxStreamLen = defaultMaxStreamLen
	}
	return &Bus{rc: rc, opts: opts, log: log.With().Str("component", "bus").Logger()}
}

// Publish appends the event to the named stream. Fails soft: substrate errors
// are logged and reported as false, never raised. The caller's own state
// (episode rows, claim keys) is what recovery works from.
func (b *Bus) Publish(ctx context.Context, stream string, e events.Event) bool {
	values, err := events.Encode(e)
	if err != nil {
		b.log.Error().Err(err).Str("stream", stream).Msg("event encode failed")
		return false
	}

	err = b.rc.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.opts.MaxStreamLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		b.log.Error().Err(err).Str("stream", stream).Str("event_type", e.Kind()).Msg("publish failed")
		return false
	}

	metrics.EventsPublishedTotal.WithLabelValues(stream).Inc()
	b.log.Debug().Str("stream", stream).Str("event_type", e.Kind()).Msg("event published")
	return true
}

// Subscribe joins the consumer group and processes entries until ctx is
// canceled. Group creation is idempotent. The loop survives substrate
// disconnects with capped exponential backoff and periodically claims
// entries abandoned by idle consumers of the same group. Entries whose
// delivery count exceeds the retry cap are moved to the stream's DLQ and
// acknowledged.
func (b *Bus) Subscribe(ctx context.Context, stream, group, consumer string, h Handler) error {
	log := b.log.With().
		Str("stream", stream).
		Str("group", group).
		Str("consumer", consumer).
		Logger()

	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return err
	}
	log.Info().Msg("subscribed")

	backoff := time.Second
	lastClaim := time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastClaim) >= b.opts.ClaimInterval {
			b.claimAbandoned(ctx, stream, group, consumer, h, log)
			lastClaim = time.Now()
		}

		res, err := b.rc.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    b.opts.BatchSize,
			Block:    b.opts.BlockDuration,
		}).Result()

		if err == redis.Nil {
			backoff = time.Second
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("stream read failed, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < maxReconnectBackoff {
				backoff *= 2
			}
			// Rejoin in case the group was lost with the substrate.
			_ = b.ensureGroup(ctx, stream, group)
			continue
		}
		backoff = time.Second

		for _, sr := range res {
			for _, msg := range sr.Messages {
				b.processEntry(ctx, stream, group, msg, h, log)
			}
		}
	}
}

func (b *Bus) processEntry(ctx context.Context, stream, group string, msg redis.XMessage, h Handler, log zerolog.Logger) {
	e, err := events.Decode(msg.Values)
	if err != nil {
		// Undecodable entries can never succeed; dead-letter immediately.
		log.Error().Err(err).Str("entry_id", msg.ID).Msg("undecodable entry, dead-lettering")
		b.moveToDLQ(ctx, stream, group, msg, err)
		b.ack(ctx, stream, group, msg.ID, log)
		return
	}

	if err := h(ctx, e); err != nil {
		// Entry stays pending; the claim sweep redelivers it.
		metrics.EventsFailedTotal.WithLabelValues(stream).Inc()
		log.Warn().Err(err).Str("entry_id", msg.ID).Str("event_type", e.Kind()).Msg("handler failed, entry stays pending")
		return
	}

	metrics.EventsConsumedTotal.WithLabelValues(stream).Inc()
	b.ack(ctx, stream, group, msg.ID, log)
}

func (b *Bus) ack(ctx context.Context, stream, group, id string, log zerolog.Logger) {
	if err := b.rc.Rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		log.Warn().Err(err).Str("entry_id", id).Msg("ack failed")
	}
}

// claimAbandoned re-owns entries whose previous consumer has been idle past
// the threshold, routes chronically failing ones to the DLQ, and retries the
// rest.
func (b *Bus) claimAbandoned(ctx context.Context, stream, group, consumer string, h Handler, log zerolog.Logger) {
	msgs, _, err := b.rc.Rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  b.opts.ClaimMinIdle,
		Start:    "0-0",
		Count:    b.opts.BatchSize,
	}).Result()
	if err != nil && err != redis.Nil {
		log.Warn().Err(err).Msg("claim sweep failed")
		return
	}
	if len(msgs) == 0 {
		return
	}
	log.Info().Int("claimed", len(msgs)).Msg("claimed abandoned entries")

	retries := b.deliveryCounts(ctx, stream, group, msgs)
	for _, msg := range msgs {
		if retries[msg.ID] > b.opts.MaxRetries {
			log.Warn().
				Str("entry_id", msg.ID).
				Int64("deliveries", retries[msg.ID]).
				Msg("retry cap exceeded, dead-lettering")
			b.moveToDLQ(ctx, stream, group, msg, errors.New("retry cap exceeded"))
			b.ack(ctx, stream, group, msg.ID, log)
			continue
		}
		b.processEntry(ctx, stream, group, msg, h, log)
	}
}

// deliveryCounts fetches per-entry delivery counts from the pending entry
// list. Missing entries default to zero (never dead-lettered on bad data).
func (b *Bus) deliveryCounts(ctx context.Context, stream, group string, msgs []redis.XMessage) map[string]int64 {
	counts := make(map[string]int64, len(msgs))
	pend, err := b.rc.Rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  msgs[0].ID,
		End:    msgs[len(msgs)-1].ID,
		Count:  int64(len(msgs)),
	}).Result()
	if err != nil {
		b.log.Warn().Err(err).Str("stream", stream).Msg("pending lookup failed")
		return counts
	}
	for _, p := range pend {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

// moveToDLQ preserves a failed entry on the stream's dead-letter stream so
// an operator can inspect and replay it.
func (b *Bus) moveToDLQ(ctx context.Context, stream, group string, msg redis.XMessage, cause error) {
	dlq := stream + dlqSuffix
	values := map[string]any{
		"original_stream": stream,
		"original_id":     msg.ID,
		"group":           group,
		"error":           cause.Error(),
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range msg.Values {
		values[k] = v
	}

	err := b.rc.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlq,
		MaxLen: dlqMaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		b.log.Error().Err(err).Str("stream", dlq).Msg("dead-letter write failed")
		return
	}
	if err := b.rc.Rdb.Expire(ctx, dlq, dlqRetention).Err(); err != nil {
		b.log.Warn().Err(err).Str("stream", dlq).Msg("dead-letter ttl failed")
	}
	metrics.EventsDeadLetteredTotal.WithLabelValues(stream).Inc()
}

// Broadcast publishes a control signal on a pub/sub channel. Best effort:
// no acknowledgement, no persistence.
func (b *Bus) Broadcast(ctx context.Context, channel, payload string) bool {
	if err := b.rc.Rdb.Publish(ctx, channel, payload).Err(); err != nil {
		b.log.Error().Err(err).Str("channel", channel).Msg("broadcast failed")
		return false
	}
	return true
}

// Listen invokes h for every message on the given channels until ctx is
// canceled. Reconnects are handled by the client's subscription.
func (b *Bus) Listen(ctx context.Context, h func(channel, payload string), channels ...string) error {
	sub := b.rc.Rdb.Subscribe(ctx, channels...)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h(msg.Channel, msg.Payload)
		}
	}
}

// ListenPattern is Listen over glob patterns (PSUBSCRIBE), for channel
// families like per-batch cancel signals.
func (b *Bus) ListenPattern(ctx context.Context, h func(channel, payload string), patterns ...string) error {
	sub := b.rc.Rdb.PSubscribe(ctx, patterns...)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h(msg.Channel, msg.Payload)
		}
	}
}

// Close releases the underlying connections. The Bus shares the substrate
// pool, so this closes it for every component built on the same client.
func (b *Bus) Close() error {
	return b.rc.Close()
}

func (b *Bus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.rc.Rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}
