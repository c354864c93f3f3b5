// pipectl is the operator control tool: broadcast stop and batch-cancel
// signals, enqueue jobs, reset stuck episodes, and inspect or replay
// dead-lettered events.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/bus"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/config"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/database"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/events"
	"github.com/dylangamachefl/pod-scribe-sub000/internal/redisclient"
)

const usage = `usage: pipectl [flags] <command> [args]

commands:
  stop                      broadcast a pipeline-wide stop signal
  cancel-batch <batch-id>   broadcast a cancel signal for one batch
  enqueue <episode-id>      publish a transcription job for an existing episode
  reset                     revert stuck episodes to PENDING
  dlq <stream>              list dead-lettered entries for a stream
  replay <stream>           republish dead-lettered entries and drop them
`

func main() {
	envFile := flag.String("env", "", "path to .env file")
	dbURL := flag.String("db-url", "", "database URL (overrides DATABASE_URL)")
	redisURL := flag.String("redis-url", "", "redis URL (overrides REDIS_URL)")
	olderThan := flag.Duration("older-than", 2*time.Hour, "stuck threshold for reset")
	includeFailed := flag.Bool("include-failed", false, "also revert FAILED episodes on reset")
	batchID := flag.String("batch-id", "", "batch id for enqueue")
	batchTotal := flag.Int("batch-total", 0, "total batch count for enqueue")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(config.Overrides{
		EnvFile:     *envFile,
		DatabaseURL: *dbURL,
		RedisURL:    *redisURL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc, err := redisclient.Connect(ctx, cfg.RedisURL, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer rc.Close()
	b := bus.New(rc, bus.Options{}, log)

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "stop":
		if !b.Broadcast(ctx, events.ChannelStop, "stop") {
			os.Exit(1)
		}
		fmt.Println("stop signal broadcast")

	case "cancel-batch":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "cancel-batch requires a batch id")
			os.Exit(2)
		}
		if !b.Broadcast(ctx, events.ChannelCancelBatch(args[0]), "cancel") {
			os.Exit(1)
		}
		fmt.Printf("cancel signal broadcast for batch %s\n", args[0])

	case "enqueue":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "enqueue requires an episode id")
			os.Exit(2)
		}
		db := mustConnectDB(ctx, cfg, log)
		defer db.Close()
		ep, err := db.GetEpisodeByID(ctx, args[0], false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lookup: %v\n", err)
			os.Exit(1)
		}
		if ep == nil {
			fmt.Fprintf(os.Stderr, "episode %s not found\n", args[0])
			os.Exit(1)
		}
		if !b.Publish(ctx, events.StreamTranscriptionJobs, events.TranscriptionJob{
			EpisodeID:       ep.ID,
			BatchID:         *batchID,
			TotalBatchCount: *batchTotal,
		}) {
			os.Exit(1)
		}
		fmt.Printf("job published for episode %s\n", ep.ID)

	case "reset":
		db := mustConnectDB(ctx, cfg, log)
		defer db.Close()
		n, err := db.ResetStuckEpisodes(ctx, *olderThan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reset: %v\n", err)
			os.Exit(1)
		}
		if *includeFailed {
			f, err := db.ResetFailedEpisodes(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "reset failed episodes: %v\n", err)
				os.Exit(1)
			}
			n += f
		}
		fmt.Printf("%d episodes reset to PENDING\n", n)

	case "dlq":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "dlq requires a stream name")
			os.Exit(2)
		}
		if err := listDLQ(ctx, rc, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "dlq: %v\n", err)
			os.Exit(1)
		}

	case "replay":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "replay requires a stream name")
			os.Exit(2)
		}
		if err := replayDLQ(ctx, rc, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "replay: %v\n", err)
			os.Exit(1)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func mustConnectDB(ctx context.Context, cfg *config.Config, log zerolog.Logger) *database.DB {
	db, err := database.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		os.Exit(1)
	}
	return db
}

func listDLQ(ctx context.Context, rc *redisclient.Client, stream string) error {
	msgs, err := rc.Rdb.XRange(ctx, stream+":dead", "-", "+").Result()
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("dead-letter stream is empty")
		return nil
	}
	for _, m := range msgs {
		fmt.Printf("%s  type=%v  original=%v  error=%v  failed_at=%v\n",
			m.ID, m.Values["event_type"], m.Values["original_id"], m.Values["error"], m.Values["failed_at"])
	}
	fmt.Printf("%d entries\n", len(msgs))
	return nil
}

// replayDLQ republishes each dead-lettered entry to its original stream with
// the diagnostic fields stripped, then removes it from the dead-letter stream.
func replayDLQ(ctx context.Context, rc *redisclient.Client, stream string) error {
	dlq := stream + ":dead"
	msgs, err := rc.Rdb.XRange(ctx, dlq, "-", "+").Result()
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("dead-letter stream is empty")
		return nil
	}

	replayed := 0
	for _, m := range msgs {
		values := map[string]any{}
		for k, v := range m.Values {
			switch k {
			case "original_stream", "original_id", "group", "error", "failed_at":
				continue
			}
			values[k] = v
		}
		if _, ok := values["event_type"]; !ok {
			fmt.Fprintf(os.Stderr, "skipping %s: no event payload\n", m.ID)
			continue
		}

		err := rc.Rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err()
		if err != nil {
			return fmt.Errorf("republish %s: %w", m.ID, err)
		}
		if err := rc.Rdb.XDel(ctx, dlq, m.ID).Err(); err != nil {
			return fmt.Errorf("remove %s from dlq: %w", m.ID, err)
		}
		replayed++
	}
	fmt.Printf("%d entries replayed to %s\n", replayed, stream)
	return nil
}
