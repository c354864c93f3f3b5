package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/dylangamachefl/pod-scribe-sub000/internal/redisclient"
)

func newTestRegister(t *testing.T) (*Register, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := redisclient.Connect(context.Background(), "redis://"+mr.Addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { rc.Close() })
	return NewRegister(rc, zerolog.Nop()), mr
}

func TestKey(t *testing.T) {
	got := Key("rag", "transcribed", "ep-A")
	if got != "idempotency:rag:transcribed:ep-A" {
		t.Errorf("Key = %q", got)
	}
}

func TestClaim_FirstTimerThenDuplicate(t *testing.T) {
	reg, _ := newTestRegister(t)
	ctx := context.Background()
	key := Key("rag", "transcribed", "ep-A")

	first, err := reg.Claim(ctx, key, 0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !first {
		t.Error("first Claim should return true")
	}

	second, err := reg.Claim(ctx, key, 0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if second {
		t.Error("second Claim should return false")
	}
}

func TestClaim_ConcurrentCallersOneWinner(t *testing.T) {
	reg, _ := newTestRegister(t)
	ctx := context.Background()
	key := Key("summarization", "transcribed", "ep-B")

	const callers = 16
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := reg.Claim(ctx, key, time.Minute)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestClaim_TTLExpiry(t *testing.T) {
	reg, mr := newTestRegister(t)
	ctx := context.Background()
	key := Key("rag", "transcribed", "ep-C")

	if _, err := reg.Claim(ctx, key, time.Second); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	mr.FastForward(2 * time.Second)

	again, err := reg.Claim(ctx, key, time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !again {
		t.Error("Claim after TTL expiry should return true")
	}
}

func TestIsProcessedMarkClear(t *testing.T) {
	reg, _ := newTestRegister(t)
	ctx := context.Background()
	key := Key("rag", "transcribed", "ep-D")

	done, err := reg.IsProcessed(ctx, key)
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if done {
		t.Error("IsProcessed should be false before any claim")
	}

	if err := reg.MarkProcessed(ctx, key, 0); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	done, _ = reg.IsProcessed(ctx, key)
	if !done {
		t.Error("IsProcessed should be true after MarkProcessed")
	}

	if err := reg.Clear(ctx, key); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	done, _ = reg.IsProcessed(ctx, key)
	if done {
		t.Error("IsProcessed should be false after Clear")
	}
}
