package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLedger(t *testing.T, ttl time.Duration) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLedger(rdb, ttl), mr
}

func TestMarkAndCheckSent(t *testing.T) {
	l, _ := newTestLedger(t, time.Hour)
	ctx := context.Background()

	sent, err := l.WasSent(ctx, "camp-1", "628111")
	if err != nil {
		t.Fatalf("was sent: %v", err)
	}
	if sent {
		t.Fatalf("fresh ledger reports sent")
	}

	if err := l.MarkSent(ctx, "camp-1", "628111", "msg-1", time.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}

	sent, err = l.WasSent(ctx, "camp-1", "628111")
	if err != nil {
		t.Fatalf("was sent: %v", err)
	}
	if !sent {
		t.Fatalf("marked delivery not found")
	}

	// Scoped per campaign: a different campaign may message the same phone.
	sent, err = l.WasSent(ctx, "camp-2", "628111")
	if err != nil {
		t.Fatalf("was sent: %v", err)
	}
	if sent {
		t.Fatalf("ledger leaked across campaigns")
	}
}

func TestLedgerEntriesExpire(t *testing.T) {
	l, mr := newTestLedger(t, time.Minute)
	ctx := context.Background()

	if err := l.MarkSent(ctx, "camp-1", "628111", "msg-1", time.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	sent, err := l.WasSent(ctx, "camp-1", "628111")
	if err != nil {
		t.Fatalf("was sent: %v", err)
	}
	if sent {
		t.Fatalf("expired entry still reported")
	}
}

func TestNoopLedger(t *testing.T) {
	var l Ledger = Noop{}
	if err := l.MarkSent(context.Background(), "c", "p", "m", time.Now()); err != nil {
		t.Fatalf("noop mark: %v", err)
	}
	sent, err := l.WasSent(context.Background(), "c", "p")
	if err != nil || sent {
		t.Fatalf("noop was sent = %v, %v", sent, err)
	}
}
