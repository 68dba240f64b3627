// Package cache keeps a short-lived ledger of successful deliveries in
// Redis. The dispatcher consults it before each send so a campaign re-run
// after a crash does not message a phone that already received it within the
// TTL window. When Redis is not configured the Noop ledger disables the
// guard.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Ledger interface {
	MarkSent(ctx context.Context, campaignID, phone, messageID string, sentAt time.Time) error
	WasSent(ctx context.Context, campaignID, phone string) (bool, error)
}

type Noop struct{}

func (Noop) MarkSent(context.Context, string, string, string, time.Time) error { return nil }
func (Noop) WasSent(context.Context, string, string) (bool, error)             { return false, nil }

type RedisLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLedger(rdb *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLedger{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

func key(campaignID, phone string) string {
	return fmt.Sprintf("sent:%s:%s", campaignID, phone)
}

func (l *RedisLedger) MarkSent(ctx context.Context, campaignID, phone, messageID string, sentAt time.Time) error {
	b, err := json.Marshal(sentValue{MessageID: messageID, SentAt: sentAt.UTC()})
	if err != nil {
		return err
	}
	return l.rdb.Set(ctx, key(campaignID, phone), b, l.ttl).Err()
}

func (l *RedisLedger) WasSent(ctx context.Context, campaignID, phone string) (bool, error) {
	err := l.rdb.Get(ctx, key(campaignID, phone)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
