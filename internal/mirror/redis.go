package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"relaychat/internal/relay"
)

const redisKeyPrefix = "relaychat:presence:"

// redisOnlineSet holds the ids of every user currently online.
const redisOnlineSet = "relaychat:online"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisMirror writes a hash per user (relaychat:presence:<user>) and keeps
// the relaychat:online set, so other services can read presence without
// talking to the relay.
type RedisMirror struct {
	rdb *redis.Client
}

func NewRedisMirror(ctx context.Context, cfg RedisConfig) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisMirror{rdb: rdb}, nil
}

func (m *RedisMirror) Name() string { return "redis" }

func (m *RedisMirror) Publish(ctx context.Context, event relay.PresenceEvent) error {
	key := presenceKey(event.UserID)
	fields := presenceFields(event)
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if event.Status == relay.StatusOnline {
			pipe.SAdd(ctx, redisOnlineSet, event.UserID)
		} else {
			pipe.SRem(ctx, redisOnlineSet, event.UserID)
		}
		return nil
	})
	return err
}

func (m *RedisMirror) Close() error { return m.rdb.Close() }

func presenceKey(userID string) string { return redisKeyPrefix + userID }

func presenceFields(event relay.PresenceEvent) map[string]any {
	fields := map[string]any{
		"status":     string(event.Status),
		"updated_at": event.At.UTC().Format(time.RFC3339Nano),
	}
	if !event.LastSeen.IsZero() {
		fields["last_seen"] = event.LastSeen.UTC().Format(time.RFC3339Nano)
	}
	return fields
}
