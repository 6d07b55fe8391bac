package redisdb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

const keyPrefix = "ng:"

// Open connects and pings. The returned client is shared by the store, the queue and the scheduler.
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, ngerrors.Unavailable(fmt.Errorf("redis %s: %w", addr, err))
	}
	return rdb, nil
}

type redisClient struct {
	rdb *redis.Client
}

// NewRedisClient wraps an open connection. Close closes the connection too.
func NewRedisClient(rdb *redis.Client) *redisClient {
	return &redisClient{rdb: rdb}
}

func (c *redisClient) Ping(ctx context.Context) error {
	return ngerrors.Unavailable(c.rdb.Ping(ctx).Err())
}

func (c *redisClient) Close() error {
	return c.rdb.Close()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
