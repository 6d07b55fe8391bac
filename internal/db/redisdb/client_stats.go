package redisdb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

var incrementStatScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
local started = redis.call('HGET', KEYS[1], 'started_at')
if not started or tonumber(ARGV[2]) < tonumber(started) then
	redis.call('HSET', KEYS[1], 'started_at', ARGV[2])
end
local updated = redis.call('HGET', KEYS[1], 'updated_at')
if not updated or tonumber(ARGV[2]) > tonumber(updated) then
	redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
end
redis.call('HINCRBY', KEYS[2], ARGV[3], 1)
return 1
`)

func statsKey(chatID int64) string {
	return fmt.Sprintf("%sstats:%d", keyPrefix, chatID)
}

func statsHourlyKey(chatID int64, kind db.StatKind) string {
	return fmt.Sprintf("%sstats:%d:%s:hourly", keyPrefix, chatID, kind)
}

func (c *redisClient) IncrementStat(ctx context.Context, chatID int64, kind db.StatKind, at time.Time) error {
	if !kind.Valid() {
		return ngerrors.Malformed("unknown stat kind %q", kind)
	}
	err := incrementStatScript.Run(ctx, c.rdb,
		[]string{statsKey(chatID), statsHourlyKey(chatID, kind)},
		kind.Column(),
		toMillis(at),
		db.HourBucket(at),
	).Err()
	return ngerrors.Unavailable(err)
}

func (c *redisClient) GetChatStats(ctx context.Context, chatID int64) (*db.ChatStats, error) {
	fields, err := c.rdb.HGetAll(ctx, statsKey(chatID)).Result()
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	stats := &db.ChatStats{
		ChatID:    chatID,
		StartedAt: fromMillis(parseInt(fields["started_at"])),
		UpdatedAt: fromMillis(parseInt(fields["updated_at"])),
	}
	for _, kind := range db.StatKinds {
		stats.Add(kind, parseInt(fields[kind.Column()]))
	}
	return stats, nil
}

func (c *redisClient) SumStatSince(ctx context.Context, chatID int64, kind db.StatKind, since time.Time) (int64, error) {
	buckets, err := c.rdb.HGetAll(ctx, statsHourlyKey(chatID, kind)).Result()
	if err != nil {
		return 0, ngerrors.Unavailable(err)
	}
	from := db.HourBucket(since)
	var total int64
	for hour, count := range buckets {
		h, err := strconv.ParseInt(hour, 10, 64)
		if err != nil || h < from {
			continue
		}
		total += parseInt(count)
	}
	return total, nil
}
