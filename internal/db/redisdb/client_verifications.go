package redisdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

const (
	keyPendingIndex  = keyPrefix + "v:pending"
	keyResolvedIndex = keyPrefix + "v:resolved"
)

// Episode hashes hold status and epoch next to the JSON record so the scripts can compare them.
var createVerificationScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
local cur = redis.call('GET', KEYS[1])
if cur then
	if tonumber(cur) >= tonumber(ARGV[1]) then
		return 0
	end
	if redis.call('HGET', ARGV[7] .. cur, 'status') == 'PENDING' then
		return 0
	end
end
redis.call('HSET', KEYS[2], 'status', ARGV[2], 'epoch', ARGV[3], 'data', ARGV[4])
redis.call('SET', KEYS[1], ARGV[1])
if ARGV[2] == 'PENDING' then
	redis.call('ZADD', KEYS[3], ARGV[5], ARGV[6])
end
return 1
`)

var updateVerificationScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then
	return 0
end
if redis.call('HGET', KEYS[1], 'epoch') ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[3], 'epoch', ARGV[4], 'data', ARGV[5])
if ARGV[3] == 'PENDING' then
	redis.call('ZADD', KEYS[2], ARGV[6], ARGV[7])
else
	redis.call('ZREM', KEYS[2], ARGV[7])
	redis.call('ZADD', KEYS[3], ARGV[8], ARGV[7])
end
return 1
`)

func verificationPairPrefix(chatID, userID int64) string {
	return fmt.Sprintf("%sv:%d:%d:", keyPrefix, chatID, userID)
}

func verificationCurrentKey(chatID, userID int64) string {
	return verificationPairPrefix(chatID, userID) + "cur"
}

func verificationEpisodeKey(chatID, userID, episode int64) string {
	return verificationPairPrefix(chatID, userID) + strconv.FormatInt(episode, 10)
}

func verificationMember(chatID, userID, episode int64) string {
	return fmt.Sprintf("%d:%d:%d", chatID, userID, episode)
}

func parseVerificationMember(member string) (chatID, userID, episode int64, ok bool) {
	parts := strings.Split(member, ":")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	var err error
	if chatID, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if userID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if episode, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return 0, 0, 0, false
	}
	return chatID, userID, episode, true
}

func (c *redisClient) GetVerification(ctx context.Context, chatID, userID int64) (*db.VerificationRecord, error) {
	cur, err := c.rdb.Get(ctx, verificationCurrentKey(chatID, userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, ngerrors.Unavailable(err)
	}
	return c.loadVerification(ctx, verificationEpisodeKey(chatID, userID, cur))
}

func (c *redisClient) loadVerification(ctx context.Context, key string) (*db.VerificationRecord, error) {
	data, err := c.rdb.HGet(ctx, key, "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, ngerrors.Unavailable(err)
	}
	var rec db.VerificationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &rec, nil
}

func (c *redisClient) CreateVerification(ctx context.Context, rec *db.VerificationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	created, err := createVerificationScript.Run(ctx, c.rdb,
		[]string{
			verificationCurrentKey(rec.ChatID, rec.UserID),
			verificationEpisodeKey(rec.ChatID, rec.UserID, rec.Episode),
			keyPendingIndex,
		},
		rec.Episode,
		string(rec.Status),
		rec.TimerEpoch,
		data,
		toMillis(rec.DeadlineAt),
		verificationMember(rec.ChatID, rec.UserID, rec.Episode),
		verificationPairPrefix(rec.ChatID, rec.UserID),
	).Int()
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	if created == 0 {
		return ngerrors.Conflict("verification", rec.Key(), "", rec.TimerEpoch)
	}
	return nil
}

func (c *redisClient) UpdateVerification(ctx context.Context, rec *db.VerificationRecord, expect db.Expectation) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var resolvedAt int64
	if rec.ResolvedAt != nil {
		resolvedAt = toMillis(*rec.ResolvedAt)
	} else {
		resolvedAt = toMillis(rec.UpdatedAt)
	}
	updated, err := updateVerificationScript.Run(ctx, c.rdb,
		[]string{
			verificationEpisodeKey(rec.ChatID, rec.UserID, rec.Episode),
			keyPendingIndex,
			keyResolvedIndex,
		},
		string(expect.Status),
		expect.Epoch,
		string(rec.Status),
		rec.TimerEpoch,
		data,
		toMillis(rec.DeadlineAt),
		verificationMember(rec.ChatID, rec.UserID, rec.Episode),
		resolvedAt,
	).Int()
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	if updated == 0 {
		return ngerrors.Conflict("verification", rec.Key(), string(expect.Status), expect.Epoch)
	}
	return nil
}

func (c *redisClient) ListStalePending(ctx context.Context, deadlineBefore time.Time, limit int) ([]*db.VerificationRecord, error) {
	members, err := c.rdb.ZRangeByScore(ctx, keyPendingIndex, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(toMillis(deadlineBefore), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}

	records := make([]*db.VerificationRecord, 0, len(members))
	for _, member := range members {
		chatID, userID, episode, ok := parseVerificationMember(member)
		if !ok {
			continue
		}
		rec, err := c.loadVerification(ctx, verificationEpisodeKey(chatID, userID, episode))
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Status != db.StatusPending {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *redisClient) PurgeVerifications(ctx context.Context, resolvedBefore time.Time) (int64, error) {
	members, err := c.rdb.ZRangeByScore(ctx, keyResolvedIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(toMillis(resolvedBefore), 10),
	}).Result()
	if err != nil {
		return 0, ngerrors.Unavailable(err)
	}

	var purged int64
	for _, member := range members {
		chatID, userID, episode, ok := parseVerificationMember(member)
		if !ok {
			_ = c.rdb.ZRem(ctx, keyResolvedIndex, member).Err()
			continue
		}
		cur, err := c.rdb.Get(ctx, verificationCurrentKey(chatID, userID)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return purged, ngerrors.Unavailable(err)
		}
		// the latest episode stays until a newer one replaces it
		if episode >= cur {
			continue
		}
		pipe := c.rdb.TxPipeline()
		pipe.Del(ctx, verificationEpisodeKey(chatID, userID, episode))
		pipe.ZRem(ctx, keyResolvedIndex, member)
		if _, err := pipe.Exec(ctx); err != nil {
			return purged, ngerrors.Unavailable(err)
		}
		purged++
	}
	return purged, nil
}
