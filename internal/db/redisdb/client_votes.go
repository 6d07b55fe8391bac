package redisdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

var createVoteRoundScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
local cur = redis.call('GET', KEYS[1])
if cur then
	if tonumber(cur) >= tonumber(ARGV[1]) then
		return 0
	end
	if redis.call('HGET', ARGV[2] .. cur, 'status') == 'OPEN' then
		return 0
	end
end
redis.call('HSET', KEYS[2], unpack(ARGV, 3))
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// Returns {status, ban, forgive}, or an empty table when the round does not exist.
var castVoteScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return {}
end
if status == 'OPEN' then
	if ARGV[2] == 'ban' then
		redis.call('SREM', KEYS[3], ARGV[1])
		redis.call('SADD', KEYS[2], ARGV[1])
	else
		redis.call('SREM', KEYS[2], ARGV[1])
		redis.call('SADD', KEYS[3], ARGV[1])
	end
end
return {status, redis.call('SCARD', KEYS[2]), redis.call('SCARD', KEYS[3])}
`)

var closeVoteRoundScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'OPEN' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'closed_at', ARGV[2])
return 1
`)

var setVoteMessageScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'message_id', ARGV[1])
return 1
`)

func votePairPrefix(chatID, targetID int64) string {
	return fmt.Sprintf("%svb:%d:%d:", keyPrefix, chatID, targetID)
}

func voteCurrentKey(chatID, targetID int64) string {
	return votePairPrefix(chatID, targetID) + "cur"
}

func voteRoundKey(chatID, targetID, round int64) string {
	return votePairPrefix(chatID, targetID) + strconv.FormatInt(round, 10)
}

func (c *redisClient) GetLatestVoteRound(ctx context.Context, chatID, targetID int64) (*db.VoteRound, error) {
	cur, err := c.rdb.Get(ctx, voteCurrentKey(chatID, targetID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, ngerrors.Unavailable(err)
	}
	return c.GetVoteRound(ctx, chatID, targetID, cur)
}

func (c *redisClient) GetVoteRound(ctx context.Context, chatID, targetID, roundNo int64) (*db.VoteRound, error) {
	fields, err := c.rdb.HGetAll(ctx, voteRoundKey(chatID, targetID, roundNo)).Result()
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	round := &db.VoteRound{
		ChatID:        chatID,
		TargetID:      targetID,
		Round:         roundNo,
		Status:        db.VoteStatus(fields["status"]),
		Threshold:     int(parseInt(fields["threshold"])),
		InitiatorID:   parseInt(fields["initiator_id"]),
		TargetName:    fields["target_name"],
		InitiatorName: fields["initiator_name"],
		MessageID:     int(parseInt(fields["message_id"])),
		OpenedAt:      fromMillis(parseInt(fields["opened_at"])),
	}
	if closed, ok := fields["closed_at"]; ok && closed != "" {
		closedAt := fromMillis(parseInt(closed))
		round.ClosedAt = &closedAt
	}
	return round, nil
}

func (c *redisClient) CreateVoteRound(ctx context.Context, round *db.VoteRound) error {
	args := []any{
		round.Round,
		votePairPrefix(round.ChatID, round.TargetID),
		"status", string(round.Status),
		"threshold", round.Threshold,
		"initiator_id", round.InitiatorID,
		"target_name", round.TargetName,
		"initiator_name", round.InitiatorName,
		"message_id", round.MessageID,
		"opened_at", toMillis(round.OpenedAt),
	}
	if round.ClosedAt != nil {
		args = append(args, "closed_at", toMillis(*round.ClosedAt))
	}
	created, err := createVoteRoundScript.Run(ctx, c.rdb,
		[]string{
			voteCurrentKey(round.ChatID, round.TargetID),
			voteRoundKey(round.ChatID, round.TargetID, round.Round),
		},
		args...,
	).Int()
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	if created == 0 {
		return ngerrors.Conflict("vote round", round.Key(), "", round.Round)
	}
	return nil
}

func (c *redisClient) CastVote(ctx context.Context, chatID, targetID, roundNo, voterID int64, choice db.VoteChoice) (*db.VoteTally, error) {
	if !choice.Valid() {
		return nil, ngerrors.Malformed("unknown vote choice %q", choice)
	}
	key := voteRoundKey(chatID, targetID, roundNo)
	res, err := castVoteScript.Run(ctx, c.rdb,
		[]string{key, key + ":ban", key + ":forgive"},
		voterID,
		string(choice),
	).Slice()
	if err != nil {
		return nil, ngerrors.Unavailable(err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("vote round %d:%d#%d: %w", chatID, targetID, roundNo, ngerrors.ErrNotFound)
	}
	status, _ := res[0].(string)
	ban, _ := res[1].(int64)
	forgive, _ := res[2].(int64)
	return &db.VoteTally{Ban: int(ban), Forgive: int(forgive), Status: db.VoteStatus(status)}, nil
}

func (c *redisClient) CloseVoteRound(ctx context.Context, chatID, targetID, roundNo int64, next db.VoteStatus, at time.Time) error {
	if next == db.VoteOpen {
		return ngerrors.Malformed("cannot close vote round into %s", next)
	}
	closed, err := closeVoteRoundScript.Run(ctx, c.rdb,
		[]string{voteRoundKey(chatID, targetID, roundNo)},
		string(next),
		toMillis(at),
	).Int()
	if err != nil {
		return ngerrors.Unavailable(err)
	}
	if closed == 0 {
		key := fmt.Sprintf("%d:%d#%d", chatID, targetID, roundNo)
		return ngerrors.Conflict("vote round", key, string(db.VoteOpen), roundNo)
	}
	return nil
}

func (c *redisClient) SetVoteMessage(ctx context.Context, chatID, targetID, roundNo int64, messageID int) error {
	err := setVoteMessageScript.Run(ctx, c.rdb,
		[]string{voteRoundKey(chatID, targetID, roundNo)},
		messageID,
	).Err()
	return ngerrors.Unavailable(err)
}
