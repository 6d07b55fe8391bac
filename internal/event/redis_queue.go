package event

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

const (
	fieldEnvelope = "envelope"
	fieldAttempt  = "attempt"
)

type RedisQueueConfig struct {
	Stream            string
	Group             string
	Consumer          string
	MaxDeliveries     int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// RedisQueue is a stream with one consumer group. Deliveries idle longer than the
// visibility timeout are reclaimed and re-published with a bumped attempt.
type RedisQueue struct {
	rdb *redis.Client
	cfg RedisQueueConfig
}

func NewRedisQueue(rdb *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	return &RedisQueue{rdb: rdb, cfg: cfg}
}

// Start creates the consumer group if it does not exist yet.
func (q *RedisQueue) Start(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return ngerrors.Unavailable(fmt.Errorf("create consumer group: %w", err))
	}
	return nil
}

func (q *RedisQueue) Stop(context.Context) error {
	return nil
}

func (q *RedisQueue) deadStream() string {
	return q.cfg.Stream + ":dead"
}

func (q *RedisQueue) Publish(ctx context.Context, env Envelope) error {
	return q.add(ctx, q.rdb, q.cfg.Stream, env, 1)
}

func (q *RedisQueue) add(ctx context.Context, c redis.Cmdable, stream string, env Envelope, attempt int) error {
	data, err := MarshalEnvelope(env)
	if err != nil {
		return err
	}
	return ngerrors.Unavailable(c.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			fieldEnvelope: data,
			fieldAttempt:  attempt,
		},
	}).Err())
}

func (q *RedisQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}

		if err := q.reclaimIdle(ctx); err != nil {
			return Delivery{}, err
		}

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    1,
			Block:    q.cfg.PollInterval,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, ngerrors.Unavailable(err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				d, err := q.delivery(msg)
				if err != nil {
					q.dropPoison(ctx, msg, err)
					continue
				}
				return d, nil
			}
		}
	}
}

// reclaimIdle moves deliveries abandoned by crashed consumers back to the tail.
func (q *RedisQueue) reclaimIdle(ctx context.Context) error {
	if q.cfg.VisibilityTimeout <= 0 {
		return nil
	}
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return ngerrors.Unavailable(err)
	}
	for _, msg := range msgs {
		d, err := q.delivery(msg)
		if err != nil {
			q.dropPoison(ctx, msg, err)
			continue
		}
		log.WithFields(log.Fields{
			"object":   "RedisQueue",
			"delivery": d.ID,
			"attempt":  d.Attempt,
		}).Warn("reclaiming idle delivery")
		if err := q.Nack(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) delivery(msg redis.XMessage) (Delivery, error) {
	raw, ok := msg.Values[fieldEnvelope].(string)
	if !ok {
		return Delivery{}, ngerrors.Malformed("stream entry %s has no envelope", msg.ID)
	}
	env, err := UnmarshalEnvelope([]byte(raw))
	if err != nil {
		return Delivery{}, err
	}
	attempt := 1
	if s, ok := msg.Values[fieldAttempt].(string); ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			attempt = n
		}
	}
	return Delivery{ID: msg.ID, Attempt: attempt, Envelope: env}, nil
}

func (q *RedisQueue) dropPoison(ctx context.Context, msg redis.XMessage, cause error) {
	log.WithFields(log.Fields{
		"object":   "RedisQueue",
		"delivery": msg.ID,
	}).WithError(cause).Error("dropping unreadable stream entry")
	pipe := q.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.deadStream(), Values: msg.Values})
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, msg.ID)
	pipe.XDel(ctx, q.cfg.Stream, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithField("object", "RedisQueue").WithError(err).Warn("dead-lettering failed")
	}
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID)
	pipe.XDel(ctx, q.cfg.Stream, d.ID)
	_, err := pipe.Exec(ctx)
	return ngerrors.Unavailable(err)
}

func (q *RedisQueue) Nack(ctx context.Context, d Delivery) error {
	dead := d.Attempt >= q.cfg.MaxDeliveries
	stream, attempt := q.cfg.Stream, d.Attempt+1
	if dead {
		stream, attempt = q.deadStream(), d.Attempt
	}

	pipe := q.rdb.TxPipeline()
	if err := q.add(ctx, pipe, stream, d.Envelope, attempt); err != nil {
		return err
	}
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID)
	pipe.XDel(ctx, q.cfg.Stream, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return ngerrors.Unavailable(err)
	}
	if dead {
		deadLetter(d)
	}
	return nil
}
