package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/event"
)

const popBatch = 100

// popDueScript removes and returns members whose due time has passed.
var popDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
end
return due
`)

// RedisScheduler keeps timers in a sorted set scored by due time, so they survive
// restarts and are shared by every worker process.
type RedisScheduler struct {
	rdb          *redis.Client
	key          string
	pub          event.Publisher
	pollInterval time.Duration
	now          func() time.Time

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisScheduler(rdb *redis.Client, key string, pub event.Publisher, pollInterval time.Duration) *RedisScheduler {
	return &RedisScheduler{
		rdb:          rdb,
		key:          key,
		pub:          pub,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

func (s *RedisScheduler) ScheduleTimer(ctx context.Context, delay time.Duration, payload event.TimerFired) (Handle, error) {
	if _, err := event.Encode(payload, s.now()); err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	handle := Handle(uuid.New())
	due := s.now().Add(delay).UnixMilli()
	err = s.rdb.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(due),
		Member: string(handle) + "|" + string(data),
	}).Err()
	if err != nil {
		return "", ngerrors.Unavailable(err)
	}
	return handle, nil
}

func (s *RedisScheduler) Start(ctx context.Context) error {
	if s.cancel != nil {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.runCtx)
	}()
	return nil
}

func (s *RedisScheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RedisScheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.FireDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				getLogEntry().WithError(err).Warn("fire due timers")
			}
		}
	}
}

// FireDue publishes every timer that is due and returns how many were published.
func (s *RedisScheduler) FireDue(ctx context.Context) (int, error) {
	now := s.now().UnixMilli()
	members, err := popDueScript.Run(ctx, s.rdb, []string{s.key}, now, popBatch).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, ngerrors.Unavailable(err)
	}

	fired := 0
	for i, member := range members {
		_, raw, ok := strings.Cut(member, "|")
		if !ok {
			getLogEntry().WithField("member", member).Error("dropping unreadable timer")
			continue
		}
		var payload event.TimerFired
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			getLogEntry().WithField("member", member).WithError(err).Error("dropping unreadable timer")
			continue
		}
		if err := event.PublishEvent(ctx, s.pub, payload, s.now()); err != nil {
			s.restore(ctx, float64(now), members[i:])
			return fired, err
		}
		fired++
	}
	return fired, nil
}

// restore puts popped members back so the next poll retries them.
func (s *RedisScheduler) restore(ctx context.Context, score float64, members []string) {
	zs := make([]redis.Z, 0, len(members))
	for _, member := range members {
		zs = append(zs, redis.Z{Score: score, Member: member})
	}
	if err := s.rdb.ZAdd(context.WithoutCancel(ctx), s.key, zs...).Err(); err != nil {
		getLogEntry().WithError(err).WithField("count", len(members)).Error("timers lost after failed publish")
	}
}

// Pending is the number of timers waiting in the sorted set.
func (s *RedisScheduler) Pending(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, s.key).Result()
	return n, ngerrors.Unavailable(err)
}
