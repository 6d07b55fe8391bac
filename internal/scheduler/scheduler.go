package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/event"
)

// Handle identifies a scheduled timer. Timers are cancelled logically by bumping
// the epoch they carry, so handles are only useful for logs.
type Handle string

type Scheduler interface {
	ScheduleTimer(ctx context.Context, delay time.Duration, payload event.TimerFired) (Handle, error)
}

// MemoryScheduler fires timers from in-process time.AfterFunc callbacks. Timers do
// not survive a restart; the gatekeeper sweeper covers what is lost.
type MemoryScheduler struct {
	pub event.Publisher
	now func() time.Time

	mutex  sync.Mutex
	timers map[Handle]*time.Timer
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMemoryScheduler(pub event.Publisher) *MemoryScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryScheduler{
		pub:    pub,
		now:    time.Now,
		timers: map[Handle]*time.Timer{},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *MemoryScheduler) ScheduleTimer(_ context.Context, delay time.Duration, payload event.TimerFired) (Handle, error) {
	if _, err := event.Encode(payload, s.now()); err != nil {
		return "", err
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}

	handle := Handle(uuid.New())
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.wg.Add(1)
	s.timers[handle] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mutex.Lock()
		delete(s.timers, handle)
		s.mutex.Unlock()
		s.fire(handle, payload)
	})
	return handle, nil
}

func (s *MemoryScheduler) fire(handle Handle, payload event.TimerFired) {
	if s.ctx.Err() != nil {
		return
	}
	if err := event.PublishEvent(s.ctx, s.pub, payload, s.now()); err != nil {
		getLogEntry().WithFields(log.Fields{
			"handle":  handle,
			"chat_id": payload.ChatID,
			"user_id": payload.UserID,
			"epoch":   payload.Epoch,
		}).WithError(err).Error("publish timer")
	}
}

// Pending is the number of timers that have not fired yet.
func (s *MemoryScheduler) Pending() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.timers)
}

func (s *MemoryScheduler) Start(context.Context) error {
	return nil
}

func (s *MemoryScheduler) Stop(ctx context.Context) error {
	s.cancel()
	s.mutex.Lock()
	for handle, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, handle)
	}
	s.mutex.Unlock()

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

func getLogEntry() *log.Entry {
	return log.WithField("object", "Scheduler")
}
