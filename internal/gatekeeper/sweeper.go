package gatekeeper

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/config"
	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/event"
	"github.com/iamwavecut/ngguard/internal/infra"
)

const sweeperMaxPanics = 5

// Sweeper reconciles what timers alone cannot guarantee. PENDING records whose
// deadline passed more than grace ago get their TimerFired republished with the
// current epoch; old terminal episodes are purged after the retention window.
type Sweeper struct {
	store     db.VerificationStore
	pub       event.Publisher
	interval  time.Duration
	grace     time.Duration
	retention time.Duration
	batch     int
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(store db.VerificationStore, pub event.Publisher, cfg config.Gatekeeper) *Sweeper {
	return &Sweeper{
		store:     store,
		pub:       pub,
		interval:  cfg.SweepInterval,
		grace:     cfg.SweepGrace,
		retention: cfg.Retention,
		batch:     max(cfg.SweepBatchSize, 1),
		now:       time.Now,
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := infra.GoRecoverable(runCtx, sweeperMaxPanics, "gatekeeper_sweeper", s.run)
		if err != nil && runCtx.Err() == nil {
			s.getLogEntry().WithError(err).Error("sweeper stopped")
		}
	}()
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.getLogEntry().WithError(err).Warn("sweep failed")
			}
		}
	}
}

// Sweep runs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) (republished int, purged int64, err error) {
	entry := s.getLogEntry().WithField("method", "Sweep")
	now := s.now()

	stale, err := s.store.ListStalePending(ctx, now.Add(-s.grace), s.batch)
	if err != nil {
		return 0, 0, err
	}
	for _, rec := range stale {
		timer := event.TimerFired{
			ChatID: rec.ChatID,
			UserID: rec.UserID,
			Epoch:  rec.TimerEpoch,
			Kind:   event.TimerVerification,
		}
		if err := event.PublishEvent(ctx, s.pub, timer, now); err != nil {
			return republished, 0, err
		}
		republished++
		entry.WithFields(log.Fields{
			"chat_id": rec.ChatID,
			"user_id": rec.UserID,
			"epoch":   rec.TimerEpoch,
		}).Info("republished overdue verification timer")
	}

	if s.retention > 0 {
		purged, err = s.store.PurgeVerifications(ctx, now.Add(-s.retention))
		if err != nil {
			return republished, 0, err
		}
		if purged > 0 {
			entry.WithField("purged", purged).Debug("purged old verification episodes")
		}
	}
	return republished, purged, nil
}

func (s *Sweeper) getLogEntry() *log.Entry {
	return log.WithField("object", "GatekeeperSweeper")
}
