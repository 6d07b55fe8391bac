package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/config"
	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/i18n"
)

type Tier string

const (
	TierLow    Tier = "Low"
	TierMedium Tier = "Medium"
	TierHigh   Tier = "High"
)

const day = 24 * time.Hour

type (
	Activity struct {
		Tier           Tier
		Messages       int64
		Days           float64
		MessagesPerDay float64
	}

	Report struct {
		Stats    db.ChatStats
		Activity Activity
	}

	// Aggregator owns per-chat counters. Increments commute, so callers never coordinate.
	Aggregator struct {
		store  db.StatsStore
		low    float64
		high   float64
		window time.Duration
		now    func() time.Time
	}
)

func NewAggregator(store db.StatsStore, cfg config.Stats) *Aggregator {
	return &Aggregator{
		store:  store,
		low:    cfg.LowThreshold,
		high:   cfg.HighThreshold,
		window: cfg.Window,
		now:    time.Now,
	}
}

func (a *Aggregator) RecordEvent(ctx context.Context, chatID int64, kind db.StatKind, at time.Time) error {
	if err := a.store.IncrementStat(ctx, chatID, kind, at); err != nil {
		return fmt.Errorf("record %s for chat %d: %w", kind, chatID, err)
	}
	getLogEntry().WithFields(log.Fields{
		"chat_id": chatID,
		"kind":    kind,
	}).Trace("stat recorded")
	return nil
}

// ComputeActivity classifies messages per day over the trailing window. The window is
// clamped to the time since the chat was first seen, and never shorter than one day.
func (a *Aggregator) ComputeActivity(ctx context.Context, chatID int64, window time.Duration) (Activity, error) {
	if window <= 0 {
		window = a.window
	}
	stats, err := a.store.GetChatStats(ctx, chatID)
	if err != nil {
		return Activity{}, err
	}
	return a.activity(ctx, chatID, stats, window)
}

func (a *Aggregator) activity(ctx context.Context, chatID int64, stats *db.ChatStats, window time.Duration) (Activity, error) {
	now := a.now()
	span := window
	if stats != nil {
		if age := now.Sub(stats.StartedAt); age < span {
			span = age
		}
	}
	span = max(span, day)

	messages, err := a.store.SumStatSince(ctx, chatID, db.StatMessages, now.Add(-span))
	if err != nil {
		return Activity{}, err
	}
	days := span.Hours() / 24
	perDay := float64(messages) / days
	return Activity{
		Tier:           Classify(perDay, a.low, a.high),
		Messages:       messages,
		Days:           days,
		MessagesPerDay: math.Round(perDay*10) / 10,
	}, nil
}

// Snapshot returns the totals and the activity over the configured window. A chat
// that was never seen reports zero counters.
func (a *Aggregator) Snapshot(ctx context.Context, chatID int64) (*Report, error) {
	stats, err := a.store.GetChatStats(ctx, chatID)
	if err != nil {
		return nil, err
	}
	activity, err := a.activity(ctx, chatID, stats, a.window)
	if err != nil {
		return nil, err
	}
	report := &Report{Activity: activity}
	if stats != nil {
		report.Stats = *stats
	} else {
		report.Stats = db.ChatStats{ChatID: chatID, StartedAt: a.now()}
	}
	return report, nil
}

func Classify(perDay, low, high float64) Tier {
	switch {
	case perDay < low:
		return TierLow
	case perDay < high:
		return TierMedium
	default:
		return TierHigh
	}
}

func (t Tier) Localized(lang string) string {
	switch t {
	case TierLow:
		return i18n.Get("Low", lang)
	case TierMedium:
		return i18n.Get("Medium", lang)
	default:
		return i18n.Get("High", lang)
	}
}

func (r *Report) Render(lang string) string {
	s := r.Stats
	return fmt.Sprintf(
		i18n.Get("<b>Chat statistics</b>\nSince %s\n\nJoined members: %d\nPassed verification: %d\nRemoved by timeout: %d\nRemoved by vote: %d\nMessages: %d\n\nActivity: %s (%.1f messages per day)", lang),
		s.StartedAt.UTC().Format("2006-01-02"),
		s.JoinsTotal,
		s.VerifiedTotal,
		s.KickedTotal+s.ExpiredTotal,
		s.VoteBansTotal,
		s.MessagesTotal,
		r.Activity.Tier.Localized(lang),
		r.Activity.MessagesPerDay,
	)
}

func getLogEntry() *log.Entry {
	return log.WithField("object", "Stats")
}
