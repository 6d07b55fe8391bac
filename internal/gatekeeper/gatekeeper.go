package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/bot"
	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/event"
	"github.com/iamwavecut/ngguard/internal/i18n"
	"github.com/iamwavecut/ngguard/internal/observability"
	"github.com/iamwavecut/ngguard/internal/scheduler"
)

type (
	Bot interface {
		SendChallenge(ctx context.Context, c bot.Challenge) (int, error)
		SendText(ctx context.Context, chatID int64, text string, keyboard bot.Keyboard) (int, error)
		AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
		RemoveMember(ctx context.Context, chatID, userID int64) error
		DeleteMessage(ctx context.Context, chatID int64, messageID int) error
		RestrictMember(ctx context.Context, chatID, userID int64, until time.Time) error
		LiftRestriction(ctx context.Context, chatID, userID int64) error
	}

	StatsRecorder interface {
		RecordEvent(ctx context.Context, chatID int64, kind db.StatKind, at time.Time) error
	}

	// Gatekeeper applies verification decisions: it commits the conditional write and,
	// only when the write wins, performs the decision's effects.
	Gatekeeper struct {
		store     db.VerificationStore
		bot       Bot
		scheduler scheduler.Scheduler
		stats     StatsRecorder
		machine   *Machine
		captcha   *Captcha
	}
)

func New(store db.VerificationStore, b Bot, sched scheduler.Scheduler, stats StatsRecorder, machine *Machine, captcha *Captcha) *Gatekeeper {
	return &Gatekeeper{
		store:     store,
		bot:       b,
		scheduler: sched,
		stats:     stats,
		machine:   machine,
		captcha:   captcha,
	}
}

// Handle processes one event addressed to a verification record. A lost race is
// reported as ErrContention with no effects performed. Effects that fail after the
// write are logged and counted, never returned.
func (g *Gatekeeper) Handle(ctx context.Context, ev event.Event) (Outcome, error) {
	entry := g.getLogEntry().WithFields(log.Fields{
		"method":  "Handle",
		"type":    ev.Type(),
		"chat_id": ev.Chat(),
		"user_id": Subject(ev),
	})

	rec, err := g.store.GetVerification(ctx, ev.Chat(), Subject(ev))
	if err != nil {
		return "", err
	}

	d := g.machine.Decide(rec, ev)
	entry = entry.WithField("outcome", d.Outcome)
	if err := g.commit(ctx, rec, d); err != nil {
		if errors.Is(err, ngerrors.ErrContention) {
			entry.WithError(err).Debug("transition lost to a concurrent writer")
			if cb, ok := ev.(event.CallbackReceived); ok {
				g.answerLostCallback(ctx, cb)
			}
		}
		return d.Outcome, err
	}

	switch d.Outcome {
	case OutcomeStale:
		entry.Trace("stale timer dropped")
	case OutcomeDuplicate:
		entry.Debug("redelivered join dropped")
	case OutcomeIgnored, OutcomeCounted:
	default:
		entry.Debug("decided")
	}

	// a committed transition must not be left half applied by a shutdown
	g.execute(context.WithoutCancel(ctx), d)
	return d.Outcome, nil
}

// Screen deletes a message sent by a member who has not verified yet and reports
// whether it did. Messages of everybody else are left for their handler.
func (g *Gatekeeper) Screen(ctx context.Context, chatID, userID int64, messageID int) (bool, error) {
	rec, err := g.store.GetVerification(ctx, chatID, userID)
	if err != nil {
		return false, err
	}
	d := g.machine.Decide(rec, event.MessageReceived{ChatID: chatID, UserID: userID, MessageID: messageID})
	if d.Outcome != OutcomeSuppressed {
		return false, nil
	}
	g.getLogEntry().WithFields(log.Fields{
		"method":  "Screen",
		"chat_id": chatID,
		"user_id": userID,
	}).Debug("message of unverified member suppressed")
	g.execute(context.WithoutCancel(ctx), d)
	return true, nil
}

// answerLostCallback answers a press whose transition lost the race. The answer is
// decided against the record the winner left behind.
func (g *Gatekeeper) answerLostCallback(ctx context.Context, cb event.CallbackReceived) {
	ctx = context.WithoutCancel(ctx)
	rec, err := g.store.GetVerification(ctx, cb.ChatID, cb.TargetID)
	if err != nil {
		g.getLogEntry().WithFields(log.Fields{
			"method":  "answerLostCallback",
			"chat_id": cb.ChatID,
			"user_id": cb.TargetID,
		}).WithError(err).Warn("cant reload record, answering as inactive")
		rec = nil
	}

	d := g.machine.Decide(rec, cb)
	if d.Outcome != OutcomeRejected {
		d = Decision{
			Outcome: OutcomeRejected,
			Effects: []Effect{AnswerCallback{
				CallbackID: cb.CallbackID,
				Text:       i18n.Get("This challenge is no longer active.", g.machine.language(cb.LanguageCode)),
			}},
		}
	}
	answers := make([]Effect, 0, 1)
	for _, eff := range d.Effects {
		if answer, ok := eff.(AnswerCallback); ok {
			answers = append(answers, answer)
		}
	}
	g.execute(ctx, Decision{Outcome: d.Outcome, Effects: answers})
}

func (g *Gatekeeper) commit(ctx context.Context, prev *db.VerificationRecord, d Decision) error {
	var err error
	switch d.Write {
	case WriteNone:
		return nil
	case WriteCreate:
		err = g.store.CreateVerification(ctx, d.Record)
	case WriteUpdate:
		err = g.store.UpdateVerification(ctx, d.Record, d.Expect)
	}
	if err != nil {
		return err
	}

	from := "NONE"
	if prev != nil && d.Write == WriteUpdate {
		from = string(prev.Status)
	}
	observability.RecordTransition(from, string(d.Record.Status))
	return nil
}

func (g *Gatekeeper) execute(ctx context.Context, d Decision) {
	for _, eff := range d.Effects {
		if err := g.apply(ctx, d, eff); err != nil {
			observability.RecordEffectFailure(eff.Name())
			entry := g.getLogEntry().WithFields(log.Fields{
				"method":  "execute",
				"effect":  eff.Name(),
				"outcome": d.Outcome,
			})
			if d.Record != nil {
				entry = entry.WithFields(log.Fields{
					"chat_id": d.Record.ChatID,
					"user_id": d.Record.UserID,
					"epoch":   d.Record.TimerEpoch,
				})
			}
			entry.WithError(err).Error("effect failed")
		}
	}
}

func (g *Gatekeeper) apply(ctx context.Context, d Decision, eff Effect) error {
	switch e := eff.(type) {
	case Restrict:
		return g.bot.RestrictMember(ctx, e.ChatID, e.UserID, e.Until)
	case SendChallenge:
		return g.sendChallenge(ctx, d.Record, e)
	case ScheduleTimer:
		_, err := g.scheduler.ScheduleTimer(ctx, e.Delay, e.Payload)
		return err
	case AnswerCallback:
		if e.CallbackID == "" {
			return nil
		}
		return g.bot.AnswerCallback(ctx, e.CallbackID, e.Text, e.Alert)
	case LiftRestriction:
		return g.bot.LiftRestriction(ctx, e.ChatID, e.UserID)
	case RemoveMember:
		return g.bot.RemoveMember(ctx, e.ChatID, e.UserID)
	case DeleteMessage:
		return g.bot.DeleteMessage(ctx, e.ChatID, e.MessageID)
	case SendWelcome:
		text := fmt.Sprintf(i18n.Get("Hello %s! Welcome to the community!", e.Language), api.EscapeText(api.ModeHTML, e.Name))
		_, err := g.bot.SendText(ctx, e.ChatID, text, nil)
		return err
	case IncrementStat:
		return g.stats.RecordEvent(ctx, e.ChatID, e.Kind, e.At)
	}
	return fmt.Errorf("unknown effect %T", eff)
}

// sendChallenge sends the challenge and stores its message id under the same epoch.
// When the record moved on in between, the message is removed again.
func (g *Gatekeeper) sendChallenge(ctx context.Context, rec *db.VerificationRecord, e SendChallenge) error {
	messageID, err := g.bot.SendChallenge(ctx, g.captcha.Build(e, g.machine.window))
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	withMessage := rec.Clone()
	withMessage.ChallengeMessageID = messageID
	withMessage.UpdatedAt = g.machine.now().UTC()
	err = g.store.UpdateVerification(ctx, withMessage, db.Expectation{Status: db.StatusPending, Epoch: e.Epoch})
	if errors.Is(err, ngerrors.ErrContention) {
		g.getLogEntry().WithFields(log.Fields{
			"method":  "sendChallenge",
			"chat_id": e.ChatID,
			"user_id": e.UserID,
			"epoch":   e.Epoch,
		}).Debug("record moved on before the challenge was attached")
		return g.bot.DeleteMessage(ctx, e.ChatID, messageID)
	}
	return err
}

func (g *Gatekeeper) getLogEntry() *log.Entry {
	return log.WithField("object", "Gatekeeper")
}
