package voteban

import (
	"context"
	"errors"
	"fmt"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/bot"
	"github.com/iamwavecut/ngguard/internal/config"
	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/event"
	"github.com/iamwavecut/ngguard/internal/i18n"
	"github.com/iamwavecut/ngguard/internal/observability"
	"github.com/iamwavecut/ngguard/internal/scheduler"
)

type (
	Bot interface {
		SendText(ctx context.Context, chatID int64, text string, keyboard bot.Keyboard) (int, error)
		EditText(ctx context.Context, chatID int64, messageID int, text string, keyboard bot.Keyboard) error
		AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
		RemoveMember(ctx context.Context, chatID, userID int64) error
		MemberStatus(ctx context.Context, chatID, userID int64) (bot.MemberStatus, error)
	}

	StatsRecorder interface {
		RecordEvent(ctx context.Context, chatID int64, kind db.StatKind, at time.Time) error
	}

	// VoteBan runs community vote rounds. The round number doubles as the epoch of the
	// round's expiry timer, and closing a round is a conditional OPEN transition, so
	// only one writer ever enforces or expires it.
	VoteBan struct {
		store     db.VoteStore
		bot       Bot
		scheduler scheduler.Scheduler
		stats     StatsRecorder
		threshold int
		window    time.Duration
		lang      string
		now       func() time.Time
	}
)

func New(store db.VoteStore, b Bot, sched scheduler.Scheduler, stats StatsRecorder, cfg config.VoteBan, defaultLang string) *VoteBan {
	return &VoteBan{
		store:     store,
		bot:       b,
		scheduler: sched,
		stats:     stats,
		threshold: cfg.Threshold,
		window:    cfg.Window,
		lang:      i18n.Normalize(defaultLang),
		now:       time.Now,
	}
}

// Open handles /voteban sent as a reply. It opens a round against the replied
// user, or joins the round already open, and casts the initiator's ban vote.
func (v *VoteBan) Open(ctx context.Context, cmd event.CommandReceived) error {
	entry := v.getLogEntry().WithFields(log.Fields{
		"method":  "Open",
		"chat_id": cmd.ChatID,
		"user_id": cmd.UserID,
	})
	lang := i18n.Normalize(cmd.LanguageCode)
	refuse := func(text string) error {
		_, err := v.bot.SendText(ctx, cmd.ChatID, text, nil)
		return err
	}

	switch {
	case cmd.ReplyTo == nil:
		return refuse(i18n.Get("Reply to a message of the user you want to vote against.", lang))
	case cmd.ReplyTo.UserID == cmd.UserID:
		return refuse(i18n.Get("You cannot vote against yourself.", lang))
	case cmd.ReplyTo.IsBot:
		return refuse(i18n.Get("Bots cannot be voted out.", lang))
	}

	status, err := v.bot.MemberStatus(ctx, cmd.ChatID, cmd.ReplyTo.UserID)
	switch {
	case err != nil:
		entry.WithError(err).Warn("cant check target status, proceeding")
	case status.Admin:
		return refuse(i18n.Get("Administrators cannot be voted out.", lang))
	}

	round, err := v.openRound(ctx, cmd)
	if err != nil {
		return err
	}
	return v.cast(ctx, round, cmd.UserID, db.ChoiceBan, "", lang)
}

func (v *VoteBan) openRound(ctx context.Context, cmd event.CommandReceived) (*db.VoteRound, error) {
	targetID := cmd.ReplyTo.UserID
	latest, err := v.store.GetLatestVoteRound(ctx, cmd.ChatID, targetID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Status == db.VoteOpen {
		return latest, nil
	}

	round := &db.VoteRound{
		ChatID:        cmd.ChatID,
		TargetID:      targetID,
		Round:         1,
		Status:        db.VoteOpen,
		Threshold:     v.threshold,
		InitiatorID:   cmd.UserID,
		TargetName:    cmd.ReplyTo.Name,
		InitiatorName: cmd.UserName,
		OpenedAt:      v.now().UTC(),
	}
	if latest != nil {
		round.Round = latest.Round + 1
	}
	if err := v.store.CreateVoteRound(ctx, round); err != nil {
		if !errors.Is(err, ngerrors.ErrContention) {
			return nil, err
		}
		// a concurrent /voteban opened it first
		latest, err := v.store.GetLatestVoteRound(ctx, cmd.ChatID, targetID)
		if err != nil {
			return nil, err
		}
		if latest == nil || latest.Status != db.VoteOpen {
			return nil, ngerrors.Conflict("vote round", round.Key(), string(db.VoteOpen), round.Round)
		}
		return latest, nil
	}

	entry := v.getLogEntry().WithFields(log.Fields{
		"method":    "openRound",
		"chat_id":   round.ChatID,
		"target_id": round.TargetID,
		"round":     round.Round,
	})
	entry.Info("vote round opened")

	messageID, err := v.bot.SendText(ctx, round.ChatID, v.render(round, db.VoteTally{Status: db.VoteOpen}), v.keyboard(round))
	if err != nil {
		observability.RecordEffectFailure("send_vote_message")
		entry.WithError(err).Error("cant send vote message")
	} else {
		round.MessageID = messageID
		if err := v.store.SetVoteMessage(ctx, round.ChatID, round.TargetID, round.Round, messageID); err != nil {
			entry.WithError(err).Error("cant store vote message")
		}
	}

	timer := event.TimerFired{ChatID: round.ChatID, UserID: round.TargetID, Epoch: round.Round, Kind: event.TimerVoteRound}
	if _, err := v.scheduler.ScheduleTimer(ctx, v.window, timer); err != nil {
		observability.RecordEffectFailure("schedule_timer")
		entry.WithError(err).Error("cant schedule vote expiry")
	}
	return round, nil
}

// Cast handles a press on a vote button.
func (v *VoteBan) Cast(ctx context.Context, ev event.VoteCast) error {
	lang := i18n.Normalize(ev.LanguageCode)
	answer := func(text string, alert bool) error {
		return v.bot.AnswerCallback(ctx, ev.CallbackID, text, alert)
	}

	if ev.UserID == ev.TargetID {
		return answer(i18n.Get("You cannot vote against yourself.", lang), true)
	}
	round, err := v.store.GetVoteRound(ctx, ev.ChatID, ev.TargetID, ev.Round)
	if err != nil {
		return err
	}
	if round == nil || round.Status != db.VoteOpen {
		return answer(i18n.Get("This vote is closed.", lang), false)
	}

	status, err := v.bot.MemberStatus(ctx, ev.ChatID, ev.UserID)
	switch {
	case err != nil:
		v.getLogEntry().WithField("method", "Cast").WithError(err).Warn("cant check voter membership, proceeding")
	case !status.Present:
		return answer(i18n.Get("Only current members can vote.", lang), true)
	}

	return v.cast(ctx, round, ev.UserID, ev.Choice, ev.CallbackID, lang)
}

// cast records the ballot and, when the committed ban count reaches the threshold,
// tries to close the round. Only the winner of that conditional close enforces.
func (v *VoteBan) cast(ctx context.Context, round *db.VoteRound, voterID int64, choice db.VoteChoice, callbackID, lang string) error {
	entry := v.getLogEntry().WithFields(log.Fields{
		"method":    "cast",
		"chat_id":   round.ChatID,
		"target_id": round.TargetID,
		"round":     round.Round,
		"user_id":   voterID,
	})
	answer := func(text string) {
		if callbackID == "" {
			return
		}
		if err := v.bot.AnswerCallback(ctx, callbackID, text, false); err != nil {
			entry.WithError(err).Warn("cant answer vote callback")
		}
	}

	tally, err := v.store.CastVote(ctx, round.ChatID, round.TargetID, round.Round, voterID, choice)
	if err != nil {
		return err
	}
	if tally.Status != db.VoteOpen {
		answer(i18n.Get("This vote is closed.", lang))
		return nil
	}

	if tally.Ban < round.Threshold {
		answer(i18n.Get("Vote recorded.", lang))
		if err := v.bot.EditText(ctx, round.ChatID, round.MessageID, v.render(round, *tally), v.keyboard(round)); err != nil {
			entry.WithError(err).Warn("cant refresh vote message")
		}
		return nil
	}

	err = v.store.CloseVoteRound(ctx, round.ChatID, round.TargetID, round.Round, db.VoteEnforced, v.now().UTC())
	if errors.Is(err, ngerrors.ErrContention) {
		entry.Debug("round already closed by another vote")
		answer(i18n.Get("Vote recorded.", lang))
		return nil
	}
	if err != nil {
		return err
	}

	answer(i18n.Get("Vote recorded.", lang))
	v.enforce(context.WithoutCancel(ctx), round, entry)
	return nil
}

func (v *VoteBan) enforce(ctx context.Context, round *db.VoteRound, entry *log.Entry) {
	entry.Info("vote threshold reached, removing target")
	observability.RecordVoteBan()

	if err := v.bot.RemoveMember(ctx, round.ChatID, round.TargetID); err != nil {
		observability.RecordEffectFailure("remove_member")
		entry.WithError(err).Error("cant remove voted out member")
	}
	text := fmt.Sprintf(i18n.Get("%s was removed by community vote.", v.lang), escape(round.TargetName))
	if err := v.bot.EditText(ctx, round.ChatID, round.MessageID, text, nil); err != nil {
		entry.WithError(err).Warn("cant finalize vote message")
	}
	if err := v.stats.RecordEvent(ctx, round.ChatID, db.StatVoteBans, v.now()); err != nil {
		observability.RecordEffectFailure("increment_stat")
		entry.WithError(err).Error("cant count vote ban")
	}
}

// Expire closes a round whose window passed without reaching the threshold. The
// timer epoch is the round number, so timers of older rounds are dropped.
func (v *VoteBan) Expire(ctx context.Context, ev event.TimerFired) error {
	entry := v.getLogEntry().WithFields(log.Fields{
		"method":    "Expire",
		"chat_id":   ev.ChatID,
		"target_id": ev.UserID,
		"round":     ev.Epoch,
	})
	if ev.Kind != event.TimerVoteRound {
		return nil
	}

	round, err := v.store.GetVoteRound(ctx, ev.ChatID, ev.UserID, ev.Epoch)
	if err != nil {
		return err
	}
	if round == nil || round.Status != db.VoteOpen {
		entry.Trace("stale vote timer dropped")
		return nil
	}

	err = v.store.CloseVoteRound(ctx, round.ChatID, round.TargetID, round.Round, db.VoteExpired, v.now().UTC())
	if errors.Is(err, ngerrors.ErrContention) {
		entry.Debug("round closed concurrently")
		return nil
	}
	if err != nil {
		return err
	}

	entry.Info("vote round expired")
	text := fmt.Sprintf(i18n.Get("The vote against %s has expired.", v.lang), escape(round.TargetName))
	if err := v.bot.EditText(context.WithoutCancel(ctx), round.ChatID, round.MessageID, text, nil); err != nil {
		entry.WithError(err).Warn("cant finalize vote message")
	}
	return nil
}

func (v *VoteBan) render(round *db.VoteRound, tally db.VoteTally) string {
	return fmt.Sprintf(
		i18n.Get("Vote to ban %s started by %s.\n\nBan: %d of %d\nForgive: %d", v.lang),
		escape(round.TargetName),
		escape(round.InitiatorName),
		tally.Ban,
		round.Threshold,
		tally.Forgive,
	)
}

func (v *VoteBan) keyboard(round *db.VoteRound) bot.Keyboard {
	return bot.Keyboard{{
		{Text: i18n.Get("Ban", v.lang), Data: event.VoteCallbackData(round.TargetID, round.Round, db.ChoiceBan)},
		{Text: i18n.Get("Forgive", v.lang), Data: event.VoteCallbackData(round.TargetID, round.Round, db.ChoiceForgive)},
	}}
}

func escape(name string) string {
	return api.EscapeText(api.ModeHTML, name)
}

func (v *VoteBan) getLogEntry() *log.Entry {
	return log.WithField("object", "VoteBan")
}
