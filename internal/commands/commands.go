package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/bot"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/event"
	"github.com/iamwavecut/ngguard/internal/i18n"
	"github.com/iamwavecut/ngguard/internal/stats"
)

type (
	Bot interface {
		SendText(ctx context.Context, chatID int64, text string, keyboard bot.Keyboard) (int, error)
		MemberStatus(ctx context.Context, chatID, userID int64) (bot.MemberStatus, error)
	}

	Reporter interface {
		Snapshot(ctx context.Context, chatID int64) (*stats.Report, error)
	}

	VoteOpener interface {
		Open(ctx context.Context, cmd event.CommandReceived) error
	}

	Router struct {
		bot     Bot
		stats   Reporter
		votes   VoteOpener
		botName string
		support string
	}
)

func NewRouter(b Bot, reporter Reporter, votes VoteOpener, botName, support string) *Router {
	return &Router{
		bot:     b,
		stats:   reporter,
		votes:   votes,
		botName: botName,
		support: support,
	}
}

// Handle answers a bot command. Store outages are returned so the event is retried;
// other failures are reported to the chat and swallowed.
func (r *Router) Handle(ctx context.Context, cmd event.CommandReceived) error {
	entry := r.getLogEntry().WithFields(log.Fields{
		"method":  "Handle",
		"chat_id": cmd.ChatID,
		"user_id": cmd.UserID,
		"command": cmd.Command,
	})
	entry.Debug("processing command")
	lang := i18n.Normalize(cmd.LanguageCode)

	switch strings.ToLower(cmd.Command) {
	case "start":
		name := r.botName
		if !cmd.Private && cmd.ChatTitle != "" {
			name = cmd.ChatTitle
		}
		return r.reply(ctx, cmd, fmt.Sprintf(i18n.Get("Welcome to %s!\n\nI keep group chats free of bots: new members confirm they are human and the community can vote troublemakers out.\nUse /help to view available commands.", lang), api.EscapeText(api.ModeHTML, name)))
	case "help":
		return r.reply(ctx, cmd, i18n.Get("<b>How it works</b>\n\nNew members must press the \"I am human\" button after joining, otherwise they are removed.\n\n<b>Commands</b>\n/voteban - reply to a message to start a vote against its author\n/stats - chat statistics (administrators)\n/support - technical support", lang))
	case "support":
		return r.reply(ctx, cmd, fmt.Sprintf(i18n.Get("Technical support\nFor questions: %s", lang), r.support))
	case "stats":
		if !cmd.Private {
			return r.handleStats(ctx, cmd, lang, entry)
		}
	case "voteban":
		if !cmd.Private {
			err := r.votes.Open(ctx, cmd)
			if err == nil || retryable(err) {
				return err
			}
			entry.WithError(err).Error("voteban failed")
			return r.reply(ctx, cmd, i18n.Get("An error occurred. Please try again later.", lang))
		}
	}

	if cmd.Private {
		return r.reply(ctx, cmd, i18n.Get("Unknown command. Use /help to view available commands.", lang))
	}
	entry.Debug("unknown command")
	return nil
}

func (r *Router) handleStats(ctx context.Context, cmd event.CommandReceived, lang string, entry *log.Entry) error {
	status, err := r.bot.MemberStatus(ctx, cmd.ChatID, cmd.UserID)
	if err != nil {
		entry.WithError(err).Error("cant check admin status")
		return r.reply(ctx, cmd, i18n.Get("Failed to load stats.", lang))
	}
	if !status.Admin {
		return r.reply(ctx, cmd, i18n.Get("Only administrators can view /stats.", lang))
	}

	report, err := r.stats.Snapshot(ctx, cmd.ChatID)
	if err != nil {
		if retryable(err) {
			return err
		}
		entry.WithError(err).Error("cant load stats")
		return r.reply(ctx, cmd, i18n.Get("Failed to load stats.", lang))
	}
	return r.reply(ctx, cmd, report.Render(lang))
}

func (r *Router) reply(ctx context.Context, cmd event.CommandReceived, text string) error {
	_, err := r.bot.SendText(ctx, cmd.ChatID, text, nil)
	return err
}

func retryable(err error) bool {
	return errors.Is(err, ngerrors.ErrStoreUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (r *Router) getLogEntry() *log.Entry {
	return log.WithField("object", "CommandRouter")
}
