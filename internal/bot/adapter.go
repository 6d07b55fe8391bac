package bot

import (
	"context"
	"io"
	"net"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/policy/permissions"
)

const (
	defaultRetries = 3
	defaultBackoff = 300 * time.Millisecond
	maxRetryAfter  = 30 * time.Second
	kickBanPeriod  = time.Minute
)

type (
	// Requester is the subset of *api.BotAPI the adapter needs.
	Requester interface {
		Request(c api.Chattable) (*api.APIResponse, error)
		Send(c api.Chattable) (api.Message, error)
		GetChatMember(config api.GetChatMemberConfig) (api.ChatMember, error)
	}

	Button struct {
		Text string
		Data string
	}

	// Keyboard is an inline keyboard, one slice per row.
	Keyboard [][]Button

	Challenge struct {
		ChatID   int64
		UserID   int64
		Text     string
		Keyboard Keyboard
	}

	MemberStatus struct {
		Present bool
		Admin   bool
		Bot     bool
	}

	// Adapter performs Telegram side effects. Every call retries transient failures and
	// treats "already done" answers from Telegram as success.
	Adapter struct {
		api     Requester
		retries int
		backoff time.Duration
		sleep   func(ctx context.Context, d time.Duration) error
	}
)

func NewAdapter(requester Requester, retries int, backoff time.Duration) *Adapter {
	if retries <= 0 {
		retries = defaultRetries
	}
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	return &Adapter{
		api:     requester,
		retries: retries,
		backoff: backoff,
		sleep:   sleepCtx,
	}
}

func (k Keyboard) markup() api.InlineKeyboardMarkup {
	rows := make([][]api.InlineKeyboardButton, 0, len(k))
	for _, row := range k {
		buttons := make([]api.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, api.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, api.NewInlineKeyboardRow(buttons...))
	}
	return api.NewInlineKeyboardMarkup(rows...)
}

func (a *Adapter) SendChallenge(ctx context.Context, c Challenge) (int, error) {
	messageID, err := a.SendText(ctx, c.ChatID, c.Text, c.Keyboard)
	return messageID, errors.WithMessage(err, "cant send challenge")
}

// SendText sends an HTML message and returns its id. keyboard may be nil.
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string, keyboard Keyboard) (int, error) {
	msg := api.NewMessage(chatID, text)
	msg.ParseMode = api.ModeHTML
	msg.LinkPreviewOptions.IsDisabled = true
	if len(keyboard) > 0 {
		msg.ReplyMarkup = keyboard.markup()
	}

	var sent api.Message
	err := a.do(ctx, "send", func() error {
		var err error
		sent, err = a.api.Send(msg)
		return err
	})
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (a *Adapter) EditText(ctx context.Context, chatID int64, messageID int, text string, keyboard Keyboard) error {
	edit := api.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = api.ModeHTML
	if len(keyboard) > 0 {
		markup := keyboard.markup()
		edit.ReplyMarkup = &markup
	}
	return errors.WithMessage(a.request(ctx, "edit", edit), "cant edit message")
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	cb := api.NewCallback(callbackID, text)
	if alert {
		cb = api.NewCallbackWithAlert(callbackID, text)
	}
	return errors.WithMessage(a.request(ctx, "answer_callback", cb), "cant answer callback")
}

// RemoveMember kicks without a permanent ban: the short ban is lifted right away so
// the user may join again later.
func (a *Adapter) RemoveMember(ctx context.Context, chatID, userID int64) error {
	ban := api.BanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		UntilDate: time.Now().Add(kickBanPeriod).Unix(),
	}
	if err := a.request(ctx, "ban", ban); err != nil {
		return errors.WithMessage(err, "cant kick")
	}
	unban := api.UnbanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		OnlyIfBanned: true,
	}
	return errors.WithMessage(a.request(ctx, "unban", unban), "cant unban after kick")
}

func (a *Adapter) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if messageID == 0 {
		return nil
	}
	return errors.WithMessage(a.request(ctx, "delete", api.NewDeleteMessage(chatID, messageID)), "cant delete message")
}

func (a *Adapter) RestrictMember(ctx context.Context, chatID, userID int64, until time.Time) error {
	return errors.WithMessage(a.request(ctx, "restrict", restrictConfig(chatID, userID, until, false)), "cant restrict")
}

func (a *Adapter) LiftRestriction(ctx context.Context, chatID, userID int64) error {
	return errors.WithMessage(a.request(ctx, "unrestrict", restrictConfig(chatID, userID, time.Time{}, true)), "cant unrestrict")
}

func restrictConfig(chatID, userID int64, until time.Time, allowed bool) api.RestrictChatMemberConfig {
	var untilDate int64
	if !until.IsZero() {
		untilDate = until.Unix()
	}
	return api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		UntilDate: untilDate,
		Permissions: &api.ChatPermissions{
			CanSendMessages:       allowed,
			CanSendAudios:         allowed,
			CanSendDocuments:      allowed,
			CanSendPhotos:         allowed,
			CanSendVideos:         allowed,
			CanSendVideoNotes:     allowed,
			CanSendVoiceNotes:     allowed,
			CanSendPolls:          allowed,
			CanSendOtherMessages:  allowed,
			CanAddWebPagePreviews: allowed,
			CanInviteUsers:        allowed,
		},
	}
}

func (a *Adapter) MemberStatus(ctx context.Context, chatID, userID int64) (MemberStatus, error) {
	var member api.ChatMember
	err := a.do(ctx, "get_member", func() error {
		var err error
		member, err = a.api.GetChatMember(api.GetChatMemberConfig{
			ChatConfigWithUser: api.ChatConfigWithUser{
				ChatConfig: api.ChatConfig{
					ChatID: chatID,
				},
				UserID: userID,
			},
		})
		return err
	})
	if err != nil {
		if isAlreadyDone(err) {
			return MemberStatus{}, nil
		}
		return MemberStatus{}, errors.WithMessage(err, "cant get chat member")
	}
	role := permissions.Classify(&member)
	status := MemberStatus{
		Present: role.Present(),
		Admin:   role == permissions.RoleAdmin,
	}
	if member.User != nil {
		status.Bot = member.User.IsBot
	}
	return status, nil
}

func (a *Adapter) request(ctx context.Context, op string, c api.Chattable) error {
	err := a.do(ctx, op, func() error {
		_, err := a.api.Request(c)
		return err
	})
	if err != nil && isAlreadyDone(err) {
		a.getLogEntry().WithField("op", op).WithError(err).Debug("treated as done")
		return nil
	}
	return err
}

// do runs call until it succeeds, fails permanently or the retry budget is spent.
// A spent budget is reported as a transient external failure.
func (a *Adapter) do(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for attempt := range a.retries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := call()
		if err == nil {
			return nil
		}
		lastErr = err

		wait, retryable := retryDelay(err, attempt, a.backoff)
		if !retryable {
			return err
		}
		if attempt == a.retries-1 {
			break
		}
		a.getLogEntry().WithFields(log.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"wait":    wait,
		}).WithError(err).Debug("retrying telegram call")
		if err := a.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return ngerrors.Transient(errors.WithMessagef(lastErr, "%s failed after %d attempts", op, a.retries))
}

func retryDelay(err error, attempt int, step time.Duration) (time.Duration, bool) {
	linear := time.Duration(attempt+1) * step

	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			wait := time.Duration(apiErr.RetryAfter) * time.Second
			if wait <= 0 {
				wait = linear
			}
			return min(wait, maxRetryAfter), true
		case apiErr.Code >= 500:
			return linear, true
		default:
			return 0, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return linear, true
	}
	return 0, false
}

var alreadyDoneMarkers = []string{
	"user not found",
	"participant_id_invalid",
	"user_not_participant",
	"user is not a member",
	"member not found",
	"message to delete not found",
	"message can't be deleted",
	"message to edit not found",
	"message is not modified",
	"query is too old",
	"query id is invalid",
}

// isAlreadyDone reports answers that mean the desired state already holds.
func isAlreadyDone(err error) bool {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	for _, marker := range alreadyDoneMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (a *Adapter) getLogEntry() *log.Entry {
	return log.WithField("object", "BotAdapter")
}
