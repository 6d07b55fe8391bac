package event

import (
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
)

// Normalize maps a raw update to internal events. Updates that carry nothing the
// bot reacts to yield no events. Only a malformed callback payload is an error.
func Normalize(u *api.Update) ([]Event, error) {
	if u == nil {
		return nil, nil
	}

	if cq := u.CallbackQuery; cq != nil {
		if cq.From == nil || cq.Message == nil {
			return nil, nil
		}
		ev, err := ParseCallback(cq.Message.Chat.ID, cq.From.ID, cq.ID, cq.Message.MessageID, cq.From.LanguageCode, cq.Data)
		if err != nil {
			return nil, err
		}
		if cb, ok := ev.(CallbackReceived); ok {
			cb.Name = DisplayName(cq.From)
			ev = cb
		}
		return []Event{ev}, nil
	}

	m := u.Message
	if m == nil || m.From == nil {
		return nil, nil
	}
	chatID := m.Chat.ID

	switch {
	case len(m.NewChatMembers) > 0:
		events := make([]Event, 0, len(m.NewChatMembers))
		for _, member := range m.NewChatMembers {
			if member.IsBot {
				continue
			}
			events = append(events, MemberJoined{
				ChatID:       chatID,
				UserID:       member.ID,
				Name:         DisplayName(&member),
				LanguageCode: member.LanguageCode,
				MessageID:    m.MessageID,
			})
		}
		return events, nil

	case m.LeftChatMember != nil:
		if m.LeftChatMember.IsBot {
			return nil, nil
		}
		return []Event{MemberLeft{ChatID: chatID, UserID: m.LeftChatMember.ID}}, nil

	case m.IsCommand():
		cmd := CommandReceived{
			ChatID:       chatID,
			UserID:       m.From.ID,
			UserName:     DisplayName(m.From),
			Command:      strings.ToLower(m.Command()),
			Args:         strings.TrimSpace(m.CommandArguments()),
			MessageID:    m.MessageID,
			Private:      m.Chat.IsPrivate(),
			ChatTitle:    m.Chat.Title,
			LanguageCode: m.From.LanguageCode,
		}
		if r := m.ReplyToMessage; r != nil && r.From != nil {
			cmd.ReplyTo = &Reply{
				UserID:    r.From.ID,
				Name:      DisplayName(r.From),
				IsBot:     r.From.IsBot,
				MessageID: r.MessageID,
			}
		}
		return []Event{cmd}, nil

	case m.Chat.IsPrivate() || m.From.IsBot:
		return nil, nil
	}

	return []Event{MessageReceived{ChatID: chatID, UserID: m.From.ID, MessageID: m.MessageID}}, nil
}

// UpdateTime is the send time of the update, or now for update kinds without a date.
func UpdateTime(u *api.Update, now time.Time) time.Time {
	switch {
	case u == nil:
		return now
	case u.Message != nil:
		return time.Unix(int64(u.Message.Date), 0)
	case u.EditedMessage != nil:
		return time.Unix(int64(u.EditedMessage.Date), 0)
	default:
		return now
	}
}

func DisplayName(user *api.User) string {
	if user == nil {
		return ""
	}
	if user.UserName != "" {
		return "@" + user.UserName
	}
	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}
