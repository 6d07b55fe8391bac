package event

import (
	"strconv"
	"strings"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

// MaxCallbackData is the Telegram limit for inline button payloads.
const MaxCallbackData = 64

const (
	callbackGatekeeper = "gk"
	callbackVoteBan    = "vb"
	callbackSeparator  = ";"
)

// GatekeeperCallbackData is the payload of a verification button: gk;<user_id>;<token>.
func GatekeeperCallbackData(userID int64, token string) string {
	return strings.Join([]string{callbackGatekeeper, strconv.FormatInt(userID, 10), token}, callbackSeparator)
}

// VoteCallbackData is the payload of a vote button: vb;<target>;<round>;<b|f>.
func VoteCallbackData(targetID, round int64, choice db.VoteChoice) string {
	short := "f"
	if choice == db.ChoiceBan {
		short = "b"
	}
	return strings.Join([]string{
		callbackVoteBan,
		strconv.FormatInt(targetID, 10),
		strconv.FormatInt(round, 10),
		short,
	}, callbackSeparator)
}

// ParseCallback turns raw callback data into an event. chatID and userID come from
// the update itself, never from the payload.
func ParseCallback(chatID, userID int64, callbackID string, messageID int, lang, data string) (Event, error) {
	if len(data) > MaxCallbackData {
		return nil, ngerrors.Malformed("callback data too long: %d bytes", len(data))
	}
	parts := strings.Split(data, callbackSeparator)
	switch parts[0] {
	case callbackGatekeeper:
		if len(parts) != 3 {
			return nil, ngerrors.Malformed("gatekeeper callback: %q", data)
		}
		targetID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, ngerrors.Malformed("gatekeeper callback user: %q", parts[1])
		}
		ev := CallbackReceived{
			ChatID:       chatID,
			UserID:       userID,
			TargetID:     targetID,
			Token:        parts[2],
			CallbackID:   callbackID,
			MessageID:    messageID,
			LanguageCode: lang,
		}
		return ev, ev.validate()

	case callbackVoteBan:
		if len(parts) != 4 {
			return nil, ngerrors.Malformed("vote callback: %q", data)
		}
		targetID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, ngerrors.Malformed("vote callback target: %q", parts[1])
		}
		round, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, ngerrors.Malformed("vote callback round: %q", parts[2])
		}
		var choice db.VoteChoice
		switch parts[3] {
		case "b":
			choice = db.ChoiceBan
		case "f":
			choice = db.ChoiceForgive
		default:
			return nil, ngerrors.Malformed("vote callback choice: %q", parts[3])
		}
		ev := VoteCast{
			ChatID:       chatID,
			UserID:       userID,
			TargetID:     targetID,
			Round:        round,
			Choice:       choice,
			CallbackID:   callbackID,
			MessageID:    messageID,
			LanguageCode: lang,
		}
		return ev, ev.validate()
	}
	return nil, ngerrors.Malformed("unknown callback prefix in %q", data)
}
