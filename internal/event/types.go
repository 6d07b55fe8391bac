package event

import (
	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

type Type string

const (
	TypeMemberJoined     Type = "member_joined"
	TypeMemberLeft       Type = "member_left"
	TypeCallbackReceived Type = "callback_received"
	TypeVoteCast         Type = "vote_cast"
	TypeTimerFired       Type = "timer_fired"
	TypeCommandReceived  Type = "command_received"
	TypeMessageReceived  Type = "message_received"
)

type TimerKind string

const (
	TimerVerification TimerKind = "verification"
	TimerVoteRound    TimerKind = "vote_round"
)

// Event is the closed set of internal events. Only types in this package implement it.
type Event interface {
	Type() Type
	Chat() int64
	User() int64
	validate() error
}

type (
	MemberJoined struct {
		ChatID       int64  `json:"chat_id"`
		UserID       int64  `json:"user_id"`
		Name         string `json:"name"`
		LanguageCode string `json:"language_code,omitempty"`
		// MessageID is the service message announcing the join.
		MessageID int `json:"message_id,omitempty"`
	}

	MemberLeft struct {
		ChatID int64 `json:"chat_id"`
		UserID int64 `json:"user_id"`
	}

	// CallbackReceived is a press on a verification button. UserID is who pressed it,
	// TargetID is the member the challenge was issued to.
	CallbackReceived struct {
		ChatID       int64  `json:"chat_id"`
		UserID       int64  `json:"user_id"`
		TargetID     int64  `json:"target_id"`
		Name         string `json:"name,omitempty"`
		Token        string `json:"token"`
		CallbackID   string `json:"callback_id"`
		MessageID    int    `json:"message_id,omitempty"`
		LanguageCode string `json:"language_code,omitempty"`
	}

	VoteCast struct {
		ChatID       int64         `json:"chat_id"`
		UserID       int64         `json:"user_id"`
		TargetID     int64         `json:"target_id"`
		Round        int64         `json:"round"`
		Choice       db.VoteChoice `json:"choice"`
		CallbackID   string        `json:"callback_id"`
		MessageID    int           `json:"message_id,omitempty"`
		LanguageCode string        `json:"language_code,omitempty"`
	}

	// TimerFired echoes the payload given to the scheduler. For vote rounds UserID is
	// the target and Epoch is the round number.
	TimerFired struct {
		ChatID int64     `json:"chat_id"`
		UserID int64     `json:"user_id"`
		Epoch  int64     `json:"epoch"`
		Kind   TimerKind `json:"kind"`
	}

	CommandReceived struct {
		ChatID       int64  `json:"chat_id"`
		UserID       int64  `json:"user_id"`
		UserName     string `json:"user_name"`
		Command      string `json:"command"`
		Args         string `json:"args,omitempty"`
		MessageID    int    `json:"message_id"`
		Private      bool   `json:"private,omitempty"`
		ChatTitle    string `json:"chat_title,omitempty"`
		LanguageCode string `json:"language_code,omitempty"`
		ReplyTo      *Reply `json:"reply_to,omitempty"`
	}

	// Reply describes the author of the message a command replied to.
	Reply struct {
		UserID    int64  `json:"user_id"`
		Name      string `json:"name"`
		IsBot     bool   `json:"is_bot,omitempty"`
		MessageID int    `json:"message_id"`
	}

	MessageReceived struct {
		ChatID    int64 `json:"chat_id"`
		UserID    int64 `json:"user_id"`
		MessageID int   `json:"message_id"`
	}
)

func (MemberJoined) Type() Type     { return TypeMemberJoined }
func (MemberLeft) Type() Type       { return TypeMemberLeft }
func (CallbackReceived) Type() Type { return TypeCallbackReceived }
func (VoteCast) Type() Type         { return TypeVoteCast }
func (TimerFired) Type() Type       { return TypeTimerFired }
func (CommandReceived) Type() Type  { return TypeCommandReceived }
func (MessageReceived) Type() Type  { return TypeMessageReceived }

func (e MemberJoined) Chat() int64     { return e.ChatID }
func (e MemberLeft) Chat() int64       { return e.ChatID }
func (e CallbackReceived) Chat() int64 { return e.ChatID }
func (e VoteCast) Chat() int64         { return e.ChatID }
func (e TimerFired) Chat() int64       { return e.ChatID }
func (e CommandReceived) Chat() int64  { return e.ChatID }
func (e MessageReceived) Chat() int64  { return e.ChatID }

func (e MemberJoined) User() int64     { return e.UserID }
func (e MemberLeft) User() int64       { return e.UserID }
func (e CallbackReceived) User() int64 { return e.UserID }
func (e VoteCast) User() int64         { return e.UserID }
func (e TimerFired) User() int64       { return e.UserID }
func (e CommandReceived) User() int64  { return e.UserID }
func (e MessageReceived) User() int64  { return e.UserID }

func validateIdentity(t Type, chatID, userID int64) error {
	if chatID == 0 || userID == 0 {
		return ngerrors.Malformed("%s: zero identity chat=%d user=%d", t, chatID, userID)
	}
	return nil
}

func (e MemberJoined) validate() error {
	return validateIdentity(e.Type(), e.ChatID, e.UserID)
}

func (e MemberLeft) validate() error {
	return validateIdentity(e.Type(), e.ChatID, e.UserID)
}

func (e CallbackReceived) validate() error {
	if err := validateIdentity(e.Type(), e.ChatID, e.UserID); err != nil {
		return err
	}
	if e.TargetID == 0 {
		return ngerrors.Malformed("%s: zero target", e.Type())
	}
	if e.Token == "" {
		return ngerrors.Malformed("%s: empty token", e.Type())
	}
	if e.CallbackID == "" {
		return ngerrors.Malformed("%s: empty callback id", e.Type())
	}
	return nil
}

func (e VoteCast) validate() error {
	if err := validateIdentity(e.Type(), e.ChatID, e.UserID); err != nil {
		return err
	}
	if e.TargetID == 0 || e.Round <= 0 {
		return ngerrors.Malformed("%s: bad round target=%d round=%d", e.Type(), e.TargetID, e.Round)
	}
	if !e.Choice.Valid() {
		return ngerrors.Malformed("%s: unknown choice %q", e.Type(), e.Choice)
	}
	return nil
}

func (e TimerFired) validate() error {
	if err := validateIdentity(e.Type(), e.ChatID, e.UserID); err != nil {
		return err
	}
	if e.Kind != TimerVerification && e.Kind != TimerVoteRound {
		return ngerrors.Malformed("%s: unknown timer kind %q", e.Type(), e.Kind)
	}
	if e.Epoch <= 0 {
		return ngerrors.Malformed("%s: non-positive epoch %d", e.Type(), e.Epoch)
	}
	return nil
}

func (e CommandReceived) validate() error {
	if err := validateIdentity(e.Type(), e.ChatID, e.UserID); err != nil {
		return err
	}
	if e.Command == "" {
		return ngerrors.Malformed("%s: empty command", e.Type())
	}
	return nil
}

func (e MessageReceived) validate() error {
	return validateIdentity(e.Type(), e.ChatID, e.UserID)
}
