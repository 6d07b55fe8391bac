package event

import (
	"encoding/json"
	"time"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

// Envelope is the wire form of an event on the queue.
type Envelope struct {
	Type       Type            `json:"type"`
	ChatID     int64           `json:"chat_id"`
	UserID     int64           `json:"user_id"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

func Encode(ev Event, receivedAt time.Time) (Envelope, error) {
	if err := ev.validate(); err != nil {
		return Envelope{}, err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, ngerrors.Malformed("encode %s: %v", ev.Type(), err)
	}
	return Envelope{
		Type:       ev.Type(),
		ChatID:     ev.Chat(),
		UserID:     ev.User(),
		Payload:    payload,
		ReceivedAt: receivedAt.UTC(),
	}, nil
}

func Decode(env Envelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case TypeMemberJoined:
		ev, err = unmarshal[MemberJoined](env.Payload)
	case TypeMemberLeft:
		ev, err = unmarshal[MemberLeft](env.Payload)
	case TypeCallbackReceived:
		ev, err = unmarshal[CallbackReceived](env.Payload)
	case TypeVoteCast:
		ev, err = unmarshal[VoteCast](env.Payload)
	case TypeTimerFired:
		ev, err = unmarshal[TimerFired](env.Payload)
	case TypeCommandReceived:
		ev, err = unmarshal[CommandReceived](env.Payload)
	case TypeMessageReceived:
		ev, err = unmarshal[MessageReceived](env.Payload)
	default:
		return nil, ngerrors.Malformed("unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, ngerrors.Malformed("decode %s payload: %v", env.Type, err)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	if ev.Chat() != env.ChatID || ev.User() != env.UserID {
		return nil, ngerrors.Malformed("%s: envelope identity %d/%d does not match payload %d/%d",
			env.Type, env.ChatID, env.UserID, ev.Chat(), ev.User())
	}
	return ev, nil
}

func unmarshal[T Event](payload json.RawMessage) (T, error) {
	var ev T
	err := json.Unmarshal(payload, &ev)
	return ev, err
}

// MarshalEnvelope and UnmarshalEnvelope are the byte forms used by the queue backends.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, ngerrors.Malformed("decode envelope: %v", err)
	}
	return env, nil
}
