package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

func TestEncodeDecodeTimerFired(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	env, err := Encode(TimerFired{ChatID: -1, UserID: 9, Epoch: 2, Kind: TimerVerification}, at)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if env.Type != TypeTimerFired || env.ChatID != -1 || env.UserID != 9 || !env.ReceivedAt.Equal(at) {
		t.Fatalf("unexpected envelope: %#v", env)
	}

	data, err := MarshalEnvelope(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := UnmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ev, err := Decode(back)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	timer, ok := ev.(TimerFired)
	if !ok {
		t.Fatalf("decoded %T, want TimerFired", ev)
	}
	if timer.Epoch != 2 || timer.Kind != TimerVerification {
		t.Fatalf("unexpected timer: %#v", timer)
	}
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	t.Parallel()

	payload := func(v any) json.RawMessage {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		return data
	}

	tests := []struct {
		name string
		env  Envelope
	}{
		{
			name: "unknown type",
			env:  Envelope{Type: "bogus", ChatID: 1, UserID: 1, Payload: json.RawMessage(`{}`)},
		},
		{
			name: "broken payload",
			env:  Envelope{Type: TypeMemberJoined, ChatID: 1, UserID: 1, Payload: json.RawMessage(`{`)},
		},
		{
			name: "zero identity",
			env:  Envelope{Type: TypeMemberJoined, Payload: payload(MemberJoined{})},
		},
		{
			name: "empty token",
			env: Envelope{Type: TypeCallbackReceived, ChatID: 1, UserID: 2,
				Payload: payload(CallbackReceived{ChatID: 1, UserID: 2, TargetID: 2, CallbackID: "cb"})},
		},
		{
			name: "unknown timer kind",
			env: Envelope{Type: TypeTimerFired, ChatID: 1, UserID: 2,
				Payload: payload(TimerFired{ChatID: 1, UserID: 2, Epoch: 1, Kind: "alarm"})},
		},
		{
			name: "unknown vote choice",
			env: Envelope{Type: TypeVoteCast, ChatID: 1, UserID: 2,
				Payload: payload(VoteCast{ChatID: 1, UserID: 2, TargetID: 3, Round: 1, Choice: "maybe", CallbackID: "cb"})},
		},
		{
			name: "identity mismatch",
			env: Envelope{Type: TypeMemberLeft, ChatID: 1, UserID: 3,
				Payload: payload(MemberLeft{ChatID: 1, UserID: 2})},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.env); !errors.Is(err, ngerrors.ErrMalformedEvent) {
				t.Fatalf("expected malformed event error, got %v", err)
			}
		})
	}
}

func TestUnmarshalEnvelopeRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := UnmarshalEnvelope([]byte("not json")); !errors.Is(err, ngerrors.ErrMalformedEvent) {
		t.Fatalf("expected malformed event error, got %v", err)
	}
}

func TestEncodeValidates(t *testing.T) {
	t.Parallel()

	_, err := Encode(VoteCast{ChatID: 1, UserID: 2, TargetID: 3, Round: 0, Choice: db.ChoiceBan, CallbackID: "x"}, time.Now())
	if !errors.Is(err, ngerrors.ErrMalformedEvent) {
		t.Fatalf("expected malformed event error for zero round, got %v", err)
	}
}
