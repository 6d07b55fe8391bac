package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iamwavecut/ngguard/internal/config"
	"github.com/iamwavecut/ngguard/internal/db"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/event"
	"github.com/iamwavecut/ngguard/internal/gatekeeper"
)

type recorder struct {
	mutex    sync.Mutex
	calls    []string
	err      error
	seen     chan string
	pending  map[int64]bool
	screened []int64
}

func (r *recorder) hit(name string) error {
	r.mutex.Lock()
	r.calls = append(r.calls, name)
	err := r.err
	r.mutex.Unlock()
	if r.seen != nil {
		r.seen <- name
	}
	return err
}

func (r *recorder) count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.calls)
}

func (r *recorder) Handle(_ context.Context, ev event.Event) (gatekeeper.Outcome, error) {
	return gatekeeper.OutcomeCreated, r.hit("gatekeeper:" + string(ev.Type()))
}

func (r *recorder) Screen(_ context.Context, _, userID int64, _ int) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.screened = append(r.screened, userID)
	return r.pending[userID], nil
}

func (r *recorder) Cast(context.Context, event.VoteCast) error {
	return r.hit("vote")
}

func (r *recorder) Expire(context.Context, event.TimerFired) error {
	return r.hit("expire")
}

type commandRecorder struct {
	*recorder
}

func (c commandRecorder) Handle(context.Context, event.CommandReceived) error {
	return c.hit("command")
}

func newTestPool(rec *recorder) *Pool {
	p := NewPool(event.NewMemoryQueue(8, 3, time.Millisecond), rec, rec, commandRecorder{rec}, config.Worker{Concurrency: 2, StoreRetries: 3, StoreBackoff: time.Millisecond})
	p.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p
}

func delivery(t *testing.T, ev event.Event) event.Delivery {
	t.Helper()
	env, err := event.Encode(ev, time.Now())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return event.Delivery{ID: "d1", Attempt: 1, Envelope: env}
}

func TestProcessRoutesByType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ev   event.Event
		want string
	}{
		{event.MemberJoined{ChatID: 1, UserID: 2, Name: "Ann"}, "gatekeeper:member_joined"},
		{event.MemberLeft{ChatID: 1, UserID: 2}, "gatekeeper:member_left"},
		{event.CallbackReceived{ChatID: 1, UserID: 2, TargetID: 2, Token: "t", CallbackID: "cb"}, "gatekeeper:callback_received"},
		{event.MessageReceived{ChatID: 1, UserID: 2, MessageID: 3}, "gatekeeper:message_received"},
		{event.TimerFired{ChatID: 1, UserID: 2, Epoch: 1, Kind: event.TimerVerification}, "gatekeeper:timer_fired"},
		{event.TimerFired{ChatID: 1, UserID: 2, Epoch: 1, Kind: event.TimerVoteRound}, "expire"},
		{event.VoteCast{ChatID: 1, UserID: 2, TargetID: 3, Round: 1, Choice: db.ChoiceBan, CallbackID: "cb"}, "vote"},
		{event.CommandReceived{ChatID: 1, UserID: 2, Command: "help", MessageID: 3}, "command"},
	}
	for _, tt := range tests {
		rec := &recorder{}
		p := newTestPool(rec)
		if got := p.Process(context.Background(), delivery(t, tt.ev)); got != Ack {
			t.Fatalf("%s: verdict %s", tt.ev.Type(), got)
		}
		if len(rec.calls) != 1 || rec.calls[0] != tt.want {
			t.Fatalf("%s: routed to %v, want %s", tt.ev.Type(), rec.calls, tt.want)
		}
	}
}

func TestCommandsOfUnverifiedMembersAreSuppressed(t *testing.T) {
	t.Parallel()

	rec := &recorder{pending: map[int64]bool{2: true}}
	p := newTestPool(rec)

	if got := p.Process(context.Background(), delivery(t, event.CommandReceived{ChatID: 1, UserID: 2, Command: "voteban", MessageID: 3})); got != Ack {
		t.Fatalf("verdict %s", got)
	}
	if rec.count() != 0 || len(rec.screened) != 1 {
		t.Fatalf("command of a pending member must be screened and dropped, calls=%v screened=%v", rec.calls, rec.screened)
	}

	if got := p.Process(context.Background(), delivery(t, event.CommandReceived{ChatID: 1, UserID: 4, Command: "voteban", MessageID: 5})); got != Ack {
		t.Fatalf("verdict %s", got)
	}
	if rec.count() != 1 || rec.calls[0] != "command" {
		t.Fatalf("command of a verified member must reach the router, calls=%v", rec.calls)
	}

	if got := p.Process(context.Background(), delivery(t, event.CommandReceived{ChatID: 2, UserID: 2, Command: "help", MessageID: 6, Private: true})); got != Ack {
		t.Fatalf("verdict %s", got)
	}
	if rec.count() != 2 || len(rec.screened) != 2 {
		t.Fatalf("private commands are not screened, calls=%v screened=%v", rec.calls, rec.screened)
	}
}

func TestProcessVerdictByErrorClass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCalls int
		want      Verdict
	}{
		{"success", nil, 1, Ack},
		{"contention", ngerrors.Conflict("verification", "1:2#1", "PENDING", 1), 1, Ack},
		{"not found", ngerrors.ErrNotFound, 1, Ack},
		{"malformed", ngerrors.Malformed("bad"), 1, Ack},
		{"transient bot failure", ngerrors.Transient(errors.New("502")), 1, Ack},
		{"store outage", ngerrors.Unavailable(errors.New("connection refused")), 3, Nack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &recorder{err: tt.err}
			p := newTestPool(rec)
			p.sleep = func(context.Context, time.Duration) error { return nil }

			got := p.Process(context.Background(), delivery(t, event.MemberJoined{ChatID: 1, UserID: 2, Name: "Ann"}))
			if got != tt.want {
				t.Fatalf("verdict %s, want %s", got, tt.want)
			}
			if rec.count() != tt.wantCalls {
				t.Fatalf("handler called %d times, want %d", rec.count(), tt.wantCalls)
			}
		})
	}
}

func TestProcessDropsUndecodableEnvelope(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := newTestPool(rec)
	d := event.Delivery{ID: "bad", Attempt: 1, Envelope: event.Envelope{Type: "nope", ChatID: 1, UserID: 2, Payload: []byte(`{}`)}}
	if got := p.Process(context.Background(), d); got != Ack {
		t.Fatalf("verdict %s", got)
	}
	if rec.count() != 0 {
		t.Fatalf("malformed envelope reached a handler")
	}
}

func TestProcessAbandonsOnShutdown(t *testing.T) {
	t.Parallel()

	rec := &recorder{err: ngerrors.Unavailable(errors.New("down"))}
	p := newTestPool(rec)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := p.Process(ctx, delivery(t, event.MemberJoined{ChatID: 1, UserID: 2, Name: "Ann"})); got != Abandon {
		t.Fatalf("verdict %s, want abandon", got)
	}
}

func TestPoolConsumesQueue(t *testing.T) {
	t.Parallel()

	rec := &recorder{seen: make(chan string, 4)}
	q := event.NewMemoryQueue(8, 3, time.Millisecond)
	t.Cleanup(q.Close)
	p := NewPool(q, rec, rec, commandRecorder{rec}, config.Worker{Concurrency: 2, StoreRetries: 1})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx := context.Background()
	if err := event.PublishEvent(ctx, q, event.VoteCast{ChatID: 1, UserID: 2, TargetID: 3, Round: 1, Choice: db.ChoiceForgive, CallbackID: "cb"}, time.Now()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := event.PublishEvent(ctx, q, event.CommandReceived{ChatID: 1, UserID: 2, Command: "help", MessageID: 1}, time.Now()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := map[string]bool{}
	for range 2 {
		select {
		case name := <-rec.seen:
			got[name] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	if !got["vote"] || !got["command"] {
		t.Fatalf("unexpected deliveries %v", got)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestPoolRedeliversAfterStoreOutage(t *testing.T) {
	t.Parallel()

	rec := &recorder{err: ngerrors.Unavailable(errors.New("down")), seen: make(chan string, 16)}
	q := event.NewMemoryQueue(8, 2, time.Millisecond)
	t.Cleanup(q.Close)
	p := NewPool(q, rec, rec, commandRecorder{rec}, config.Worker{Concurrency: 1, StoreRetries: 1})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	if err := event.PublishEvent(context.Background(), q, event.MemberLeft{ChatID: 1, UserID: 2}, time.Now()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := range 2 {
		select {
		case <-rec.seen:
		case <-time.After(5 * time.Second):
			t.Fatalf("delivery %d not seen", i+1)
		}
	}
	select {
	case name := <-rec.seen:
		t.Fatalf("dead-lettered delivery was handled again: %s", name)
	case <-time.After(50 * time.Millisecond):
	}
}
