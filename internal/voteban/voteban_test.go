package voteban

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iamwavecut/ngguard/internal/bot"
	"github.com/iamwavecut/ngguard/internal/config"
	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/db/sqlite"
	"github.com/iamwavecut/ngguard/internal/event"
	"github.com/iamwavecut/ngguard/internal/scheduler"
	"github.com/iamwavecut/ngguard/internal/stats"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBot struct {
	mutex    sync.Mutex
	calls    []string
	nextID   int
	admins   map[int64]bool
	outsider map[int64]bool
	lastText string
}

func (b *fakeBot) record(format string, args ...any) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

func (b *fakeBot) count(prefix string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	n := 0
	for _, c := range b.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (b *fakeBot) SendText(_ context.Context, chatID int64, text string, keyboard bot.Keyboard) (int, error) {
	b.mutex.Lock()
	b.nextID++
	id := b.nextID
	b.lastText = text
	b.mutex.Unlock()
	b.record("text %d buttons=%d %s", chatID, len(keyboard), text)
	return id, nil
}

func (b *fakeBot) EditText(_ context.Context, chatID int64, messageID int, text string, _ bot.Keyboard) error {
	b.mutex.Lock()
	b.lastText = text
	b.mutex.Unlock()
	b.record("edit %d:%d %s", chatID, messageID, text)
	return nil
}

func (b *fakeBot) AnswerCallback(_ context.Context, callbackID, text string, _ bool) error {
	b.record("answer %s %s", callbackID, text)
	return nil
}

func (b *fakeBot) RemoveMember(_ context.Context, chatID, userID int64) error {
	b.record("remove %d:%d", chatID, userID)
	return nil
}

func (b *fakeBot) MemberStatus(_ context.Context, _ int64, userID int64) (bot.MemberStatus, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return bot.MemberStatus{Present: !b.outsider[userID], Admin: b.admins[userID]}, nil
}

type fakeScheduler struct {
	mutex  sync.Mutex
	timers []event.TimerFired
	delays []time.Duration
}

func (s *fakeScheduler) ScheduleTimer(_ context.Context, delay time.Duration, payload event.TimerFired) (scheduler.Handle, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.timers = append(s.timers, payload)
	s.delays = append(s.delays, delay)
	return scheduler.Handle(fmt.Sprint(len(s.timers))), nil
}

type harness struct {
	vb    *VoteBan
	store db.Client
	bot   *fakeBot
	sched *fakeScheduler
}

func newHarness(t *testing.T, threshold int) *harness {
	t.Helper()
	client, err := sqlite.NewSQLiteClient(context.Background(), t.TempDir(), "voteban.db")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	b := &fakeBot{admins: map[int64]bool{}, outsider: map[int64]bool{}}
	sched := &fakeScheduler{}
	agg := stats.NewAggregator(client, config.Stats{LowThreshold: 10, HighThreshold: 100, Window: 7 * 24 * time.Hour})
	vb := New(client, b, sched, agg, config.VoteBan{Threshold: threshold, Window: 10 * time.Minute}, "en")
	vb.now = func() time.Time { return testNow }
	return &harness{vb: vb, store: client, bot: b, sched: sched}
}

func voteban(initiator int64, target *event.Reply) event.CommandReceived {
	return event.CommandReceived{
		ChatID:    -100,
		UserID:    initiator,
		UserName:  fmt.Sprintf("User%d", initiator),
		Command:   "voteban",
		MessageID: 10,
		ReplyTo:   target,
	}
}

func (h *harness) round(t *testing.T, no int64) *db.VoteRound {
	t.Helper()
	r, err := h.store.GetVoteRound(context.Background(), -100, 50, no)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if r == nil {
		t.Fatalf("round %d not found", no)
	}
	return r
}

var spammer = &event.Reply{UserID: 50, Name: "Spammer", MessageID: 9}

func TestOpenRefusals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cmd   event.CommandReceived
		admin bool
		want  string
	}{
		{"no reply", voteban(1, nil), false, "Reply to a message of the user you want to vote against."},
		{"self", voteban(1, &event.Reply{UserID: 1, Name: "Me"}), false, "You cannot vote against yourself."},
		{"bot", voteban(1, &event.Reply{UserID: 2, Name: "Helper", IsBot: true}), false, "Bots cannot be voted out."},
		{"admin", voteban(1, &event.Reply{UserID: 3, Name: "Boss"}), true, "Administrators cannot be voted out."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 3)
			h.bot.admins[3] = tt.admin
			if err := h.vb.Open(context.Background(), tt.cmd); err != nil {
				t.Fatalf("open: %v", err)
			}
			if h.bot.lastText != tt.want {
				t.Fatalf("got %q, want %q", h.bot.lastText, tt.want)
			}
			if len(h.sched.timers) != 0 {
				t.Fatalf("refusal must not open a round")
			}
		})
	}
}

func TestOpenCreatesRoundAndCountsInitiator(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	if err := h.vb.Open(context.Background(), voteban(1, spammer)); err != nil {
		t.Fatalf("open: %v", err)
	}

	r := h.round(t, 1)
	if r.Status != db.VoteOpen || r.Threshold != 3 || r.MessageID != 1 || r.TargetName != "Spammer" || r.InitiatorName != "User1" {
		t.Fatalf("unexpected round %#v", r)
	}
	want := event.TimerFired{ChatID: -100, UserID: 50, Epoch: 1, Kind: event.TimerVoteRound}
	if len(h.sched.timers) != 1 || h.sched.timers[0] != want || h.sched.delays[0] != 10*time.Minute {
		t.Fatalf("unexpected timers %#v %v", h.sched.timers, h.sched.delays)
	}
	if h.bot.count("text -100 buttons=1 Vote to ban Spammer started by User1.") != 1 {
		t.Fatalf("unexpected calls %v", h.bot.calls)
	}
	if !strings.Contains(h.bot.lastText, "Ban: 1 of 3") {
		t.Fatalf("initiator vote not counted: %q", h.bot.lastText)
	}

	// a second /voteban joins the open round instead of starting another one
	if err := h.vb.Open(context.Background(), voteban(2, spammer)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(h.sched.timers) != 1 {
		t.Fatalf("second command must not schedule another timer")
	}
	if !strings.Contains(h.bot.lastText, "Ban: 2 of 3") {
		t.Fatalf("second vote not counted: %q", h.bot.lastText)
	}
}

func TestCastIsIdempotentPerVoter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	if err := h.vb.Open(context.Background(), voteban(1, spammer)); err != nil {
		t.Fatalf("open: %v", err)
	}
	press := func(voter int64, choice db.VoteChoice) {
		t.Helper()
		err := h.vb.Cast(context.Background(), event.VoteCast{ChatID: -100, UserID: voter, TargetID: 50, Round: 1, Choice: choice, CallbackID: fmt.Sprint("cb", voter)})
		if err != nil {
			t.Fatalf("cast: %v", err)
		}
	}

	press(2, db.ChoiceBan)
	press(2, db.ChoiceBan)
	if !strings.Contains(h.bot.lastText, "Ban: 2 of 5\nForgive: 0") {
		t.Fatalf("repeated vote counted twice: %q", h.bot.lastText)
	}
	press(2, db.ChoiceForgive)
	if !strings.Contains(h.bot.lastText, "Ban: 1 of 5\nForgive: 1") {
		t.Fatalf("changed vote not moved: %q", h.bot.lastText)
	}
	if h.bot.count("answer cb2 Vote recorded.") != 3 {
		t.Fatalf("unexpected answers %v", h.bot.calls)
	}
}

func TestCastRejectsOutsidersAndTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	if err := h.vb.Open(context.Background(), voteban(1, spammer)); err != nil {
		t.Fatalf("open: %v", err)
	}
	h.bot.outsider[8] = true

	for _, ev := range []event.VoteCast{
		{ChatID: -100, UserID: 8, TargetID: 50, Round: 1, Choice: db.ChoiceBan, CallbackID: "outsider"},
		{ChatID: -100, UserID: 50, TargetID: 50, Round: 1, Choice: db.ChoiceForgive, CallbackID: "target"},
		{ChatID: -100, UserID: 9, TargetID: 50, Round: 7, Choice: db.ChoiceBan, CallbackID: "missing"},
	} {
		if err := h.vb.Cast(context.Background(), ev); err != nil {
			t.Fatalf("cast %s: %v", ev.CallbackID, err)
		}
	}
	for _, want := range []string{
		"answer outsider Only current members can vote.",
		"answer target You cannot vote against yourself.",
		"answer missing This vote is closed.",
	} {
		if h.bot.count(want) != 1 {
			t.Fatalf("missing %q in %v", want, h.bot.calls)
		}
	}
	if h.bot.count("remove") != 0 || h.round(t, 1).Status != db.VoteOpen {
		t.Fatalf("rejected votes must not enforce")
	}
}

func TestConcurrentVotesEnforceOnce(t *testing.T) {
	t.Parallel()

	const voters = 20
	h := newHarness(t, 5)
	if err := h.vb.Open(context.Background(), voteban(1, spammer)); err != nil {
		t.Fatalf("open: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, voters)
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(voter int64) {
			defer wg.Done()
			errs <- h.vb.Cast(context.Background(), event.VoteCast{ChatID: -100, UserID: voter, TargetID: 50, Round: 1, Choice: db.ChoiceBan, CallbackID: fmt.Sprint("cb", voter)})
		}(int64(100 + i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("cast: %v", err)
		}
	}

	if got := h.bot.count("remove -100:50"); got != 1 {
		t.Fatalf("expected exactly one removal, got %d", got)
	}
	if got := h.bot.count("edit -100:1 Spammer was removed by community vote."); got != 1 {
		t.Fatalf("expected one final message, got %d in %v", got, h.bot.calls)
	}
	if r := h.round(t, 1); r.Status != db.VoteEnforced || r.ClosedAt == nil {
		t.Fatalf("unexpected round %#v", r)
	}
	s, err := h.store.GetChatStats(context.Background(), -100)
	if err != nil || s == nil || s.Total(db.StatVoteBans) != 1 {
		t.Fatalf("expected one counted vote ban, got %#v %v", s, err)
	}
}

func TestExpireClosesRoundAndIgnoresStaleTimers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	ctx := context.Background()
	if err := h.vb.Open(ctx, voteban(1, spammer)); err != nil {
		t.Fatalf("open: %v", err)
	}
	timer := h.sched.timers[0]
	if err := h.vb.Expire(ctx, timer); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if r := h.round(t, 1); r.Status != db.VoteExpired {
		t.Fatalf("expected EXPIRED, got %s", r.Status)
	}
	if h.bot.count("edit -100:1 The vote against Spammer has expired.") != 1 {
		t.Fatalf("unexpected calls %v", h.bot.calls)
	}

	if err := h.vb.Expire(ctx, timer); err != nil {
		t.Fatalf("repeated expire: %v", err)
	}
	if h.bot.count("edit -100:1 The vote against") != 1 {
		t.Fatalf("repeated timer must be a no-op")
	}

	err := h.vb.Cast(ctx, event.VoteCast{ChatID: -100, UserID: 2, TargetID: 50, Round: 1, Choice: db.ChoiceBan, CallbackID: "late"})
	if err != nil {
		t.Fatalf("cast: %v", err)
	}
	if h.bot.count("answer late This vote is closed.") != 1 || h.bot.count("remove") != 0 {
		t.Fatalf("closed round accepted a vote: %v", h.bot.calls)
	}

	if err := h.vb.Open(ctx, voteban(2, spammer)); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if r := h.round(t, 2); r.Status != db.VoteOpen || r.InitiatorID != 2 {
		t.Fatalf("expected a fresh round, got %#v", r)
	}
	if last := h.sched.timers[len(h.sched.timers)-1]; last.Epoch != 2 {
		t.Fatalf("new round timer must carry its number, got %#v", last)
	}
}
