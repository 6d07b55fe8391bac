package ingress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/event"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func joinUpdate(id int, at time.Time) api.Update {
	return api.Update{
		UpdateID: id,
		Message: &api.Message{
			MessageID:      id,
			From:           &api.User{ID: 7},
			Chat:           api.Chat{ID: -100, Type: "supergroup"},
			Date:           int(at.Unix()),
			NewChatMembers: []api.User{{ID: 7, FirstName: "Ann"}},
		},
	}
}

func receive(t *testing.T, q *event.MemoryQueue) event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	ev, err := event.Decode(d.Envelope)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return ev
}

func TestAcceptPublishesFreshUpdates(t *testing.T) {
	t.Parallel()

	q := event.NewMemoryQueue(8, 3, time.Millisecond)
	t.Cleanup(q.Close)
	in := New(q, nil, "en")
	in.now = func() time.Time { return testNow }

	u := joinUpdate(1, testNow.Add(-time.Minute))
	n, err := in.Accept(context.Background(), &u)
	if err != nil || n != 1 {
		t.Fatalf("accept: %d %v", n, err)
	}
	want := event.MemberJoined{ChatID: -100, UserID: 7, Name: "Ann", MessageID: 1}
	if got := receive(t, q); got != want {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestAcceptDropsStaleUpdates(t *testing.T) {
	t.Parallel()

	q := event.NewMemoryQueue(8, 3, time.Millisecond)
	t.Cleanup(q.Close)
	in := New(q, nil, "en")
	in.now = func() time.Time { return testNow }

	u := joinUpdate(1, testNow.Add(-MaxUpdateAge-time.Second))
	n, err := in.Accept(context.Background(), &u)
	if err != nil || n != 0 {
		t.Fatalf("accept: %d %v", n, err)
	}
	if q.Len() != 0 {
		t.Fatalf("stale update was published")
	}
}

type fakeAnswerer struct {
	mutex   sync.Mutex
	answers []string
}

func (a *fakeAnswerer) AnswerCallback(_ context.Context, callbackID, text string, _ bool) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.answers = append(a.answers, callbackID+" "+text)
	return nil
}

func TestAcceptAnswersMalformedCallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		lang string
		data string
		want string
	}{
		{name: "bad gatekeeper user", data: "gk;not-a-number;tok", want: "cb This button is no longer valid."},
		{name: "short vote", lang: "ru", data: "vb;7;1", want: "cb Эта кнопка больше не действует."},
		{name: "unknown prefix", lang: "kk-KZ", data: "zz;1", want: "cb Бұл түйме енді жарамсыз."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q := event.NewMemoryQueue(8, 3, time.Millisecond)
			t.Cleanup(q.Close)
			answerer := &fakeAnswerer{}
			in := New(q, answerer, "en")

			u := api.Update{
				UpdateID: 3,
				CallbackQuery: &api.CallbackQuery{
					ID:      "cb",
					From:    &api.User{ID: 7, LanguageCode: tt.lang},
					Message: &api.Message{MessageID: 5, Chat: api.Chat{ID: -100}},
					Data:    tt.data,
				},
			}
			if _, err := in.Accept(context.Background(), &u); !errors.Is(err, ngerrors.ErrMalformedEvent) {
				t.Fatalf("expected malformed error, got %v", err)
			}
			if q.Len() != 0 {
				t.Fatalf("malformed callback was published")
			}
			if len(answerer.answers) != 1 || answerer.answers[0] != tt.want {
				t.Fatalf("expected one answer %q, got %v", tt.want, answerer.answers)
			}
		})
	}
}

type fakeGetter struct {
	mutex   sync.Mutex
	batches [][]api.Update
	offsets []int
	calls   int
}

func (g *fakeGetter) GetUpdates(config api.UpdateConfig) ([]api.Update, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.calls++
	g.offsets = append(g.offsets, config.Offset)
	if g.calls == 2 {
		return nil, errors.New("bad gateway")
	}
	if len(g.batches) == 0 {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}
	batch := g.batches[0]
	g.batches = g.batches[1:]
	return batch, nil
}

func TestPollerSurvivesPollErrors(t *testing.T) {
	t.Parallel()

	now := time.Now()
	getter := &fakeGetter{batches: [][]api.Update{
		{joinUpdate(10, now)},
		{joinUpdate(11, now)},
	}}
	q := event.NewMemoryQueue(8, 3, time.Millisecond)
	t.Cleanup(q.Close)
	p := NewPoller(getter, New(q, nil, "en"), 1)
	p.pause = time.Millisecond

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for range 2 {
		if _, ok := receive(t, q).(event.MemberJoined); !ok {
			t.Fatalf("expected a join event")
		}
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	getter.mutex.Lock()
	defer getter.mutex.Unlock()
	if getter.offsets[0] != 0 || getter.offsets[1] != 11 || getter.offsets[2] != 11 {
		t.Fatalf("offset must survive the restart, got %v", getter.offsets)
	}
}
