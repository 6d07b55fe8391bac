package ingress

import (
	"context"
	"errors"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/bot"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/event"
	"github.com/iamwavecut/ngguard/internal/i18n"
	"github.com/iamwavecut/ngguard/internal/infra"
)

// MaxUpdateAge bounds how old an update may be before it is dropped. Telegram
// keeps updates for a day, so a restart would otherwise replay stale joins.
const MaxUpdateAge = 5 * time.Minute

// CallbackAnswerer acknowledges button presses that never become events.
type CallbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
}

// Ingress turns raw Telegram updates into queued events.
type Ingress struct {
	pub         event.Publisher
	answerer    CallbackAnswerer
	defaultLang string
	now         func() time.Time
}

// New builds an ingress. answerer may be nil, in which case presses of unknown
// buttons are dropped without an answer.
func New(pub event.Publisher, answerer CallbackAnswerer, defaultLang string) *Ingress {
	return &Ingress{pub: pub, answerer: answerer, defaultLang: defaultLang, now: time.Now}
}

// Accept normalizes u and publishes the resulting events. It reports how many
// events were published.
func (i *Ingress) Accept(ctx context.Context, u *api.Update) (int, error) {
	now := i.now()
	entry := i.getLogEntry().WithField("method", "Accept")
	if u != nil {
		entry = entry.WithField("update_id", u.UpdateID)
	}

	if age := now.Sub(event.UpdateTime(u, now)); age > MaxUpdateAge {
		entry.WithField("age", age.Round(time.Second)).Trace("dropping stale update")
		return 0, nil
	}

	events, err := event.Normalize(u)
	if err != nil {
		entry.WithError(err).Debug("cant normalize update")
		if errors.Is(err, ngerrors.ErrMalformedEvent) {
			i.answerInvalid(ctx, u)
		}
		return 0, err
	}
	for n, ev := range events {
		if err := event.PublishEvent(ctx, i.pub, ev, now); err != nil {
			return n, err
		}
		entry.WithField("type", ev.Type()).Trace("event published")
	}
	return len(events), nil
}

// answerInvalid stops the client spinner on a button whose data cannot be parsed.
func (i *Ingress) answerInvalid(ctx context.Context, u *api.Update) {
	if i.answerer == nil || u == nil || u.CallbackQuery == nil || u.CallbackQuery.ID == "" {
		return
	}
	cq := u.CallbackQuery
	lang := i.defaultLang
	if cq.From != nil && cq.From.LanguageCode != "" {
		lang = i18n.Normalize(cq.From.LanguageCode)
	}
	text := i18n.Get("This button is no longer valid.", lang)
	if err := i.answerer.AnswerCallback(context.WithoutCancel(ctx), cq.ID, text, false); err != nil {
		i.getLogEntry().WithField("method", "answerInvalid").WithError(err).Warn("cant answer callback")
	}
}

func (i *Ingress) getLogEntry() *log.Entry {
	return log.WithField("object", "Ingress")
}

// Poller long-polls the Bot API and feeds updates to the ingress. A failed poll
// restarts the loop after a pause.
type Poller struct {
	api     bot.UpdatesGetter
	ingress *Ingress
	timeout int
	pause   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(getter bot.UpdatesGetter, ingress *Ingress, timeout int) *Poller {
	return &Poller{
		api:     getter,
		ingress: ingress,
		timeout: timeout,
		pause:   time.Second,
	}
}

func (p *Poller) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := infra.GoRecoverable(runCtx, -1, "process_updates", p.run); err != nil && !errors.Is(err, context.Canceled) {
			p.getLogEntry().WithError(err).Error("poller stopped")
		}
	}()
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) run(ctx context.Context) {
	entry := p.getLogEntry().WithField("method", "run")
	updateConfig := api.NewUpdate(0)
	updateConfig.Timeout = p.timeout
	updateConfig.AllowedUpdates = []string{"message", "callback_query"}

	for ctx.Err() == nil {
		updateChan, errorChan := bot.GetUpdatesChans(ctx, p.api, updateConfig, 100)
		for update := range updateChan {
			if update.UpdateID >= updateConfig.Offset {
				updateConfig.Offset = update.UpdateID + 1
			}
			if _, err := p.ingress.Accept(ctx, &update); err != nil {
				entry.WithError(err).Warn("cant accept update")
			}
		}

		err := <-errorChan
		if ctx.Err() != nil {
			return
		}
		entry.WithError(err).Error("bot api get updates error")
		select {
		case <-time.After(p.pause):
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) getLogEntry() *log.Entry {
	return log.WithField("object", "Poller")
}
