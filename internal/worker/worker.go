package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/iamwavecut/ngguard/internal/config"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/event"
	"github.com/iamwavecut/ngguard/internal/gatekeeper"
	"github.com/iamwavecut/ngguard/internal/infra"
	"github.com/iamwavecut/ngguard/internal/observability"
)

// Verdict is what happens to a delivery once it has been processed.
type Verdict int

const (
	Ack Verdict = iota
	Nack
	// Abandon leaves the delivery unacknowledged so the queue redelivers it after shutdown.
	Abandon
)

func (v Verdict) String() string {
	switch v {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	default:
		return "abandon"
	}
}

type (
	Verifier interface {
		Handle(ctx context.Context, ev event.Event) (gatekeeper.Outcome, error)
		Screen(ctx context.Context, chatID, userID int64, messageID int) (bool, error)
	}

	Votes interface {
		Cast(ctx context.Context, ev event.VoteCast) error
		Expire(ctx context.Context, ev event.TimerFired) error
	}

	Commands interface {
		Handle(ctx context.Context, cmd event.CommandReceived) error
	}

	// Pool consumes the queue with a fixed number of workers. Every delivery is
	// decoded, routed by event type and acknowledged by the class of its error.
	Pool struct {
		queue       event.Queue
		verifier    Verifier
		votes       Votes
		commands    Commands
		concurrency int
		retries     int
		backoff     time.Duration
		sleep       func(ctx context.Context, d time.Duration) error

		mutex  sync.Mutex
		cancel context.CancelFunc
		group  *errgroup.Group
	}
)

func NewPool(queue event.Queue, verifier Verifier, votes Votes, commands Commands, cfg config.Worker) *Pool {
	return &Pool{
		queue:       queue,
		verifier:    verifier,
		votes:       votes,
		commands:    commands,
		concurrency: max(cfg.Concurrency, 1),
		retries:     max(cfg.StoreRetries, 1),
		backoff:     cfg.StoreBackoff,
		sleep:       sleepContext,
	}
}

func (p *Pool) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.group != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	for i := range p.concurrency {
		id := fmt.Sprintf("worker_%d", i)
		g.Go(func() error {
			return infra.GoRecoverable(gctx, -1, id, p.consume)
		})
	}
	p.cancel = cancel
	p.group = g
	p.getLogEntry().WithField("workers", p.concurrency).Info("worker pool started")
	return nil
}

func (p *Pool) Stop(ctx context.Context) error {
	p.mutex.Lock()
	cancel, g := p.cancel, p.group
	p.cancel, p.group = nil, nil
	p.mutex.Unlock()
	if g == nil {
		return nil
	}

	cancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) consume(ctx context.Context) {
	entry := p.getLogEntry().WithField("method", "consume")
	for {
		d, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, event.ErrQueueClosed) {
				return
			}
			entry.WithError(err).Warn("receive failed")
			if p.sleep(ctx, p.backoff) != nil {
				return
			}
			continue
		}

		switch p.Process(ctx, d) {
		case Ack:
			if err := p.queue.Ack(context.WithoutCancel(ctx), d); err != nil {
				entry.WithError(err).WithField("delivery", d.ID).Error("ack failed")
			}
		case Nack:
			if err := p.queue.Nack(context.WithoutCancel(ctx), d); err != nil {
				entry.WithError(err).WithField("delivery", d.ID).Error("nack failed")
			}
		case Abandon:
			return
		}
	}
}

// Process handles one delivery and reports what should happen to it.
func (p *Pool) Process(ctx context.Context, d event.Delivery) Verdict {
	eventType := string(d.Envelope.Type)
	ctx, span := otel.Tracer("worker").Start(ctx, "process-event")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", eventType),
		attribute.Int64("chat.id", d.Envelope.ChatID),
		attribute.Int("delivery.attempt", d.Attempt),
	)
	entry := p.getLogEntry().WithFields(log.Fields{
		"method":   "Process",
		"delivery": d.ID,
		"attempt":  d.Attempt,
		"type":     eventType,
		"chat_id":  d.Envelope.ChatID,
		"user_id":  d.Envelope.UserID,
	})

	ev, err := event.Decode(d.Envelope)
	if err != nil {
		entry.WithError(err).Warn("dropping malformed event")
		observability.RecordEvent(eventType, ngerrors.Kind(err))
		return Ack
	}

	observed := observability.StartEvent(eventType)
	label, err := p.handle(ctx, ev)
	observed()

	verdict := Ack
	switch {
	case err == nil:
	case ctx.Err() != nil:
		verdict = Abandon
	case errors.Is(err, ngerrors.ErrStoreUnavailable):
		entry.WithError(err).Error("store unavailable, giving the event back")
		verdict = Nack
	case errors.Is(err, ngerrors.ErrContention), errors.Is(err, ngerrors.ErrNotFound):
		entry.WithError(err).Debug("event superseded")
	case errors.Is(err, ngerrors.ErrMalformedEvent):
		entry.WithError(err).Warn("dropping malformed event")
	default:
		entry.WithError(err).Error("event failed")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ngerrors.Kind(err))
		label = ngerrors.Kind(err)
	}
	span.SetAttributes(attribute.String("event.outcome", label), attribute.String("delivery.verdict", verdict.String()))
	observability.RecordEvent(eventType, label)
	entry.WithFields(log.Fields{"outcome": label, "verdict": verdict}).Trace("event processed")
	return verdict
}

// handle retries the whole event while the store is unavailable. Handlers only fail
// with a store error before running effects, so a repeat cannot double them.
func (p *Pool) handle(ctx context.Context, ev event.Event) (string, error) {
	for attempt := 1; ; attempt++ {
		label, err := p.dispatch(ctx, ev)
		if !errors.Is(err, ngerrors.ErrStoreUnavailable) || attempt >= p.retries {
			return label, err
		}
		p.getLogEntry().WithError(err).WithField("attempt", attempt).Debug("store unavailable, retrying")
		if err := p.sleep(ctx, time.Duration(attempt)*p.backoff); err != nil {
			return label, err
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, ev event.Event) (string, error) {
	switch e := ev.(type) {
	case event.MemberJoined, event.MemberLeft, event.CallbackReceived, event.MessageReceived:
		outcome, err := p.verifier.Handle(ctx, e)
		return string(outcome), err
	case event.TimerFired:
		switch e.Kind {
		case event.TimerVerification:
			outcome, err := p.verifier.Handle(ctx, e)
			return string(outcome), err
		case event.TimerVoteRound:
			return "vote_timer", p.votes.Expire(ctx, e)
		default:
			return "", ngerrors.Malformed("unknown timer kind %q", e.Kind)
		}
	case event.VoteCast:
		return "vote", p.votes.Cast(ctx, e)
	case event.CommandReceived:
		if !e.Private {
			suppressed, err := p.verifier.Screen(ctx, e.ChatID, e.UserID, e.MessageID)
			if err != nil {
				return "command", err
			}
			if suppressed {
				return string(gatekeeper.OutcomeSuppressed), nil
			}
		}
		return "command", p.commands.Handle(ctx, e)
	default:
		return "", ngerrors.Malformed("unhandled event type %s", ev.Type())
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) getLogEntry() *log.Entry {
	return log.WithField("object", "WorkerPool")
}
