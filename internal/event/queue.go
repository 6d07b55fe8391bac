package event

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/observability"
)

var ErrQueueClosed = errors.New("queue closed")

type (
	// Delivery is one at-least-once hand-off of an envelope. Attempt starts at 1.
	Delivery struct {
		ID       string
		Attempt  int
		Envelope Envelope
	}

	Publisher interface {
		Publish(ctx context.Context, env Envelope) error
	}

	Queue interface {
		Publisher
		// Receive blocks until a delivery is available or ctx is done.
		Receive(ctx context.Context) (Delivery, error)
		Ack(ctx context.Context, d Delivery) error
		// Nack hands the delivery back for another attempt, or dead-letters it
		// once the attempt budget is spent.
		Nack(ctx context.Context, d Delivery) error
	}
)

// PublishEvent encodes ev and publishes it.
func PublishEvent(ctx context.Context, p Publisher, ev Event, at time.Time) error {
	env, err := Encode(ev, at)
	if err != nil {
		return err
	}
	return p.Publish(ctx, env)
}

type MemoryQueue struct {
	ch              chan Delivery
	maxDeliveries   int
	redeliveryDelay time.Duration

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewMemoryQueue(buffer, maxDeliveries int, redeliveryDelay time.Duration) *MemoryQueue {
	return &MemoryQueue{
		ch:              make(chan Delivery, buffer),
		maxDeliveries:   maxDeliveries,
		redeliveryDelay: redeliveryDelay,
		done:            make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, env Envelope) error {
	return q.put(ctx, Delivery{ID: uuid.New(), Attempt: 1, Envelope: env})
}

func (q *MemoryQueue) put(ctx context.Context, d Delivery) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- d:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) (Delivery, error) {
	select {
	case d := <-q.ch:
		return d, nil
	case <-q.done:
		return Delivery{}, ErrQueueClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(context.Context, Delivery) error {
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, d Delivery) error {
	if d.Attempt >= q.maxDeliveries {
		deadLetter(d)
		return nil
	}
	d.Attempt++
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		timer := time.NewTimer(q.redeliveryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			if err := q.put(context.Background(), d); err != nil {
				log.WithField("object", "MemoryQueue").WithError(err).Warn("redelivery dropped")
			}
		case <-q.done:
		}
	}()
	return nil
}

func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close stops redeliveries and unblocks receivers. Pending deliveries are lost.
func (q *MemoryQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
}

func deadLetter(d Delivery) {
	observability.RecordDeadLetter()
	log.WithFields(log.Fields{
		"delivery": d.ID,
		"attempt":  d.Attempt,
		"type":     d.Envelope.Type,
		"chat_id":  d.Envelope.ChatID,
		"user_id":  d.Envelope.UserID,
	}).Error("dead letter")
}
