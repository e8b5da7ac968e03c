package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub"
)

// pubsubQueue publishes to a Google Pub/Sub topic and pulls from one of its subscriptions.
type pubsubQueue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	startOnce sync.Once
	msgs      chan *Message
	stopped   chan struct{}
	stopErr   error
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newPubSubQueue(ctx context.Context, project, topic, subscription string, opts options) (*pubsubQueue, error) {
	client, err := pubsub.NewClient(ctx, project, opts.clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("could not create pubsub client: %v", err)
	}

	q := &pubsubQueue{
		client:  client,
		topic:   client.Topic(topic),
		msgs:    make(chan *Message),
		stopped: make(chan struct{}),
	}
	if subscription != "" {
		q.sub = client.Subscription(subscription)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())

	return q, nil
}

// Enqueue publishes payload and waits for the server acknowledgement.
func (q *pubsubQueue) Enqueue(ctx context.Context, payload []byte) error {
	if q.ctx.Err() != nil {
		return ErrClosed
	}

	id, err := q.topic.Publish(ctx, &pubsub.Message{Data: payload}).Get(ctx)
	if err != nil {
		return fmt.Errorf("could not publish message to %q: %v", q.topic.ID(), err)
	}
	slog.Debug("Published message", "queue_msg", id)
	return nil
}

// Receive returns the next message pulled by the background subscriber.
//
// The subscriber starts on first use so that publishers never pull.
func (q *pubsubQueue) Receive(ctx context.Context) (*Message, error) {
	if q.sub == nil {
		return nil, errors.New("pubsub queue has no subscription to receive from")
	}
	q.startOnce.Do(q.startReceiving)

	select {
	case m := <-q.msgs:
		return m, nil
	case <-q.stopped:
		return nil, q.stopErr
	case <-q.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *pubsubQueue) startReceiving() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(q.stopped)

		err := q.sub.Receive(q.ctx, func(ctx context.Context, pm *pubsub.Message) {
			attempt := 1
			if pm.DeliveryAttempt != nil {
				attempt = *pm.DeliveryAttempt
			}
			m := &Message{
				ID:      pm.ID,
				Payload: pm.Data,
				Attempt: attempt,
				ack: func(context.Context) error {
					pm.Ack()
					return nil
				},
				nack: func(context.Context) error {
					pm.Nack()
					return nil
				},
			}

			select {
			case q.msgs <- m:
			case <-ctx.Done():
				pm.Nack()
			}
		})
		q.stopErr = ErrClosed
		if err != nil && q.ctx.Err() == nil {
			slog.Error("Pub/Sub subscriber stopped", "subscription", q.sub.ID(), "err", err)
			q.stopErr = fmt.Errorf("subscription %q stopped: %v", q.sub.ID(), err)
		}
	}()
}

// Close stops the subscriber and flushes pending publishes.
func (q *pubsubQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	q.topic.Stop()
	return q.client.Close()
}
