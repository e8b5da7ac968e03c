// Package queue provides the durable work queue that decouples webhook receipt from reconciliation.
//
// Delivery is at least once: a message that is not acknowledged is delivered again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stravabronze/activity-sync/internal/common/constants"
	"google.golang.org/api/option"
)

// ErrClosed is returned when the queue has been closed.
var ErrClosed = errors.New("queue is closed")

// Queue is a durable at-least-once work queue.
type Queue interface {
	// Enqueue persists payload. It returns once the payload is durable.
	Enqueue(ctx context.Context, payload []byte) error
	// Receive blocks until a message is available, ctx is done, or the queue is closed.
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// Message is a single delivery of an enqueued payload.
//
// Exactly one of Ack or Nack must be called once processing is over.
type Message struct {
	ID      string
	Payload []byte
	// Attempt is the 1-based delivery attempt.
	Attempt int

	ack     func(context.Context) error
	nack    func(context.Context) error
	settled atomic.Bool
}

// Ack marks the message as processed. It will not be delivered again.
func (m *Message) Ack(ctx context.Context) error {
	if !m.settled.CompareAndSwap(false, true) {
		return fmt.Errorf("message %s already settled", m.ID)
	}
	return m.ack(ctx)
}

// Nack hands the message back to the queue for redelivery.
func (m *Message) Nack(ctx context.Context) error {
	if !m.settled.CompareAndSwap(false, true) {
		return fmt.Errorf("message %s already settled", m.ID)
	}
	return m.nack(ctx)
}

type options struct {
	maxAttempts   int
	pollInterval  time.Duration
	group         string
	clientOptions []option.ClientOption
}

// Options represents an optional function to override queue default values.
type Options func(*options)

// WithMaxAttempts sets the number of deliveries after which a message is dead-lettered.
func WithMaxAttempts(n int) Options {
	return func(o *options) {
		o.maxAttempts = n
	}
}

// WithPollInterval sets how often the file queue rescans its spool when no change is notified.
func WithPollInterval(d time.Duration) Options {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithClientOptions passes Google API client options to the Pub/Sub backend.
func WithClientOptions(opts ...option.ClientOption) Options {
	return func(o *options) {
		o.clientOptions = append(o.clientOptions, opts...)
	}
}

func newOptions(args ...Options) options {
	opts := options{
		maxAttempts:  5,
		pollInterval: 2 * time.Second,
		group:        constants.DefaultServiceFolder,
	}
	for _, opt := range args {
		opt(&opts)
	}
	if opts.maxAttempts < 1 {
		opts.maxAttempts = 1
	}
	return opts
}

// Open returns the queue described by dsn.
//
// Supported forms are:
//   - "" or a plain path, or file:///spool/dir: the file spool backend.
//   - kafka://broker1:9092,broker2:9092/topic?group=name: the Kafka backend.
//   - pubsub://project/topic?subscription=name: the Google Pub/Sub backend.
func Open(ctx context.Context, dsn string, args ...Options) (Queue, error) {
	opts := newOptions(args...)

	if dsn == "" {
		slog.Debug("No queue configured, using default spool", "dir", constants.DefaultQueueDir)
		return newFileQueue(constants.DefaultQueueDir, opts)
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid queue url %q: %v", dsn, err)
	}

	switch u.Scheme {
	case "", "file":
		dir := u.Path
		if u.Scheme == "" {
			dir = dsn
		}
		if dir == "" {
			return nil, fmt.Errorf("file queue url %q has no path", dsn)
		}
		return newFileQueue(dir, opts)
	case "kafka":
		brokers := strings.Split(u.Host, ",")
		topic := strings.Trim(u.Path, "/")
		if u.Host == "" || topic == "" {
			return nil, fmt.Errorf("kafka queue url %q needs brokers and a topic", dsn)
		}
		if g := u.Query().Get("group"); g != "" {
			opts.group = g
		}
		return newKafkaQueue(brokers, topic, opts), nil
	case "pubsub":
		topic := strings.Trim(u.Path, "/")
		if u.Host == "" || topic == "" {
			return nil, fmt.Errorf("pubsub queue url %q needs a project and a topic", dsn)
		}
		return newPubSubQueue(ctx, u.Host, topic, u.Query().Get("subscription"), opts)
	default:
		return nil, fmt.Errorf("unsupported queue scheme %q", u.Scheme)
	}
}
