package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	attemptHeader = "attempt"
	deadSuffix    = ".dead"
)

type kafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// kafkaQueue produces to a topic and consumes it through a consumer group.
//
// Offsets are committed when a message is settled. A nack re-produces the payload with the next
// attempt before committing, so redelivery does not depend on the partition offset. Workers settle
// out of order: a partition is only committed up to its oldest unsettled message.
type kafkaQueue struct {
	topic       string
	maxAttempts int

	writer kafkaWriter
	dead   kafkaWriter

	newReader func() kafkaReader
	reader    kafkaReader
	readerMu  chan struct{}
	closed    bool

	offsets kafkaOffsets
}

func newKafkaQueue(brokers []string, topic string, opts options) *kafkaQueue {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}

	return &kafkaQueue{
		topic:       topic,
		maxAttempts: opts.maxAttempts,
		writer:      newWriter(topic),
		dead:        newWriter(topic + deadSuffix),
		newReader: func() kafkaReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  brokers,
				GroupID:  opts.group,
				Topic:    topic,
				MinBytes: 1,
				MaxBytes: 10e6,
			})
		},
		readerMu: make(chan struct{}, 1),
	}
}

// Enqueue produces payload as a first delivery.
func (q *kafkaQueue) Enqueue(ctx context.Context, payload []byte) error {
	msg := kafka.Message{
		Key:     []byte(uuid.NewString()),
		Value:   payload,
		Headers: []kafka.Header{{Key: attemptHeader, Value: []byte("1")}},
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("could not produce message to %q: %v", q.topic, err)
	}
	return nil
}

// Receive fetches the next message of the consumer group.
//
// The group reader is only created on first use, so producers never join the group.
func (q *kafkaQueue) Receive(ctx context.Context) (*Message, error) {
	r, err := q.groupReader(ctx)
	if err != nil {
		return nil, err
	}

	km, err := r.FetchMessage(ctx)
	if errors.Is(err, io.EOF) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, fmt.Errorf("could not fetch message from %q: %w", q.topic, err)
	}

	id := string(km.Key)
	if id == "" {
		id = fmt.Sprintf("%s/%d/%d", km.Topic, km.Partition, km.Offset)
	}
	attempt := kafkaAttempt(km)
	q.offsets.fetched(km)

	return &Message{
		ID:      id,
		Payload: km.Value,
		Attempt: attempt,
		ack: func(ctx context.Context) error {
			return q.offsets.settle(ctx, r, km)
		},
		nack: func(ctx context.Context) error {
			w, next := q.writer, attempt+1
			if attempt >= q.maxAttempts {
				w = q.dead
				slog.Warn("Message exceeded delivery attempts, moved to dead letters", "queue_msg", id, "attempts", attempt)
			}
			retry := kafka.Message{
				Key:     km.Key,
				Value:   km.Value,
				Headers: []kafka.Header{{Key: attemptHeader, Value: []byte(strconv.Itoa(next))}},
			}
			if err := w.WriteMessages(ctx, retry); err != nil {
				return fmt.Errorf("could not requeue message %q: %v", id, err)
			}
			return q.offsets.settle(ctx, r, km)
		},
	}, nil
}

func (q *kafkaQueue) groupReader(ctx context.Context) (kafkaReader, error) {
	select {
	case q.readerMu <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-q.readerMu }()

	if q.closed {
		return nil, ErrClosed
	}
	if q.reader == nil {
		q.reader = q.newReader()
	}
	return q.reader, nil
}

// Close releases the writers and the group reader.
func (q *kafkaQueue) Close() error {
	q.readerMu <- struct{}{}
	defer func() { <-q.readerMu }()

	if q.closed {
		return nil
	}
	q.closed = true

	var errs []error
	if q.reader != nil {
		errs = append(errs, q.reader.Close())
	}
	errs = append(errs, q.writer.Close(), q.dead.Close())
	return errors.Join(errs...)
}

func kafkaAttempt(m kafka.Message) int {
	for _, h := range m.Headers {
		if h.Key != attemptHeader {
			continue
		}
		n, err := strconv.Atoi(string(h.Value))
		if err != nil || n < 1 {
			return 1
		}
		return n
	}
	return 1
}

type partitionKey struct {
	topic     string
	partition int
}

// partitionOffsets tracks the deliveries of a partition between fetch and commit.
type partitionOffsets struct {
	// unsettled counts the fetched deliveries of each offset not settled yet.
	unsettled map[int64]int
	// settled holds settled offsets above the last commit.
	settled   map[int64]struct{}
	committed int64
}

// kafkaOffsets commits, for each partition, the highest settled offset below every unsettled one.
type kafkaOffsets struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionOffsets
}

func (o *kafkaOffsets) partition(km kafka.Message) *partitionOffsets {
	if o.partitions == nil {
		o.partitions = make(map[partitionKey]*partitionOffsets)
	}
	k := partitionKey{topic: km.Topic, partition: km.Partition}
	p, ok := o.partitions[k]
	if !ok {
		p = &partitionOffsets{unsettled: make(map[int64]int), settled: make(map[int64]struct{}), committed: -1}
		o.partitions[k] = p
	}
	return p
}

func (o *kafkaOffsets) fetched(km kafka.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.partition(km).unsettled[km.Offset]++
}

// settle records km as settled and commits its partition as far as no unsettled message is skipped.
func (o *kafkaOffsets) settle(ctx context.Context, r kafkaReader, km kafka.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	p := o.partition(km)
	if p.unsettled[km.Offset]--; p.unsettled[km.Offset] <= 0 {
		delete(p.unsettled, km.Offset)
	}
	if km.Offset > p.committed {
		p.settled[km.Offset] = struct{}{}
	}

	target, ok := p.commitPoint()
	if !ok {
		return nil
	}
	// Commits are serialized by mu so that a partition offset never moves backward.
	if err := r.CommitMessages(ctx, kafka.Message{Topic: km.Topic, Partition: km.Partition, Offset: target}); err != nil {
		return fmt.Errorf("could not commit offset %d of %s/%d: %w", target, km.Topic, km.Partition, err)
	}

	p.committed = target
	for off := range p.settled {
		if off <= target {
			delete(p.settled, off)
		}
	}
	return nil
}

// commitPoint returns the highest settled offset lower than every unsettled one.
func (p *partitionOffsets) commitPoint() (int64, bool) {
	limit := int64(-1)
	for off := range p.unsettled {
		if limit < 0 || off < limit {
			limit = off
		}
	}

	target, found := p.committed, false
	for off := range p.settled {
		if (limit < 0 || off < limit) && off > target {
			target, found = off, true
		}
	}
	return target, found
}
