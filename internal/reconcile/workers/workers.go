// Package workers runs the queue consumers of the reconcile service.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stravabronze/activity-sync/internal/queue"
)

// Pool keeps as many consumers running as the dynamic configuration asks for.
type Pool struct {
	cm   dConfigManager
	q    receiver
	proc dProcessor

	mu       sync.Mutex
	workers  map[int]context.CancelFunc
	workerWG sync.WaitGroup

	queueClosed chan struct{}
	closeOnce   sync.Once

	activeWorkers prometheus.Gauge
	messages      *prometheus.CounterVec

	opts options
}

type dConfigManager interface {
	Watch(context.Context) (<-chan struct{}, <-chan error, error)
	Workers() int
}

type receiver interface {
	Receive(ctx context.Context) (*queue.Message, error)
}

type dProcessor interface {
	Process(ctx context.Context, payload []byte) error
}

type options struct {
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	debounce      time.Duration
	settleTimeout time.Duration
}

// Options represents an optional function to override Pool default values.
type Options func(*options)

// New creates a worker pool consuming q with proc, and registers its metrics on reg.
func New(cm dConfigManager, q receiver, proc dProcessor, reg prometheus.Registerer, args ...Options) (*Pool, error) {
	opts := options{
		baseBackoff:   5 * time.Second,
		maxBackoff:    30 * time.Second,
		debounce:      5 * time.Second,
		settleTimeout: 10 * time.Second,
	}
	for _, opt := range args {
		opt(&opts)
	}

	activeWorkers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "activity_sync_active_workers",
		Help: "Number of queue consumers currently running.",
	})
	if err := reg.Register(activeWorkers); err != nil {
		return nil, fmt.Errorf("failed to register active workers gauge: %v", err)
	}
	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activity_sync_queue_messages_total",
		Help: "Queue messages settled by the consumers, by result.",
	}, []string{"result"})
	if err := reg.Register(messages); err != nil {
		return nil, fmt.Errorf("failed to register queue messages counter: %v", err)
	}

	return &Pool{
		cm:            cm,
		q:             q,
		proc:          proc,
		workers:       make(map[int]context.CancelFunc),
		queueClosed:   make(chan struct{}),
		activeWorkers: activeWorkers,
		messages:      messages,
		opts:          opts,
	}, nil
}

// Run starts the consumers and resizes the pool whenever the configuration changes.
//
// This is blocking until the context is canceled, the queue is closed or the configuration
// watcher fails, and all workers are done.
//
// Always returns a non-nil error.
func (p *Pool) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		p.workerWG.Wait()

		p.mu.Lock()
		clear(p.workers)
		p.mu.Unlock()
	}()

	reloadEventCh, cfgWatchErrCh, err := p.cm.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to start watch configuration: %v", err)
	}

	p.syncWorkers(ctx)

	debounceTimer := time.NewTimer(p.opts.debounce)
	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Context canceled, stopping worker pool")
			return ctx.Err()

		case <-p.queueClosed:
			return queue.ErrClosed

		case _, ok := <-reloadEventCh:
			if !ok {
				return fmt.Errorf("reloadEventCh closed unexpectedly")
			}
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(p.opts.debounce)

		case <-debounceTimer.C:
			slog.Info("Resyncing workers after configuration change")
			p.syncWorkers(ctx)

		case err, ok := <-cfgWatchErrCh:
			if !ok {
				return fmt.Errorf("cfgWatchErrCh closed unexpectedly")
			}
			if err != nil {
				slog.Error("Configuration watcher error", "err", err)
			}
		}
	}
}

// syncWorkers starts or stops workers until the configured count is running.
func (p *Pool) syncWorkers(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.cm.Workers()
	for id, cancel := range p.workers {
		if id >= n {
			slog.Info("Stopping worker", "worker", id)
			cancel()
			delete(p.workers, id)
		}
	}

	for id := range n {
		if _, ok := p.workers[id]; ok {
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		wCtx, cancel := context.WithCancel(ctx)
		p.workers[id] = cancel
		slog.Info("Starting worker", "worker", id)
		p.workerWG.Add(1)
		go p.worker(wCtx, id)
	}
}

// worker receives and processes messages until ctx is canceled or the queue is closed.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.workerWG.Done()

	p.activeWorkers.Inc()
	defer p.activeWorkers.Dec()

	backoff := p.opts.baseBackoff
	for {
		msg, err := p.q.Receive(ctx)
		switch {
		case errors.Is(err, queue.ErrClosed):
			slog.Info("Queue closed, stopping worker", "worker", id)
			p.closeOnce.Do(func() { close(p.queueClosed) })
			return
		case ctx.Err() != nil:
			slog.Debug("Worker context canceled", "worker", id)
			if msg != nil {
				p.settle(ctx, id, msg, ctx.Err())
			}
			return
		case err != nil:
			slog.Warn("Failed to receive message", "worker", id, "err", err)
		default:
			procErr := p.proc.Process(ctx, msg.Payload)
			if procErr == nil && ctx.Err() != nil {
				// Work cut short by a stop may look complete to the processor.
				procErr = fmt.Errorf("worker stopped while processing: %w", ctx.Err())
			}
			if p.settle(ctx, id, msg, procErr) {
				backoff = p.opts.baseBackoff
				continue
			}
		}

		// #nosec:G404 We don't need cryptographic randomness.
		sleep := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, p.opts.maxBackoff)
	}
}

// settle acknowledges msg when processing succeeded and hands it back to the queue otherwise.
// It reports whether the message was acknowledged.
func (p *Pool) settle(ctx context.Context, id int, msg *queue.Message, procErr error) bool {
	// Settling must outlive a canceled worker.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.settleTimeout)
	defer cancel()

	log := slog.With("worker", id, "queue_msg", msg.ID, "attempt", msg.Attempt)

	if procErr != nil {
		log.Warn("Failed to process message, returning it to the queue", "err", procErr)
		p.messages.WithLabelValues("nacked").Inc()
		if err := msg.Nack(ctx); err != nil {
			log.Error("Failed to return message to the queue", "err", err)
		}
		return false
	}

	if err := msg.Ack(ctx); err != nil {
		log.Error("Failed to acknowledge message", "err", err)
		p.messages.WithLabelValues("ack_failed").Inc()
		return false
	}
	log.Debug("Message acknowledged")
	p.messages.WithLabelValues("acked").Inc()
	return true
}
