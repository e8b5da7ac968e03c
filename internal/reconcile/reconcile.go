// Package reconcile runs the reconcile service: queue consumers applying change events, and the metrics server.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Service drains the event queue until it is stopped.
type Service struct {
	pool    WorkerPool
	metrics MetricsServer

	// ctx interrupts any action. It is the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// gracefulCtx stops consumers once their current message is settled.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	maxDegradedDuration time.Duration

	mu sync.Mutex
	// stopped is closed when Run returns. It is nil until Run starts.
	stopped chan struct{}
}

// WorkerPool consumes the queue until its context is done.
type WorkerPool interface {
	Run(ctx context.Context) error
}

// MetricsServer serves the Prometheus metrics of the service.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

type options struct {
	maxDegradedDuration time.Duration
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

var (
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when one component stopped and the other did not follow in time.
	// A force Quit may be required to cleanup the service.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// New creates a reconcile service running pool and metrics.
func New(ctx context.Context, pool WorkerPool, metrics MetricsServer, args ...Option) *Service {
	opts := options{maxDegradedDuration: 2 * time.Minute}
	for _, arg := range args {
		arg(&opts)
	}

	s := &Service{
		pool:                pool,
		metrics:             metrics,
		maxDegradedDuration: opts.maxDegradedDuration,
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.gracefulCtx, s.gracefulCancel = context.WithCancel(s.ctx)
	return s
}

// Run starts the workers and the metrics server.
//
// It returns once both have stopped, or once one of them has stopped and the other has not
// followed within the degraded window.
func (s *Service) Run() error {
	if s.gracefulCtx.Err() != nil {
		return errServiceClosed
	}

	stopped := make(chan struct{})
	s.mu.Lock()
	s.stopped = stopped
	s.mu.Unlock()
	defer close(stopped)
	defer s.cancel()

	slog.Info("Reconcile service started")

	// Each component stops the other when it returns.
	results := make(chan error, 2)
	for _, component := range []func() error{s.consume, s.serveMetrics} {
		go func() {
			defer s.gracefulCancel()
			results <- component()
		}()
	}

	err := <-results
	slog.Info("Waiting for reconcile service components to stop")

	select {
	case other := <-results:
		return errors.Join(err, other)
	case <-time.After(s.maxDegradedDuration):
		slog.Warn("Reconcile service teardown timed out")
		return errors.Join(err, ErrTeardownTimeout)
	}
}

func (s *Service) consume() error {
	slog.Info("Starting queue consumers")

	err := s.pool.Run(s.gracefulCtx)
	if err != nil && !errors.Is(err, s.gracefulCtx.Err()) {
		slog.Error("Queue consumers stopped with an error", "err", err)
		return fmt.Errorf("reconcile workers error: %v", err)
	}
	slog.Info("Queue consumers stopped")
	return nil
}

func (s *Service) serveMetrics() error {
	slog.Info("Starting metrics server")

	served := make(chan error, 1)
	go func() {
		err := s.metrics.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	select {
	case err := <-served:
		if err != nil {
			slog.Error("Metrics server failed", "err", err)
			return fmt.Errorf("metrics server error: %v", err)
		}
		slog.Info("Metrics server stopped")
		return nil
	case <-s.gracefulCtx.Done():
	}

	// A canceled parent means no time is left for a graceful shutdown.
	if cause := s.ctx.Err(); cause != nil {
		slog.Info("Closing metrics server", "reason", cause)
		return s.metrics.Close()
	}
	if err := s.metrics.Shutdown(s.ctx); err != nil {
		slog.Error("Metrics server graceful shutdown failed", "err", err)
		return fmt.Errorf("metrics server shutdown error: %v", err)
	}
	slog.Info("Metrics server stopped")
	return nil
}

// Quit stops the service and blocks until Run has returned.
//
// Without force, consumers settle the message they are processing first.
func (s *Service) Quit(force bool) {
	slog.Info("Stopping reconcile service", "force", force)

	if force {
		s.cancel()
		s.metrics.Close()
	} else {
		s.gracefulCancel()
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped != nil {
		<-stopped
	}
}
