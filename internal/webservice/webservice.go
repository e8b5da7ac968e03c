// Package webservice provides the public HTTP server: the Strava webhook receiver, the bootstrap
// trigger and the version endpoint, plus a separate Prometheus metrics listener.
package webservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	commonmetrics "github.com/stravabronze/activity-sync/internal/common/metrics"
	"github.com/stravabronze/activity-sync/internal/webservice/handlers"
	"github.com/stravabronze/activity-sync/internal/webservice/metrics"
	"github.com/stravabronze/activity-sync/internal/webservice/middleware"
	"golang.org/x/time/rate"
)

// Server holds the primary and metrics HTTP servers.
type Server struct {
	httpServer    *http.Server
	metricsServer *commonmetrics.Server
	cm            dConfigManager

	mu          sync.RWMutex
	primaryAddr net.Addr

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// gracefulCtx lets in-flight requests finish.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc
}

// StaticConfig holds the static configuration for the server.
type StaticConfig struct {
	ConfigPath string

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxHeaderBytes int
	MaxBodyBytes   int

	// BootstrapTimeout bounds a sweep run from the trigger.
	BootstrapTimeout time.Duration
	// TriggerInterval is the minimum delay between two trigger calls from one address, once TriggerBurst is spent.
	TriggerInterval time.Duration
	TriggerBurst    int

	ListenHost  string
	ListenPort  int
	MetricsHost string
	MetricsPort int
}

type dConfigManager interface {
	Load() error
	Watch(context.Context) (<-chan struct{}, <-chan error, error)
	VerifyToken() string
}

// New creates a Server enqueuing webhook events into q and running sweeps with boot.
func New(ctx context.Context, cm dConfigManager, q handlers.Enqueuer, boot handlers.Bootstrapper, sc StaticConfig) (*Server, error) {
	if err := cm.Load(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mw := metrics.New(registry)

	triggerLimit := rate.Inf
	if sc.TriggerInterval > 0 {
		triggerLimit = rate.Every(sc.TriggerInterval)
	}
	limiter := middleware.New(triggerLimit, max(sc.TriggerBurst, 1))

	webhook := handlers.NewWebhook(cm, q, int64(sc.MaxBodyBytes))
	trigger := handlers.NewTrigger(boot, sc.BootstrapTimeout)

	mux := http.NewServeMux()
	mux.Handle("/strava-webhook", http.TimeoutHandler(mw.Monitor("webhook", webhook), sc.RequestTimeout, ""))
	mux.Handle("GET /http_trigger", limiter.Limit(mw.Monitor("trigger", trigger)))
	mux.Handle("GET /version", mw.Monitor("version", http.HandlerFunc(handlers.VersionHandler)))

	return &Server{
		httpServer: &http.Server{
			Addr:           net.JoinHostPort(sc.ListenHost, strconv.Itoa(sc.ListenPort)),
			ReadTimeout:    sc.ReadTimeout,
			WriteTimeout:   sc.WriteTimeout,
			Handler:        mux,
			MaxHeaderBytes: sc.MaxHeaderBytes,
		},
		metricsServer: commonmetrics.New(commonmetrics.Config{
			Host:         sc.MetricsHost,
			Port:         sc.MetricsPort,
			ReadTimeout:  sc.ReadTimeout,
			WriteTimeout: sc.WriteTimeout,
		}, registry),
		cm: cm,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,
	}, nil
}

// Run starts both HTTP servers and blocks until they stop.
func (s *Server) Run() error {
	select {
	case <-s.gracefulCtx.Done():
		return errors.New("server is already shutting down")
	default:
	}

	_, watchErr, err := s.cm.Watch(s.gracefulCtx)
	if err != nil {
		return fmt.Errorf("failed to start watching configuration: %v", err)
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to listen on %s: %v", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.primaryAddr = listener.Addr()
	s.mu.Unlock()
	slog.Info("Starting server", "addr", listener.Addr().String())

	serverErr := make(chan error, 2)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("metrics server: %v", err)
		}
	}()

	defer s.cancel()
	for {
		select {
		case <-s.gracefulCtx.Done():
			slog.Info("Graceful shutdown initiated")
			// s.ctx is canceled by a forced Quit, which unblocks Shutdown.
			err := errors.Join(s.httpServer.Shutdown(s.ctx), s.metricsServer.Shutdown(s.ctx))
			if err != nil {
				slog.Error("Graceful shutdown failed", "err", err)
				return err
			}
			slog.Info("Server shut down gracefully")
			return nil

		case err := <-serverErr:
			slog.Error("Server encountered error", "err", err)
			return errors.Join(err, s.close())

		case err, ok := <-watchErr:
			if !ok {
				watchErr = nil
				continue
			}
			slog.Error("Config watcher encountered unrecoverable error", "err", err)
			return errors.Join(err, s.close())
		}
	}
}

func (s *Server) close() error {
	return errors.Join(s.httpServer.Close(), s.metricsServer.Close())
}

// Quit shuts down the servers. Without force, in-flight requests are served first.
func (s *Server) Quit(force bool) {
	if force {
		s.close()
		s.cancel()
	} else {
		s.gracefulCancel()
	}
	slog.Info("Server quit", "force", force)
}

// Addr returns the address the primary server listens on, or an empty string before it listens.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.primaryAddr == nil {
		return ""
	}
	return s.primaryAddr.String()
}

// MetricsAddr returns the address the metrics server listens on, or an empty string before it listens.
func (s *Server) MetricsAddr() string {
	return s.metricsServer.Addr()
}
