// Package metrics provides the standalone listener exposing a Prometheus registry and a liveness probe.
package metrics

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

// Registry is a Prometheus registry which is both exposed and instrumented by the Server.
type Registry interface {
	prometheus.Registerer
	prometheus.Gatherer
}

// Server serves a Prometheus registry on /metrics and a liveness probe on /healthz.
type Server struct {
	httpServer *http.Server

	mu   sync.RWMutex
	addr net.Addr
}

// Config holds the configuration for the metrics server.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AddFlags registers the metrics listener flags on fs, with their defaults written to cfg.
func AddFlags(fs *pflag.FlagSet, cfg *Config, port int) {
	fs.StringVar(&cfg.Host, "metrics-host", "", "host for the metrics endpoint")
	fs.IntVar(&cfg.Port, "metrics-port", port, "port for the metrics endpoint")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for the metrics HTTP server")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")
}

// New creates a metrics server exposing reg. Scrapes of /metrics are counted in reg as well.
func New(cfg Config, reg Registry) *Server {
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
		ErrorHandling:     promhttp.ContinueOnError,
		Registry:          reg,
		EnableOpenMetrics: true,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.InstrumentMetricHandler(reg, handler))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// ListenAndServe listens on the configured address and serves until the server is stopped.
//
// It always returns a non-nil error, http.ErrServerClosed after Shutdown or Close.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.addr = l.Addr()
	s.mu.Unlock()
	slog.Info("Metrics server listening", "addr", l.Addr().String())

	return s.httpServer.Serve(l)
}

// Shutdown stops the server once in-flight scrapes are done, or ctx is.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close stops the server immediately.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Addr returns the address the server is listening on, or an empty string before it listens.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}
