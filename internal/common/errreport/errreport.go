// Package errreport forwards failures that are logged and swallowed to Sentry.
//
// Reporting is disabled until Init is called with a DSN. All functions are safe to call when disabled.
package errreport

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config holds the Sentry client settings.
type Config struct {
	DSN         string
	Environment string
	Release     string
	ServerName  string
}

var enabled atomic.Bool

// Init configures the global Sentry client. An empty DSN leaves reporting disabled.
func Init(cfg Config) error {
	if cfg.DSN == "" {
		slog.Debug("Sentry DSN not configured, error reporting disabled")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		ServerName:  cfg.ServerName,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			if event.Request != nil && event.Request.Headers != nil {
				delete(event.Request.Headers, "Authorization")
				delete(event.Request.Headers, "Cookie")
			}
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("sentry init: %w", err)
	}

	enabled.Store(true)
	slog.Info("Sentry error reporting enabled", "environment", cfg.Environment, "release", cfg.Release)
	return nil
}

// Capture reports err with the given tags. It does nothing for a nil error or when reporting is disabled.
func Capture(ctx context.Context, err error, tags map[string]string) {
	if err == nil || !enabled.Load() {
		return
	}

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.CaptureException(err)
	})
}

// Flush waits up to timeout for buffered events to be sent.
func Flush(timeout time.Duration) {
	if !enabled.Load() {
		return
	}
	sentry.Flush(timeout)
}
