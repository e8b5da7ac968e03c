// Package config holds the dynamic daemon configuration: a JSON document reloaded whenever its file changes.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// FetchPolicy decides what happens to an event whose upstream fetch failed.
type FetchPolicy string

const (
	// FetchPolicyDrop acknowledges the event and skips it.
	FetchPolicyDrop FetchPolicy = "drop"
	// FetchPolicyRetry hands the event back to the queue for redelivery.
	FetchPolicyRetry FetchPolicy = "retry"
)

// Conf is the content of the dynamic configuration file.
type Conf struct {
	// VerifyToken is the expected hub.verify_token of the webhook handshake. Empty disables the check.
	VerifyToken string `json:"verifyToken"`
	// FetchFailurePolicy is either "drop" or "retry".
	FetchFailurePolicy FetchPolicy `json:"fetchFailurePolicy"`
	// Workers is the number of concurrent queue consumers.
	Workers int `json:"workers"`
}

func (c Conf) validate() error {
	switch c.FetchFailurePolicy {
	case "", FetchPolicyDrop, FetchPolicyRetry:
	default:
		return fmt.Errorf("unknown fetchFailurePolicy %q", c.FetchFailurePolicy)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// Manager serves the last valid configuration read from its file.
type Manager struct {
	path    string
	current atomic.Pointer[Conf]

	log *slog.Logger
}

type options struct {
	Logger *slog.Logger
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// WithLogger is an option to set the logger for the Manager.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.Logger = l
	}
}

// New returns a Manager for the file at path. Nothing is read until Load or Watch.
func New(path string, args ...Options) *Manager {
	opts := options{Logger: slog.Default()}
	for _, opt := range args {
		opt(&opts)
	}

	m := &Manager{path: path, log: opts.Logger}
	m.current.Store(&Conf{})
	return m
}

// Load reads and validates the file, then makes it the current configuration.
//
// On error, the previously loaded configuration is kept.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}

	var c Conf
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return fmt.Errorf("decoding config JSON: %w", err)
	}
	if err := c.validate(); err != nil {
		return err
	}

	m.current.Store(&c)
	m.log.Info("Configuration loaded", "fetchFailurePolicy", c.FetchFailurePolicy, "workers", c.Workers, "verifyTokenSet", c.VerifyToken != "")
	return nil
}

// Watch loads the file, then reloads it each time it is written, created or renamed over.
//
// A token is sent on changes after every successful reload, coalesced when nobody reads.
// failures receives at most one error, when the watcher itself breaks. Both channels are
// closed once ctx is done.
func (m *Manager) Watch(ctx context.Context) (changes <-chan struct{}, failures <-chan error, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", dir, err)
	}
	m.log.Info("Watching configuration directory", "dir", dir)

	if err := m.Load(); err != nil {
		m.log.Warn("Error loading initial config", "err", err)
	}

	changed := make(chan struct{}, 1)
	failed := make(chan error, 1)
	go func() {
		defer close(failed)
		defer close(changed)
		defer w.Close()

		if err := m.follow(ctx, w, changed); err != nil {
			failed <- err
		}
	}()

	return changed, failed, nil
}

// follow reloads the configuration on relevant events until ctx is done or w breaks.
func (m *Manager) follow(ctx context.Context, w *fsnotify.Watcher, changed chan<- struct{}) error {
	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("Configuration watcher stopped")
			return nil

		case e, ok := <-w.Events:
			if !ok {
				return errors.New("watcher events channel closed unexpectedly")
			}
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) && !e.Has(fsnotify.Rename) {
				continue
			}
			if filepath.Clean(e.Name) != target {
				continue
			}

			m.log.Debug("Configuration file changed. Reloading...")
			if err := m.Load(); err != nil {
				m.log.Warn("Error reloading config", "err", err)
				continue
			}
			select {
			case changed <- struct{}{}:
			default:
			}

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher errors channel closed unexpectedly")
			}
			m.log.Warn("Watcher error", "err", err)
		}
	}
}

// VerifyToken returns the expected webhook verification token.
func (m *Manager) VerifyToken() string {
	return m.current.Load().VerifyToken
}

// FetchPolicy returns the policy to apply on upstream fetch failures. It defaults to drop.
func (m *Manager) FetchPolicy() FetchPolicy {
	if p := m.current.Load().FetchFailurePolicy; p != "" {
		return p
	}
	return FetchPolicyDrop
}

// Workers returns the number of queue consumers to run. It is at least 1.
func (m *Manager) Workers() int {
	return max(m.current.Load().Workers, 1)
}
