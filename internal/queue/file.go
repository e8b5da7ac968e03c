package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/stravabronze/activity-sync/internal/common/fileutils"
)

const (
	pendingDir  = "pending"
	inflightDir = "inflight"
	deadDir     = "dead"

	leaseExt = ".lock"
)

// fileQueue spools messages as JSON files in a directory tree.
//
// A message is claimed by renaming it from pending/ to the consumer's own directory under
// inflight/, so several consumers of the same spool never receive the same delivery. Each consumer
// holds a file lock on inflight/<consumer>.lock while it runs. On its first Receive, a consumer
// moves back to pending/ the claims of every consumer whose lock is free.
//
// Producers never touch inflight/.
type fileQueue struct {
	pending  string
	inflight string
	dead     string

	maxAttempts  int
	pollInterval time.Duration

	// consumerMu guards lease and claims, set on the first Receive.
	consumerMu sync.Mutex
	lease      *flock.Flock
	claims     string

	wake      chan struct{}
	watcher   *fsnotify.Watcher
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newFileQueue(dir string, opts options) (*fileQueue, error) {
	q := &fileQueue{
		pending:      filepath.Join(dir, pendingDir),
		inflight:     filepath.Join(dir, inflightDir),
		dead:         filepath.Join(dir, deadDir),
		maxAttempts:  opts.maxAttempts,
		pollInterval: opts.pollInterval,
		wake:         make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}

	for _, d := range []string{q.pending, q.inflight, q.dead} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return nil, fmt.Errorf("could not create queue directory %q: %v", d, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(q.pending)
	}
	if err != nil {
		// Polling alone still delivers every message.
		slog.Warn("Could not watch queue directory, falling back to polling", "dir", q.pending, "err", err)
		if watcher != nil {
			_ = watcher.Close()
		}
		return q, nil
	}
	q.watcher = watcher

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.watch()
	}()

	return q, nil
}

// consumer returns the in-flight directory of this consumer, creating it and recovering the
// claims of stopped consumers on the first call.
func (q *fileQueue) consumer() (string, error) {
	q.consumerMu.Lock()
	defer q.consumerMu.Unlock()

	if q.claims != "" {
		return q.claims, nil
	}

	id := uuid.NewString()
	lease := flock.New(filepath.Join(q.inflight, id+leaseExt))
	locked, err := lease.TryLock()
	if err != nil {
		return "", fmt.Errorf("could not take consumer lease: %v", err)
	}
	if !locked {
		return "", fmt.Errorf("consumer lease %q is already held", lease.Path())
	}

	claims := filepath.Join(q.inflight, id)
	err = os.Mkdir(claims, 0750)
	if err == nil {
		err = q.recover(id)
	}
	if err != nil {
		_ = os.Remove(claims)
		_ = os.Remove(lease.Path())
		_ = lease.Unlock()
		return "", err
	}

	slog.Debug("Consuming queue", "consumer", id)
	q.lease, q.claims = lease, claims
	return claims, nil
}

// recover moves back to pending the claims of consumers which are not running anymore.
func (q *fileQueue) recover(self string) error {
	entries, err := os.ReadDir(q.inflight)
	if err != nil {
		return fmt.Errorf("could not read in-flight messages: %v", err)
	}

	for _, e := range entries {
		switch {
		case e.IsDir() && e.Name() != self:
			if err := q.reclaim(e.Name()); err != nil {
				return err
			}
		case isMessageFile(e):
			// Claims without an owner directory.
			if err := q.requeue(filepath.Join(q.inflight, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// reclaim requeues the claims of owner, unless owner still holds its lease.
func (q *fileQueue) reclaim(owner string) error {
	lease := flock.New(filepath.Join(q.inflight, owner+leaseExt))
	locked, err := lease.TryLock()
	if err != nil {
		return fmt.Errorf("could not check lease of consumer %q: %v", owner, err)
	}
	if !locked {
		slog.Debug("Skipping claims of running consumer", "consumer", owner)
		return nil
	}
	defer func() {
		_ = os.Remove(lease.Path())
		_ = lease.Unlock()
	}()

	dir := filepath.Join(q.inflight, owner)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("could not read claims of consumer %q: %v", owner, err)
	}
	for _, e := range entries {
		if !isMessageFile(e) {
			continue
		}
		if err := q.requeue(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	if err := os.Remove(dir); err != nil {
		slog.Warn("Could not remove in-flight directory of stopped consumer", "dir", dir, "err", err)
	}
	return nil
}

func (q *fileQueue) requeue(path string) error {
	name := filepath.Base(path)
	if err := os.Rename(path, filepath.Join(q.pending, name)); err != nil {
		return fmt.Errorf("could not requeue in-flight message %q: %v", name, err)
	}
	slog.Info("Requeued in-flight message", "queue_msg", name)
	return nil
}

func (q *fileQueue) watch() {
	for {
		select {
		case <-q.closed:
			return
		case event, ok := <-q.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case q.wake <- struct{}{}:
			default:
			}
		case err, ok := <-q.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Queue watcher error", "err", err)
		}
	}
}

// Enqueue writes payload atomically as a new pending message.
func (q *fileQueue) Enqueue(ctx context.Context, payload []byte) error {
	select {
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	name := messageName(uuid.NewString(), 1)
	if err := fileutils.AtomicWrite(filepath.Join(q.pending, name), payload); err != nil {
		return fmt.Errorf("could not enqueue message: %v", err)
	}
	slog.Debug("Enqueued message", "queue_msg", name)
	return nil
}

// Receive claims the oldest pending message.
func (q *fileQueue) Receive(ctx context.Context) (*Message, error) {
	claims, err := q.consumer()
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-q.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		m, err := q.claim(claims)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}

		t := time.NewTimer(q.pollInterval)
		select {
		case <-q.closed:
			t.Stop()
			return nil, ErrClosed
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// claim returns the first pending message it manages to move into claims, or nil if there is none.
func (q *fileQueue) claim(claims string) (*Message, error) {
	entries, err := os.ReadDir(q.pending)
	if err != nil {
		return nil, fmt.Errorf("could not list pending messages: %v", err)
	}

	for _, e := range entries {
		if !isMessageFile(e) {
			continue
		}

		name := e.Name()
		path := filepath.Join(claims, name)
		if err := os.Rename(filepath.Join(q.pending, name), path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Claimed by another consumer.
				continue
			}
			return nil, fmt.Errorf("could not claim message %q: %v", name, err)
		}

		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read message %q: %v", name, err)
		}

		id, attempt := parseMessageName(name)
		return &Message{
			ID:      id,
			Payload: payload,
			Attempt: attempt,
			ack: func(context.Context) error {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("could not remove acknowledged message %q: %v", name, err)
				}
				return nil
			},
			nack: func(context.Context) error {
				return q.release(path, id, attempt)
			},
		}, nil
	}
	return nil, nil
}

// release moves an in-flight message to the back of the pending queue, or to dead/ once it has
// been delivered maxAttempts times.
func (q *fileQueue) release(path, id string, attempt int) error {
	if attempt >= q.maxAttempts {
		dst := filepath.Join(q.dead, filepath.Base(path))
		if err := os.Rename(path, dst); err != nil {
			return fmt.Errorf("could not dead-letter message %q: %v", id, err)
		}
		slog.Warn("Message exceeded delivery attempts, moved to dead letters", "queue_msg", id, "attempts", attempt)
		return nil
	}

	if err := os.Rename(path, filepath.Join(q.pending, messageName(id, attempt+1))); err != nil {
		return fmt.Errorf("could not requeue message %q: %v", id, err)
	}
	return nil
}

// Close stops the queue. Pending Receive calls return ErrClosed.
func (q *fileQueue) Close() (err error) {
	q.closeOnce.Do(func() {
		close(q.closed)
		if q.watcher != nil {
			err = q.watcher.Close()
		}
		q.wg.Wait()
		err = errors.Join(err, q.releaseLease())
	})
	return err
}

// releaseLease drops the consumer lease. Unsettled claims stay in place for the next consumer.
func (q *fileQueue) releaseLease() error {
	q.consumerMu.Lock()
	defer q.consumerMu.Unlock()

	if q.lease == nil {
		return nil
	}
	if entries, err := os.ReadDir(q.claims); err == nil && len(entries) == 0 {
		_ = os.Remove(q.claims)
		_ = os.Remove(q.lease.Path())
	}
	err := q.lease.Unlock()
	q.lease = nil
	if err != nil {
		return fmt.Errorf("could not release consumer lease: %v", err)
	}
	return nil
}

// messageName builds a file name sorting by enqueue time.
func messageName(id string, attempt int) string {
	return fmt.Sprintf("%020d-%s-a%d.json", time.Now().UnixNano(), id, attempt)
}

// parseMessageName extracts the message id and attempt from a spool file name.
// Unknown names are delivered as a first attempt keyed by the name itself.
func parseMessageName(name string) (id string, attempt int) {
	base := strings.TrimSuffix(name, ".json")

	_, rest, ok := strings.Cut(base, "-")
	if !ok {
		return base, 1
	}
	i := strings.LastIndex(rest, "-a")
	if i < 0 {
		return rest, 1
	}
	attempt, err := strconv.Atoi(rest[i+2:])
	if err != nil || attempt < 1 {
		return rest, 1
	}
	return rest[:i], attempt
}

func isMessageFile(e fs.DirEntry) bool {
	return e.Type().IsRegular() && filepath.Ext(e.Name()) == ".json" && !fileutils.IsTemp(e.Name())
}
