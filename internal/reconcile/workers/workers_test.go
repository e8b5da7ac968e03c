package workers_test

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stravabronze/activity-sync/internal/queue"
	"github.com/stravabronze/activity-sync/internal/reconcile/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		cm   *mockConfigManager
		proc *fakeProcessor

		wantErr bool
	}{
		"No workers": {
			cm: newConfigManager(0),
		},
		"Single worker": {
			cm: newConfigManager(1),
		},
		"Multiple workers": {
			cm: newConfigManager(4),
		},
		"Processor errors do not stop workers": {
			cm:   newConfigManager(2),
			proc: &fakeProcessor{err: errors.New("requested error")},
		},

		// Config manager errors
		"Exits on config manager reloadCh early close": {
			cm:      &mockConfigManager{workers: 1, closeReloadCh: true},
			wantErr: true,
		},
		"Exits on config manager watchErrCh early close": {
			cm:      &mockConfigManager{workers: 1, closeWatchErr: true},
			wantErr: true,
		},
		"Exits on config manager watch error": {
			cm:      &mockConfigManager{workers: 1, watchErr: errors.New("watch error")},
			wantErr: true,
		},
		"Does not exit on config manager delayed watch error": {
			cm: &mockConfigManager{workers: 1, delayedWatchErr: errors.New("delayed watch error")},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.proc == nil {
				tc.proc = &fakeProcessor{}
			}

			q, _ := openQueue(t)
			if tc.proc.err != nil {
				enqueue(t, q, "a", "b")
			}

			reg := prometheus.NewRegistry()
			p, err := workers.New(tc.cm, q, tc.proc, reg, workers.WithBackoff(10*time.Millisecond, 20*time.Millisecond))
			require.NoError(t, err, "Setup: Failed to create worker pool")
			runErr := run(t.Context(), t, p)

			if tc.wantErr {
				checkPool(t, runErr, true, 3*time.Second)
				return
			}

			waitWorkers(t, p, reg, tc.cm.Workers())
			checkPool(t, runErr, false, 0)
		})
	}
}

func TestRunProcessesMessages(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		workers     int
		payloads    []string
		failures    map[string]int
		maxAttempts int

		wantSeen   map[string]int
		wantAcked  int
		wantNacked int
		wantDead   int
	}{
		"Acknowledges every processed message": {
			workers:   1,
			payloads:  []string{"a", "b", "c"},
			wantSeen:  map[string]int{"a": 1, "b": 1, "c": 1},
			wantAcked: 3,
		},
		"Spreads messages over several workers": {
			workers:   3,
			payloads:  []string{"a", "b", "c", "d", "e", "f"},
			wantSeen:  map[string]int{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1, "f": 1},
			wantAcked: 6,
		},
		"Redelivers a failed message": {
			workers:    1,
			payloads:   []string{"a", "b"},
			failures:   map[string]int{"b": 1},
			wantSeen:   map[string]int{"a": 1, "b": 2},
			wantAcked:  2,
			wantNacked: 1,
		},
		"Dead letters a message failing every attempt": {
			workers:     2,
			payloads:    []string{"a", "b"},
			failures:    map[string]int{"a": 100},
			maxAttempts: 3,
			wantSeen:    map[string]int{"a": 3, "b": 1},
			wantAcked:   1,
			wantNacked:  3,
			wantDead:    1,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var qOpts []queue.Options
			if tc.maxAttempts > 0 {
				qOpts = append(qOpts, queue.WithMaxAttempts(tc.maxAttempts))
			}
			q, dir := openQueue(t, qOpts...)
			enqueue(t, q, tc.payloads...)

			proc := &fakeProcessor{failures: tc.failures}
			reg := prometheus.NewRegistry()
			p, err := workers.New(newConfigManager(tc.workers), q, proc, reg, workers.WithBackoff(10*time.Millisecond, 20*time.Millisecond))
			require.NoError(t, err, "Setup: Failed to create worker pool")
			runErr := run(t.Context(), t, p)

			require.Eventually(t, func() bool {
				return metricValue(t, reg, "activity_sync_queue_messages_total", "acked") == float64(tc.wantAcked) &&
					metricValue(t, reg, "activity_sync_queue_messages_total", "nacked") == float64(tc.wantNacked)
			}, 5*time.Second, 20*time.Millisecond, "Messages were not all settled")

			assert.Equal(t, tc.wantSeen, proc.seenCounts(), "Unexpected deliveries to the processor")
			assert.Zero(t, countFiles(t, filepath.Join(dir, "pending")), "No message should be left pending")
			assert.Zero(t, countFiles(t, filepath.Join(dir, "inflight")), "No message should be left in flight")
			assert.Equal(t, tc.wantDead, countFiles(t, filepath.Join(dir, "dead")), "Unexpected number of dead letters")

			checkPool(t, runErr, false, 0)
		})
	}
}

func TestRunResizesPool(t *testing.T) {
	t.Parallel()

	cm := newConfigManager(1)
	q, _ := openQueue(t)
	reg := prometheus.NewRegistry()
	p, err := workers.New(cm, q, &fakeProcessor{}, reg, workers.WithDebounce(50*time.Millisecond))
	require.NoError(t, err, "Setup: Failed to create worker pool")
	run(t.Context(), t, p)

	waitWorkers(t, p, reg, 1)

	cm.setWorkers(t, 3, 2)
	waitWorkers(t, p, reg, 3)

	cm.setWorkers(t, 2, 1)
	waitWorkers(t, p, reg, 2)

	cm.setWorkers(t, 0, 1)
	waitWorkers(t, p, reg, 0)
}

func TestRunStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	p, err := workers.New(newConfigManager(2), q, &fakeProcessor{}, prometheus.NewRegistry())
	require.NoError(t, err, "Setup: Failed to create worker pool")
	runErr := run(t.Context(), t, p)

	checkPool(t, runErr, false, 50*time.Millisecond)
	require.NoError(t, q.Close(), "Setup: Failed to close queue")

	select {
	case err := <-runErr:
		require.ErrorIs(t, err, queue.ErrClosed, "Expected queue closed error")
	case <-time.After(3 * time.Second):
		require.Fail(t, "Pool did not exit after the queue was closed")
	}
}

func TestRunEarlyContextCancel(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx, cancel := context.WithCancel(t.Context())
	p, err := workers.New(newConfigManager(3), q, &fakeProcessor{}, prometheus.NewRegistry())
	require.NoError(t, err, "Setup: Failed to create worker pool")
	runErr := run(ctx, t, p)

	checkPool(t, runErr, false, 50*time.Millisecond)

	cancel()

	select {
	case err := <-runErr:
		require.ErrorIs(t, err, context.Canceled, "Expected context error after context cancellation")
	case <-time.After(3 * time.Second):
		require.Fail(t, "Pool did not exit after context cancellation")
	}
	assert.Empty(t, p.WorkerIDs(), "Workers should all be released")
}

func TestRunReturnsInterruptedMessage(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		procErr error
	}{
		"Processor hiding the interruption":    {},
		"Processor reporting the interruption": {procErr: context.Canceled},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			q, dir := openQueue(t)
			enqueue(t, q, "a")

			proc := &blockingProcessor{started: make(chan struct{}), err: tc.procErr}
			reg := prometheus.NewRegistry()
			p, err := workers.New(newConfigManager(1), q, proc, reg)
			require.NoError(t, err, "Setup: Failed to create worker pool")

			ctx, cancel := context.WithCancel(t.Context())
			runErr := run(ctx, t, p)
			select {
			case <-proc.started:
			case <-time.After(5 * time.Second):
				require.Fail(t, "Setup: Message was never processed")
			}
			cancel()

			select {
			case err := <-runErr:
				require.ErrorIs(t, err, context.Canceled, "Expected context error after context cancellation")
			case <-time.After(5 * time.Second):
				require.Fail(t, "Pool did not exit after context cancellation")
			}

			assert.Equal(t, 1, countFiles(t, filepath.Join(dir, "pending")), "Interrupted message should be back in the queue")
			assert.Zero(t, countFiles(t, filepath.Join(dir, "inflight")), "No message should be left in flight")
			assert.Zero(t, metricValue(t, reg, "activity_sync_queue_messages_total", "acked"), "Interrupted message should not be acknowledged")
			assert.Equal(t, 1.0, metricValue(t, reg, "activity_sync_queue_messages_total", "nacked"), "Interrupted message should be returned")
		})
	}
}

func TestNewRegistrationError(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := workers.New(newConfigManager(1), nil, &fakeProcessor{}, reg)
	require.NoError(t, err, "Setup: first pool should register its metrics")

	_, err = workers.New(newConfigManager(1), nil, &fakeProcessor{}, reg)
	require.Error(t, err, "A second pool on the same registry should fail to register")
}

// checkPool waits for duration, unless the pool exits first.
func checkPool(t *testing.T, runErr chan error, expectErr bool, duration time.Duration) {
	t.Helper()

	select {
	case err := <-runErr:
		if expectErr {
			require.Error(t, err, "Expected error but got nil")
			return
		}
		require.Fail(t, "Pool closed unexpectedly", err)
	case <-time.After(duration):
		require.False(t, expectErr, "Pool did not exit with an error within the expected duration")
	}
}

// waitWorkers waits until n workers are running and the gauge reports them.
func waitWorkers(t *testing.T, p *workers.Pool, reg *prometheus.Registry, n int) {
	t.Helper()

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}

	require.Eventually(t, func() bool {
		return slices.Equal(want, p.WorkerIDs()) &&
			metricValue(t, reg, "activity_sync_active_workers", "") == float64(n)
	}, 8*time.Second, 50*time.Millisecond, "Workers did not match within the timeout. Wanted: %v, Got: %v", want, p.WorkerIDs())
}

// metricValue returns the value of the named gauge or counter, selecting the series by its result label when set.
func metricValue(t *testing.T, reg *prometheus.Registry, name, result string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err, "Failed to gather metrics")

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			matched := result == ""
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					matched = true
				}
			}
			if !matched {
				continue
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func openQueue(t *testing.T, args ...queue.Options) (queue.Queue, string) {
	t.Helper()

	dir := t.TempDir()
	args = append([]queue.Options{queue.WithPollInterval(20 * time.Millisecond)}, args...)
	q, err := queue.Open(t.Context(), dir, args...)
	require.NoError(t, err, "Setup: Failed to open queue")
	t.Cleanup(func() { q.Close() })
	return q, dir
}

func enqueue(t *testing.T, q queue.Queue, payloads ...string) {
	t.Helper()

	for _, p := range payloads {
		require.NoError(t, q.Enqueue(t.Context(), []byte(p)), "Setup: Failed to enqueue %q", p)
	}
}

// countFiles counts the message files under dir, claims of every consumer included.
func countFiles(t *testing.T, dir string) int {
	t.Helper()

	n := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && filepath.Ext(d.Name()) == ".json" {
			n++
		}
		return nil
	})
	require.NoError(t, err, "Failed to walk %s", dir)
	return n
}

// run runs the pool in a separate goroutine and returns a channel receiving its error.
//
// The channel is closed when the run is complete.
func run(ctx context.Context, t *testing.T, p *workers.Pool) chan error {
	t.Helper()

	runErr := make(chan error, 1)
	go func() {
		defer close(runErr)
		if err := p.Run(ctx); err != nil {
			runErr <- err
		}
	}()

	time.Sleep(50 * time.Millisecond)
	return runErr
}

type mockConfigManager struct {
	workers int

	closeReloadCh   bool
	closeWatchErr   bool
	watchErr        error
	delayedWatchErr error

	reloadCh chan struct{}
	errCh    chan error

	mu sync.RWMutex
}

func newConfigManager(n int) *mockConfigManager {
	return &mockConfigManager{workers: n}
}

func (m *mockConfigManager) Watch(ctx context.Context) (<-chan struct{}, <-chan error, error) {
	if m.watchErr != nil {
		return nil, nil, m.watchErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCh = make(chan struct{})
	m.errCh = make(chan error)

	if m.closeReloadCh {
		close(m.reloadCh)
	}
	if m.closeWatchErr {
		close(m.errCh)
	} else if m.delayedWatchErr != nil {
		go func(errCh chan error) {
			time.Sleep(2 * time.Second)
			select {
			case errCh <- m.delayedWatchErr:
			case <-ctx.Done():
			}
		}(m.errCh)
	}
	return m.reloadCh, m.errCh, nil
}

func (m *mockConfigManager) Workers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workers
}

func (m *mockConfigManager) setWorkers(t *testing.T, n int, reloadSignals int) {
	t.Helper()

	m.mu.Lock()
	m.workers = n
	reloadCh := m.reloadCh
	m.mu.Unlock()

	require.NotNil(t, reloadCh, "Setup: Reload channel should not be nil")
	for range reloadSignals {
		reloadCh <- struct{}{}
	}
}

type fakeProcessor struct {
	err      error
	failures map[string]int

	mu   sync.Mutex
	seen map[string]int
}

func (p *fakeProcessor) Process(ctx context.Context, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen == nil {
		p.seen = make(map[string]int)
	}
	key := string(payload)
	p.seen[key]++

	if p.err != nil {
		return p.err
	}
	if p.failures[key] > 0 {
		p.failures[key]--
		return fmt.Errorf("requested failure for %q", key)
	}
	return nil
}

func (p *fakeProcessor) seenCounts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.seen)
}

// blockingProcessor holds the first message until its context is done.
type blockingProcessor struct {
	started chan struct{}
	once    sync.Once
	err     error
}

func (p *blockingProcessor) Process(ctx context.Context, _ []byte) error {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return p.err
}
