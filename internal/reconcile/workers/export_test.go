package workers

import (
	"slices"
	"time"
)

type (
	DConfigManager = dConfigManager
	DProcessor     = dProcessor
)

// WithBackoff overrides the retry backoff bounds of the workers.
func WithBackoff(base, limit time.Duration) Options {
	return func(o *options) {
		o.baseBackoff = base
		o.maxBackoff = limit
	}
}

// WithDebounce overrides the delay between a configuration change and the resync.
func WithDebounce(d time.Duration) Options {
	return func(o *options) {
		o.debounce = d
	}
}

// WorkerIDs returns the sorted ids of the running workers.
func (p *Pool) WorkerIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]int, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
