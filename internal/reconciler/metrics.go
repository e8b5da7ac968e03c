package reconciler

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK        = "ok"
	resultAbsent    = "absent"
	resultDuplicate = "duplicate"
	resultFailed    = "failed"
)

type metrics struct {
	events *prometheus.CounterVec
	steps  *prometheus.CounterVec
}

// newMetrics creates the reconciler counters, registering them on reg if not nil.
//
// Counters already registered by another Reconciler are shared.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activity_sync_events_total",
		Help: "Number of change events reconciled, by aspect type and outcome.",
	}, []string{"aspect_type", "outcome"})
	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activity_sync_store_steps_total",
		Help: "Number of reconciliation steps, by step and result.",
	}, []string{"step", "result"})

	if reg == nil {
		return &metrics{events: events, steps: steps}, nil
	}

	var err error
	if events, err = register(reg, events); err != nil {
		return nil, err
	}
	if steps, err = register(reg, steps); err != nil {
		return nil, err
	}
	return &metrics{events: events, steps: steps}, nil
}

func register(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to register reconciler metrics: %v", err)
	}
	return c, nil
}
