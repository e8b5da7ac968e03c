// Package reconciler applies Strava change events to the relational and object stores.
//
// Each event is handled by a small state machine:
//   - delete removes the activity row and its bundle, each step tolerating absence.
//   - create fetches the activity detail and writes the row and the bundle.
//   - update is a delete followed by a create.
//
// The four store steps are independent: a failure in one is logged and reported, and the
// others are still attempted. Nothing makes the two stores atomic.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stravabronze/activity-sync/internal/common/config"
	"github.com/stravabronze/activity-sync/internal/common/errreport"
	"github.com/stravabronze/activity-sync/internal/database"
	"github.com/stravabronze/activity-sync/internal/models"
	"github.com/stravabronze/activity-sync/internal/strava"
)

// Fetcher returns the full detail of an activity.
type Fetcher interface {
	FetchDetail(ctx context.Context, id int64) (*models.Activity, *models.StreamSet, error)
}

// Connector opens an authenticated Fetcher for a single reconciliation.
type Connector interface {
	Connect(ctx context.Context) (Fetcher, error)
}

// ConnectorFunc adapts a function to a Connector.
type ConnectorFunc func(ctx context.Context) (Fetcher, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context) (Fetcher, error) {
	return f(ctx)
}

type relationalStore interface {
	Insert(ctx context.Context, rec models.ActivityRecord) error
	Delete(ctx context.Context, id int64) (bool, error)
}

type objectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) (bool, error)
}

type policyGetter interface {
	FetchPolicy() config.FetchPolicy
}

type staticPolicy config.FetchPolicy

func (p staticPolicy) FetchPolicy() config.FetchPolicy {
	return config.FetchPolicy(p)
}

// Reconciler runs the change event state machine against both stores.
type Reconciler struct {
	db      relationalStore
	objects objectStore
	source  Connector
	policy  policyGetter

	metrics *metrics
}

type options struct {
	policy     policyGetter
	registerer prometheus.Registerer
}

// Options represents an optional function to override Reconciler default values.
type Options func(*options)

// WithPolicy sets where the fetch failure policy is read from on each event.
// By default failed fetches are dropped.
func WithPolicy(p interface{ FetchPolicy() config.FetchPolicy }) Options {
	return func(o *options) {
		o.policy = p
	}
}

// WithRegisterer registers the reconciler counters on reg.
func WithRegisterer(reg prometheus.Registerer) Options {
	return func(o *options) {
		o.registerer = reg
	}
}

// New returns a Reconciler writing to db and objects and fetching from source.
func New(db relationalStore, objects objectStore, source Connector, args ...Options) (*Reconciler, error) {
	opts := options{
		policy: staticPolicy(config.FetchPolicyDrop),
	}
	for _, opt := range args {
		opt(&opts)
	}

	m, err := newMetrics(opts.registerer)
	if err != nil {
		return nil, err
	}

	return &Reconciler{
		db:      db,
		objects: objects,
		source:  source,
		policy:  opts.policy,
		metrics: m,
	}, nil
}

// Process decodes a queue payload and reconciles it.
//
// Malformed payloads and events about other objects are logged and dropped. The only error
// returned asks for the event to be delivered again.
func (r *Reconciler) Process(ctx context.Context, payload []byte) error {
	ev, err := models.ParseChangeEvent(payload)
	if err != nil {
		slog.Warn("Dropping malformed queue payload", "err", err, "payload", truncate(payload, 256))
		r.metrics.events.WithLabelValues("", string(OutcomeMalformed)).Inc()
		return nil
	}

	_, err = r.Reconcile(ctx, ev)
	return err
}

// Reconcile applies ev to both stores.
//
// Store failures are recorded in the report and do not abort the other steps. An error is returned
// when the activity could not be fetched and the policy asks for a retry, or when ctx ended before
// the reconciliation did.
func (r *Reconciler) Reconcile(ctx context.Context, ev models.ChangeEvent) (rep Report, err error) {
	rep = Report{Event: ev}
	log := slog.With("object_type", ev.ObjectType, "aspect_type", ev.AspectType, "activity_id", ev.ObjectID)

	defer func() {
		r.metrics.events.WithLabelValues(ev.AspectType, string(rep.Outcome())).Inc()
		log.Info("Change event reconciled", "outcome", rep.Outcome())
	}()

	if !ev.IsActivity() {
		log.Info("Skipping non-activity event")
		rep.Ignored = true
		return rep, nil
	}

	switch ev.AspectType {
	case models.AspectDelete:
		r.remove(ctx, &rep, ev.ObjectID)
	case models.AspectCreate:
		err = r.fetchAndCreate(ctx, &rep, ev.ObjectID)
	case models.AspectUpdate:
		r.remove(ctx, &rep, ev.ObjectID)
		err = r.fetchAndCreate(ctx, &rep, ev.ObjectID)
	default:
		log.Warn("Skipping event with unknown aspect type")
		rep.Ignored = true
		return rep, nil
	}

	// Every step is idempotent: an interrupted event is applied again from the start.
	if cause := ctx.Err(); cause != nil {
		rep.Interrupted = true
		log.Warn("Reconciliation interrupted, asking for redelivery", "err", cause)
		return rep, fmt.Errorf("reconciliation of activity %d interrupted: %w", ev.ObjectID, cause)
	}
	return rep, err
}

// Create fetches activity id with f and writes it to both stores.
//
// A fetch failure is recorded in the report and nothing is written.
func (r *Reconciler) Create(ctx context.Context, f Fetcher, id int64) Report {
	rep := Report{Event: models.ChangeEvent{ObjectType: models.ObjectActivity, AspectType: models.AspectCreate, ObjectID: id}}
	r.create(ctx, &rep, f, id)
	return rep
}

func (r *Reconciler) fetchAndCreate(ctx context.Context, rep *Report, id int64) error {
	f, err := r.source.Connect(ctx)
	if err != nil {
		rep.FetchErr = fmt.Errorf("could not connect to Strava: %w", err)
		r.metrics.steps.WithLabelValues(string(StepFetch), resultFailed).Inc()
	} else {
		r.create(ctx, rep, f, id)
	}
	if rep.FetchErr == nil || ctx.Err() != nil {
		return nil
	}

	log := slog.With("activity_id", id, "step", StepFetch, "err", rep.FetchErr)
	if r.policy.FetchPolicy() == config.FetchPolicyRetry && Retryable(rep.FetchErr) {
		log.Warn("Could not fetch activity, asking for redelivery")
		return rep.FetchErr
	}
	log.Info("Could not fetch activity, dropping event")
	return nil
}

func (r *Reconciler) create(ctx context.Context, rep *Report, f Fetcher, id int64) {
	a, streams, err := f.FetchDetail(ctx, id)
	if err != nil {
		rep.FetchErr = err
		r.metrics.steps.WithLabelValues(string(StepFetch), resultFailed).Inc()
		return
	}
	r.metrics.steps.WithLabelValues(string(StepFetch), resultOK).Inc()

	r.step(ctx, rep, StepInsertRow, id, func() (bool, error) {
		err := r.db.Insert(ctx, models.NewRecord(a))
		return err == nil, err
	})
	r.step(ctx, rep, StepPutObject, id, func() (bool, error) {
		b := models.NewBundle(a, streams)
		data, err := b.Marshal()
		if err != nil {
			return false, err
		}
		return true, r.objects.Put(ctx, b.Key(), data)
	})
}

func (r *Reconciler) remove(ctx context.Context, rep *Report, id int64) {
	r.step(ctx, rep, StepDeleteRow, id, func() (bool, error) {
		return r.db.Delete(ctx, id)
	})
	r.step(ctx, rep, StepDeleteObject, id, func() (bool, error) {
		return r.objects.Delete(ctx, models.ObjectKey(id))
	})
}

// step runs one independent store operation and records its result.
func (r *Reconciler) step(ctx context.Context, rep *Report, s Step, id int64, fn func() (bool, error)) {
	log := slog.With("activity_id", id, "step", s)

	changed, err := fn()
	rep.Steps = append(rep.Steps, StepResult{Step: s, Changed: changed, Err: err})

	switch {
	case err == nil && changed:
		r.metrics.steps.WithLabelValues(string(s), resultOK).Inc()
		log.Debug("Store step done")
	case err == nil:
		r.metrics.steps.WithLabelValues(string(s), resultAbsent).Inc()
		log.Debug("Nothing to delete")
	case ctx.Err() != nil:
		r.metrics.steps.WithLabelValues(string(s), resultFailed).Inc()
		log.Warn("Store step interrupted", "err", err)
	case errors.Is(err, database.ErrDuplicate):
		r.metrics.steps.WithLabelValues(string(s), resultDuplicate).Inc()
		log.Warn("Activity row already exists", "err", err)
	default:
		r.metrics.steps.WithLabelValues(string(s), resultFailed).Inc()
		log.Error("Store step failed", "err", err)
		errreport.Capture(ctx, err, map[string]string{"step": string(s), "activity_id": fmt.Sprint(id)})
	}
}

// Retryable reports whether delivering the event again could get past a fetch error.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, strava.ErrNotFound) && !errors.Is(err, models.ErrSchema)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
