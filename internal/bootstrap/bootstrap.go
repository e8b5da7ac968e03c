// Package bootstrap runs the one-shot full history sweep which repopulates both stores.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stravabronze/activity-sync/internal/common/errreport"
	"github.com/stravabronze/activity-sync/internal/reconciler"
	"github.com/stravabronze/activity-sync/internal/strava"
	"github.com/ubuntu/decorate"
)

// Source lists every activity of the athlete and fetches their detail.
type Source interface {
	reconciler.Fetcher
	ForEachActivity(ctx context.Context, fn func(id int64) error) error
}

type schemaResetter interface {
	ResetSchema(ctx context.Context) error
}

type creator interface {
	Create(ctx context.Context, f reconciler.Fetcher, id int64) reconciler.Report
}

// Summary counts what a sweep did.
type Summary struct {
	Activities int
	Applied    int
	Partial    int
	Missing    int
	Duration   time.Duration
}

// Run drops and recreates the activity table, then writes every activity listed by src to both
// stores, oldest first.
//
// There is no checkpoint: a failed sweep must be run again from the start. Store step failures
// are logged and counted, and do not stop the sweep. Activities which disappeared since they
// were listed are skipped. Any other fetch failure aborts it.
func Run(ctx context.Context, db schemaResetter, rec creator, src Source) (sum Summary, err error) {
	defer decorate.OnError(&err, "bootstrap sweep failed")

	start := time.Now()
	defer func() {
		sum.Duration = time.Since(start)
		if err != nil {
			errreport.Capture(ctx, err, map[string]string{"step": "bootstrap"})
		}
	}()

	slog.Info("Resetting activity table")
	if err := db.ResetSchema(ctx); err != nil {
		return sum, err
	}

	err = src.ForEachActivity(ctx, func(id int64) error {
		sum.Activities++
		rep := rec.Create(ctx, src, id)

		switch rep.Outcome() {
		case reconciler.OutcomeApplied:
			sum.Applied++
		case reconciler.OutcomePartial:
			sum.Partial++
			slog.Warn("Activity only partially stored", "activity_id", id, "err", rep.Err())
		case reconciler.OutcomeSkipped:
			if !errors.Is(rep.FetchErr, strava.ErrNotFound) {
				return fmt.Errorf("could not fetch activity %d: %w", id, rep.FetchErr)
			}
			sum.Missing++
			slog.Info("Activity vanished during the sweep", "activity_id", id)
		}

		if sum.Activities%100 == 0 {
			slog.Info("Bootstrap progress", "activities", sum.Activities)
		}
		return nil
	})
	if err != nil {
		return sum, err
	}

	slog.Info("Bootstrap sweep done", "activities", sum.Activities, "applied", sum.Applied, "partial", sum.Partial, "missing", sum.Missing)
	return sum, nil
}
