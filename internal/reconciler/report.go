package reconciler

import (
	"errors"

	"github.com/stravabronze/activity-sync/internal/database"
	"github.com/stravabronze/activity-sync/internal/models"
)

// Step names one independent operation of a reconciliation.
type Step string

// Steps of a reconciliation.
const (
	StepFetch        Step = "fetch"
	StepDeleteRow    Step = "delete-from-db"
	StepDeleteObject Step = "delete-from-storage"
	StepInsertRow    Step = "insert-to-db"
	StepPutObject    Step = "upload-to-storage"
)

// Outcome summarizes a reconciliation.
type Outcome string

// Outcomes of a reconciliation.
const (
	// OutcomeIgnored is for events which are not about an activity.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeMalformed is for payloads which are not change events.
	OutcomeMalformed Outcome = "malformed"
	// OutcomeApplied is when every step succeeded.
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped is when the activity could not be fetched, so nothing was written.
	OutcomeSkipped Outcome = "skipped"
	// OutcomePartial is when at least one store step failed.
	OutcomePartial Outcome = "partial"
	// OutcomeInterrupted is when the reconciliation was stopped before its end.
	OutcomeInterrupted Outcome = "interrupted"
)

// StepResult is the result of a single store step.
type StepResult struct {
	Step Step
	// Changed is false when a delete found nothing or a write did not happen.
	Changed bool
	Err     error
}

// Report describes what a reconciliation did.
type Report struct {
	Event   models.ChangeEvent
	Ignored bool
	// Interrupted is set when the context ended during the reconciliation.
	Interrupted bool
	Steps       []StepResult
	// FetchErr is set when the activity detail could not be fetched.
	FetchErr error
}

// Err joins the errors of the failed store steps.
func (r Report) Err() error {
	var errs []error
	for _, s := range r.Steps {
		errs = append(errs, s.Err)
	}
	return errors.Join(errs...)
}

// Outcome summarizes the report.
//
// A duplicate row is not a failure: the activity is already stored.
func (r Report) Outcome() Outcome {
	if r.Ignored {
		return OutcomeIgnored
	}
	if r.Interrupted {
		return OutcomeInterrupted
	}
	for _, s := range r.Steps {
		if s.Err != nil && !errors.Is(s.Err, database.ErrDuplicate) {
			return OutcomePartial
		}
	}
	if r.FetchErr != nil {
		return OutcomeSkipped
	}
	return OutcomeApplied
}

// Result returns the result of step s, and whether it ran.
func (r Report) Result(s Step) (StepResult, bool) {
	for _, res := range r.Steps {
		if res.Step == s {
			return res, true
		}
	}
	return StepResult{}, false
}
