package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stravabronze/activity-sync/internal/common/constants"
	"github.com/stravabronze/activity-sync/internal/webservice/metrics"
)

const (
	triggerBadRequest = "Invalid request. The 'name' parameter must be '" + constants.BootstrapTriggerName + "'."
	triggerSuccess    = "Activities DB and Storage successfully initialized."
	triggerFailure    = "Error during Strava data update process."

	// writeGrace is left to write the response once the sweep deadline is reached.
	writeGrace = 5 * time.Second
)

// Trigger runs the bootstrap sweep on request.
type Trigger struct {
	boot    Bootstrapper
	timeout time.Duration
}

// NewTrigger creates a Trigger handler whose sweeps are stopped after timeout.
func NewTrigger(boot Bootstrapper, timeout time.Duration) *Trigger {
	return &Trigger{
		boot:    boot,
		timeout: timeout,
	}
}

// ServeHTTP runs the sweep when the name parameter asks for it.
func (h *Trigger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.ApplyLabels(r)
	reqID := uuid.New().String()

	if r.URL.Query().Get("name") != constants.BootstrapTriggerName {
		slog.Warn("Bootstrap trigger with a bad name", "req_id", reqID, "name", r.URL.Query().Get("name"))
		http.Error(w, triggerBadRequest, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	// The sweep outlives the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(h.timeout + writeGrace)); err != nil {
		slog.Debug("Could not extend the write deadline", "req_id", reqID, "err", err)
	}

	slog.Info("Bootstrap sweep requested", "req_id", reqID)
	sum, err := h.boot.Bootstrap(ctx)
	if err != nil {
		slog.Error("Bootstrap sweep failed", "req_id", reqID, "activities", sum.Activities, "err", err)
		http.Error(w, triggerFailure, http.StatusInternalServerError)
		return
	}

	slog.Info("Bootstrap sweep completed", "req_id", reqID,
		"activities", sum.Activities, "applied", sum.Applied, "partial", sum.Partial, "missing", sum.Missing, "duration", sum.Duration)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, triggerSuccess)
}
