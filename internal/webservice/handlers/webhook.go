// Package handlers provides the HTTP handlers of the web service.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/stravabronze/activity-sync/internal/models"
	"github.com/stravabronze/activity-sync/internal/webservice/metrics"
)

// Webhook receives Strava subscription handshakes and change events.
//
// Events are only validated as JSON and enqueued as received; reconciliation happens later.
type Webhook struct {
	tokens       TokenProvider
	queue        Enqueuer
	maxBodyBytes int64
}

// NewWebhook creates a Webhook handler enqueuing events bodies of at most maxBodyBytes into q.
func NewWebhook(tokens TokenProvider, q Enqueuer, maxBodyBytes int64) *Webhook {
	return &Webhook{
		tokens:       tokens,
		queue:        q,
		maxBodyBytes: maxBodyBytes,
	}
}

// ServeHTTP answers the handshake on GET and enqueues events on POST.
func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.ApplyLabels(r)
	reqID := uuid.New().String()

	switch r.Method {
	case http.MethodGet:
		h.handshake(w, r, reqID)
	case http.MethodPost:
		h.receive(w, r, reqID)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Webhook) handshake(w http.ResponseWriter, r *http.Request, reqID string) {
	q := r.URL.Query()

	if want := h.tokens.VerifyToken(); want != "" && q.Get("hub.verify_token") != want {
		slog.Warn("Webhook handshake with a bad verify token", "req_id", reqID)
		http.Error(w, "Bad verify_token", http.StatusForbidden)
		return
	}

	challenge, err := json.Marshal(q.Get("hub.challenge"))
	if err != nil {
		http.Error(w, "Failed to encode challenge", http.StatusInternalServerError)
		slog.Error("Failed to encode webhook challenge", "req_id", reqID, "err", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, `{"hub.challenge": `)
	w.Write(challenge)
	io.WriteString(w, `}`)
	slog.Info("Webhook handshake accepted", "req_id", reqID)
}

func (h *Webhook) receive(w http.ResponseWriter, r *http.Request, reqID string) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if maxErr := (*http.MaxBytesError)(nil); errors.As(err, &maxErr) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			slog.Warn("Webhook event too large", "req_id", reqID, "limit", maxErr.Limit)
			return
		}
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		slog.Error("Failed to read webhook event", "req_id", reqID, "err", err)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		slog.Warn("Invalid JSON in webhook event", "req_id", reqID)
		return
	}

	if err := h.queue.Enqueue(r.Context(), body); err != nil {
		http.Error(w, "Failed to enqueue event", http.StatusInternalServerError)
		slog.Error("Failed to enqueue webhook event", "req_id", reqID, "err", err)
		return
	}

	log := slog.With("req_id", reqID)
	// Attributes only: the event is validated by the reconciler.
	if ev, err := models.ParseChangeEvent(body); err == nil {
		log = log.With("object_type", ev.ObjectType, "aspect_type", ev.AspectType, "activity_id", ev.ObjectID)
	}
	log.Info("Webhook event enqueued", "bytes", len(body))
	w.WriteHeader(http.StatusOK)
}
