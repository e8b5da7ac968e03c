package handlers

import (
	"context"

	"github.com/stravabronze/activity-sync/internal/bootstrap"
)

// TokenProvider gives the expected webhook verification token. An empty token accepts any.
type TokenProvider interface {
	VerifyToken() string
}

// Enqueuer durably stores a webhook payload for later reconciliation.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte) error
}

// Bootstrapper runs the full bootstrap sweep.
type Bootstrapper interface {
	Bootstrap(ctx context.Context) (bootstrap.Summary, error)
}
