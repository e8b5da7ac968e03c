package backend

import (
	"context"

	"github.com/stravabronze/activity-sync/internal/database"
)

// WithOpenDB overrides how sessions connect to the relational store.
func WithOpenDB(openDB func(ctx context.Context, cfg database.Config) (DB, error)) Options {
	return func(o *options) {
		o.openDB = openDB
	}
}
