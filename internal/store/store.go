package store

import (
	"context"
	"errors"

	"github.com/mhismail3/tron/internal/config"
	"github.com/mhismail3/tron/internal/service"
	"github.com/mhismail3/tron/internal/store/sqlite3"
)

// New creates an EventStore based on the given store configuration.
// Currently only SQLite is supported; everything runs in one process
// against one local database.
func New(ctx context.Context, cfg config.Store) (service.EventStore, error) {
	if cfg.SQLite != nil {
		return sqlite3.New(ctx, cfg.SQLite)
	}

	return nil, errors.New("no store configured")
}
