package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/mhismail3/tron/internal/service"
)

// Maintenance runs the periodic background sweep: blob garbage
// collection by refcount and log pruning by retention.
type Maintenance struct {
	store     service.EventStore
	interval  time.Duration
	retention time.Duration
}

func NewMaintenance(store service.EventStore, interval, retention time.Duration) *Maintenance {
	if interval <= 0 {
		interval = time.Hour
	}

	return &Maintenance{
		store:     store,
		interval:  interval,
		retention: retention,
	}
}

// Start blocks until ctx is done, sweeping on every tick.
func (m *Maintenance) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass.
func (m *Maintenance) Sweep(ctx context.Context) {
	deleted, err := m.store.DeleteUnreferencedBlobs(ctx)
	if err != nil {
		slog.Error("blob garbage collection", "error", err)
	} else if deleted > 0 {
		slog.Info("blob garbage collection", "deleted", deleted)
	}

	if m.retention > 0 {
		pruned, err := m.store.PruneLogs(ctx, m.retention)
		if err != nil {
			slog.Error("log pruning", "error", err)
		} else if pruned > 0 {
			slog.Info("log pruning", "pruned", pruned)
		}
	}
}
