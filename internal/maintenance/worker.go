// Package maintenance runs periodic housekeeping against the usage store.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/hotbox/internal/logging"
	"github.com/kalambet/hotbox/internal/storage"
)

// DefaultInterval is used when NewWorker gets a non-positive interval.
const DefaultInterval = 6 * time.Hour

// Pruner deletes records past their retention.
type Pruner interface {
	Prune(ctx context.Context) (storage.PruneResult, error)
}

// Worker prunes the store on a fixed interval so a long-running daemon does
// not rely on restarts to drop old records.
type Worker struct {
	store    Pruner
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If interval is <= 0, it defaults to
// DefaultInterval.
func NewWorker(store Pruner, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		store:    store,
		interval: interval,
		logger:   logging.ForComponent(logging.CompStorage),
	}
}

// Run prunes every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("scheduled prune failed", "error", err)
		}
	}
}

// RunOnce prunes once.
func (w *Worker) RunOnce(ctx context.Context) (storage.PruneResult, error) {
	res, err := w.store.Prune(ctx)
	if err != nil {
		return res, fmt.Errorf("pruning: %w", err)
	}
	return res, nil
}
