package syncq

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const DefaultInterval = time.Minute

// Worker drains the queue periodically and whenever connectivity returns.
type Worker struct {
	queue    *Queue
	interval time.Duration
	trigger  chan struct{}
	logger   *slog.Logger
}

// NewWorker creates a Worker. If interval is <= 0, it defaults to one minute.
func NewWorker(q *Queue, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		queue:    q,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		logger:   slog.Default(),
	}
}

// Trigger asks for an immediate drain that ignores item backoff. Triggers
// arriving while one is pending are merged.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every tick and trigger until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx, false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx, false)
		case <-w.trigger:
			w.RunOnce(ctx, true)
		}
	}
}

// RunOnce performs one drain pass and logs its outcome.
func (w *Worker) RunOnce(ctx context.Context, now bool) (DrainResult, error) {
	drain := w.queue.Drain
	if now {
		drain = w.queue.DrainNow
	}
	res, err := drain(ctx)
	switch {
	case errors.Is(err, ErrDrainInProgress):
		return res, nil
	case err != nil && ctx.Err() == nil:
		w.logger.Error("sync drain failed", "error", err)
	case res.Delivered+res.Rejected+res.Failed+res.Dropped > 0:
		w.logger.Info("sync drain finished",
			"delivered", res.Delivered,
			"rejected", res.Rejected,
			"failed", res.Failed,
			"dropped", res.Dropped,
			"remaining", res.Remaining,
		)
	}
	return res, err
}
