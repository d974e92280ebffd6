package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Purger deletes replay records consumed before a cutoff
type Purger interface {
	PurgeRequests(ctx context.Context, before time.Time) (int64, error)
}

// ReplayPurger periodically drops replay records that no request could
// still collide with.
type ReplayPurger struct {
	store     Purger
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewReplayPurger creates a purger that keeps records for retention
func NewReplayPurger(store Purger, retention, interval time.Duration, logger *slog.Logger) *ReplayPurger {
	return &ReplayPurger{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the background purge loop
func (w *ReplayPurger) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("replay purger started", "interval", w.interval, "retention", w.retention)

	go w.run(ctx)
	return nil
}

// Stop stops the background purge loop
func (w *ReplayPurger) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("replay purger stopped")
	return nil
}

// run is the main worker loop
func (w *ReplayPurger) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("replay purge failed", "error", err)
			}
		}
	}
}

// RunOnce runs a single purge cycle and reports how many records it removed
func (w *ReplayPurger) RunOnce(ctx context.Context) (int64, error) {
	startTime := time.Now()
	cutoff := w.now().Add(-w.retention)

	n, err := w.store.PurgeRequests(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	w.logger.Info("replay purge completed",
		"duration", time.Since(startTime),
		"cutoff", cutoff,
		"purged", n,
	)
	return n, nil
}

// IsRunning returns whether the worker is currently running
func (w *ReplayPurger) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
