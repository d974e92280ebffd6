// Package replay rejects stale requests and request identifiers that have
// already been consumed.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/highscore-gateway/internal/domain"
)

// DefaultWindow is the freshness tolerance used when none is configured
const DefaultWindow = 5 * time.Minute

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// Recorder persists consumed request identifiers. RecordRequest must fail
// with domain.ErrReplayDetected when the pair already exists; the uniqueness
// constraint of the backing store is the only arbiter between concurrent
// callers.
type Recorder interface {
	RecordRequest(ctx context.Context, gameID int64, requestUUID uuid.UUID, at time.Time) error
}

// Guard runs the freshness and replay checks
type Guard struct {
	window time.Duration
	clock  Clock
	store  Recorder
}

// NewGuard creates a guard. A non-positive window falls back to DefaultWindow.
func NewGuard(store Recorder, window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{
		window: window,
		clock:  realClock{},
		store:  store,
	}
}

// WithClock replaces the guard's time source
func (g *Guard) WithClock(c Clock) *Guard {
	g.clock = c
	return g
}

// Window returns the freshness tolerance
func (g *Guard) Window() time.Duration {
	return g.window
}

// CheckFreshness accepts ts, in seconds since the epoch, when it lies within
// the window on either side of the current time.
func (g *Guard) CheckFreshness(ts int64) error {
	delta := g.clock.Now().Sub(time.Unix(ts, 0))
	if delta > g.window || delta < -g.window {
		return fmt.Errorf("%w: skew %s exceeds %s", domain.ErrStaleRequest, delta.Round(time.Second), g.window)
	}
	return nil
}

// Consume records the request identifier as used by the game.
func (g *Guard) Consume(ctx context.Context, gameID int64, requestUUID uuid.UUID) error {
	err := g.store.RecordRequest(ctx, gameID, requestUUID, g.clock.Now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrReplayDetected):
		return err
	default:
		return fmt.Errorf("%w: recording request: %w", domain.ErrStoreFailure, err)
	}
}

// Retention returns how long consumed identifiers must be kept. Records are
// only needed while a request carrying them could still pass the freshness
// check, so anything shorter than twice the window is raised to it.
func (g *Guard) Retention(configured time.Duration) time.Duration {
	return max(configured, 2*g.window)
}
