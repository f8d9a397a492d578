package reaper

import (
	"context"
	"fmt"
	"sync/atomic"

	"ms-reservation/internal/logger"
)

// ExpiryEvents delivers the ids of holds whose TTL marker expired.
type ExpiryEvents interface {
	WatchExpiredHolds(ctx context.Context, fn func(holdID string)) error
}

// Watcher expires holds as soon as their Redis TTL marker lapses, ahead of the next sweep.
// Missed notifications are harmless: the sweep and lazy checks still catch the hold.
type Watcher struct {
	events  ExpiryEvents
	holds   Expirer
	log     *logger.Logger
	expired atomic.Int64
}

func NewWatcher(events ExpiryEvents, holds Expirer, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.Discard()
	}
	return &Watcher{events: events, holds: holds, log: log}
}

// Run blocks until ctx ends or the subscription fails.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.LogProcess("WATCHER", "Listening for hold TTL expirations")
	return w.events.WatchExpiredHolds(ctx, func(holdID string) {
		w.handle(ctx, holdID)
	})
}

func (w *Watcher) handle(ctx context.Context, holdID string) {
	won, err := w.holds.ExpireReservation(ctx, holdID)
	if err != nil {
		w.log.Error("WATCHER", fmt.Sprintf("Failed to expire hold %s: %v", holdID, err))
		return
	}
	if won {
		w.expired.Add(1)
	}
}

// Expired returns how many holds the watcher expired.
func (w *Watcher) Expired() int64 {
	return w.expired.Load()
}
