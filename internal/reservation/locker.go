package reservation

import (
	"context"
	"sync"
	"time"

	"ms-reservation/internal/domain"
)

// SessionLocker serializes check-and-reserve per session. Different sessions never contend.
type SessionLocker interface {
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// LocalLocker is a SessionLocker for a single process: one binary semaphore per session.
type LocalLocker struct {
	wait  time.Duration
	slots sync.Map // session ID -> chan struct{}
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &LocalLocker{wait: wait}
}

func (l *LocalLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	v, _ := l.slots.LoadOrStore(sessionID, make(chan struct{}, 1))
	slot := v.(chan struct{})

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-timer.C:
		return nil, domain.ErrSessionBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
