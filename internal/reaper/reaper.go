package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ms-reservation/internal/config"
	"ms-reservation/internal/logger"
)

// maxBatchesPerSweep bounds one sweep so a backlog cannot starve the ticker.
const maxBatchesPerSweep = 20

// Expirer finds and expires overdue holds.
type Expirer interface {
	OverdueHolds(ctx context.Context, limit int) ([]string, error)
	ExpireReservation(ctx context.Context, holdID string) (bool, error)
}

// Reconciler settles payments left behind by races with expiry.
type Reconciler interface {
	ReconcileOrphanedCharges(ctx context.Context, limit int) (int, error)
	ResolveStaleCharges(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Reaper periodically expires pending holds past their TTL. Every expiry is a conditional
// update, so several reapers and the API's lazy checks can race safely.
type Reaper struct {
	holds    Expirer
	payments Reconciler
	config   config.ReaperConfig
	log      *logger.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool

	// Stats
	totalExpired     int64
	totalLost        int64
	totalRefunded    int64
	totalResolved    int64
	lastSweepTime    time.Time
	lastExpiredCount int
}

// Stats contains reaper statistics
type Stats struct {
	IsRunning        bool      `json:"is_running"`
	TotalExpired     int64     `json:"total_expired"`
	TotalLost        int64     `json:"total_lost"`
	TotalRefunded    int64     `json:"total_refunded"`
	TotalResolved    int64     `json:"total_resolved"`
	LastSweepTime    time.Time `json:"last_sweep_time"`
	LastExpiredCount int       `json:"last_expired_count"`
}

// New creates a reaper. payments may be nil.
func New(holds Expirer, payments Reconciler, cfg config.ReaperConfig, log *logger.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StaleCharge <= 0 {
		cfg.StaleCharge = 5 * time.Minute
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Reaper{
		holds:    holds,
		payments: payments,
		config:   cfg,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start runs a sweep immediately and then every Interval until Stop or ctx ends.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("reaper already running")
	}
	r.running = true
	r.mu.Unlock()

	r.log.LogProcess("REAPER", fmt.Sprintf("Starting, interval %s batch %d", r.config.Interval, r.config.BatchSize))

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop stops the loop and waits for the current sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	r.log.LogProcess("REAPER", "Stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep expires overdue holds batch by batch and then reconciles payments. It returns the
// number of holds this sweep expired.
func (r *Reaper) Sweep(ctx context.Context) int {
	expired, lost := 0, 0
	for batch := 0; batch < maxBatchesPerSweep; batch++ {
		ids, err := r.holds.OverdueHolds(ctx, r.config.BatchSize)
		if err != nil {
			r.log.Error("REAPER", fmt.Sprintf("Failed to list overdue holds: %v", err))
			break
		}
		progress := 0
		for _, id := range ids {
			won, err := r.holds.ExpireReservation(ctx, id)
			if err != nil {
				r.log.Error("REAPER", fmt.Sprintf("Failed to expire hold %s: %v", id, err))
				continue
			}
			progress++
			if won {
				expired++
			} else {
				// Confirmed, cancelled or expired by someone else first.
				lost++
			}
		}
		if len(ids) < r.config.BatchSize || progress == 0 {
			break
		}
	}

	var refunded, resolved int
	if r.payments != nil {
		var err error
		if resolved, err = r.payments.ResolveStaleCharges(ctx, r.config.StaleCharge, r.config.BatchSize); err != nil {
			r.log.Error("REAPER", fmt.Sprintf("Failed to resolve stale charges: %v", err))
		}
		if refunded, err = r.payments.ReconcileOrphanedCharges(ctx, r.config.BatchSize); err != nil {
			r.log.Error("REAPER", fmt.Sprintf("Failed to reconcile orphaned charges: %v", err))
		}
	}

	r.mu.Lock()
	r.lastSweepTime = time.Now()
	r.lastExpiredCount = expired
	r.totalExpired += int64(expired)
	r.totalLost += int64(lost)
	r.totalRefunded += int64(refunded)
	r.totalResolved += int64(resolved)
	r.mu.Unlock()

	if expired > 0 || refunded > 0 || resolved > 0 {
		r.log.LogProcess("REAPER", fmt.Sprintf("Expired %d holds (lost %d races), resolved %d charges, refunded %d", expired, lost, resolved, refunded))
	}
	return expired
}

// GetStats returns reaper statistics
func (r *Reaper) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		IsRunning:        r.running,
		TotalExpired:     r.totalExpired,
		TotalLost:        r.totalLost,
		TotalRefunded:    r.totalRefunded,
		TotalResolved:    r.totalResolved,
		LastSweepTime:    r.lastSweepTime,
		LastExpiredCount: r.lastExpiredCount,
	}
}
