package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultPacerInterval is the minimum spacing between provider dispatches.
const DefaultPacerInterval = 2 * time.Second

// Pacer enforces a minimum interval between outbound provider calls.
// Acquire blocks until the caller's reserved dispatch slot arrives, so
// concurrent callers serialize around the shared last-dispatch time.
// Counters are in-process only; the pacer provides best-effort throttling,
// not a correctness guarantee.
type Pacer struct {
	mu              sync.Mutex
	interval        time.Duration
	defaultInterval time.Duration
	next            time.Time
}

// NewPacer builds a pacer with the given minimum interval.
// Non-positive intervals fall back to DefaultPacerInterval.
func NewPacer(interval time.Duration) *Pacer {
	if interval <= 0 {
		interval = DefaultPacerInterval
	}
	return &Pacer{
		interval:        interval,
		defaultInterval: interval,
	}
}

// Acquire blocks until at least the minimum interval has elapsed since the
// previous dispatch, recording the new dispatch time. The read-compute-update
// of the shared dispatch window happens under the mutex, so two concurrent
// callers can never compute overlapping wait windows. Context cancellation
// aborts the wait and returns ctx.Err().
func (p *Pacer) Acquire(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	slot := p.next
	if slot.Before(now) {
		slot = now
	}
	p.next = slot.Add(p.interval)
	p.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Widen raises the minimum interval to d until Reset is called.
// Intervals narrower than the current one are ignored.
func (p *Pacer) Widen(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d > p.interval {
		p.interval = d
	}
}

// Reset restores the configured default interval.
func (p *Pacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = p.defaultInterval
}

// Interval returns the current minimum interval.
func (p *Pacer) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}
