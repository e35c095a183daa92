package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPacerSpacesBackToBackAcquires(t *testing.T) {
	interval := 50 * time.Millisecond
	pacer := NewPacer(interval)
	ctx := context.Background()

	start := time.Now()
	if err := pacer.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := pacer.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < interval {
		t.Fatalf("acquires separated by %v, want at least %v", elapsed, interval)
	}
}

func TestPacerSerializesConcurrentCallers(t *testing.T) {
	interval := 30 * time.Millisecond
	pacer := NewPacer(interval)

	const callers = 4
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pacer.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
			}
		}()
	}
	wg.Wait()

	// Four callers share one window: the last slot is three intervals out.
	if elapsed := time.Since(start); elapsed < 3*interval {
		t.Fatalf("%d concurrent acquires finished in %v, want at least %v", callers, elapsed, 3*interval)
	}
}

func TestPacerAcquireHonorsContextCancel(t *testing.T) {
	pacer := NewPacer(time.Minute)
	if err := pacer.Acquire(context.Background()); err != nil {
		t.Fatalf("warm-up acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pacer.Acquire(ctx); err != context.DeadlineExceeded {
		t.Fatalf("acquire err = %v, want context.DeadlineExceeded", err)
	}
}

func TestPacerWidenAndReset(t *testing.T) {
	pacer := NewPacer(20 * time.Millisecond)

	pacer.Widen(80 * time.Millisecond)
	if got := pacer.Interval(); got != 80*time.Millisecond {
		t.Fatalf("interval after widen = %v, want 80ms", got)
	}

	// Narrower values must not shrink the window.
	pacer.Widen(time.Millisecond)
	if got := pacer.Interval(); got != 80*time.Millisecond {
		t.Fatalf("interval after narrow widen = %v, want 80ms", got)
	}

	pacer.Reset()
	if got := pacer.Interval(); got != 20*time.Millisecond {
		t.Fatalf("interval after reset = %v, want 20ms", got)
	}
}
