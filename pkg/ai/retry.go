package ai

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"conversai/internal/ratelimit"
)

const (
	defaultMaxAttempts          = 3
	defaultBaseDelay            = 5 * time.Second
	defaultMaxJitter            = time.Second
	defaultThrottleThreshold    = 5
	defaultConservativeInterval = 10 * time.Second
)

// RetryerConfig tunes the retry policy. Zero values take the defaults above.
type RetryerConfig struct {
	MaxAttempts          int
	BaseDelay            time.Duration
	MaxJitter            time.Duration
	ThrottleThreshold    int
	ConservativeInterval time.Duration
}

// Retryer makes a single logical provider call resilient to transient
// throttling without masking permanent failures. Every attempt passes
// through the shared pacer first; after ThrottleThreshold consecutive
// throttles the pacer is widened to the conservative interval until the
// next success. Safe for concurrent use.
type Retryer struct {
	pacer                *ratelimit.Pacer
	maxAttempts          int
	baseDelay            time.Duration
	maxJitter            time.Duration
	throttleThreshold    int
	conservativeInterval time.Duration

	mu          sync.Mutex
	consecutive int
}

// NewRetryer builds a retry policy around the shared pacer.
func NewRetryer(pacer *ratelimit.Pacer, cfg RetryerConfig) *Retryer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxJitter <= 0 {
		cfg.MaxJitter = defaultMaxJitter
	}
	if cfg.ThrottleThreshold <= 0 {
		cfg.ThrottleThreshold = defaultThrottleThreshold
	}
	if cfg.ConservativeInterval <= 0 {
		cfg.ConservativeInterval = defaultConservativeInterval
	}
	return &Retryer{
		pacer:                pacer,
		maxAttempts:          cfg.MaxAttempts,
		baseDelay:            cfg.BaseDelay,
		maxJitter:            cfg.MaxJitter,
		throttleThreshold:    cfg.ThrottleThreshold,
		conservativeInterval: cfg.ConservativeInterval,
	}
}

// Do runs op through the pacer with up to MaxAttempts attempts. Throttled
// failures back off exponentially and retry; exhaustion yields
// *RateLimitError. Any other failure propagates immediately.
func (r *Retryer) Do(ctx context.Context, op func(context.Context) (string, error)) (string, error) {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if err := r.pacer.Acquire(ctx); err != nil {
			return "", err
		}
		result, err := op(ctx)
		if err == nil {
			r.recordSuccess()
			return result, nil
		}
		var provErr *ProviderError
		if !errors.As(err, &provErr) || provErr.Kind != KindThrottled {
			return "", err
		}
		r.recordThrottle()
		if attempt == r.maxAttempts-1 {
			break
		}
		delay := r.backoffDelay(attempt)
		slog.Warn("provider throttled, backing off",
			"attempt", attempt+1,
			"delay_ms", delay.Milliseconds(),
		)
		if err := sleepContext(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", &RateLimitError{Attempts: r.maxAttempts}
}

// ConsecutiveThrottles returns the running count of throttled attempts
// since the last success.
func (r *Retryer) ConsecutiveThrottles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutive
}

func (r *Retryer) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutive = 0
}

func (r *Retryer) recordThrottle() {
	r.mu.Lock()
	r.consecutive++
	widen := r.consecutive >= r.throttleThreshold
	r.mu.Unlock()
	if widen {
		r.pacer.Widen(r.conservativeInterval)
		slog.Warn("repeated provider throttling, widening request pacing",
			"interval_ms", r.conservativeInterval.Milliseconds(),
		)
	}
}

func (r *Retryer) backoffDelay(attempt int) time.Duration {
	delay := r.baseDelay << uint(attempt)
	if r.maxJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(r.maxJitter)))
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
