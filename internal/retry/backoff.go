package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponentially growing delays bounded by Max
type Backoff struct {
	// Base is the delay before the second attempt
	Base time.Duration
	// Max caps the delay (0 = uncapped)
	Max time.Duration
	// Multiplier is the growth factor (default 2.0)
	Multiplier float64
	// Jitter adds randomness to delays (0.0 - 1.0)
	Jitter float64
}

// Delay returns the delay after the given attempt (1-based).
// delay = Base * Multiplier^(attempt-1), clamped to Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := b.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(b.Base) * math.Pow(multiplier, float64(attempt-1))

	if b.Jitter > 0 {
		jitterRange := delay * b.Jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}

	if b.Max > 0 && (delay > float64(b.Max) || math.IsInf(delay, 1)) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}

// Next returns the delay following current, clamped to Max
func (b Backoff) Next(current time.Duration) time.Duration {
	if current <= 0 {
		return b.Base
	}
	multiplier := b.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	next := time.Duration(float64(current) * multiplier)
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	return next
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
