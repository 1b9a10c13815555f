package stealth

import (
	"context"
	"math/rand/v2"
	"time"
)

// HumanDelay returns a randomized delay: uniform in [min, max] plus
// triangular jitter in +/-jitter, clamped below at min. The triangular shape
// clusters near the center the way human pacing does.
func HumanDelay(min, max, jitter time.Duration) time.Duration {
	if max < min {
		max = min
	}

	span := max - min
	d := min
	if span > 0 {
		d += time.Duration(rand.Int64N(int64(span) + 1))
	}

	if jitter > 0 {
		// Sum of two uniforms gives a triangular distribution on [-j, +j].
		tri := (rand.Float64() + rand.Float64() - 1) * float64(jitter)
		d += time.Duration(tri)
	}

	if d < min {
		d = min
	}
	return d
}

// Sleep blocks for d or until the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
