// Package ratelimit throttles outbound part bytes with a shared token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Bucket is a byte-budget token bucket. Capacity always equals the target rate,
// so at most one second of burst is available.
type Bucket struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	target  int64
}

// New creates a Bucket refilling at bytesPerSecond. A non-positive rate means unlimited.
func New(bytesPerSecond int64) *Bucket {
	b := &Bucket{}
	b.SetTarget(bytesPerSecond)
	return b
}

// SetTarget retunes the refill rate and capacity at runtime.
func (b *Bucket) SetTarget(bytesPerSecond int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bytesPerSecond <= 0 {
		b.target = 0
		b.limiter = nil
		return
	}

	b.target = bytesPerSecond
	if b.limiter == nil {
		b.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
		return
	}
	b.limiter.SetLimit(rate.Limit(bytesPerSecond))
	b.limiter.SetBurst(int(bytesPerSecond))
}

// Target returns the current rate in bytes per second, 0 when unlimited.
func (b *Bucket) Target() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.target
}

// Consume blocks until n bytes of budget are available or ctx is done.
// Requests larger than the capacity are served in capacity sized slices.
func (b *Bucket) Consume(ctx context.Context, n int) error {
	for n > 0 {
		b.mu.RLock()
		limiter := b.limiter
		burst := int(b.target)
		b.mu.RUnlock()

		if limiter == nil {
			return ctx.Err()
		}

		take := n
		if take > burst {
			take = burst
		}
		if err := limiter.WaitN(ctx, take); err != nil {
			if ctx.Err() == nil && take > limiter.Burst() {
				// The target shrank between reading the burst and waiting; retry with the new capacity.
				continue
			}
			return err
		}
		n -= take
	}
	return nil
}

// String ...
func (b *Bucket) String() string {
	target := b.Target()
	if target == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d B/s", target)
}
