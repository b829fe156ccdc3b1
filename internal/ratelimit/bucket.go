package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is an in-process token bucket. Capacity is the burst ceiling;
// RefillAmount tokens are added every RefillEvery, never exceeding
// capacity. Refill is computed lazily on access, so an idle bucket costs
// nothing.
type Bucket struct {
	mu sync.Mutex

	capacity     float64
	tokens       float64
	refillAmount float64
	refillEvery  time.Duration
	lastRefill   time.Time

	now func() time.Time // injectable for tests
}

// NewBucket creates a full bucket.
func NewBucket(capacity, refillAmount int, refillEvery time.Duration) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillAmount <= 0 {
		refillAmount = capacity
	}
	if refillEvery <= 0 {
		refillEvery = time.Minute
	}

	b := &Bucket{
		capacity:     float64(capacity),
		tokens:       float64(capacity),
		refillAmount: float64(refillAmount),
		refillEvery:  refillEvery,
		now:          time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// Take consumes one token if available. Returns false when the bucket is
// empty.
func (b *Bucket) Take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Wait blocks until a token is available or the context is done.
func (b *Bucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := b.untilNextToken()
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tokens returns the current token count, for diagnostics.
func (b *Bucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return int(b.tokens)
}

// refill credits tokens accrued since lastRefill. Must be called with
// the lock held.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}

	rate := b.refillAmount / b.refillEvery.Seconds()
	b.tokens += elapsed.Seconds() * rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// untilNextToken estimates how long until one token accrues. Must be
// called with the lock held.
func (b *Bucket) untilNextToken() time.Duration {
	rate := b.refillAmount / b.refillEvery.Seconds()
	missing := 1 - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / rate * float64(time.Second))
}
