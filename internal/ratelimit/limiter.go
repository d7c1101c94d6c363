// Package ratelimit gates the outbound probe stream with a token bucket.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Stats reports acquisition counters for telemetry.
type Stats struct {
	Allowed   uint64
	Delayed   uint64
	TotalWait time.Duration
	MaxWait   time.Duration
}

// AverageWait derives the mean wait across delayed acquisitions.
func (s Stats) AverageWait() time.Duration {
	if s.Delayed == 0 {
		return 0
	}
	return s.TotalWait / time.Duration(s.Delayed)
}

// TokenBucket limits acquisitions to a configured rate in tokens per minute
// with a bounded burst. Waiters are serialized: the first caller to block is
// the first to proceed once a token refills. A rate of zero is legal but
// means Acquire only returns via context cancellation or a later SetRate.
type TokenBucket struct {
	clock clockwork.Clock

	// acquireMu queues waiters so a refilled token goes to the caller that
	// has been waiting longest.
	acquireMu sync.Mutex

	mu              sync.Mutex
	ratePerMinute   float64
	burstMultiplier float64
	capacity        float64
	tokens          float64
	last            time.Time
	stats           Stats
}

// NewTokenBucket constructs a bucket filled to capacity.
// capacity = ratePerMinute * burstMultiplier; refill is ratePerMinute/60 per second.
func NewTokenBucket(ratePerMinute, burstMultiplier float64, clock clockwork.Clock) (*TokenBucket, error) {
	if ratePerMinute < 0 {
		return nil, errors.New("rate per minute must be >= 0")
	}
	if burstMultiplier < 1 {
		return nil, errors.New("burst multiplier must be >= 1")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	capacity := ratePerMinute * burstMultiplier
	return &TokenBucket{
		clock:           clock,
		ratePerMinute:   ratePerMinute,
		burstMultiplier: burstMultiplier,
		capacity:        capacity,
		tokens:          capacity,
		last:            clock.Now(),
	}, nil
}

// String returns a descriptive name for the limiter, including its rate.
func (b *TokenBucket) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("TokenBucket(ratePerMinute=%.2f, capacity=%.2f)", b.ratePerMinute, b.capacity)
}

// Acquire blocks until a token is available, then consumes it. If ctx is
// canceled while waiting, no token is consumed.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	b.acquireMu.Lock()
	defer b.acquireMu.Unlock()

	start := b.clock.Now()
	waited := false
	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= 1 {
			b.tokens--
			b.stats.Allowed++
			if waited {
				w := b.clock.Now().Sub(start)
				b.stats.Delayed++
				b.stats.TotalWait += w
				if w > b.stats.MaxWait {
					b.stats.MaxWait = w
				}
			}
			b.mu.Unlock()
			return nil
		}
		wait := b.nextTokenWaitLocked()
		b.mu.Unlock()

		waited = true
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(wait):
		}
	}
}

// SetRate reconfigures the bucket. The current token count is scaled by the
// capacity ratio so a rate cut does not grant a free burst.
func (b *TokenBucket) SetRate(ratePerMinute float64) error {
	if ratePerMinute < 0 {
		return errors.New("rate per minute must be >= 0")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()

	oldCapacity := b.capacity
	b.ratePerMinute = ratePerMinute
	b.capacity = ratePerMinute * b.burstMultiplier
	if oldCapacity > 0 {
		b.tokens = b.tokens * b.capacity / oldCapacity
	} else {
		b.tokens = b.capacity
	}
	b.clampLocked()
	return nil
}

// Rate returns the configured rate in tokens per minute.
func (b *TokenBucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ratePerMinute
}

// Tokens returns the current token count after a refill.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Stats returns a snapshot of acquisition counters.
func (b *TokenBucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// refillLocked adds tokens for elapsed time. A clock that jumps backward is
// treated as no time elapsed.
func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * b.ratePerMinute / 60
	b.clampLocked()
}

func (b *TokenBucket) clampLocked() {
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens < 0 {
		b.tokens = 0
	}
}

// nextTokenWaitLocked estimates the sleep until one full token is available.
// With a zero rate there is nothing to wait for; poll slowly so a concurrent
// SetRate still takes effect.
func (b *TokenBucket) nextTokenWaitLocked() time.Duration {
	perSecond := b.ratePerMinute / 60
	if perSecond <= 0 {
		return time.Second
	}
	missing := 1 - b.tokens
	if missing <= 0 {
		return time.Millisecond
	}
	return time.Duration(missing / perSecond * float64(time.Second))
}
