package ratelimit

import (
	"sync"
	"time"
)

const nanoTokensPerToken int64 = int64(time.Second) // 1e9

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a deterministic token bucket that refills refillTokens per
// refillInterval using a provided Clock.
//
// The implementation uses fixed-point "nano-tokens" to avoid float rounding.
// One token is represented as 1e9 nano-tokens. Expressing the refill rate as
// tokens-per-interval (rather than tokens/sec) lets callers configure slow
// budgets like "5 requests per minute" exactly.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityTokens int64
	refillTokens   int64
	refillInterval time.Duration

	availableNanoTokens int64
	last                time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, refillTokens int64, refillInterval time.Duration) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if refillTokens < 0 {
		refillTokens = 0
	}
	if refillInterval <= 0 {
		refillInterval = time.Second
	}

	now := clock.Now()
	return &TokenBucket{
		clock:               clock,
		capacityTokens:      capacityTokens,
		refillTokens:        refillTokens,
		refillInterval:      refillInterval,
		availableNanoTokens: mulTokenToNano(capacityTokens),
		last:                now,
	}
}

// Allow consumes the provided number of tokens if available.
//
// tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	cost := mulTokenToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNanoTokens < cost {
		return false
	}

	b.availableNanoTokens -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards. Avoid refilling and move the reference point.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.refillTokens <= 0 || b.capacityTokens <= 0 {
		return
	}

	capacityNano := mulTokenToNano(b.capacityTokens)
	if b.availableNanoTokens >= capacityNano {
		b.availableNanoTokens = capacityNano
		return
	}

	need := capacityNano - b.availableNanoTokens
	elapsedNanos := elapsed.Nanoseconds()
	if elapsedNanos <= 0 {
		return
	}

	refillNano := mulTokenToNano(b.refillTokens)
	intervalNanos := b.refillInterval.Nanoseconds()

	if refillNano >= intervalNanos {
		// Fast refill: at least one nano-token per nanosecond.
		rate := refillNano / intervalNanos

		// Avoid overflow in elapsedNanos*rate: with enough time to fill the
		// bucket, just clamp to capacity.
		maxElapsedToFill := need / rate
		if maxElapsedToFill <= 0 || elapsedNanos >= maxElapsedToFill {
			b.availableNanoTokens = capacityNano
			return
		}
		b.availableNanoTokens += elapsedNanos * rate
	} else {
		// Slow refill: it takes nanosPer nanoseconds to earn one nano-token.
		// Integer division loses at most one nano-token per refill, which is
		// negligible at 1e9 nano-tokens per token.
		nanosPer := intervalNanos / refillNano
		added := elapsedNanos / nanosPer
		if added >= need {
			b.availableNanoTokens = capacityNano
			return
		}
		b.availableNanoTokens += added
	}

	if b.availableNanoTokens > capacityNano {
		b.availableNanoTokens = capacityNano
	}
}

func mulTokenToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
