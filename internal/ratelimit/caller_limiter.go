package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxCallerBuckets bounds the number of per-caller token buckets kept
// in memory when the caller does not configure a limit.
const DefaultMaxCallerBuckets = 4096

// CallerLimiter enforces a per-caller request budget (e.g. "5 session-create
// requests per minute per clientId").
//
// Buckets are kept in an LRU-bounded map so a flood of distinct caller ids
// cannot grow memory without bound; evicting a bucket resets that caller's
// budget, which is acceptable for abuse throttling.
type CallerLimiter struct {
	clock Clock

	capacity       int64
	refillTokens   int64
	refillInterval time.Duration

	maxBuckets int

	mu      sync.Mutex
	buckets map[string]*callerBucketEntry
	lru     *list.List
}

type callerBucketEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

func NewCallerLimiter(clock Clock, capacity, refillTokens int64, refillInterval time.Duration, maxBuckets int) *CallerLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if maxBuckets <= 0 {
		maxBuckets = DefaultMaxCallerBuckets
	}
	return &CallerLimiter{
		clock:          clock,
		capacity:       capacity,
		refillTokens:   refillTokens,
		refillInterval: refillInterval,
		maxBuckets:     maxBuckets,
		buckets:        make(map[string]*callerBucketEntry),
		lru:            list.New(),
	}
}

// Allow consumes one token from the caller's bucket, creating it on first use.
//
// A zero or negative capacity disables limiting entirely.
func (l *CallerLimiter) Allow(caller string) bool {
	if l == nil || l.capacity <= 0 {
		return true
	}

	l.mu.Lock()
	entry, ok := l.buckets[caller]
	if !ok {
		if len(l.buckets) >= l.maxBuckets {
			l.evictOldestLocked()
		}
		entry = &callerBucketEntry{
			bucket: NewTokenBucket(l.clock, l.capacity, l.refillTokens, l.refillInterval),
		}
		entry.elem = l.lru.PushBack(caller)
		l.buckets[caller] = entry
	} else {
		l.lru.MoveToBack(entry.elem)
	}
	bucket := entry.bucket
	l.mu.Unlock()

	return bucket.Allow(1)
}

func (l *CallerLimiter) evictOldestLocked() {
	front := l.lru.Front()
	if front == nil {
		return
	}
	caller, _ := front.Value.(string)
	l.lru.Remove(front)
	delete(l.buckets, caller)
}
