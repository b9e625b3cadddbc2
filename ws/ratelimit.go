package ws

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"github.com/tcriess/roomrelay/config"
	"golang.org/x/time/rate"
)

// tokenBucket allows up to capacity frames at once and refills capacity tokens per interval. Time is read from
// clock rather than the wall clock.
type tokenBucket struct {
	limiter *rate.Limiter
	clock   clockwork.Clock
}

func newTokenBucket(capacity int, interval time.Duration, clock clockwork.Clock) *tokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &tokenBucket{
		limiter: rate.NewLimiter(rate.Every(interval/time.Duration(capacity)), capacity),
		clock:   clock,
	}
}

func (b *tokenBucket) allow() bool {
	return b.limiter.AllowN(b.clock.Now(), 1)
}

// hostLimiter hands out one token bucket per remote host. The buckets of the most recently seen hosts are kept, so
// reconnecting does not refill a bucket.
type hostLimiter struct {
	mu       sync.Mutex
	buckets  *lru.Cache
	burst    int
	interval time.Duration
	clock    clockwork.Clock
}

func newHostLimiter(cfg config.RateLimitConfig, clock clockwork.Clock) (*hostLimiter, error) {
	buckets, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &hostLimiter{
		buckets:  buckets,
		burst:    cfg.Burst,
		interval: cfg.RefillInterval,
		clock:    clock,
	}, nil
}

func (h *hostLimiter) forHost(host string) *tokenBucket {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bucket, ok := h.buckets.Get(host); ok {
		return bucket.(*tokenBucket)
	}
	bucket := newTokenBucket(h.burst, h.interval, h.clock)
	h.buckets.Add(host, bucket)
	return bucket
}
