package ratelimit

import (
	"context"
	"sync"

	"github.com/smallbiznis/creditledger/internal/clock"
	"golang.org/x/time/rate"
)

// MemoryBucket is the single-process fallback used when Redis is not the
// lock backend.
type MemoryBucket struct {
	clock clock.Clock

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewMemoryBucket(clk clock.Clock) *MemoryBucket {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryBucket{
		clock:    clk,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *MemoryBucket) Allow(_ context.Context, key string, r float64, burst int) (*Result, error) {
	if err := validate(key, r, burst); err != nil {
		return nil, err
	}

	m.mu.Lock()
	limiter, ok := m.limiters[key]
	if !ok || limiter.Burst() != burst || float64(limiter.Limit()) != r {
		limiter = rate.NewLimiter(rate.Limit(r), burst)
		m.limiters[key] = limiter
	}
	m.mu.Unlock()

	now := m.clock.Now()
	allowed := limiter.AllowN(now, 1)
	remaining := limiter.TokensAt(now)
	return newResult(allowed, remaining, r, burst), nil
}

var _ Bucket = (*MemoryBucket)(nil)
var _ Bucket = (*RedisBucket)(nil)
