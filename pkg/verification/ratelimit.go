package verification

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryRateStore enforces rate-limit constraints with per-key token
// buckets. Suitable for single-process deployments; use RedisRateStore
// when several verifiers share the budget.
type MemoryRateStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMemoryRateStore creates an empty in-process rate store.
func NewMemoryRateStore() *MemoryRateStore {
	return &MemoryRateStore{limiters: make(map[string]*rate.Limiter)}
}

// Allow consumes one token from the bucket for key, creating the bucket
// on first use. The bucket refills at limit tokens per window with a
// burst of the full limit.
func (s *MemoryRateStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, nil
	}
	s.mu.Lock()
	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit)
		s.limiters[key] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow(), nil
}
