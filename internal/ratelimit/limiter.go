package ratelimit

import (
	"context"
	"fmt"
)

// OwnerLimiter applies one rate and burst to every owner.
type OwnerLimiter struct {
	bucket Bucket
	rate   float64
	burst  int
}

func NewOwnerLimiter(bucket Bucket, rate float64, burst int) (*OwnerLimiter, error) {
	if bucket == nil {
		return nil, ErrNotConfigured
	}
	if rate <= 0 {
		return nil, ErrInvalidRate
	}
	if burst <= 0 {
		return nil, ErrInvalidBurst
	}
	return &OwnerLimiter{bucket: bucket, rate: rate, burst: burst}, nil
}

// Allow takes a token for the owner. A nil limiter always allows.
func (l *OwnerLimiter) Allow(ctx context.Context, ownerType string, ownerID string) (*Result, error) {
	if l == nil {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, ownerKey(ownerType, ownerID), l.rate, l.burst)
}

func ownerKey(ownerType string, ownerID string) string {
	return fmt.Sprintf("ratelimit:owner:%s:%s", ownerType, ownerID)
}
