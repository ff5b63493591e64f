package domain

import (
	"context"
	"errors"
	"time"

	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"gorm.io/gorm"
)

var (
	ErrInvalidFeatureKey = errors.New("invalid_feature_key")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
	ErrQuotaExceeded     = errors.New("quota_exceeded")
)

type IncrementRequest struct {
	Owner      ownerdomain.Ref
	FeatureKey string
	// Quantity defaults to 1.
	Quantity int64
	// Enforce rejects the increment with ErrQuotaExceeded when it would
	// take the period past the plan allowance.
	Enforce bool
}

type CurrentUsage struct {
	OwnerType   ownerdomain.Type `json:"owner_type"`
	OwnerID     string           `json:"owner_id"`
	FeatureKey  string           `json:"feature_key"`
	PeriodStart time.Time        `json:"period_start"`
	PeriodEnd   time.Time        `json:"period_end"`
	Used        int64            `json:"used"`
	Allowance   int64            `json:"allowance"`
	Remaining   int64            `json:"remaining"`
}

type Service interface {
	IncrementUsage(ctx context.Context, req IncrementRequest) (*CurrentUsage, error)
	GetCurrentUsage(ctx context.Context, owner ownerdomain.Ref, featureKey string) (*CurrentUsage, error)
	// UsedInPeriod reads the counter of a specific period through db.
	UsedInPeriod(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, featureKey string, periodStart time.Time) (int64, error)
}

type Repository interface {
	EnsurePeriod(ctx context.Context, db *gorm.DB, row *UsagePeriod) error
	// Increment adds quantity and reports false when limit >= 0 and the
	// result would exceed it.
	Increment(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, featureKey string, periodStart time.Time, quantity, limit int64, at time.Time) (bool, error)
	Find(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, featureKey string, periodStart time.Time) (*UsagePeriod, error)
}
