package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"gorm.io/gorm"
)

// RolloverRecord marks one owner/feature/period as rolled over. Its unique
// key is what keeps a repeated run from granting twice.
type RolloverRecord struct {
	ID              snowflake.ID     `gorm:"primaryKey" json:"id"`
	OwnerType       ownerdomain.Type `gorm:"type:text;not null;uniqueIndex:ux_rollover_records_period,priority:1" json:"owner_type"`
	OwnerID         snowflake.ID     `gorm:"not null;uniqueIndex:ux_rollover_records_period,priority:2" json:"owner_id"`
	FeatureKey      string           `gorm:"type:text;not null;uniqueIndex:ux_rollover_records_period,priority:3" json:"feature_key"`
	PeriodStart     time.Time        `gorm:"not null;uniqueIndex:ux_rollover_records_period,priority:4" json:"period_start"`
	LastPeriodEnd   time.Time        `gorm:"not null" json:"last_period_end"`
	RolloverCredits int64            `gorm:"not null" json:"rollover_credits"`
	ExpiresAt       time.Time        `gorm:"not null" json:"expires_at"`
	BatchID         *snowflake.ID    `json:"batch_id,omitempty"`
	CreatedAt       time.Time        `gorm:"not null" json:"created_at"`
}

func (RolloverRecord) TableName() string { return "rollover_records" }

type RunResult struct {
	OwnersProcessed int   `json:"owners_processed"`
	OwnersFailed    int   `json:"owners_failed"`
	GrantsCreated   int   `json:"grants_created"`
	CreditsRolled   int64 `json:"credits_rolled"`
}

type Service interface {
	// RunRollover carries unused allowance of every owner's latest period
	// ending at or before periodEnd into rollover batches.
	RunRollover(ctx context.Context, periodEnd time.Time) (*RunResult, error)
}

type Repository interface {
	Exists(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, featureKey string, periodStart time.Time) (bool, error)
	Insert(ctx context.Context, db *gorm.DB, record *RolloverRecord) (bool, error)
}
