package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
)

// UsagePeriod counts uses of one feature by one owner within one monthly
// period. It is a plain counter against the plan allowance and never draws
// from credit batches.
type UsagePeriod struct {
	ID          snowflake.ID     `gorm:"primaryKey" json:"id"`
	OwnerType   ownerdomain.Type `gorm:"type:text;not null;uniqueIndex:ux_usage_periods_owner_feature,priority:1" json:"owner_type"`
	OwnerID     snowflake.ID     `gorm:"not null;uniqueIndex:ux_usage_periods_owner_feature,priority:2" json:"owner_id"`
	FeatureKey  string           `gorm:"type:text;not null;uniqueIndex:ux_usage_periods_owner_feature,priority:3" json:"feature_key"`
	PeriodStart time.Time        `gorm:"not null;uniqueIndex:ux_usage_periods_owner_feature,priority:4" json:"period_start"`
	PeriodEnd   time.Time        `gorm:"not null" json:"period_end"`
	CreditsUsed int64            `gorm:"not null;default:0" json:"credits_used"`
	CreatedAt   time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"not null" json:"updated_at"`
}

func (UsagePeriod) TableName() string { return "usage_periods" }
