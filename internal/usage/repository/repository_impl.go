package repository

import (
	"context"
	"time"

	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"github.com/smallbiznis/creditledger/pkg/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) EnsurePeriod(ctx context.Context, db *gorm.DB, row *usagedomain.UsagePeriod) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, featureKey string, periodStart time.Time, quantity, limit int64, at time.Time) (bool, error) {
	query := `UPDATE usage_periods
		SET credits_used = credits_used + ?, updated_at = ?
		WHERE owner_type = ? AND owner_id = ? AND feature_key = ? AND period_start = ?`
	args := []any{quantity, at, owner.Type, owner.ID, featureKey, periodStart}
	if limit >= 0 {
		query += ` AND credits_used + ? <= ?`
		args = append(args, quantity, limit)
	}
	result := db.WithContext(ctx).Exec(query, args...)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, featureKey string, periodStart time.Time) (*usagedomain.UsagePeriod, error) {
	return repository.For[usagedomain.UsagePeriod](db).FindOne(ctx, &usagedomain.UsagePeriod{
		OwnerType:   owner.Type,
		OwnerID:     owner.ID,
		FeatureKey:  featureKey,
		PeriodStart: periodStart,
	})
}
