package repository

import (
	"context"
	"time"

	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/smallbiznis/creditledger/internal/rollover/domain"
	"github.com/smallbiznis/creditledger/pkg/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Exists(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, featureKey string, periodStart time.Time) (bool, error) {
	return repository.For[domain.RolloverRecord](db).Exists(ctx, &domain.RolloverRecord{
		OwnerType:   owner.Type,
		OwnerID:     owner.ID,
		FeatureKey:  featureKey,
		PeriodStart: periodStart,
	})
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.RolloverRecord) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
