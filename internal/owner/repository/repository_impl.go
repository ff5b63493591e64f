package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/smallbiznis/creditledger/pkg/db/option"
	"github.com/smallbiznis/creditledger/pkg/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert reports false when the owner was already registered.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *domain.Account) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_type"}, {Name: "owner_id"}},
			DoNothing: true,
		}).
		Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByOwner(ctx context.Context, db *gorm.DB, owner domain.Ref) (*domain.Account, error) {
	return repository.For[domain.Account](db).FindOne(ctx, &domain.Account{
		OwnerType: owner.Type,
		OwnerID:   owner.ID,
	})
}

func (r *repo) UpdatePlan(ctx context.Context, db *gorm.DB, id snowflake.ID, planCode string, at time.Time) error {
	return repository.For[domain.Account](db).UpdateColumns(ctx, id, map[string]any{
		"plan_code":  planCode,
		"updated_at": at,
	})
}

func (r *repo) List(ctx context.Context, db *gorm.DB, req domain.ListRequest) ([]*domain.Account, error) {
	filter := &domain.Account{PlanCode: req.PlanCode}
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{Field: "id", Allow: map[string]bool{"id": true}}),
		option.WithLimit(req.Limit),
	}
	if req.AfterID != 0 {
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "id",
			Operator: option.GT,
			Value:    req.AfterID,
		}))
	}
	return repository.For[domain.Account](db).Find(ctx, filter, opts...)
}
