package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/smallbiznis/creditledger/internal/usage/domain"
	"github.com/smallbiznis/creditledger/internal/usage/period"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	OwnerSvc ownerdomain.Service
	Catalog  *config.CatalogHolder
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	ownerSvc ownerdomain.Service
	catalog  *config.CatalogHolder
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("usage.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		ownerSvc: p.OwnerSvc,
		catalog:  p.Catalog,
	}
}

func (s *Service) IncrementUsage(ctx context.Context, req domain.IncrementRequest) (*domain.CurrentUsage, error) {
	featureKey := strings.TrimSpace(req.FeatureKey)
	if featureKey == "" {
		return nil, domain.ErrInvalidFeatureKey
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return nil, domain.ErrInvalidQuantity
	}

	var out *domain.CurrentUsage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.ownerSvc.Resolve(ctx, tx, req.Owner)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		start, end := period.Bounds(account.PeriodAnchor, now)
		allowance := s.allowance(account.PlanCode, featureKey)

		if err := s.repo.EnsurePeriod(ctx, tx, &domain.UsagePeriod{
			ID:          s.genID.Generate(),
			OwnerType:   req.Owner.Type,
			OwnerID:     req.Owner.ID,
			FeatureKey:  featureKey,
			PeriodStart: start,
			PeriodEnd:   end,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}

		limit := int64(-1)
		if req.Enforce {
			limit = allowance
		}
		ok, err := s.repo.Increment(ctx, tx, req.Owner, featureKey, start, quantity, limit, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrQuotaExceeded
		}

		row, err := s.repo.Find(ctx, tx, req.Owner, featureKey, start)
		if err != nil {
			return err
		}
		out = current(req.Owner, featureKey, start, end, row, allowance)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			obslogger.WithOwner(obslogger.WithContext(ctx, s.log), string(req.Owner.Type), req.Owner.ID.String()).
				Debug("usage.quota_exceeded", zap.String("feature_key", featureKey))
		}
		return nil, err
	}
	return out, nil
}

func (s *Service) GetCurrentUsage(ctx context.Context, owner ownerdomain.Ref, featureKey string) (*domain.CurrentUsage, error) {
	featureKey = strings.TrimSpace(featureKey)
	if featureKey == "" {
		return nil, domain.ErrInvalidFeatureKey
	}
	account, err := s.ownerSvc.Resolve(ctx, s.db, owner)
	if err != nil {
		return nil, err
	}
	start, end := period.Bounds(account.PeriodAnchor, s.clock.Now())
	row, err := s.repo.Find(ctx, s.db, owner, featureKey, start)
	if err != nil {
		return nil, err
	}
	return current(owner, featureKey, start, end, row, s.allowance(account.PlanCode, featureKey)), nil
}

func (s *Service) UsedInPeriod(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, featureKey string, periodStart time.Time) (int64, error) {
	if db == nil {
		db = s.db
	}
	row, err := s.repo.Find(ctx, db, owner, featureKey, periodStart.UTC())
	if err != nil || row == nil {
		return 0, err
	}
	return row.CreditsUsed, nil
}

func (s *Service) allowance(planCode, featureKey string) int64 {
	if s.catalog == nil {
		return 0
	}
	allowance, _ := s.catalog.Get().Allowance(planCode, featureKey)
	return allowance
}

func current(owner ownerdomain.Ref, featureKey string, start, end time.Time, row *domain.UsagePeriod, allowance int64) *domain.CurrentUsage {
	out := &domain.CurrentUsage{
		OwnerType:   owner.Type,
		OwnerID:     owner.ID.String(),
		FeatureKey:  featureKey,
		PeriodStart: start,
		PeriodEnd:   end,
		Allowance:   allowance,
	}
	if row != nil {
		out.Used = row.CreditsUsed
	}
	out.Remaining = allowance - out.Used
	if out.Remaining < 0 {
		out.Remaining = 0
	}
	return out
}
