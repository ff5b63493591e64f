package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/owner/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Catalog *config.CatalogHolder
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	catalog *config.CatalogHolder
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("owner.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		catalog: p.Catalog,
	}
}

func (s *Service) Register(ctx context.Context, req domain.RegisterRequest) (*domain.Account, error) {
	if err := req.Owner.Validate(); err != nil {
		return nil, err
	}
	planCode, err := s.validatePlan(req.PlanCode)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	anchor := now
	if req.PeriodAnchor != nil && !req.PeriodAnchor.IsZero() {
		anchor = req.PeriodAnchor.UTC()
	}

	account := &domain.Account{
		ID:           s.genID.Generate(),
		OwnerType:    req.Owner.Type,
		OwnerID:      req.Owner.ID,
		PlanCode:     planCode,
		PeriodAnchor: anchor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	inserted, err := s.repo.Insert(ctx, s.db, account)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return s.Get(ctx, req.Owner)
	}

	s.log.Info("owner registered",
		zap.String("owner_type", string(account.OwnerType)),
		zap.String("owner_id", account.OwnerID.String()),
		zap.String("plan_code", planCode),
	)
	return account, nil
}

func (s *Service) Get(ctx context.Context, owner domain.Ref) (*domain.Account, error) {
	return s.Resolve(ctx, s.db, owner)
}

func (s *Service) Resolve(ctx context.Context, db *gorm.DB, owner domain.Ref) (*domain.Account, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if db == nil {
		db = s.db
	}
	account, err := s.repo.FindByOwner(ctx, db, owner)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrUnknownOwner
	}
	return account, nil
}

func (s *Service) ChangePlan(ctx context.Context, owner domain.Ref, planCode string) (*domain.Account, error) {
	planCode, err := s.validatePlan(planCode)
	if err != nil {
		return nil, err
	}

	var updated *domain.Account
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.Resolve(ctx, tx, owner)
		if err != nil {
			return err
		}
		if account.PlanCode == planCode {
			updated = account
			return nil
		}
		now := s.clock.Now().UTC()
		if err := s.repo.UpdatePlan(ctx, tx, account.ID, planCode, now); err != nil {
			return err
		}
		s.log.Info("owner plan changed",
			zap.String("owner_type", string(owner.Type)),
			zap.String("owner_id", owner.ID.String()),
			zap.String("from", account.PlanCode),
			zap.String("to", planCode),
		)
		account.PlanCode = planCode
		account.UpdatedAt = now
		updated = account
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]*domain.Account, error) {
	req.PlanCode = strings.TrimSpace(req.PlanCode)
	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}
	if req.Limit > maxListLimit {
		req.Limit = maxListLimit
	}
	return s.repo.List(ctx, s.db, req)
}

func (s *Service) validatePlan(planCode string) (string, error) {
	planCode = strings.TrimSpace(planCode)
	if planCode == "" {
		return "", domain.ErrInvalidPlan
	}
	if s.catalog != nil {
		if _, ok := s.catalog.Get().Plan(planCode); !ok {
			return "", domain.ErrInvalidPlan
		}
	}
	return planCode, nil
}
