package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/observability/tracing"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/smallbiznis/creditledger/internal/rollover/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"github.com/smallbiznis/creditledger/internal/usage/period"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	jobName      = "rollover"
	ownerPage    = 200
	rolloverDesc = "unused allowance carried over"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	OwnerSvc   ownerdomain.Service
	CreditSvc  creditdomain.Service
	CreditRepo creditdomain.Repository
	UsageSvc   usagedomain.Service
	Catalog    *config.CatalogHolder

	ObsMetrics       *obsmetrics.Metrics          `optional:"true"`
	SchedulerMetrics *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	ownerSvc   ownerdomain.Service
	creditSvc  creditdomain.Service
	creditRepo creditdomain.Repository
	usageSvc   usagedomain.Service
	catalog    *config.CatalogHolder

	obsMetrics       *obsmetrics.Metrics
	schedulerMetrics *obsmetrics.SchedulerMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:              p.Log.Named("rollover.service"),
		genID:            p.GenID,
		clock:            p.Clock,
		repo:             p.Repo,
		ownerSvc:         p.OwnerSvc,
		creditSvc:        p.CreditSvc,
		creditRepo:       p.CreditRepo,
		usageSvc:         p.UsageSvc,
		catalog:          p.Catalog,
		obsMetrics:       p.ObsMetrics,
		schedulerMetrics: p.SchedulerMetrics,
	}
}

func (s *Service) RunRollover(ctx context.Context, periodEnd time.Time) (*domain.RunResult, error) {
	if periodEnd.IsZero() {
		periodEnd = s.clock.Now()
	}
	periodEnd = periodEnd.UTC()
	ctx, span := tracing.StartSpan(ctx, "rollover.RunRollover",
		attribute.String("rollover.period_end", periodEnd.Format(time.RFC3339)),
	)

	result := &domain.RunResult{}
	var errs []error
	var after snowflake.ID
	for {
		accounts, err := s.ownerSvc.List(ctx, ownerdomain.ListRequest{AfterID: after, Limit: ownerPage})
		if err != nil {
			errs = append(errs, err)
			break
		}
		for _, account := range accounts {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			grants, credits, err := s.rolloverOwner(ctx, account, periodEnd)
			if err != nil {
				result.OwnersFailed++
				s.schedulerMetrics.IncOwnerFailed(jobName)
				obslogger.WithOwner(obslogger.WithContext(ctx, s.log), string(account.OwnerType), account.OwnerID.String()).
					Warn("rollover.owner_failed", zap.Error(err))
				errs = append(errs, err)
				continue
			}
			result.OwnersProcessed++
			result.GrantsCreated += grants
			result.CreditsRolled += credits
		}
		if ctx.Err() != nil || len(accounts) < ownerPage {
			break
		}
		after = accounts[len(accounts)-1].ID
	}

	s.schedulerMetrics.AddProcessed(jobName, "owner", result.OwnersProcessed)
	s.schedulerMetrics.AddCredits(jobName, result.CreditsRolled)
	span.SetAttributes(
		attribute.Int("scheduler.processed", result.OwnersProcessed),
		attribute.Int64("credit.amount", result.CreditsRolled),
	)
	err := errors.Join(errs...)
	tracing.EndSpan(span, err)

	s.log.Info("rollover.run",
		zap.Time("period_end", periodEnd),
		zap.Int("owners_processed", result.OwnersProcessed),
		zap.Int("owners_failed", result.OwnersFailed),
		zap.Int("grants_created", result.GrantsCreated),
		zap.Int64("credits_rolled", result.CreditsRolled),
	)
	return result, err
}

// rolloverOwner handles every feature of one owner's plan. Each feature is
// its own atomic unit: grant and record commit together or not at all.
func (s *Service) rolloverOwner(ctx context.Context, account *ownerdomain.Account, periodEnd time.Time) (int, int64, error) {
	plan, ok := s.catalog.Get().Plan(account.PlanCode)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ownerdomain.ErrInvalidPlan, account.PlanCode)
	}
	policy := plan.Rollover
	if policy.WindowMonths <= 0 {
		return 0, 0, nil
	}

	owner := account.Ref()
	start, end := period.Previous(account.PeriodAnchor, periodEnd)
	if start.Before(account.PeriodAnchor) {
		// no completed period yet
		return 0, 0, nil
	}
	expiresAt := period.AddMonths(account.PeriodAnchor, period.Index(account.PeriodAnchor, start)+1+policy.WindowMonths)
	if !expiresAt.After(s.clock.Now()) {
		return 0, 0, nil
	}

	var (
		grants  int
		credits int64
	)
	for _, feature := range plan.Features {
		if feature.MonthlyAllowance <= 0 {
			continue
		}
		featureKey := feature.Key
		var rolled int64
		err := s.creditSvc.WithOwner(ctx, owner, "rollover", func(tx *gorm.DB) error {
			rolled = 0
			done, err := s.repo.Exists(ctx, tx, owner, featureKey, start)
			if err != nil || done {
				return err
			}

			used, err := s.usageSvc.UsedInPeriod(ctx, tx, owner, featureKey, start)
			if err != nil {
				return err
			}
			unused := feature.MonthlyAllowance - used
			if unused < 0 {
				unused = 0
			}
			if policy.MaxCredits > 0 && unused > 0 {
				active, err := s.creditRepo.SumActiveRollover(ctx, tx, owner, featureKey, s.clock.Now().UTC())
				if err != nil {
					return err
				}
				if room := policy.MaxCredits - active; unused > room {
					unused = max(room, 0)
				}
			}

			now := s.clock.Now().UTC()
			record := &domain.RolloverRecord{
				ID:              s.genID.Generate(),
				OwnerType:       owner.Type,
				OwnerID:         owner.ID,
				FeatureKey:      featureKey,
				PeriodStart:     start,
				LastPeriodEnd:   end,
				RolloverCredits: unused,
				ExpiresAt:       expiresAt,
				CreatedAt:       now,
			}
			if unused > 0 {
				ref := sourceRef(featureKey, start)
				key := featureKey
				grant, err := s.creditSvc.GrantTx(ctx, tx, creditdomain.GrantRequest{
					Owner:             owner,
					Amount:            unused,
					SourceType:        creditdomain.SourceTypeRollover,
					FeatureKey:        &key,
					ExpiresAt:         expiresAt,
					SourceReferenceID: &ref,
					Description:       rolloverDesc,
					Metadata: map[string]any{
						"period_start": start,
						"period_end":   end,
						"allowance":    feature.MonthlyAllowance,
						"used":         used,
					},
				})
				if err != nil {
					return err
				}
				batchID := grant.BatchID
				record.BatchID = &batchID
			}

			inserted, err := s.repo.Insert(ctx, tx, record)
			if err != nil {
				return err
			}
			if !inserted {
				return creditdomain.ErrConcurrencyConflict
			}
			rolled = unused
			return nil
		})
		if err != nil {
			return grants, credits, fmt.Errorf("%s: %w", featureKey, err)
		}
		if rolled > 0 {
			grants++
			credits += rolled
			s.obsMetrics.RecordRollover(ctx, featureKey, rolled)
			obslogger.WithOwner(obslogger.WithContext(ctx, s.log), string(owner.Type), owner.ID.String()).Info("rollover.grant",
				zap.String("feature_key", featureKey),
				zap.Int64("amount", rolled),
				zap.Time("period_start", start),
				zap.Time("expires_at", expiresAt),
			)
		}
	}
	return grants, credits, nil
}

func sourceRef(featureKey string, periodStart time.Time) string {
	return "rollover:" + featureKey + ":" + periodStart.UTC().Format(time.RFC3339)
}
