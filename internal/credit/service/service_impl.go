package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/lock"
	obscontext "github.com/smallbiznis/creditledger/internal/observability/context"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMaxTries       = 5
	defaultReservationTTL = 15 * time.Minute
	defaultMaxTTL         = 24 * time.Hour
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Repo     domain.Repository
	OwnerSvc ownerdomain.Service
	Locker   lock.OwnerLocker

	ObsMetrics       *obsmetrics.Metrics          `optional:"true"`
	SchedulerMetrics *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	ownerSvc ownerdomain.Service
	locker   lock.OwnerLocker

	obsMetrics       *obsmetrics.Metrics
	schedulerMetrics *obsmetrics.SchedulerMetrics

	maxTries       uint
	reservationTTL time.Duration
	maxTTL         time.Duration
}

func NewService(p Params) domain.Service {
	svc := &Service{
		db:               p.DB,
		log:              p.Log.Named("credit.service"),
		genID:            p.GenID,
		clock:            p.Clock,
		repo:             p.Repo,
		ownerSvc:         p.OwnerSvc,
		locker:           p.Locker,
		obsMetrics:       p.ObsMetrics,
		schedulerMetrics: p.SchedulerMetrics,
		maxTries:         defaultMaxTries,
		reservationTTL:   defaultReservationTTL,
		maxTTL:           defaultMaxTTL,
	}
	if p.Config.Credit.MaxRetries > 0 {
		svc.maxTries = uint(p.Config.Credit.MaxRetries)
	}
	if p.Config.Credit.DefaultReservationTTL > 0 {
		svc.reservationTTL = p.Config.Credit.DefaultReservationTTL
	}
	if p.Config.Credit.MaxReservationTTL > 0 {
		svc.maxTTL = p.Config.Credit.MaxReservationTTL
	}
	if svc.clock == nil {
		svc.clock = clock.New()
	}
	if svc.locker == nil {
		svc.locker = lock.NewMemoryLocker(0)
	}
	return svc
}

// WithOwner is the owner-scoped critical section: owner lock, then one
// database transaction. Transient conflicts restart the whole unit with
// exponential backoff; persistent ones surface as ErrConcurrencyConflict.
func (s *Service) WithOwner(ctx context.Context, owner ownerdomain.Ref, operation string, fn func(tx *gorm.DB) error) error {
	if err := owner.Validate(); err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.runLocked(ctx, owner, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if isConflict(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.obsMetrics.RecordConflict(ctx, operation)
			s.log.Debug("credit.conflict.retry",
				zap.String("operation", operation),
				zap.String("owner", owner.String()),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil && isConflict(err) && !errors.Is(err, domain.ErrConcurrencyConflict) {
		s.obsMetrics.RecordConflict(ctx, operation)
		return fmt.Errorf("%w: %s: %v", domain.ErrConcurrencyConflict, operation, err)
	}
	return err
}

func (s *Service) runLocked(ctx context.Context, owner ownerdomain.Ref, fn func(tx *gorm.DB) error) error {
	start := time.Now()
	release, err := s.locker.Acquire(ctx, owner.String())
	if err != nil {
		return err
	}
	defer release()
	s.schedulerMetrics.ObserveLockWait(obsmetrics.LockResourceOwner, time.Since(start))

	return s.db.WithContext(ctx).Transaction(fn)
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrConcurrencyConflict) ||
		errors.Is(err, lock.ErrLockTimeout) ||
		db.IsRetryable(err)
}

// lockBalance creates the owner's balance row on first use and locks it.
// The row lock orders every writer for the owner at the database level.
func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, owner ownerdomain.Ref, now time.Time) (*domain.CreditBalance, error) {
	if err := s.repo.EnsureBalance(ctx, tx, owner, now); err != nil {
		return nil, err
	}
	start := time.Now()
	balance, err := s.repo.LockBalance(ctx, tx, owner)
	if err != nil {
		return nil, err
	}
	s.schedulerMetrics.ObserveLockWait(obsmetrics.LockResourceCreditBalance, time.Since(start))
	if balance == nil {
		return nil, domain.ErrConcurrencyConflict
	}
	return balance, nil
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Service) logger(ctx context.Context, owner ownerdomain.Ref) *zap.Logger {
	return obslogger.WithOwner(obslogger.WithContext(ctx, s.log), string(owner.Type), owner.ID.String())
}

func ownerContext(ctx context.Context, owner ownerdomain.Ref) context.Context {
	return obscontext.WithOwner(ctx, string(owner.Type), owner.ID.String())
}

func ownerAttrs(owner ownerdomain.Ref) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("owner.type", string(owner.Type)),
		attribute.String("owner.id", owner.ID.String()),
	}
}

func normalizeFeatureKey(featureKey *string) (*string, error) {
	if featureKey == nil {
		return nil, nil
	}
	key := strings.TrimSpace(*featureKey)
	if key == "" {
		return nil, domain.ErrInvalidFeatureKey
	}
	return &key, nil
}

func normalizeRef(ref *string) *string {
	if ref == nil {
		return nil
	}
	value := strings.TrimSpace(*ref)
	if value == "" {
		return nil
	}
	return &value
}

func metadataMap(values map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range values {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
