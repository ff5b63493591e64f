package service

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/observability/tracing"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sweepJob = "credit_expiry_sweep"

// Sweep forfeits the remaining amount of every batch whose expiry has
// passed. Each owner is processed in its own unit so one failure does not
// stop the rest; a second run over the same instant changes nothing.
func (s *Service) Sweep(ctx context.Context) (*domain.SweepResult, error) {
	ctx, span := tracing.StartSpan(ctx, "credit.Sweep")
	now := s.now()

	owners, err := s.repo.ListOwnersWithExpirable(ctx, s.db, now)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}

	result := &domain.SweepResult{}
	var errs []error
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		expired, forfeited, voided, err := s.sweepOwner(ctx, owner)
		if err != nil {
			result.OwnersFailed++
			s.schedulerMetrics.IncOwnerFailed(sweepJob)
			s.logger(ctx, owner).Warn("credit.sweep.owner_failed", zap.Error(err))
			errs = append(errs, err)
			continue
		}
		result.OwnersProcessed++
		result.ExpiredCount += expired
		result.CreditsForfeited += forfeited
		result.ReservationsVoided += voided
	}

	s.schedulerMetrics.AddProcessed(sweepJob, "credit_batch", result.ExpiredCount)
	s.schedulerMetrics.AddCredits(sweepJob, result.CreditsForfeited)
	span.SetAttributes(
		attribute.Int("scheduler.processed", result.ExpiredCount),
		attribute.Int64("credit.amount", result.CreditsForfeited),
	)
	err = errors.Join(errs...)
	tracing.EndSpan(span, err)

	if result.ExpiredCount > 0 || result.OwnersFailed > 0 {
		s.log.Info("credit.sweep",
			zap.Int("expired_batches", result.ExpiredCount),
			zap.Int64("credits_forfeited", result.CreditsForfeited),
			zap.Int("reservations_voided", result.ReservationsVoided),
			zap.Int("owners_processed", result.OwnersProcessed),
			zap.Int("owners_failed", result.OwnersFailed),
		)
	}
	return result, err
}

func (s *Service) sweepOwner(ctx context.Context, owner ownerdomain.Ref) (int, int64, int, error) {
	ctx = ownerContext(ctx, owner)
	var (
		expired   int
		forfeited int64
		voided    int
	)
	err := s.WithOwner(ctx, owner, "sweep", func(tx *gorm.DB) error {
		expired, forfeited, voided = 0, 0, 0
		now := s.now()
		balance, err := s.lockBalance(ctx, tx, owner, now)
		if err != nil {
			return err
		}
		batches, err := s.repo.LockExpirableBatches(ctx, tx, owner, now)
		if err != nil {
			return err
		}

		var lapsed []*domain.CreditBatch
		for _, batch := range batches {
			marked, err := s.repo.MarkBatchExpired(ctx, tx, batch.ID, now)
			if err != nil {
				return err
			}
			if !marked {
				continue
			}
			expired++
			if batch.RemainingAmount > 0 {
				lapsed = append(lapsed, batch)
				forfeited += batch.RemainingAmount
			}
		}
		balance.AvailableCredits -= forfeited
		balance.TotalExpired += forfeited

		// Held credit may have come out of the batches that just expired.
		if forfeited > 0 {
			if voided, err = s.voidUncoveredHolds(ctx, tx, balance, owner, now); err != nil {
				return err
			}
		}

		// the last row carries the balance the owner is left with
		running := balance.AvailableCredits + forfeited
		for _, batch := range lapsed {
			running -= batch.RemainingAmount
			batchID := batch.ID
			txn := &domain.CreditTransaction{
				ID:              s.genID.Generate(),
				OwnerType:       owner.Type,
				OwnerID:         owner.ID,
				Amount:          -batch.RemainingAmount,
				BalanceAfter:    running,
				TransactionType: domain.TransactionTypeExpiry,
				BatchID:         &batchID,
				Description:     "batch expired",
				Metadata: metadataMap(mergeMetadata(nil, map[string]any{
					"source_type": string(batch.SourceType),
					"feature_key": derefString(batch.FeatureKey),
					"expires_at":  batch.ExpiresAt,
				})),
				CreatedAt: now,
			}
			if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
				return err
			}
		}

		if expired == 0 && voided == 0 {
			return nil
		}
		balance.UpdatedAt = now
		return s.repo.SaveBalance(ctx, tx, balance)
	})
	if err != nil {
		return 0, 0, 0, err
	}
	if forfeited > 0 {
		s.obsMetrics.RecordExpired(ctx, forfeited)
		s.logger(ctx, owner).Info("credit.expire",
			zap.Int("batches", expired),
			zap.Int64("amount", forfeited),
			zap.Int("reservations_voided", voided),
		)
	}
	for i := 0; i < voided; i++ {
		s.obsMetrics.RecordReservation(ctx, string(domain.ReservationStatusExpired))
	}
	return expired, forfeited, voided, nil
}

// voidUncoveredHolds expires open holds, newest first, until the remaining
// batches can cover the rest and the balance is no longer negative.
func (s *Service) voidUncoveredHolds(ctx context.Context, tx *gorm.DB, balance *domain.CreditBalance, owner ownerdomain.Ref, now time.Time) (int, error) {
	held, err := s.repo.LockHeldReservations(ctx, tx, owner)
	if err != nil || len(held) == 0 {
		return 0, err
	}
	active, err := s.repo.ListActiveBatches(ctx, tx, owner, now)
	if err != nil {
		return 0, err
	}
	voided := 0
	for len(held) > 0 && (balance.AvailableCredits < 0 || !domain.Covers(active, domain.HoldsOf(held, 0))) {
		if err := s.releaseHold(ctx, tx, balance, held[0], domain.ReservationStatusExpired, now); err != nil {
			return voided, err
		}
		held = held[1:]
		voided++
	}
	return voided, nil
}

// ExpireReservations returns held credit whose reservation outlived its TTL.
func (s *Service) ExpireReservations(ctx context.Context) (*domain.ExpireReservationsResult, error) {
	ctx, span := tracing.StartSpan(ctx, "credit.ExpireReservations")
	now := s.now()

	owners, err := s.repo.ListOwnersWithExpiredHolds(ctx, s.db, now)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}

	result := &domain.ExpireReservationsResult{}
	var errs []error
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ownerCtx := ownerContext(ctx, owner)
		var (
			count    int
			released int64
		)
		err := s.WithOwner(ownerCtx, owner, "expire_reservations", func(tx *gorm.DB) error {
			count, released = 0, 0
			now := s.now()
			balance, err := s.lockBalance(ownerCtx, tx, owner, now)
			if err != nil {
				return err
			}
			holds, err := s.repo.LockExpiredHolds(ownerCtx, tx, owner, now)
			if err != nil {
				return err
			}
			if len(holds) == 0 {
				return nil
			}
			for _, hold := range holds {
				if err := s.releaseHold(ownerCtx, tx, balance, hold, domain.ReservationStatusExpired, now); err != nil {
					return err
				}
				count++
				released += hold.Amount
			}
			return s.repo.SaveBalance(ownerCtx, tx, balance)
		})
		if err != nil {
			result.OwnersFailed++
			s.schedulerMetrics.IncOwnerFailed("reservation_expiry")
			s.logger(ownerCtx, owner).Warn("credit.reservation_expiry.owner_failed", zap.Error(err))
			errs = append(errs, err)
			continue
		}
		result.Expired += count
		result.CreditsReleased += released
		for i := 0; i < count; i++ {
			s.obsMetrics.RecordReservation(ownerCtx, string(domain.ReservationStatusExpired))
		}
	}

	s.schedulerMetrics.AddProcessed("reservation_expiry", "credit_reservation", result.Expired)
	s.schedulerMetrics.AddCredits("reservation_expiry", result.CreditsReleased)
	span.SetAttributes(attribute.Int("scheduler.processed", result.Expired))
	err = errors.Join(errs...)
	tracing.EndSpan(span, err)
	return result, err
}
