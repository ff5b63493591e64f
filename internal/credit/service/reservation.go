package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) Reserve(ctx context.Context, req domain.ReserveRequest) (*domain.Reservation, error) {
	if err := req.Owner.Validate(); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.reservationTTL
	}
	if ttl < 0 || ttl > s.maxTTL {
		return nil, domain.ErrInvalidTTL
	}
	featureKey, err := normalizeFeatureKey(req.FeatureKey)
	if err != nil {
		return nil, err
	}
	actionType := strings.TrimSpace(req.ActionType)
	actionRef := normalizeRef(req.ActionReferenceID)

	ctx = ownerContext(ctx, req.Owner)
	ctx, span := tracing.StartSpan(ctx, "credit.Reserve", append(ownerAttrs(req.Owner),
		attribute.Int64("credit.amount", req.Amount),
	)...)

	var reservation *domain.Reservation
	err = s.WithOwner(ctx, req.Owner, "reserve", func(tx *gorm.DB) error {
		if _, err := s.ownerSvc.Resolve(ctx, tx, req.Owner); err != nil {
			return err
		}
		if actionRef != nil {
			existing, err := s.repo.FindReservationByAction(ctx, tx, req.Owner, actionType, *actionRef)
			if err != nil {
				return err
			}
			if existing != nil && (existing.Status == domain.ReservationStatusHeld || existing.Status == domain.ReservationStatusCommitted) {
				reservation = existing
				return nil
			}
		}

		now := s.now()
		balance, err := s.lockBalance(ctx, tx, req.Owner, now)
		if err != nil {
			return err
		}
		if balance.AvailableCredits < req.Amount {
			return domain.ErrInsufficientCredits
		}
		active, err := s.repo.ListActiveBatches(ctx, tx, req.Owner, now)
		if err != nil {
			return err
		}
		held, err := s.repo.LockHeldReservations(ctx, tx, req.Owner)
		if err != nil {
			return err
		}
		// other holds on the same pools come first
		if domain.Headroom(active, domain.HoldsOf(held, 0), featureKey) < req.Amount {
			return domain.ErrInsufficientCredits
		}

		r := &domain.Reservation{
			ID:                s.genID.Generate(),
			OwnerType:         req.Owner.Type,
			OwnerID:           req.Owner.ID,
			Amount:            req.Amount,
			FeatureKey:        featureKey,
			ActionType:        actionType,
			ActionReferenceID: actionRef,
			Status:            domain.ReservationStatusHeld,
			ExpiresAt:         now.Add(ttl),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.repo.InsertReservation(ctx, tx, r); err != nil {
			return err
		}
		balance.ReservedCredits += req.Amount
		balance.AvailableCredits -= req.Amount
		balance.UpdatedAt = now
		if err := s.repo.SaveBalance(ctx, tx, balance); err != nil {
			return err
		}

		s.logger(ctx, req.Owner).Info("credit.reserve",
			zap.String("reservation_id", r.ID.String()),
			zap.Int64("amount", r.Amount),
			zap.Time("expires_at", r.ExpiresAt),
		)
		reservation = r
		return nil
	})
	tracing.EndSpan(span, ignoreBusiness(err))
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			s.obsMetrics.RecordInsufficient(ctx, actionType)
		}
		return nil, err
	}
	s.obsMetrics.RecordReservation(ctx, string(reservation.Status))
	return reservation, nil
}

// Release returns held credit to the available pool. Releasing twice is a no-op.
func (s *Service) Release(ctx context.Context, reservationID snowflake.ID) (*domain.Reservation, error) {
	current, err := s.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	owner := current.Owner()
	ctx = ownerContext(ctx, owner)
	ctx, span := tracing.StartSpan(ctx, "credit.Release", append(ownerAttrs(owner),
		attribute.String("credit.reservation_id", reservationID.String()),
	)...)

	var released *domain.Reservation
	err = s.WithOwner(ctx, owner, "release", func(tx *gorm.DB) error {
		now := s.now()
		balance, err := s.lockBalance(ctx, tx, owner, now)
		if err != nil {
			return err
		}
		r, err := s.repo.LockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if r == nil {
			return domain.ErrReservationNotFound
		}
		switch r.Status {
		case domain.ReservationStatusReleased:
			released = r
			return nil
		case domain.ReservationStatusHeld:
		default:
			return domain.ErrReservationInvalid
		}
		if err := s.releaseHold(ctx, tx, balance, r, domain.ReservationStatusReleased, now); err != nil {
			return err
		}
		if err := s.repo.SaveBalance(ctx, tx, balance); err != nil {
			return err
		}
		s.logger(ctx, owner).Info("credit.release",
			zap.String("reservation_id", r.ID.String()),
			zap.Int64("amount", r.Amount),
		)
		released = r
		return nil
	})
	tracing.EndSpan(span, ignoreBusiness(err))
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordReservation(ctx, string(released.Status))
	return released, nil
}

// Commit draws the reserved amount FIFO and closes the hold in one unit.
// Committing again returns the original result.
func (s *Service) Commit(ctx context.Context, reservationID snowflake.ID) (*domain.ConsumeResult, error) {
	current, err := s.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	owner := current.Owner()
	ctx = ownerContext(ctx, owner)
	ctx, span := tracing.StartSpan(ctx, "credit.Commit", append(ownerAttrs(owner),
		attribute.String("credit.reservation_id", reservationID.String()),
		attribute.Int64("credit.amount", current.Amount),
	)...)

	var (
		result  *domain.ConsumeResult
		expired bool
	)
	err = s.WithOwner(ctx, owner, "commit", func(tx *gorm.DB) error {
		expired = false
		now := s.now()
		balance, err := s.lockBalance(ctx, tx, owner, now)
		if err != nil {
			return err
		}
		r, err := s.repo.LockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if r == nil {
			return domain.ErrReservationNotFound
		}

		switch r.Status {
		case domain.ReservationStatusCommitted:
			res, err := s.committedResult(ctx, tx, r)
			if err != nil {
				return err
			}
			result = res
			return nil
		case domain.ReservationStatusHeld:
		default:
			return domain.ErrReservationInvalid
		}

		if !now.Before(r.ExpiresAt) {
			// close the stale hold now; the caller still gets ReservationInvalid
			if err := s.releaseHold(ctx, tx, balance, r, domain.ReservationStatusExpired, now); err != nil {
				return err
			}
			expired = true
			return s.repo.SaveBalance(ctx, tx, balance)
		}

		balance.ReservedCredits -= r.Amount
		balance.AvailableCredits += r.Amount

		req := domain.ConsumeRequest{
			Owner:             owner,
			Amount:            r.Amount,
			FeatureKey:        r.FeatureKey,
			ActionType:        r.ActionType,
			ActionReferenceID: r.ActionReferenceID,
			Description:       "reservation " + r.ID.String(),
		}
		if req.ActionType == "" {
			req.ActionType = "reservation"
		}

		res, err := s.replayConsume(ctx, tx, req)
		if err != nil {
			return err
		}
		if res != nil {
			if err := s.repo.SaveBalance(ctx, tx, balance); err != nil {
				return err
			}
		} else {
			res, err = s.drawTx(ctx, tx, balance, req, now, r.ID, map[string]any{
				"reservation_id": r.ID.String(),
			})
			if err != nil {
				return err
			}
		}

		txnID := res.TransactionID
		ok, err := s.repo.UpdateReservationStatus(ctx, tx, r.ID, domain.ReservationStatusHeld, domain.ReservationStatusCommitted, &txnID, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConcurrencyConflict
		}
		result = res
		return nil
	})
	if err == nil && expired {
		err = domain.ErrReservationInvalid
		s.obsMetrics.RecordReservation(ctx, string(domain.ReservationStatusExpired))
	}
	tracing.EndSpan(span, ignoreBusiness(err))
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			s.obsMetrics.RecordInsufficient(ctx, current.ActionType)
		}
		return nil, err
	}
	if !result.Replayed {
		s.obsMetrics.RecordReservation(ctx, string(domain.ReservationStatusCommitted))
		s.obsMetrics.RecordConsumption(ctx, current.ActionType, current.Amount)
	}
	return result, nil
}

func (s *Service) GetReservation(ctx context.Context, reservationID snowflake.ID) (*domain.Reservation, error) {
	if reservationID == 0 {
		return nil, domain.ErrReservationNotFound
	}
	r, err := s.repo.GetReservation(ctx, s.db, reservationID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, domain.ErrReservationNotFound
	}
	return r, nil
}

// releaseHold moves a held reservation to status and returns its amount to
// the available pool on the in-memory balance. Callers save the balance.
func (s *Service) releaseHold(ctx context.Context, tx *gorm.DB, balance *domain.CreditBalance, r *domain.Reservation, status domain.ReservationStatus, now time.Time) error {
	ok, err := s.repo.UpdateReservationStatus(ctx, tx, r.ID, domain.ReservationStatusHeld, status, nil, now)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrConcurrencyConflict
	}
	balance.ReservedCredits -= r.Amount
	balance.AvailableCredits += r.Amount
	balance.UpdatedAt = now
	r.Status = status
	r.UpdatedAt = now
	return nil
}

func (s *Service) committedResult(ctx context.Context, tx *gorm.DB, r *domain.Reservation) (*domain.ConsumeResult, error) {
	result := &domain.ConsumeResult{Replayed: true}
	if r.TransactionID == nil {
		return result, nil
	}
	result.TransactionID = *r.TransactionID
	entries, err := s.repo.ListConsumptionByTransaction(ctx, tx, *r.TransactionID)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		result.BatchesDrawn = append(result.BatchesDrawn, domain.Draw{BatchID: entry.BatchID, Amount: entry.Quantity})
	}
	var txn domain.CreditTransaction
	if err := tx.WithContext(ctx).Where("id = ?", *r.TransactionID).Take(&txn).Error; err != nil {
		return nil, err
	}
	result.BalanceAfter = txn.BalanceAfter
	return result, nil
}
