package service

import (
	"context"

	"github.com/smallbiznis/creditledger/internal/credit/domain"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GetAvailable reports what the owner could spend right now. With a
// feature key, batches scoped to that feature count alongside general ones.
// TotalAvailable leaves out whatever open holds still need from those pools.
func (s *Service) GetAvailable(ctx context.Context, owner ownerdomain.Ref, featureKey *string) (*domain.Available, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	featureKey, err := normalizeFeatureKey(featureKey)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownerSvc.Resolve(ctx, s.db, owner); err != nil {
		return nil, err
	}

	now := s.now()
	batches, err := s.repo.ListActiveBatches(ctx, s.db, owner, now)
	if err != nil {
		return nil, err
	}
	held, err := s.repo.ListHeldReservations(ctx, s.db, owner)
	if err != nil {
		return nil, err
	}

	out := &domain.Available{Batches: []domain.CreditBatch{}}
	holds := domain.HoldsOf(held, 0)
	for _, hold := range holds {
		out.Reserved += hold.Amount
	}
	out.TotalAvailable = domain.Headroom(batches, holds, featureKey)
	domain.SortFIFO(batches)
	for _, batch := range batches {
		if !domain.Eligible(batch, featureKey) {
			continue
		}
		if batch.FeatureKey == nil {
			out.GeneralAvailable += batch.RemainingAmount
		} else {
			out.FeatureAvailable += batch.RemainingAmount
		}
		if out.EarliestExpiry == nil {
			expiresAt := batch.ExpiresAt
			out.EarliestExpiry = &expiresAt
		}
		out.Batches = append(out.Batches, *batch)
	}
	return out, nil
}

func (s *Service) GetBalance(ctx context.Context, owner ownerdomain.Ref) (*domain.CreditBalance, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.ownerSvc.Resolve(ctx, s.db, owner); err != nil {
		return nil, err
	}
	balance, err := s.repo.GetBalance(ctx, s.db, owner)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return &domain.CreditBalance{OwnerType: owner.Type, OwnerID: owner.ID}, nil
	}
	return balance, nil
}

// Reconcile recomputes the owner's balance from batches, holds and the
// transaction log, and compares it with the cached aggregate.
func (s *Service) Reconcile(ctx context.Context, owner ownerdomain.Ref, repair bool) (*domain.ReconcileResult, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	ctx = ownerContext(ctx, owner)

	var result *domain.ReconcileResult
	err := s.WithOwner(ctx, owner, "reconcile", func(tx *gorm.DB) error {
		if _, err := s.ownerSvc.Resolve(ctx, tx, owner); err != nil {
			return err
		}
		now := s.now()
		balance, err := s.lockBalance(ctx, tx, owner, now)
		if err != nil {
			return err
		}

		computed, err := s.repo.SumBatches(ctx, tx, owner)
		if err != nil {
			return err
		}
		if computed.Reserved, err = s.repo.SumHeld(ctx, tx, owner); err != nil {
			return err
		}
		if computed.TransactionSum, err = s.repo.SumTransactions(ctx, tx, owner); err != nil {
			return err
		}
		computed.Available = computed.TotalReceived - computed.TotalConsumed - computed.TotalExpired - computed.Reserved

		cached := domain.Totals{
			Available:      balance.AvailableCredits,
			Reserved:       balance.ReservedCredits,
			TotalReceived:  balance.TotalReceived,
			TotalConsumed:  balance.TotalConsumed,
			TotalExpired:   balance.TotalExpired,
			TransactionSum: balance.AvailableCredits + balance.ReservedCredits,
		}

		result = &domain.ReconcileResult{
			Owner:    owner,
			Cached:   cached,
			Computed: computed,
			Drift:    cached != computed,
		}
		if !result.Drift {
			return nil
		}

		s.logger(ctx, owner).Warn("credit.reconcile.drift",
			zap.Int64("cached_available", cached.Available),
			zap.Int64("computed_available", computed.Available),
			zap.Int64("cached_reserved", cached.Reserved),
			zap.Int64("computed_reserved", computed.Reserved),
			zap.Int64("transaction_sum", computed.TransactionSum),
			zap.Bool("repair", repair),
		)
		if !repair {
			return nil
		}

		balance.AvailableCredits = computed.Available
		balance.ReservedCredits = computed.Reserved
		balance.TotalReceived = computed.TotalReceived
		balance.TotalConsumed = computed.TotalConsumed
		balance.TotalExpired = computed.TotalExpired
		balance.UpdatedAt = now
		if err := s.repo.SaveBalance(ctx, tx, balance); err != nil {
			return err
		}
		result.Repaired = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListTransactions pages through the owner's transaction log, newest first.
func (s *Service) ListTransactions(ctx context.Context, req domain.ListTransactionsRequest) (*domain.ListTransactionsResult, error) {
	if err := req.Owner.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.ownerSvc.Resolve(ctx, s.db, req.Owner); err != nil {
		return nil, err
	}

	after, err := pagination.ParseToken(req.PageToken)
	if err != nil {
		return nil, domain.ErrInvalidPageToken
	}
	limit := req.Limit()

	txns, err := s.repo.ListTransactions(ctx, s.db, req.Owner, after, limit)
	if err != nil {
		return nil, err
	}
	txns, pageInfo := pagination.Trim(txns, limit, func(t *domain.CreditTransaction) pagination.Cursor {
		return pagination.Cursor{ID: t.ID.Int64(), CreatedAt: t.CreatedAt.UTC()}
	})
	if txns == nil {
		txns = []*domain.CreditTransaction{}
	}
	return &domain.ListTransactionsResult{Transactions: txns, PageInfo: pageInfo}, nil
}
