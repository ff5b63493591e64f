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

func (s *Service) Consume(ctx context.Context, req domain.ConsumeRequest) (*domain.ConsumeResult, error) {
	req, err := validateConsume(req)
	if err != nil {
		return nil, err
	}

	ctx = ownerContext(ctx, req.Owner)
	ctx, span := tracing.StartSpan(ctx, "credit.Consume", append(ownerAttrs(req.Owner),
		attribute.Int64("credit.amount", req.Amount),
		attribute.String("credit.action_type", req.ActionType),
		attribute.String("credit.feature_key", derefString(req.FeatureKey)),
	)...)

	var result *domain.ConsumeResult
	err = s.WithOwner(ctx, req.Owner, "consume", func(tx *gorm.DB) error {
		if _, err := s.ownerSvc.Resolve(ctx, tx, req.Owner); err != nil {
			return err
		}
		now := s.now()
		if replay, err := s.replayConsume(ctx, tx, req); err != nil || replay != nil {
			result = replay
			return err
		}
		balance, err := s.lockBalance(ctx, tx, req.Owner, now)
		if err != nil {
			return err
		}
		res, err := s.drawTx(ctx, tx, balance, req, now, 0, nil)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if result != nil {
		span.SetAttributes(attribute.Int("credit.batches", len(result.BatchesDrawn)))
	}
	tracing.EndSpan(span, ignoreBusiness(err))
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			s.obsMetrics.RecordInsufficient(ctx, req.ActionType)
		}
		return nil, err
	}
	if !result.Replayed {
		s.obsMetrics.RecordConsumption(ctx, req.ActionType, req.Amount)
	}
	return result, nil
}

// drawTx performs the FIFO draw against a locked balance, leaving every
// open hold except skipHold coverable. Nothing is written unless the full
// amount can be covered.
func (s *Service) drawTx(
	ctx context.Context,
	tx *gorm.DB,
	balance *domain.CreditBalance,
	req domain.ConsumeRequest,
	now time.Time,
	skipHold snowflake.ID,
	extra map[string]any,
) (*domain.ConsumeResult, error) {
	if balance.AvailableCredits < req.Amount {
		return nil, domain.ErrInsufficientCredits
	}

	batches, err := s.repo.LockEligibleBatches(ctx, tx, req.Owner, req.FeatureKey, now)
	if err != nil {
		return nil, err
	}
	held, err := s.repo.LockHeldReservations(ctx, tx, req.Owner)
	if err != nil {
		return nil, err
	}
	holds := domain.HoldsOf(held, skipHold)
	var active []*domain.CreditBatch
	if len(holds) > 0 {
		if active, err = s.repo.ListActiveBatches(ctx, tx, req.Owner, now); err != nil {
			return nil, err
		}
	}
	draws, err := domain.PlanDrawsAround(batches, active, holds, req.FeatureKey, req.Amount)
	if err != nil {
		return nil, err
	}

	txnID := s.genID.Generate()
	entries := make([]*domain.ConsumptionLogEntry, 0, len(draws))
	for _, draw := range draws {
		if err := s.repo.DecrementBatch(ctx, tx, draw.BatchID, draw.Amount); err != nil {
			return nil, err
		}
		entries = append(entries, &domain.ConsumptionLogEntry{
			ID:                s.genID.Generate(),
			OwnerType:         req.Owner.Type,
			OwnerID:           req.Owner.ID,
			TransactionID:     txnID,
			BatchID:           draw.BatchID,
			FeatureKey:        req.FeatureKey,
			ActionType:        req.ActionType,
			ActionReferenceID: req.ActionReferenceID,
			Quantity:          draw.Amount,
			ConsumedAt:        now,
		})
	}

	balance.AvailableCredits -= req.Amount
	balance.TotalConsumed += req.Amount
	balance.UpdatedAt = now

	var idemKey *string
	if req.ActionReferenceID != nil {
		key := consumeKey(req.ActionType, *req.ActionReferenceID)
		idemKey = &key
	}
	txn := &domain.CreditTransaction{
		ID:              txnID,
		OwnerType:       req.Owner.Type,
		OwnerID:         req.Owner.ID,
		Amount:          -req.Amount,
		BalanceAfter:    balance.AvailableCredits,
		TransactionType: domain.TransactionTypeConsume,
		IdempotencyKey:  idemKey,
		Description:     req.Description,
		Metadata: metadataMap(mergeMetadata(extra, map[string]any{
			"action_type":         req.ActionType,
			"action_reference_id": derefString(req.ActionReferenceID),
			"feature_key":         derefString(req.FeatureKey),
			"batches_drawn":       len(draws),
		})),
		CreatedAt: now,
	}
	if len(draws) == 1 {
		batchID := draws[0].BatchID
		txn.BatchID = &batchID
	}
	if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := s.repo.InsertConsumption(ctx, tx, entries); err != nil {
		return nil, err
	}
	if err := s.repo.SaveBalance(ctx, tx, balance); err != nil {
		return nil, err
	}

	s.logger(ctx, req.Owner).Info("credit.consume",
		zap.String("transaction_id", txnID.String()),
		zap.String("action_type", req.ActionType),
		zap.Int64("amount", req.Amount),
		zap.Int("batches_drawn", len(draws)),
		zap.Int64("balance_after", balance.AvailableCredits),
	)

	return &domain.ConsumeResult{
		BatchesDrawn:  draws,
		TransactionID: txnID,
		BalanceAfter:  balance.AvailableCredits,
	}, nil
}

// replayConsume returns the original result when the action was already applied.
func (s *Service) replayConsume(ctx context.Context, tx *gorm.DB, req domain.ConsumeRequest) (*domain.ConsumeResult, error) {
	if req.ActionReferenceID == nil {
		return nil, nil
	}
	txn, err := s.repo.FindTransactionByIdempotencyKey(ctx, tx, req.Owner, consumeKey(req.ActionType, *req.ActionReferenceID))
	if err != nil || txn == nil {
		return nil, err
	}
	entries, err := s.repo.ListConsumptionByTransaction(ctx, tx, txn.ID)
	if err != nil {
		return nil, err
	}
	draws := make([]domain.Draw, 0, len(entries))
	for _, entry := range entries {
		draws = append(draws, domain.Draw{BatchID: entry.BatchID, Amount: entry.Quantity})
	}
	return &domain.ConsumeResult{
		BatchesDrawn:  draws,
		TransactionID: txn.ID,
		BalanceAfter:  txn.BalanceAfter,
		Replayed:      true,
	}, nil
}

func validateConsume(req domain.ConsumeRequest) (domain.ConsumeRequest, error) {
	if err := req.Owner.Validate(); err != nil {
		return req, err
	}
	if req.Amount <= 0 {
		return req, domain.ErrInvalidAmount
	}
	req.ActionType = strings.TrimSpace(req.ActionType)
	if req.ActionType == "" {
		return req, domain.ErrInvalidActionType
	}
	featureKey, err := normalizeFeatureKey(req.FeatureKey)
	if err != nil {
		return req, err
	}
	req.FeatureKey = featureKey
	req.ActionReferenceID = normalizeRef(req.ActionReferenceID)
	req.Description = strings.TrimSpace(req.Description)
	return req, nil
}

func consumeKey(actionType, actionRef string) string {
	return "consume:" + actionType + ":" + actionRef
}

// ignoreBusiness keeps expected outcomes from marking spans as errors.
func ignoreBusiness(err error) error {
	if errors.Is(err, domain.ErrInsufficientCredits) || errors.Is(err, domain.ErrReservationInvalid) {
		return nil
	}
	return err
}
