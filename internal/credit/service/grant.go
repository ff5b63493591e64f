package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (*domain.GrantResult, error) {
	ctx = ownerContext(ctx, req.Owner)
	ctx, span := tracing.StartSpan(ctx, "credit.Grant", append(ownerAttrs(req.Owner),
		attribute.Int64("credit.amount", req.Amount),
		attribute.String("credit.source_type", string(req.SourceType)),
	)...)

	var result *domain.GrantResult
	err := s.WithOwner(ctx, req.Owner, "grant", func(tx *gorm.DB) error {
		res, err := s.GrantTx(ctx, tx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		s.obsMetrics.RecordGrant(ctx, string(req.SourceType), req.Amount)
	}
	return result, nil
}

// GrantTx creates the batch, its transaction row and the balance update in tx.
func (s *Service) GrantTx(ctx context.Context, tx *gorm.DB, req domain.GrantRequest) (*domain.GrantResult, error) {
	now := s.now()
	featureKey, sourceRef, err := s.validateGrant(req, now)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownerSvc.Resolve(ctx, tx, req.Owner); err != nil {
		return nil, err
	}

	if sourceRef != nil {
		if replay, err := s.replayGrant(ctx, tx, req, *sourceRef); err != nil || replay != nil {
			return replay, err
		}
	}

	balance, err := s.lockBalance(ctx, tx, req.Owner, now)
	if err != nil {
		return nil, err
	}

	batch := &domain.CreditBatch{
		ID:                s.genID.Generate(),
		OwnerType:         req.Owner.Type,
		OwnerID:           req.Owner.ID,
		FeatureKey:        featureKey,
		SourceType:        req.SourceType,
		SourceReferenceID: sourceRef,
		Description:       strings.TrimSpace(req.Description),
		OriginalAmount:    req.Amount,
		RemainingAmount:   req.Amount,
		GrantedAt:         now,
		ExpiresAt:         req.ExpiresAt.UTC(),
		CreatedAt:         now,
	}
	inserted, err := s.repo.InsertBatch(ctx, tx, batch)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// lost a race with an identical grant that committed first
		return nil, domain.ErrConcurrencyConflict
	}

	balance.AvailableCredits += req.Amount
	balance.TotalReceived += req.Amount
	balance.UpdatedAt = now

	txnType := domain.TransactionTypeGrant
	if req.SourceType == domain.SourceTypeRollover {
		txnType = domain.TransactionTypeRollover
	}
	var idemKey *string
	if sourceRef != nil {
		key := grantKey(req.SourceType, *sourceRef)
		idemKey = &key
	}
	batchID := batch.ID
	txn := &domain.CreditTransaction{
		ID:              s.genID.Generate(),
		OwnerType:       req.Owner.Type,
		OwnerID:         req.Owner.ID,
		Amount:          req.Amount,
		BalanceAfter:    balance.AvailableCredits,
		TransactionType: txnType,
		BatchID:         &batchID,
		IdempotencyKey:  idemKey,
		Description:     batch.Description,
		Metadata: metadataMap(mergeMetadata(req.Metadata, map[string]any{
			"source_type":         string(req.SourceType),
			"source_reference_id": derefString(sourceRef),
			"feature_key":         derefString(featureKey),
			"expires_at":          batch.ExpiresAt,
		})),
		CreatedAt: now,
	}
	if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := s.repo.SaveBalance(ctx, tx, balance); err != nil {
		return nil, err
	}

	s.logger(ctx, req.Owner).Info("credit.grant",
		zap.String("batch_id", batch.ID.String()),
		zap.String("source_type", string(req.SourceType)),
		zap.Int64("amount", req.Amount),
		zap.Int64("balance_after", balance.AvailableCredits),
		zap.Time("expires_at", batch.ExpiresAt),
	)

	return &domain.GrantResult{
		BatchID:       batch.ID,
		TransactionID: txn.ID,
		BalanceAfter:  balance.AvailableCredits,
	}, nil
}

func (s *Service) replayGrant(ctx context.Context, tx *gorm.DB, req domain.GrantRequest, sourceRef string) (*domain.GrantResult, error) {
	existing, err := s.repo.FindBatchBySource(ctx, tx, req.Owner, req.SourceType, sourceRef)
	if err != nil || existing == nil {
		return nil, err
	}
	result := &domain.GrantResult{BatchID: existing.ID, Replayed: true}
	txn, err := s.repo.FindTransactionByIdempotencyKey(ctx, tx, req.Owner, grantKey(req.SourceType, sourceRef))
	if err != nil {
		return nil, err
	}
	if txn != nil {
		result.TransactionID = txn.ID
	}
	balance, err := s.repo.GetBalance(ctx, tx, req.Owner)
	if err != nil {
		return nil, err
	}
	if balance != nil {
		result.BalanceAfter = balance.AvailableCredits
	}
	return result, nil
}

func (s *Service) validateGrant(req domain.GrantRequest, now time.Time) (*string, *string, error) {
	if err := req.Owner.Validate(); err != nil {
		return nil, nil, err
	}
	if req.Amount <= 0 {
		return nil, nil, domain.ErrInvalidAmount
	}
	if !req.SourceType.Valid() {
		return nil, nil, domain.ErrInvalidSourceType
	}
	if req.ExpiresAt.IsZero() || !req.ExpiresAt.After(now) {
		return nil, nil, domain.ErrInvalidExpiry
	}
	featureKey, err := normalizeFeatureKey(req.FeatureKey)
	if err != nil {
		return nil, nil, err
	}
	return featureKey, normalizeRef(req.SourceReferenceID), nil
}

func grantKey(sourceType domain.SourceType, sourceRef string) string {
	return "grant:" + string(sourceType) + ":" + sourceRef
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out[k] = v
	}
	return out
}
