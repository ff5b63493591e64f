package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/credit/domain"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsume_FIFOByExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)

	// granted out of expiry order on purpose
	late := h.grant(t, owner, 5, 72*time.Hour, nil)
	soonest := h.grant(t, owner, 5, 24*time.Hour, nil)
	middle := h.grant(t, owner, 5, 48*time.Hour, nil)

	res, err := h.svc.Consume(ctx, domain.ConsumeRequest{
		Owner:      owner,
		Amount:     7,
		ActionType: "assessment",
	})
	require.NoError(t, err)
	require.Len(t, res.BatchesDrawn, 2)
	assert.Equal(t, domain.Draw{BatchID: soonest.BatchID, Amount: 5}, res.BatchesDrawn[0])
	assert.Equal(t, domain.Draw{BatchID: middle.BatchID, Amount: 2}, res.BatchesDrawn[1])
	assert.Equal(t, int64(8), res.BalanceAfter)

	assert.Equal(t, int64(0), h.batch(t, soonest.BatchID).RemainingAmount)
	assert.Equal(t, int64(3), h.batch(t, middle.BatchID).RemainingAmount)
	assert.Equal(t, int64(5), h.batch(t, late.BatchID).RemainingAmount)

	b := h.balance(t, owner)
	assert.Equal(t, int64(8), b.AvailableCredits)
	assert.Equal(t, int64(7), b.TotalConsumed)
	assert.Equal(t, int64(15), b.TotalReceived)

	var entries []domain.ConsumptionLogEntry
	require.NoError(t, h.db.Where("transaction_id = ?", res.TransactionID).Order("id").Find(&entries).Error)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(5), entries[0].Quantity)
	assert.Equal(t, int64(2), entries[1].Quantity)

	var txn domain.CreditTransaction
	require.NoError(t, h.db.Where("id = ?", res.TransactionID).Take(&txn).Error)
	assert.Equal(t, int64(-7), txn.Amount)
	assert.Equal(t, b.AvailableCredits, txn.BalanceAfter)
	assert.Equal(t, domain.TransactionTypeConsume, txn.TransactionType)

	h.requireConserved(t, owner)
}

func TestConsume_AllOrNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)

	first := h.grant(t, owner, 5, time.Hour, nil)
	second := h.grant(t, owner, 5, 2*time.Hour, nil)

	_, err := h.svc.Consume(ctx, domain.ConsumeRequest{Owner: owner, Amount: 11, ActionType: "enrollment"})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)

	assert.Equal(t, int64(5), h.batch(t, first.BatchID).RemainingAmount)
	assert.Equal(t, int64(5), h.batch(t, second.BatchID).RemainingAmount)
	assert.Equal(t, int64(0), h.count(t, &domain.ConsumptionLogEntry{}))
	assert.Equal(t, int64(2), h.count(t, &domain.CreditTransaction{}))
	assert.Equal(t, int64(10), h.balance(t, owner).AvailableCredits)
}

func TestConsume_FeatureScoping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)

	h.grant(t, owner, 5, time.Hour, nil)
	h.grant(t, owner, 5, 2*time.Hour, strPtr("assessments"))
	other := h.grant(t, owner, 5, 3*time.Hour, strPtr("resources"))

	avail, err := h.svc.GetAvailable(ctx, owner, strPtr("assessments"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), avail.GeneralAvailable)
	assert.Equal(t, int64(5), avail.FeatureAvailable)
	assert.Equal(t, int64(10), avail.TotalAvailable)
	require.NotNil(t, avail.EarliestExpiry)
	assert.True(t, avail.EarliestExpiry.Equal(testStart.Add(time.Hour)))
	assert.Len(t, avail.Batches, 2)

	res, err := h.svc.Consume(ctx, domain.ConsumeRequest{
		Owner:      owner,
		Amount:     10,
		FeatureKey: strPtr("assessments"),
		ActionType: "assessment",
	})
	require.NoError(t, err)
	assert.Len(t, res.BatchesDrawn, 2)

	// 5 credits remain, but only for "resources"
	_, err = h.svc.Consume(ctx, domain.ConsumeRequest{Owner: owner, Amount: 1, ActionType: "generic"})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Equal(t, int64(5), h.balance(t, owner).AvailableCredits)

	general, err := h.svc.GetAvailable(ctx, owner, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), general.TotalAvailable)

	_, err = h.svc.Consume(ctx, domain.ConsumeRequest{
		Owner:      owner,
		Amount:     5,
		FeatureKey: strPtr("resources"),
		ActionType: "resource_unlock",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.batch(t, other.BatchID).RemainingAmount)
	h.requireConserved(t, owner)
}

func TestConsume_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)
	h.grant(t, owner, 10, time.Hour, nil)

	req := domain.ConsumeRequest{
		Owner:             owner,
		Amount:            3,
		ActionType:        "enrollment",
		ActionReferenceID: strPtr("enroll-42"),
	}
	first, err := h.svc.Consume(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := h.svc.Consume(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.BatchesDrawn, second.BatchesDrawn)
	assert.Equal(t, first.BalanceAfter, second.BalanceAfter)

	assert.Equal(t, int64(7), h.balance(t, owner).AvailableCredits)
	assert.Equal(t, int64(1), h.count(t, &domain.ConsumptionLogEntry{}))
}

func TestGrant_IdempotentBySourceReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)

	req := domain.GrantRequest{
		Owner:             owner,
		Amount:            25,
		SourceType:        domain.SourceTypePurchase,
		ExpiresAt:         testStart.AddDate(1, 0, 0),
		SourceReferenceID: strPtr("order-7"),
	}
	first, err := h.svc.Grant(ctx, req)
	require.NoError(t, err)
	second, err := h.svc.Grant(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.BatchID, second.BatchID)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, int64(1), h.count(t, &domain.CreditBatch{}))
	assert.Equal(t, int64(25), h.balance(t, owner).AvailableCredits)

	// the same reference under another source type is a different grant
	req.SourceType = domain.SourceTypePartner
	third, err := h.svc.Grant(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.Replayed)
	assert.Equal(t, int64(50), h.balance(t, owner).AvailableCredits)
}

func TestGrant_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)

	base := domain.GrantRequest{
		Owner:      owner,
		Amount:     10,
		SourceType: domain.SourceTypeManual,
		ExpiresAt:  testStart.Add(time.Hour),
	}

	req := base
	req.Amount = 0
	_, err := h.svc.Grant(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	req = base
	req.ExpiresAt = testStart
	_, err = h.svc.Grant(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidExpiry)

	req = base
	req.SourceType = "gift"
	_, err = h.svc.Grant(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidSourceType)

	req = base
	req.Owner = ownerdomain.Ref{Type: ownerdomain.TypeOrganization, ID: 99}
	_, err = h.svc.Grant(ctx, req)
	assert.ErrorIs(t, err, domain.ErrUnknownOwner)

	_, err = h.svc.Consume(ctx, domain.ConsumeRequest{Owner: owner, Amount: -1, ActionType: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	assert.Equal(t, int64(0), h.count(t, &domain.CreditBatch{}))
	assert.Equal(t, int64(0), h.count(t, &domain.CreditTransaction{}))
}

func TestConsume_ConcurrentNeverOverdraws(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)
	h.grant(t, owner, 12, time.Hour, nil)
	h.grant(t, owner, 8, 2*time.Hour, nil)

	const workers = 25
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Consume(ctx, domain.ConsumeRequest{Owner: owner, Amount: 1, ActionType: "unlock"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, domain.ErrInsufficientCredits):
				insufficient++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, succeeded)
	assert.Equal(t, 5, insufficient)

	b := h.balance(t, owner)
	assert.Equal(t, int64(0), b.AvailableCredits)
	assert.Equal(t, int64(20), b.TotalConsumed)

	var drawn int64
	require.NoError(t, h.db.Model(&domain.ConsumptionLogEntry{}).Select("COALESCE(SUM(quantity), 0)").Scan(&drawn).Error)
	assert.Equal(t, int64(20), drawn)
	h.requireConserved(t, owner)
}

func TestConsume_OwnersAreIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.owner(t)
	org := ownerdomain.Ref{Type: ownerdomain.TypeOrganization, ID: alice.ID}
	_, err := h.owners.Register(ctx, ownerdomain.RegisterRequest{Owner: org, PlanCode: "free"})
	require.NoError(t, err)

	h.grant(t, alice, 5, time.Hour, nil)
	h.grant(t, org, 50, time.Hour, nil)

	_, err = h.svc.Consume(ctx, domain.ConsumeRequest{Owner: alice, Amount: 6, ActionType: "x"})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	_, err = h.svc.Consume(ctx, domain.ConsumeRequest{Owner: org, Amount: 6, ActionType: "x"})
	require.NoError(t, err)

	assert.Equal(t, int64(5), h.balance(t, alice).AvailableCredits)
	assert.Equal(t, int64(44), h.balance(t, org).AvailableCredits)
}
