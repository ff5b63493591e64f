package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserve_ReleaseRestoresAvailability(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)
	h.grant(t, owner, 10, time.Hour, nil)

	r, err := h.svc.Reserve(ctx, domain.ReserveRequest{Owner: owner, Amount: 4})
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusHeld, r.Status)
	assert.True(t, r.ExpiresAt.Equal(testStart.Add(defaultReservationTTL)))

	b := h.balance(t, owner)
	assert.Equal(t, int64(6), b.AvailableCredits)
	assert.Equal(t, int64(4), b.ReservedCredits)
	h.requireConserved(t, owner)

	// held credit is not spendable
	_, err = h.svc.Consume(ctx, domain.ConsumeRequest{Owner: owner, Amount: 7, ActionType: "x"})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)

	released, err := h.svc.Release(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusReleased, released.Status)

	b = h.balance(t, owner)
	assert.Equal(t, int64(10), b.AvailableCredits)
	assert.Equal(t, int64(0), b.ReservedCredits)

	_, err = h.svc.Release(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.balance(t, owner).AvailableCredits)

	_, err = h.svc.Commit(ctx, r.ID)
	require.ErrorIs(t, err, domain.ErrReservationInvalid)
	h.requireConserved(t, owner)
}

func TestReserve_CommitMatchesDirectConsume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reserved := h.owner(t)
	direct := h.owner(t)
	h.grant(t, reserved, 5, time.Hour, nil)
	h.grant(t, reserved, 5, 2*time.Hour, nil)
	h.grant(t, direct, 5, time.Hour, nil)
	h.grant(t, direct, 5, 2*time.Hour, nil)

	r, err := h.svc.Reserve(ctx, domain.ReserveRequest{Owner: reserved, Amount: 7, ActionType: "enrollment"})
	require.NoError(t, err)
	committed, err := h.svc.Commit(ctx, r.ID)
	require.NoError(t, err)

	consumed, err := h.svc.Consume(ctx, domain.ConsumeRequest{Owner: direct, Amount: 7, ActionType: "enrollment"})
	require.NoError(t, err)

	require.Len(t, committed.BatchesDrawn, len(consumed.BatchesDrawn))
	for i := range consumed.BatchesDrawn {
		assert.Equal(t, consumed.BatchesDrawn[i].Amount, committed.BatchesDrawn[i].Amount)
	}
	assert.Equal(t, consumed.BalanceAfter, committed.BalanceAfter)

	rb, drb := h.balance(t, reserved), h.balance(t, direct)
	assert.Equal(t, drb.AvailableCredits, rb.AvailableCredits)
	assert.Equal(t, drb.TotalConsumed, rb.TotalConsumed)
	assert.Equal(t, int64(0), rb.ReservedCredits)

	got, err := h.svc.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusCommitted, got.Status)
	require.NotNil(t, got.TransactionID)
	assert.Equal(t, committed.TransactionID, *got.TransactionID)

	again, err := h.svc.Commit(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, committed.TransactionID, again.TransactionID)
	assert.Equal(t, committed.BatchesDrawn, again.BatchesDrawn)
	assert.Equal(t, int64(3), h.balance(t, reserved).AvailableCredits)

	_, err = h.svc.Release(ctx, r.ID)
	require.ErrorIs(t, err, domain.ErrReservationInvalid)
	h.requireConserved(t, reserved)
}

func TestReserve_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)
	h.grant(t, owner, 10, time.Hour, nil)

	_, err := h.svc.Reserve(ctx, domain.ReserveRequest{Owner: owner, Amount: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = h.svc.Reserve(ctx, domain.ReserveRequest{Owner: owner, Amount: 1, TTL: -time.Second})
	assert.ErrorIs(t, err, domain.ErrInvalidTTL)
	_, err = h.svc.Reserve(ctx, domain.ReserveRequest{Owner: owner, Amount: 1, TTL: 48 * time.Hour})
	assert.ErrorIs(t, err, domain.ErrInvalidTTL)
	_, err = h.svc.Reserve(ctx, domain.ReserveRequest{Owner: owner, Amount: 11})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	_, err = h.svc.Commit(ctx, 12345)
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
	_, err = h.svc.Release(ctx, 12345)
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)

	assert.Equal(t, int64(0), h.count(t, &domain.Reservation{}))
	assert.Equal(t, int64(10), h.balance(t, owner).AvailableCredits)
}

func TestReserve_IdempotentByAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)
	h.grant(t, owner, 10, time.Hour, nil)

	req := domain.ReserveRequest{Owner: owner, Amount: 3, ActionType: "wizard", ActionReferenceID: strPtr("session-1")}
	first, err := h.svc.Reserve(ctx, req)
	require.NoError(t, err)
	second, err := h.svc.Reserve(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(3), h.balance(t, owner).ReservedCredits)
	assert.Equal(t, int64(1), h.count(t, &domain.Reservation{}))
}

func TestCommit_ExpiredReservationIsInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)
	h.grant(t, owner, 10, time.Hour, nil)

	r, err := h.svc.Reserve(ctx, domain.ReserveRequest{Owner: owner, Amount: 4, TTL: time.Minute})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	_, err = h.svc.Commit(ctx, r.ID)
	require.ErrorIs(t, err, domain.ErrReservationInvalid)

	got, err := h.svc.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusExpired, got.Status)

	b := h.balance(t, owner)
	assert.Equal(t, int64(10), b.AvailableCredits)
	assert.Equal(t, int64(0), b.ReservedCredits)
	assert.Equal(t, int64(0), b.TotalConsumed)
	h.requireConserved(t, owner)
}

func TestExpireReservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.owner(t)
	bob := h.owner(t)
	h.grant(t, alice, 10, time.Hour, nil)
	h.grant(t, bob, 10, time.Hour, nil)

	stale, err := h.svc.Reserve(ctx, domain.ReserveRequest{Owner: alice, Amount: 4, TTL: time.Minute})
	require.NoError(t, err)
	_, err = h.svc.Reserve(ctx, domain.ReserveRequest{Owner: bob, Amount: 2, TTL: time.Minute})
	require.NoError(t, err)
	fresh, err := h.svc.Reserve(ctx, domain.ReserveRequest{Owner: alice, Amount: 1, TTL: 30 * time.Minute})
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	res, err := h.svc.ExpireReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, int64(6), res.CreditsReleased)
	assert.Equal(t, 0, res.OwnersFailed)

	got, err := h.svc.GetReservation(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusExpired, got.Status)
	got, err = h.svc.GetReservation(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusHeld, got.Status)

	b := h.balance(t, alice)
	assert.Equal(t, int64(9), b.AvailableCredits)
	assert.Equal(t, int64(1), b.ReservedCredits)

	again, err := h.svc.ExpireReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Expired)
	h.requireConserved(t, alice)
	h.requireConserved(t, bob)
}

func TestReserve_CountsHoldsOnTheSamePool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)
	h.grant(t, owner, 10, time.Hour, nil)
	h.grant(t, owner, 10, 2*time.Hour, strPtr("assessments"))

	first, err := h.svc.Reserve(ctx, domain.ReserveRequest{Owner: owner, Amount: 10})
	require.NoError(t, err)

	// the cache still shows 10, but all of it sits in assessments-only credit
	_, err = h.svc.Reserve(ctx, domain.ReserveRequest{Owner: owner, Amount: 10})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)

	general, err := h.svc.GetAvailable(ctx, owner, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), general.TotalAvailable)
	assert.Equal(t, int64(10), general.Reserved)
	scoped, err := h.svc.GetAvailable(ctx, owner, strPtr("assessments"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), scoped.TotalAvailable)

	_, err = h.svc.Commit(ctx, first.ID)
	require.NoError(t, err)
	b := h.balance(t, owner)
	assert.Equal(t, int64(10), b.AvailableCredits)
	assert.Equal(t, int64(0), b.ReservedCredits)
	h.requireConserved(t, owner)
}

func TestCommit_FeatureHoldLeavesGeneralHoldCovered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)
	general := h.grant(t, owner, 10, time.Hour, nil)
	scoped := h.grant(t, owner, 10, 2*time.Hour, strPtr("assessments"))

	featureHold, err := h.svc.Reserve(ctx, domain.ReserveRequest{Owner: owner, Amount: 10, FeatureKey: strPtr("assessments")})
	require.NoError(t, err)
	generalHold, err := h.svc.Reserve(ctx, domain.ReserveRequest{Owner: owner, Amount: 10})
	require.NoError(t, err)
	_, err = h.svc.Reserve(ctx, domain.ReserveRequest{Owner: owner, Amount: 1})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)

	// FIFO alone would take the sooner-expiring general batch
	res, err := h.svc.Commit(ctx, featureHold.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Draw{{BatchID: scoped.BatchID, Amount: 10}}, res.BatchesDrawn)

	res, err = h.svc.Commit(ctx, generalHold.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Draw{{BatchID: general.BatchID, Amount: 10}}, res.BatchesDrawn)
	h.requireConserved(t, owner)
}

func TestConsume_LeavesOpenHoldsCoverable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)
	h.grant(t, owner, 10, time.Hour, nil)
	scoped := h.grant(t, owner, 10, 2*time.Hour, strPtr("assessments"))

	hold, err := h.svc.Reserve(ctx, domain.ReserveRequest{Owner: owner, Amount: 10})
	require.NoError(t, err)

	_, err = h.svc.Consume(ctx, domain.ConsumeRequest{Owner: owner, Amount: 6, ActionType: "generic"})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Equal(t, int64(10), h.balance(t, owner).AvailableCredits)

	res, err := h.svc.Consume(ctx, domain.ConsumeRequest{
		Owner:      owner,
		Amount:     5,
		FeatureKey: strPtr("assessments"),
		ActionType: "assessment",
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.Draw{{BatchID: scoped.BatchID, Amount: 5}}, res.BatchesDrawn)

	_, err = h.svc.Commit(ctx, hold.ID)
	require.NoError(t, err)
	h.requireConserved(t, owner)
}
