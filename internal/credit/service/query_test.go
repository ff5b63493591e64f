package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_DetectsAndRepairsDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)
	h.grant(t, owner, 20, time.Hour, nil)
	_, err := h.svc.Consume(ctx, domain.ConsumeRequest{Owner: owner, Amount: 6, ActionType: "x"})
	require.NoError(t, err)

	require.NoError(t, h.db.Exec(
		`UPDATE credit_balances SET available_credits = ?, total_consumed = ? WHERE owner_id = ?`,
		999, 1, owner.ID,
	).Error)

	report, err := h.svc.Reconcile(ctx, owner, false)
	require.NoError(t, err)
	assert.True(t, report.Drift)
	assert.False(t, report.Repaired)
	assert.Equal(t, int64(999), report.Cached.Available)
	assert.Equal(t, int64(14), report.Computed.Available)
	assert.Equal(t, int64(6), report.Computed.TotalConsumed)
	assert.Equal(t, int64(14), report.Computed.TransactionSum)
	assert.Equal(t, int64(999), h.balance(t, owner).AvailableCredits)

	repaired, err := h.svc.Reconcile(ctx, owner, true)
	require.NoError(t, err)
	assert.True(t, repaired.Drift)
	assert.True(t, repaired.Repaired)

	b := h.balance(t, owner)
	assert.Equal(t, int64(14), b.AvailableCredits)
	assert.Equal(t, int64(6), b.TotalConsumed)
	h.requireConserved(t, owner)
}

func TestListTransactions_Paginates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.owner(t)
	for i := 1; i <= 5; i++ {
		h.grant(t, owner, int64(i), 24*time.Hour, nil)
		h.clock.Advance(time.Second)
	}

	var (
		amounts []int64
		token   string
		pages   int
	)
	for {
		page, err := h.svc.ListTransactions(ctx, domain.ListTransactionsRequest{
			Owner:      owner,
			Pagination: pagination.Pagination{PageToken: token, PageSize: 2},
		})
		require.NoError(t, err)
		pages++
		for _, txn := range page.Transactions {
			amounts = append(amounts, txn.Amount)
		}
		if !page.PageInfo.HasMore {
			assert.Empty(t, page.PageInfo.NextPageToken)
			break
		}
		require.NotEmpty(t, page.PageInfo.NextPageToken)
		token = page.PageInfo.NextPageToken
		require.Less(t, pages, 10)
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, amounts)
}

func TestGetBalance_UnknownOwner(t *testing.T) {
	h := newHarness(t)
	owner := h.owner(t)
	owner.ID++

	_, err := h.svc.GetBalance(context.Background(), owner)
	assert.ErrorIs(t, err, domain.ErrUnknownOwner)
	_, err = h.svc.GetAvailable(context.Background(), owner, nil)
	assert.ErrorIs(t, err, domain.ErrUnknownOwner)
}
