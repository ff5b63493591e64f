package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batch(id int64, remaining int64, expiresAt time.Time) *CreditBatch {
	return &CreditBatch{
		ID:              snowflakeID(id),
		OriginalAmount:  remaining,
		RemainingAmount: remaining,
		ExpiresAt:       expiresAt,
		CreatedAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSortFIFO_ExpiryThenCreationThenID(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	late := batch(1, 5, base.Add(48*time.Hour))
	tieNewer := batch(2, 5, base)
	tieNewer.CreatedAt = tieNewer.CreatedAt.Add(time.Hour)
	tieOlderHighID := batch(4, 5, base)
	tieOlderLowID := batch(3, 5, base)

	batches := []*CreditBatch{late, tieNewer, tieOlderHighID, tieOlderLowID}
	SortFIFO(batches)

	got := []int64{}
	for _, b := range batches {
		got = append(got, int64(b.ID))
	}
	assert.Equal(t, []int64{3, 4, 2, 1}, got)
}

func TestPlanDraws_FIFO(t *testing.T) {
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	batches := []*CreditBatch{
		batch(1, 5, t1),
		batch(2, 5, t1.AddDate(0, 1, 0)),
		batch(3, 5, t1.AddDate(0, 2, 0)),
	}

	draws, err := PlanDraws(batches, 7)
	require.NoError(t, err)
	assert.Equal(t, []Draw{
		{BatchID: snowflakeID(1), Amount: 5},
		{BatchID: snowflakeID(2), Amount: 2},
	}, draws)
}

func TestPlanDraws_AllOrNothing(t *testing.T) {
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	batches := []*CreditBatch{batch(1, 5, t1), batch(2, 5, t1)}

	draws, err := PlanDraws(batches, 11)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Nil(t, draws)
}

func TestPlanDraws_SkipsEmptyAndExpired(t *testing.T) {
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	empty := batch(1, 0, t1)
	expired := batch(2, 5, t1)
	expired.IsExpired = true
	live := batch(3, 5, t1)

	draws, err := PlanDraws([]*CreditBatch{empty, expired, live}, 3)
	require.NoError(t, err)
	assert.Equal(t, []Draw{{BatchID: snowflakeID(3), Amount: 3}}, draws)

	_, err = PlanDraws(nil, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestEligible(t *testing.T) {
	assessments := "assessments"
	resources := "resources"
	general := &CreditBatch{}
	scoped := &CreditBatch{FeatureKey: &assessments}

	assert.True(t, Eligible(general, nil))
	assert.True(t, Eligible(general, &resources))
	assert.False(t, Eligible(scoped, nil))
	assert.False(t, Eligible(scoped, &resources))
	assert.True(t, Eligible(scoped, &assessments))
}
