package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scoped(b *CreditBatch, feature string) *CreditBatch {
	b.FeatureKey = &feature
	return b
}

func featurePtr(s string) *string { return &s }

func TestHeadroom_CountsOnlyOverlappingHolds(t *testing.T) {
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	batches := []*CreditBatch{
		batch(1, 10, t1),
		scoped(batch(2, 10, t1), "assessments"),
	}

	cases := []struct {
		name    string
		holds   []Hold
		feature *string
		want    int64
	}{
		{"no holds general", nil, nil, 10},
		{"no holds feature", nil, featurePtr("assessments"), 20},
		{"general hold blocks general", []Hold{{Amount: 10}}, nil, 0},
		{"general hold leaves scoped", []Hold{{Amount: 10}}, featurePtr("assessments"), 10},
		{"feature hold fits in scoped", []Hold{{FeatureKey: featurePtr("assessments"), Amount: 10}}, nil, 10},
		{"feature hold spills into general", []Hold{{FeatureKey: featurePtr("assessments"), Amount: 14}}, nil, 6},
		{"other feature spill", []Hold{{FeatureKey: featurePtr("resources"), Amount: 4}}, featurePtr("assessments"), 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Headroom(batches, tc.holds, tc.feature))
		})
	}
}

func TestHoldsOf_SkipsClosedAndExcluded(t *testing.T) {
	reservations := []*Reservation{
		{ID: snowflakeID(1), Amount: 3, Status: ReservationStatusHeld},
		{ID: snowflakeID(2), Amount: 4, Status: ReservationStatusCommitted},
		{ID: snowflakeID(3), Amount: 5, Status: ReservationStatusHeld, FeatureKey: featurePtr("x")},
	}
	holds := HoldsOf(reservations, snowflakeID(1))
	require.Len(t, holds, 1)
	assert.Equal(t, int64(5), holds[0].Amount)
}

func TestCovers(t *testing.T) {
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	batches := []*CreditBatch{batch(1, 5, t1), scoped(batch(2, 5, t1), "x")}

	assert.True(t, Covers(batches, []Hold{{Amount: 5}, {FeatureKey: featurePtr("x"), Amount: 5}}))
	assert.False(t, Covers(batches, []Hold{{Amount: 6}}))
	assert.False(t, Covers(batches, []Hold{{Amount: 5}, {FeatureKey: featurePtr("x"), Amount: 5}, {FeatureKey: featurePtr("x"), Amount: 1}}))
}

func TestPlanDrawsAround_FIFOWhenHoldsStayCovered(t *testing.T) {
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	general := batch(1, 10, t1)
	feature := scoped(batch(2, 10, t1.AddDate(0, 1, 0)), "x")
	active := []*CreditBatch{general, feature}

	draws, err := PlanDrawsAround([]*CreditBatch{feature, general}, active, []Hold{{Amount: 4}}, featurePtr("x"), 6)
	require.NoError(t, err)
	assert.Equal(t, []Draw{{BatchID: snowflakeID(1), Amount: 6}}, draws)
}

func TestPlanDrawsAround_PrefersScopedWhenFIFOWouldStrandHold(t *testing.T) {
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	general := batch(1, 10, t1)
	feature := scoped(batch(2, 10, t1.AddDate(0, 1, 0)), "x")
	active := []*CreditBatch{general, feature}
	holds := []Hold{{Amount: 10}}

	draws, err := PlanDrawsAround([]*CreditBatch{general, feature}, active, holds, featurePtr("x"), 5)
	require.NoError(t, err)
	assert.Equal(t, []Draw{{BatchID: snowflakeID(2), Amount: 5}}, draws)

	_, err = PlanDrawsAround([]*CreditBatch{general}, active, holds, nil, 1)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}
