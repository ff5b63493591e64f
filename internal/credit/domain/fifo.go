package domain

import (
	"sort"
)

// SortFIFO orders batches nearest expiry first, then by creation, then by id.
// Feature-scoped batches get no priority over general ones.
func SortFIFO(batches []*CreditBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// PlanDraws walks batches in the given order taking min(remaining, needed)
// from each. It returns ErrInsufficientCredits without a partial plan when
// the batches cannot cover amount.
func PlanDraws(batches []*CreditBatch, amount int64) ([]Draw, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	needed := amount
	draws := make([]Draw, 0, len(batches))
	for _, batch := range batches {
		if needed == 0 {
			break
		}
		if batch == nil || batch.IsExpired || batch.RemainingAmount <= 0 {
			continue
		}
		take := batch.RemainingAmount
		if take > needed {
			take = needed
		}
		draws = append(draws, Draw{BatchID: batch.ID, Amount: take})
		needed -= take
	}
	if needed > 0 {
		return nil, ErrInsufficientCredits
	}
	return draws, nil
}

// Eligible reports whether a batch may be drawn by a request for featureKey.
// General batches serve every request; scoped batches serve only their feature.
func Eligible(batch *CreditBatch, featureKey *string) bool {
	if batch.FeatureKey == nil {
		return true
	}
	return featureKey != nil && *batch.FeatureKey == *featureKey
}
