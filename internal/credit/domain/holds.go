package domain

import (
	"sort"

	"github.com/bwmarrin/snowflake"
)

// Hold is an open claim on credit that later draws must leave room for.
type Hold struct {
	FeatureKey *string
	Amount     int64
}

// HoldsOf returns the claims of the held reservations, leaving out skip.
func HoldsOf(reservations []*Reservation, skip snowflake.ID) []Hold {
	holds := make([]Hold, 0, len(reservations))
	for _, r := range reservations {
		if r == nil || r.Status != ReservationStatusHeld || r.ID == skip {
			continue
		}
		holds = append(holds, Hold{FeatureKey: r.FeatureKey, Amount: r.Amount})
	}
	return holds
}

// pools is spendable credit split by who may draw it.
type pools struct {
	general int64
	scoped  map[string]int64
}

func poolsOf(batches []*CreditBatch, draws []Draw) pools {
	taken := make(map[snowflake.ID]int64, len(draws))
	for _, d := range draws {
		taken[d.BatchID] += d.Amount
	}
	p := pools{scoped: map[string]int64{}}
	for _, b := range batches {
		if b == nil || b.IsExpired {
			continue
		}
		left := b.RemainingAmount - taken[b.ID]
		if left <= 0 {
			continue
		}
		if b.FeatureKey == nil {
			p.general += left
		} else {
			p.scoped[*b.FeatureKey] += left
		}
	}
	return p
}

func holdTotals(holds []Hold) (int64, map[string]int64) {
	var general int64
	byFeature := map[string]int64{}
	for _, h := range holds {
		if h.FeatureKey == nil {
			general += h.Amount
		} else {
			byFeature[*h.FeatureKey] += h.Amount
		}
	}
	return general, byFeature
}

// spill is what feature holds need from the general pool once their own
// scoped credit is used up. Holds for except are left out.
func (p pools) spill(byFeature map[string]int64, except *string) int64 {
	var total int64
	for feature, held := range byFeature {
		if except != nil && feature == *except {
			continue
		}
		if over := held - p.scoped[feature]; over > 0 {
			total += over
		}
	}
	return total
}

func (p pools) covers(holds []Hold) bool {
	general, byFeature := holdTotals(holds)
	return general+p.spill(byFeature, nil) <= p.general
}

// Covers reports whether the batches can still satisfy every hold.
func Covers(batches []*CreditBatch, holds []Hold) bool {
	return poolsOf(batches, nil).covers(holds)
}

// Headroom is the largest amount a request for featureKey can take from
// batches without leaving any hold uncoverable.
func Headroom(batches []*CreditBatch, holds []Hold, featureKey *string) int64 {
	p := poolsOf(batches, nil)
	general, byFeature := holdTotals(holds)
	slack := p.general - general - p.spill(byFeature, featureKey)
	if featureKey == nil || slack < 0 {
		return max(slack, 0)
	}
	return max(slack+p.scoped[*featureKey]-byFeature[*featureKey], 0)
}

// PlanDrawsAround plans a FIFO draw of amount from eligible that leaves
// active able to cover holds. When the FIFO plan would strand a hold, scoped
// batches are drawn before general ones instead; that order uses the least
// general credit, so if it fails no plan succeeds.
func PlanDrawsAround(eligible, active []*CreditBatch, holds []Hold, featureKey *string, amount int64) ([]Draw, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	SortFIFO(eligible)
	if len(holds) == 0 {
		return PlanDraws(eligible, amount)
	}
	if Headroom(active, holds, featureKey) < amount {
		return nil, ErrInsufficientCredits
	}
	if draws, err := PlanDraws(eligible, amount); err == nil && poolsOf(active, draws).covers(holds) {
		return draws, nil
	}

	scopedFirst := append([]*CreditBatch(nil), eligible...)
	sort.SliceStable(scopedFirst, func(i, j int) bool {
		return scopedFirst[i].FeatureKey != nil && scopedFirst[j].FeatureKey == nil
	})
	draws, err := PlanDraws(scopedFirst, amount)
	if err != nil {
		return nil, err
	}
	if !poolsOf(active, draws).covers(holds) {
		return nil, ErrInsufficientCredits
	}
	return draws, nil
}
