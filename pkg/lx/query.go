package lx

import (
	"math/big"
)

// Position returns the position in slot, if any
func (me *MarginEngine) Position(trader string, pairID PairID, slot int) (Position, bool) {
	me.mu.Lock()
	defer me.mu.Unlock()

	if !validSlot(slot) {
		return Position{}, false
	}
	inv, ok := me.accounts[accountKey{trader, pairID}]
	if !ok || inv.Positions[slot] == nil {
		return Position{}, false
	}
	return inv.Positions[slot].clone(), true
}

// LimitOrder returns the pending order in slot, if any
func (me *MarginEngine) LimitOrder(trader string, pairID PairID, slot int) (LimitOrder, bool) {
	me.mu.Lock()
	defer me.mu.Unlock()

	if !validSlot(slot) {
		return LimitOrder{}, false
	}
	inv, ok := me.accounts[accountKey{trader, pairID}]
	if !ok || inv.Orders[slot] == nil {
		return LimitOrder{}, false
	}
	return inv.Orders[slot].clone(), true
}

// AllPositions returns pairs×3 records for trader, pairs in ascending id
// order. Empty slots are zero-valued records.
func (me *MarginEngine) AllPositions(trader string) []Position {
	me.mu.Lock()
	defer me.mu.Unlock()

	ids := me.sortedPairs()
	out := make([]Position, 0, len(ids)*SlotsPerPair)
	for _, id := range ids {
		inv := me.accounts[accountKey{trader, id}]
		for slot := 0; slot < SlotsPerPair; slot++ {
			if inv != nil && inv.Positions[slot] != nil {
				out = append(out, inv.Positions[slot].clone())
				continue
			}
			out = append(out, emptyPosition())
		}
	}
	return out
}

// AllLimitOrders returns pairs×3 order records for trader, laid out like
// AllPositions
func (me *MarginEngine) AllLimitOrders(trader string) []LimitOrder {
	me.mu.Lock()
	defer me.mu.Unlock()

	ids := me.sortedPairs()
	out := make([]LimitOrder, 0, len(ids)*SlotsPerPair)
	for _, id := range ids {
		inv := me.accounts[accountKey{trader, id}]
		for slot := 0; slot < SlotsPerPair; slot++ {
			if inv != nil && inv.Orders[slot] != nil {
				out = append(out, inv.Orders[slot].clone())
				continue
			}
			out = append(out, emptyLimitOrder())
		}
	}
	return out
}

// OpenInterest returns the long and short open interest of a pair
func (me *MarginEngine) OpenInterest(pairID PairID) (long, short *big.Int, err error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	pair, ok := me.pairs[pairID]
	if !ok {
		return nil, nil, ErrInvalidAssetPair
	}
	return new(big.Int).Set(pair.LongOpenInterest), new(big.Int).Set(pair.ShortOpenInterest), nil
}

// CurrentFundingRate returns the latest funding sample of a pair, zero when flat
func (me *MarginEngine) CurrentFundingRate(pairID PairID) (*big.Int, error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	pair, ok := me.pairs[pairID]
	if !ok {
		return nil, ErrInvalidAssetPair
	}
	return pair.Funding.Latest(), nil
}

// FundingHistory returns every funding sample of a pair since it was last flat
func (me *MarginEngine) FundingHistory(pairID PairID) ([]FundingSample, error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	pair, ok := me.pairs[pairID]
	if !ok {
		return nil, ErrInvalidAssetPair
	}
	return pair.Funding.Samples(), nil
}

// Pairs returns every listed pair in ascending id order
func (me *MarginEngine) Pairs() []PairInfo {
	me.mu.Lock()
	defer me.mu.Unlock()

	ids := me.sortedPairs()
	out := make([]PairInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, me.pairs[id].info())
	}
	return out
}

// Params returns a copy of the current configuration
func (me *MarginEngine) Params() Params {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.params.Clone()
}

// Owner returns the admin account
func (me *MarginEngine) Owner() string {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.owner
}
