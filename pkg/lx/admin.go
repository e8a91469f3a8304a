package lx

import (
	"fmt"
	"math/big"
)

// AddTradingPair lists a new pair. feed must be set.
func (me *MarginEngine) AddTradingPair(caller string, id PairID, symbol string, feed FeedID, maxOpenInterest *big.Int) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if caller != me.owner {
		return ErrNotOwner
	}
	if _, exists := me.pairs[id]; exists {
		return fmt.Errorf("%w: %d", ErrPairAlreadyExists, id)
	}
	if feed.IsZero() {
		return ErrInvalidAssetPair
	}
	if maxOpenInterest == nil || maxOpenInterest.Sign() < 0 {
		return ErrNegativeParameter
	}

	me.pairs[id] = newTradingPair(id, symbol, feed, maxOpenInterest)
	me.emit(Event{
		Type:   EventPairAdded,
		PairID: id,
		Name:   symbol,
		Value:  feed.String(),
	})
	me.log.Info("trading pair added", "id", uint64(id), "symbol", symbol, "feed", feed.String())
	me.flush()
	return nil
}

// SetMaxOpenInterest changes the per-side cap of a pair
func (me *MarginEngine) SetMaxOpenInterest(caller string, id PairID, value *big.Int) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if caller != me.owner {
		return ErrNotOwner
	}
	pair, ok := me.pairs[id]
	if !ok {
		return ErrInvalidAssetPair
	}
	if value == nil || value.Sign() < 0 {
		return ErrNegativeParameter
	}
	pair.MaxOpenInterest = new(big.Int).Set(value)
	me.emit(Event{Type: EventParameterChanged, PairID: id, Name: "maxOpenInterest", Value: value.String()})
	me.flush()
	return nil
}

func (me *MarginEngine) SetOpeningFeeRate(caller string, value *big.Int) error {
	return me.setParam(caller, "openingFeeRate", &me.params.OpeningFeeRate, value)
}

func (me *MarginEngine) SetBaseInterestRate(caller string, value *big.Int) error {
	return me.setParam(caller, "baseInterestRate", &me.params.BaseInterestRate, value)
}

func (me *MarginEngine) SetVariableInterestRate(caller string, value *big.Int) error {
	return me.setParam(caller, "variableInterestRate", &me.params.VariableInterestRate, value)
}

func (me *MarginEngine) SetMaxInterestRate(caller string, value *big.Int) error {
	return me.setParam(caller, "maxInterestRate", &me.params.MaxInterestRate, value)
}

func (me *MarginEngine) SetMinimumPositionSize(caller string, value *big.Int) error {
	return me.setParam(caller, "minimumPositionSize", &me.params.MinimumPositionSize, value)
}

func (me *MarginEngine) SetMaximumSlippage(caller string, value *big.Int) error {
	return me.setParam(caller, "maximumSlippage", &me.params.MaximumSlippage, value)
}

func (me *MarginEngine) SetBaseExecutionReward(caller string, value *big.Int) error {
	return me.setParam(caller, "baseExecutionReward", &me.params.BaseExecutionReward, value)
}

func (me *MarginEngine) SetExecutionRewardRate(caller string, value *big.Int) error {
	return me.setParam(caller, "executionRewardRate", &me.params.ExecutionRewardRate, value)
}

// SetCollateralToken swaps the token collaborator used for every transfer
func (me *MarginEngine) SetCollateralToken(caller string, token CollateralToken) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if caller != me.owner {
		return ErrNotOwner
	}
	me.token = token
	me.emit(Event{Type: EventParameterChanged, Name: "collateralToken", Value: fmt.Sprintf("%T", token)})
	me.flush()
	return nil
}

// TransferOwnership hands the admin surface to newOwner
func (me *MarginEngine) TransferOwnership(caller, newOwner string) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if caller != me.owner {
		return ErrNotOwner
	}
	me.owner = newOwner
	me.emit(Event{Type: EventParameterChanged, Name: "owner", Value: newOwner})
	me.flush()
	return nil
}

func (me *MarginEngine) setParam(caller, name string, dst **big.Int, value *big.Int) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if caller != me.owner {
		return ErrNotOwner
	}
	if value == nil || value.Sign() < 0 {
		return ErrNegativeParameter
	}
	*dst = new(big.Int).Set(value)

	me.emit(Event{Type: EventParameterChanged, Name: name, Value: value.String()})
	me.log.Info("parameter changed", "name", name, "value", value.String())
	me.flush()
	return nil
}
