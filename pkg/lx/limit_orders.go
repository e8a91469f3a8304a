package lx

import (
	"context"
	"math/big"
)

// CreateLimitOrder admits an order with the same checks as OpenPosition, pulls
// the full collateral and stores it net of the base execution reward, which
// pre-funds the executor
func (me *MarginEngine) CreateLimitOrder(ctx context.Context, trader string, pairID PairID, collateral, leverage *big.Int, d Direction, limitPrice *big.Int) (LimitOrder, error) {
	ctx, err := me.enter(ctx)
	if err != nil {
		return LimitOrder{}, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()

	order, err := me.createLimitOrder(ctx, trader, pairID, collateral, leverage, d, limitPrice)
	if err != nil {
		me.reject("createLimitOrder", err)
		return LimitOrder{}, err
	}
	me.flush()
	return order, nil
}

func (me *MarginEngine) createLimitOrder(ctx context.Context, trader string, pairID PairID, collateral, leverage *big.Int, d Direction, limitPrice *big.Int) (LimitOrder, error) {
	pair, inv, err := me.admit(trader, pairID, collateral, leverage, d, 0)
	if err != nil {
		return LimitOrder{}, err
	}
	if limitPrice == nil || limitPrice.Sign() <= 0 {
		return LimitOrder{}, ErrLimitOrderPriceMustBePositive
	}
	if collateral.Cmp(me.params.BaseExecutionReward) <= 0 {
		return LimitOrder{}, ErrCollateralBelowExecutionReward
	}
	if me.token == nil {
		return LimitOrder{}, ErrCollateralTokenNotSet
	}
	if err := me.transfer(ctx, trader, me.custody, collateral); err != nil {
		return LimitOrder{}, err
	}

	slot := inv.NextOrderSlot()
	order := &LimitOrder{
		Trader:     trader,
		PairID:     pairID,
		Slot:       slot,
		Collateral: new(big.Int).Sub(collateral, me.params.BaseExecutionReward),
		Leverage:   new(big.Int).Set(leverage),
		Direction:  d,
		LimitPrice: new(big.Int).Set(limitPrice),
	}
	inv.Orders[slot] = order
	me.storeInventory(trader, pairID, inv)

	me.emit(Event{
		Type:       EventLimitOrderCreated,
		PairID:     pairID,
		Trader:     trader,
		Slot:       slot,
		Direction:  d,
		Collateral: new(big.Int).Set(order.Collateral),
		Leverage:   new(big.Int).Set(leverage),
		Price:      new(big.Int).Set(limitPrice),
	})
	me.metrics.LimitOrder("created")
	me.log.Info("limit order created",
		"trader", trader,
		"pair", pair.Symbol,
		"slot", slot,
		"direction", d.String(),
		"limitPrice", limitPrice.String(),
	)
	return order.clone(), nil
}

// ExecuteLimitOrder converts a pending order into a position at the current
// oracle price. The execution is rejected, and the order left in place, when
// the realized entry price slipped past the maximum for the order's direction.
func (me *MarginEngine) ExecuteLimitOrder(ctx context.Context, executor, trader string, pairID PairID, slot int, update OracleUpdate) (Position, error) {
	ctx, err := me.enter(ctx)
	if err != nil {
		return Position{}, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()

	pos, err := me.executeLimitOrder(ctx, executor, trader, pairID, slot, update)
	if err != nil {
		me.reject("executeLimitOrder", err)
		return Position{}, err
	}
	me.flush()
	return pos, nil
}

func (me *MarginEngine) executeLimitOrder(ctx context.Context, executor, trader string, pairID PairID, slot int, update OracleUpdate) (Position, error) {
	order, err := me.lookupOrder(trader, pairID, slot)
	if err != nil {
		return Position{}, err
	}

	// the order being converted frees its own slot
	pair, inv, err := me.admit(trader, pairID, order.Collateral, order.Leverage, order.Direction, 1)
	if err != nil {
		return Position{}, err
	}
	price, err := me.fetchPrice(ctx, pair, update, Opening, order.Direction)
	if err != nil {
		return Position{}, err
	}
	slippage := Slippage(price, order.LimitPrice)
	if !slippageAllowed(order.Direction, slippage, me.params.MaximumSlippage) {
		return Position{}, &SlippageError{
			Slippage: slippage,
			Maximum:  new(big.Int).Set(me.params.MaximumSlippage),
		}
	}

	inv.Orders[slot] = nil
	reward := new(big.Int).Set(me.params.BaseExecutionReward)
	me.emit(Event{
		Type:      EventLimitOrderExecuted,
		PairID:    pairID,
		Trader:    trader,
		Executor:  executor,
		Slot:      slot,
		Direction: order.Direction,
		Price:     new(big.Int).Set(price),
		Reward:    reward,
	})
	pos := me.commitOpen(trader, pair, inv, order.Collateral, order.Leverage, order.Direction, price)
	me.creditReward(executor, reward)
	me.metrics.LimitOrder("executed")
	return pos.clone(), nil
}

// CancelLimitOrder removes a pending order of trader. The custodied
// collateral is not returned: cancelling forfeits it.
func (me *MarginEngine) CancelLimitOrder(ctx context.Context, trader string, pairID PairID, slot int) error {
	_, err := me.enter(ctx)
	if err != nil {
		return err
	}
	me.mu.Lock()
	defer me.mu.Unlock()

	order, err := me.lookupOrder(trader, pairID, slot)
	if err != nil {
		me.reject("cancelLimitOrder", err)
		return err
	}
	inv := me.accounts[accountKey{trader, pairID}]
	inv.Orders[slot] = nil
	me.storeInventory(trader, pairID, inv)

	me.emit(Event{
		Type:       EventLimitOrderCancelled,
		PairID:     pairID,
		Trader:     trader,
		Slot:       slot,
		Direction:  order.Direction,
		Collateral: new(big.Int).Set(order.Collateral),
	})
	me.metrics.LimitOrder("cancelled")
	me.log.Info("limit order cancelled",
		"trader", trader,
		"pair", uint64(pairID),
		"slot", slot,
		"forfeited", order.Collateral.String(),
	)
	me.flush()
	return nil
}

func (me *MarginEngine) lookupOrder(trader string, pairID PairID, slot int) (*LimitOrder, error) {
	if !validSlot(slot) {
		return nil, ErrLimitOrderNotFound
	}
	inv, ok := me.accounts[accountKey{trader, pairID}]
	if !ok || inv.Orders[slot] == nil {
		return nil, ErrLimitOrderNotFound
	}
	return inv.Orders[slot], nil
}
