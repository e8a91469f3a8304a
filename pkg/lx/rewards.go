package lx

import (
	"context"
	"math/big"
)

// ClaimExecutionRewards pays the executor's accrued rewards out of custody.
// The balance is only reset once the transfer succeeded.
func (me *MarginEngine) ClaimExecutionRewards(ctx context.Context, executor string) (*big.Int, error) {
	ctx, err := me.enter(ctx)
	if err != nil {
		return nil, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()

	bal, ok := me.rewards[executor]
	if !ok || bal.Sign() == 0 {
		me.reject("claimExecutionRewards", ErrNoExecutionRewardsAvailable)
		return nil, ErrNoExecutionRewardsAvailable
	}
	if me.token == nil {
		me.reject("claimExecutionRewards", ErrCollateralTokenNotSet)
		return nil, ErrCollateralTokenNotSet
	}
	amount := new(big.Int).Set(bal)
	if err := me.transfer(ctx, me.custody, executor, amount); err != nil {
		me.reject("claimExecutionRewards", err)
		return nil, err
	}
	delete(me.rewards, executor)

	me.emit(Event{
		Type:     EventRewardsClaimed,
		Executor: executor,
		Reward:   new(big.Int).Set(amount),
	})
	me.metrics.RewardsClaimed(amount)
	me.log.Info("execution rewards claimed", "executor", executor, "amount", amount.String())
	me.flush()
	return amount, nil
}

// RewardBalance returns the claimable rewards of executor
func (me *MarginEngine) RewardBalance(executor string) *big.Int {
	me.mu.Lock()
	defer me.mu.Unlock()

	if bal, ok := me.rewards[executor]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}
