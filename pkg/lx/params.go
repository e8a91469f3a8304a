package lx

import (
	"math/big"
)

// Params is the owner-controlled configuration snapshot that the pure
// calculations read. Rates are parts-per-FeeAccuracy, amounts are 1e18 fixed
// point, MaximumSlippage is a whole percentage.
type Params struct {
	OpeningFeeRate       *big.Int `json:"openingFeeRate"`
	BaseInterestRate     *big.Int `json:"baseInterestRate"`
	VariableInterestRate *big.Int `json:"variableInterestRate"`
	MaxInterestRate      *big.Int `json:"maxInterestRate"`
	MinimumPositionSize  *big.Int `json:"minimumPositionSize"`
	MaximumSlippage      *big.Int `json:"maximumSlippage"`
	BaseExecutionReward  *big.Int `json:"baseExecutionReward"`
	ExecutionRewardRate  *big.Int `json:"executionRewardRate"`
}

// DefaultParams returns a conservative configuration
func DefaultParams() Params {
	return Params{
		OpeningFeeRate:       big.NewInt(1_000), // 0.1%
		BaseInterestRate:     big.NewInt(10),
		VariableInterestRate: big.NewInt(5),
		MaxInterestRate:      big.NewInt(100),
		MinimumPositionSize:  new(big.Int).Mul(big.NewInt(100), pow10(CollateralDecimals)),
		MaximumSlippage:      big.NewInt(1),
		BaseExecutionReward:  pow10(CollateralDecimals),
		ExecutionRewardRate:  big.NewInt(1_000),
	}
}

// Clone returns a deep copy so callers cannot alias engine state
func (p Params) Clone() Params {
	return Params{
		OpeningFeeRate:       cloneInt(p.OpeningFeeRate),
		BaseInterestRate:     cloneInt(p.BaseInterestRate),
		VariableInterestRate: cloneInt(p.VariableInterestRate),
		MaxInterestRate:      cloneInt(p.MaxInterestRate),
		MinimumPositionSize:  cloneInt(p.MinimumPositionSize),
		MaximumSlippage:      cloneInt(p.MaximumSlippage),
		BaseExecutionReward:  cloneInt(p.BaseExecutionReward),
		ExecutionRewardRate:  cloneInt(p.ExecutionRewardRate),
	}
}

// OpeningFee returns notional * openingFeeRate / FeeAccuracy
func (p Params) OpeningFee(collateral, leverage *big.Int) *big.Int {
	fee := Notional(collateral, leverage)
	fee.Mul(fee, p.OpeningFeeRate)
	return fee.Quo(fee, feeAccuracy)
}

// LiquidationReward returns baseExecutionReward + executionRewardRate * notional / LeverageAccuracy
func (p Params) LiquidationReward(notional *big.Int) *big.Int {
	reward := new(big.Int).Mul(p.ExecutionRewardRate, notional)
	reward.Quo(reward, leverageAccuracy)
	return reward.Add(reward, p.BaseExecutionReward)
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
