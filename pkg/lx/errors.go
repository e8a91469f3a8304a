package lx

import (
	"errors"
	"fmt"
	"math/big"
)

// Admission errors, checked in this order by every opening operation
var (
	ErrInvalidAssetPair            = errors.New("invalid asset pair")
	ErrInvalidPositionType         = errors.New("invalid position type")
	ErrValueMustBeGreaterThanZero  = errors.New("value must be greater than zero")
	ErrPositionSizeBelowMinimum    = errors.New("position size below minimum")
	ErrLongPositionLimitReached    = errors.New("long position limit reached")
	ErrShortPositionLimitReached   = errors.New("short position limit reached")
	ErrMaximumOpenPositionsReached = errors.New("maximum open positions reached")
	ErrLeverageExceedsMaximum      = errors.New("leverage exceeds maximum")
)

var (
	ErrPositionDoesNotExist              = errors.New("position does not exist")
	ErrPositionNotEligibleForLiquidation = errors.New("position not eligible for liquidation")
	ErrLimitOrderPriceMustBePositive     = errors.New("limit order price must be positive")
	ErrLimitOrderNotFound                = errors.New("limit order not found")
	ErrSlippageExceedsMaximum            = errors.New("slippage exceeds maximum")
	ErrCollateralBelowExecutionReward    = errors.New("collateral does not cover execution reward")
	ErrNoExecutionRewardsAvailable       = errors.New("no execution rewards available")
	ErrTokenTransferFailed               = errors.New("token transfer failed")
	ErrInvalidOraclePrice                = errors.New("invalid oracle price")
	ErrNegativeParameter                 = errors.New("parameter must not be negative")
	ErrNotOwner                          = errors.New("caller is not the owner")
	ErrReentrantCall                     = errors.New("reentrant call")
	ErrPairAlreadyExists                 = errors.New("pair already exists")
	ErrCollateralTokenNotSet             = errors.New("collateral token not set")
)

// NotLiquidatableError is returned when a position still has positive value.
// It matches ErrPositionNotEligibleForLiquidation with errors.Is.
type NotLiquidatableError struct {
	ProfitLoss *big.Int
}

func (e *NotLiquidatableError) Error() string {
	return fmt.Sprintf("%s: profit/loss %s", ErrPositionNotEligibleForLiquidation, e.ProfitLoss)
}

func (e *NotLiquidatableError) Is(target error) bool {
	return target == ErrPositionNotEligibleForLiquidation
}

// SlippageError carries the measured slippage percentage of a rejected execution
type SlippageError struct {
	Slippage *big.Int
	Maximum  *big.Int
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("%s: %s%% (max %s%%)", ErrSlippageExceedsMaximum, e.Slippage, e.Maximum)
}

func (e *SlippageError) Is(target error) bool {
	return target == ErrSlippageExceedsMaximum
}

// errorKinds maps every sentinel to a stable name for callers outside Go
var errorKinds = map[error]string{
	ErrInvalidAssetPair:                  "InvalidAssetPair",
	ErrInvalidPositionType:               "InvalidPositionType",
	ErrValueMustBeGreaterThanZero:        "ValueMustBeGreaterThanZero",
	ErrPositionSizeBelowMinimum:          "PositionSizeBelowMinimum",
	ErrLongPositionLimitReached:          "LongPositionLimitReached",
	ErrShortPositionLimitReached:         "ShortPositionLimitReached",
	ErrMaximumOpenPositionsReached:       "MaximumOpenPositionsReached",
	ErrLeverageExceedsMaximum:            "LeverageExceedsMaximum",
	ErrPositionDoesNotExist:              "PositionDoesNotExist",
	ErrPositionNotEligibleForLiquidation: "PositionNotEligibleForLiquidation",
	ErrLimitOrderPriceMustBePositive:     "LimitOrderPriceMustBePositive",
	ErrLimitOrderNotFound:                "LimitOrderNotFound",
	ErrSlippageExceedsMaximum:            "SlippageExceedsMaximum",
	ErrCollateralBelowExecutionReward:    "CollateralBelowExecutionReward",
	ErrNoExecutionRewardsAvailable:       "NoExecutionRewardsAvailable",
	ErrTokenTransferFailed:               "TokenTransferFailed",
	ErrInvalidOraclePrice:                "InvalidOraclePrice",
	ErrNegativeParameter:                 "NegativeParameter",
	ErrNotOwner:                          "NotOwner",
	ErrReentrantCall:                     "ReentrantCall",
	ErrPairAlreadyExists:                 "PairAlreadyExists",
	ErrCollateralTokenNotSet:             "CollateralTokenNotSet",
	ErrInvalidState:                      "InvalidState",
}

// ErrorKind returns the stable name of an engine error, or "" if err is not one
func ErrorKind(err error) string {
	for sentinel, kind := range errorKinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}
