package lx

import (
	"context"
	"fmt"
	"math/big"
)

// Quote is a raw oracle price: Price and Confidence are scaled by 10^Exponent
type Quote struct {
	Price       int64 `json:"price"`
	Confidence  int64 `json:"conf"`
	Exponent    int32 `json:"expo"`
	PublishTime int64 `json:"publishTime"`
}

// OracleUpdate is the opaque price update a caller supplies with an operation,
// together with the native-currency value offered to pay the update fee
type OracleUpdate struct {
	Payload []byte   `json:"payload"`
	Fee     *big.Int `json:"fee"`
}

// Oracle returns the quote of a feed contained in an update. Implementations
// reject payloads they cannot verify and fees that do not cover the update.
type Oracle interface {
	GetPrice(ctx context.Context, update OracleUpdate, feed FeedID) (Quote, error)
}

// PriceMode tells AdjustPrice whether a position is being opened or closed
type PriceMode uint8

const (
	Opening PriceMode = iota
	Closing
)

// AdjustPrice shifts the quote by its confidence against the trader and
// rescales it to PriceDecimals. Opening longs and closing shorts pay
// price + confidence; opening shorts and closing longs receive price - confidence.
func AdjustPrice(q Quote, mode PriceMode, d Direction) (*big.Int, error) {
	price := big.NewInt(q.Price)
	conf := big.NewInt(q.Confidence)

	if (mode == Opening) == (d == Long) {
		price.Add(price, conf)
	} else {
		price.Sub(price, conf)
	}

	decimals := -int(q.Exponent)
	switch {
	case decimals < PriceDecimals:
		price.Mul(price, pow10(PriceDecimals-decimals))
	case decimals > PriceDecimals:
		price.Quo(price, pow10(decimals-PriceDecimals))
	}

	if price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %d±%d expo %d", ErrInvalidOraclePrice, q.Price, q.Confidence, q.Exponent)
	}
	return price, nil
}

// Slippage returns 100 * (entry - limit) / ((entry + limit) / 2)
func Slippage(entry, limit *big.Int) *big.Int {
	mid := new(big.Int).Add(entry, limit)
	mid.Quo(mid, two)
	if mid.Sign() == 0 {
		return new(big.Int)
	}
	diff := new(big.Int).Sub(entry, limit)
	diff.Mul(diff, hundred)
	return diff.Quo(diff, mid)
}

// slippageAllowed applies the direction-specific bound: longs may not pay more
// than +max, shorts may not receive less than -max
func slippageAllowed(d Direction, slippage, max *big.Int) bool {
	if d == Long {
		return slippage.Cmp(max) <= 0
	}
	return slippage.Cmp(new(big.Int).Neg(max)) >= 0
}
