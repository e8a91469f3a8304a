package api

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/lx"
)

// updateParam is an oracle update on the wire: base64 payload, fee in wei
type updateParam struct {
	Payload []byte `json:"payload"`
	Fee     string `json:"fee"`
}

func (u updateParam) oracleUpdate() (lx.OracleUpdate, error) {
	fee := new(big.Int)
	if u.Fee != "" {
		var err error
		if fee, err = parseAmount("update.fee", u.Fee); err != nil {
			return lx.OracleUpdate{}, err
		}
	}
	return lx.OracleUpdate{Payload: u.Payload, Fee: fee}, nil
}

func decodeParams(params json.RawMessage, dst interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

// parseAmount reads a base-10 integer string. Amounts travel as strings
// because they exceed the precision of JSON numbers.
func parseAmount(name, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params", Data: name + " must be a base-10 integer"}
	}
	return v, nil
}

func parseDirection(s string) (lx.Direction, error) {
	switch strings.ToLower(s) {
	case "long":
		return lx.Long, nil
	case "short":
		return lx.Short, nil
	}
	return 0, &RPCError{Code: InvalidParams, Message: "Invalid params", Data: "direction must be long or short"}
}

// amountDisplay renders a collateral amount in whole units
func amountDisplay(x *big.Int) string {
	return decimal.NewFromBigInt(x, -lx.CollateralDecimals).String()
}

func priceDisplay(x *big.Int) string {
	return decimal.NewFromBigInt(x, -lx.PriceDecimals).String()
}

func leverageDisplay(x *big.Int) string {
	return decimal.NewFromBigInt(x, -6).String() + "x"
}

// ratePercent renders a parts-per-FeeAccuracy rate as a percentage
func ratePercent(x *big.Int) string {
	return decimal.NewFromBigInt(x, -4).String() + "%"
}

type positionView struct {
	Trader        string `json:"trader"`
	PairID        uint64 `json:"pairId"`
	Slot          int    `json:"slot"`
	Direction     string `json:"direction"`
	EntryPrice    string `json:"entryPrice"`
	NetCollateral string `json:"netCollateral"`
	Leverage      string `json:"leverage"`
	Notional      string `json:"notional"`
	OpenNotional  string `json:"openNotional"`
	OpenedAt      int64  `json:"openedAt"`
	FundingIndex  int    `json:"fundingIndex"`
	Open          bool   `json:"open"`

	Display struct {
		EntryPrice    string `json:"entryPrice"`
		NetCollateral string `json:"netCollateral"`
		Leverage      string `json:"leverage"`
	} `json:"display"`
}

func newPositionView(p lx.Position) positionView {
	v := positionView{
		Trader:        p.Trader,
		PairID:        uint64(p.PairID),
		Slot:          p.Slot,
		Direction:     p.Direction.String(),
		EntryPrice:    p.EntryPrice.String(),
		NetCollateral: p.NetCollateral.String(),
		Leverage:      p.Leverage.String(),
		Notional:      p.Notional().String(),
		OpenNotional:  p.OpenNotional.String(),
		OpenedAt:      p.OpenedAt,
		FundingIndex:  p.FundingIndex,
		Open:          p.Trader != "",
	}
	v.Display.EntryPrice = priceDisplay(p.EntryPrice)
	v.Display.NetCollateral = amountDisplay(p.NetCollateral)
	v.Display.Leverage = leverageDisplay(p.Leverage)
	return v
}

type orderView struct {
	Trader     string `json:"trader"`
	PairID     uint64 `json:"pairId"`
	Slot       int    `json:"slot"`
	Direction  string `json:"direction"`
	Collateral string `json:"collateral"`
	Leverage   string `json:"leverage"`
	LimitPrice string `json:"limitPrice"`
	Open       bool   `json:"open"`

	Display struct {
		LimitPrice string `json:"limitPrice"`
		Collateral string `json:"collateral"`
	} `json:"display"`
}

func newOrderView(o lx.LimitOrder) orderView {
	v := orderView{
		Trader:     o.Trader,
		PairID:     uint64(o.PairID),
		Slot:       o.Slot,
		Direction:  o.Direction.String(),
		Collateral: o.Collateral.String(),
		Leverage:   o.Leverage.String(),
		LimitPrice: o.LimitPrice.String(),
		Open:       o.Trader != "",
	}
	v.Display.LimitPrice = priceDisplay(o.LimitPrice)
	v.Display.Collateral = amountDisplay(o.Collateral)
	return v
}

type pairView struct {
	ID                uint64 `json:"id"`
	Symbol            string `json:"symbol"`
	FeedID            string `json:"feedId"`
	LongOpenInterest  string `json:"longOpenInterest"`
	ShortOpenInterest string `json:"shortOpenInterest"`
	MaxOpenInterest   string `json:"maxOpenInterest"`
	FundingSamples    int    `json:"fundingSamples"`
}

func newPairView(p lx.PairInfo) pairView {
	return pairView{
		ID:                uint64(p.ID),
		Symbol:            p.Symbol,
		FeedID:            p.FeedID.String(),
		LongOpenInterest:  p.LongOpenInterest.String(),
		ShortOpenInterest: p.ShortOpenInterest.String(),
		MaxOpenInterest:   p.MaxOpenInterest.String(),
		FundingSamples:    p.FundingSamples,
	}
}

type fundingView struct {
	Rate      string `json:"rate"`
	Timestamp int64  `json:"timestamp"`
}

type paramsView struct {
	OpeningFeeRate       string `json:"openingFeeRate"`
	BaseInterestRate     string `json:"baseInterestRate"`
	VariableInterestRate string `json:"variableInterestRate"`
	MaxInterestRate      string `json:"maxInterestRate"`
	MinimumPositionSize  string `json:"minimumPositionSize"`
	MaximumSlippage      string `json:"maximumSlippage"`
	BaseExecutionReward  string `json:"baseExecutionReward"`
	ExecutionRewardRate  string `json:"executionRewardRate"`
}

func newParamsView(p lx.Params) paramsView {
	return paramsView{
		OpeningFeeRate:       p.OpeningFeeRate.String(),
		BaseInterestRate:     p.BaseInterestRate.String(),
		VariableInterestRate: p.VariableInterestRate.String(),
		MaxInterestRate:      p.MaxInterestRate.String(),
		MinimumPositionSize:  p.MinimumPositionSize.String(),
		MaximumSlippage:      p.MaximumSlippage.String(),
		BaseExecutionReward:  p.BaseExecutionReward.String(),
		ExecutionRewardRate:  p.ExecutionRewardRate.String(),
	}
}
