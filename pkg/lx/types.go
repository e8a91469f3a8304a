package lx

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Fixed-point scales used throughout the engine
const (
	CollateralDecimals = 18
	PriceDecimals      = 8

	LeverageAccuracy = 1_000_000
	FeeAccuracy      = 1_000_000
	TimeAccuracy     = 1_000_000

	// MaxLeverage is 150x at LeverageAccuracy scale
	MaxLeverage = 150_000_000

	SlotsPerPair   = 3
	SecondsPerHour = 3600
)

var (
	leverageAccuracy = big.NewInt(LeverageAccuracy)
	feeAccuracy      = big.NewInt(FeeAccuracy)
	timeAccuracy     = big.NewInt(TimeAccuracy)
	secondsPerHour   = big.NewInt(SecondsPerHour)
	maxLeverage      = big.NewInt(MaxLeverage)
	hundred          = big.NewInt(100)
	two              = big.NewInt(2)
)

// PairID identifies a listed trading pair
type PairID uint64

// FeedID is the oracle price feed reference of a pair. The zero value means unset.
type FeedID [32]byte

// IsZero reports whether the feed id is unset
func (f FeedID) IsZero() bool {
	return f == FeedID{}
}

func (f FeedID) String() string {
	return "0x" + hex.EncodeToString(f[:])
}

// MarshalText encodes the feed id as 0x-prefixed hex
func (f FeedID) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText decodes a 0x-prefixed (or bare) hex feed id
func (f *FeedID) UnmarshalText(text []byte) error {
	id, err := ParseFeedID(string(text))
	if err != nil {
		return err
	}
	*f = id
	return nil
}

// ParseFeedID parses a 32 byte hex feed id
func ParseFeedID(s string) (FeedID, error) {
	var id FeedID
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil {
		return id, fmt.Errorf("invalid feed id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid feed id %q: want 32 bytes, got %d", s, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Direction is the side of a position
type Direction uint8

const (
	Long Direction = iota
	Short
)

// Valid reports whether d is Long or Short
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// TradingPair holds the aggregate state of one listed asset
type TradingPair struct {
	ID                PairID
	Symbol            string
	FeedID            FeedID
	LongOpenInterest  *big.Int
	ShortOpenInterest *big.Int
	MaxOpenInterest   *big.Int
	Funding           FundingHistory
}

func newTradingPair(id PairID, symbol string, feed FeedID, maxOpenInterest *big.Int) *TradingPair {
	return &TradingPair{
		ID:                id,
		Symbol:            symbol,
		FeedID:            feed,
		LongOpenInterest:  new(big.Int),
		ShortOpenInterest: new(big.Int),
		MaxOpenInterest:   new(big.Int).Set(maxOpenInterest),
	}
}

// openInterest returns the open interest of one side
func (tp *TradingPair) openInterest(d Direction) *big.Int {
	if d == Long {
		return tp.LongOpenInterest
	}
	return tp.ShortOpenInterest
}

// PairInfo is a read-only copy of a pair's aggregate state
type PairInfo struct {
	ID                PairID   `json:"id"`
	Symbol            string   `json:"symbol"`
	FeedID            FeedID   `json:"feedId"`
	LongOpenInterest  *big.Int `json:"longOpenInterest"`
	ShortOpenInterest *big.Int `json:"shortOpenInterest"`
	MaxOpenInterest   *big.Int `json:"maxOpenInterest"`
	FundingSamples    int      `json:"fundingSamples"`
}

func (tp *TradingPair) info() PairInfo {
	return PairInfo{
		ID:                tp.ID,
		Symbol:            tp.Symbol,
		FeedID:            tp.FeedID,
		LongOpenInterest:  new(big.Int).Set(tp.LongOpenInterest),
		ShortOpenInterest: new(big.Int).Set(tp.ShortOpenInterest),
		MaxOpenInterest:   new(big.Int).Set(tp.MaxOpenInterest),
		FundingSamples:    tp.Funding.Len(),
	}
}

// Position is an open leveraged position in one slot
type Position struct {
	Trader        string    `json:"trader"`
	PairID        PairID    `json:"pairId"`
	Slot          int       `json:"slot"`
	EntryPrice    *big.Int  `json:"entryPrice"`
	NetCollateral *big.Int  `json:"netCollateral"`
	Leverage      *big.Int  `json:"leverage"`
	Direction     Direction `json:"direction"`
	OpenedAt      int64     `json:"openedAt"`
	FundingIndex  int       `json:"fundingIndex"`
	// OpenNotional is the gross notional admitted at open and counted in the
	// pair's open interest until the position is removed
	OpenNotional *big.Int `json:"openNotional"`
}

// Notional returns netCollateral * leverage / LeverageAccuracy
func (p *Position) Notional() *big.Int {
	return Notional(p.NetCollateral, p.Leverage)
}

func (p *Position) clone() Position {
	return Position{
		Trader:        p.Trader,
		PairID:        p.PairID,
		Slot:          p.Slot,
		EntryPrice:    new(big.Int).Set(p.EntryPrice),
		NetCollateral: new(big.Int).Set(p.NetCollateral),
		Leverage:      new(big.Int).Set(p.Leverage),
		Direction:     p.Direction,
		OpenedAt:      p.OpenedAt,
		FundingIndex:  p.FundingIndex,
		OpenNotional:  new(big.Int).Set(p.OpenNotional),
	}
}

// emptyPosition is the zero-valued record used for empty slots in bulk queries
func emptyPosition() Position {
	return Position{
		EntryPrice:    new(big.Int),
		NetCollateral: new(big.Int),
		Leverage:      new(big.Int),
		OpenNotional:  new(big.Int),
	}
}

// LimitOrder is a pending order waiting for execution
type LimitOrder struct {
	Trader     string    `json:"trader"`
	PairID     PairID    `json:"pairId"`
	Slot       int       `json:"slot"`
	Collateral *big.Int  `json:"collateral"`
	Leverage   *big.Int  `json:"leverage"`
	Direction  Direction `json:"direction"`
	LimitPrice *big.Int  `json:"limitPrice"`
}

func (o *LimitOrder) clone() LimitOrder {
	return LimitOrder{
		Trader:     o.Trader,
		PairID:     o.PairID,
		Slot:       o.Slot,
		Collateral: new(big.Int).Set(o.Collateral),
		Leverage:   new(big.Int).Set(o.Leverage),
		Direction:  o.Direction,
		LimitPrice: new(big.Int).Set(o.LimitPrice),
	}
}

func emptyLimitOrder() LimitOrder {
	return LimitOrder{
		Collateral: new(big.Int),
		Leverage:   new(big.Int),
		LimitPrice: new(big.Int),
	}
}

// Notional returns collateral * leverage / LeverageAccuracy
func Notional(collateral, leverage *big.Int) *big.Int {
	n := new(big.Int).Mul(collateral, leverage)
	return n.Quo(n, leverageAccuracy)
}
