package lx

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
)

var ErrInvalidState = errors.New("invalid engine state")

// State is a copy of everything the engine owns apart from its collaborators
type State struct {
	Owner     string              `json:"owner"`
	Params    Params              `json:"params"`
	Sequence  uint64              `json:"sequence"`
	Pairs     []PairState         `json:"pairs"`
	Positions []Position          `json:"positions"`
	Orders    []LimitOrder        `json:"orders"`
	Rewards   map[string]*big.Int `json:"rewards,omitempty"`
}

// PairState is the persisted aggregate of one pair, funding history included
type PairState struct {
	ID                PairID          `json:"id"`
	Symbol            string          `json:"symbol"`
	FeedID            FeedID          `json:"feedId"`
	LongOpenInterest  *big.Int        `json:"longOpenInterest"`
	ShortOpenInterest *big.Int        `json:"shortOpenInterest"`
	MaxOpenInterest   *big.Int        `json:"maxOpenInterest"`
	Funding           []FundingSample `json:"funding,omitempty"`
}

// StateStore persists the engine state. SaveState is called with the engine
// locked after every committed operation; an error is logged, the operation
// stays committed.
type StateStore interface {
	SaveState(State) error
}

// Snapshot returns a deep copy of the engine state
func (me *MarginEngine) Snapshot() State {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.snapshot()
}

func (me *MarginEngine) snapshot() State {
	s := State{
		Owner:    me.owner,
		Params:   me.params.Clone(),
		Sequence: me.sequence,
		Rewards:  make(map[string]*big.Int, len(me.rewards)),
	}
	for _, id := range me.sortedPairs() {
		pair := me.pairs[id]
		s.Pairs = append(s.Pairs, PairState{
			ID:                pair.ID,
			Symbol:            pair.Symbol,
			FeedID:            pair.FeedID,
			LongOpenInterest:  new(big.Int).Set(pair.LongOpenInterest),
			ShortOpenInterest: new(big.Int).Set(pair.ShortOpenInterest),
			MaxOpenInterest:   new(big.Int).Set(pair.MaxOpenInterest),
			Funding:           pair.Funding.Samples(),
		})
	}
	for _, key := range me.sortedAccounts() {
		inv := me.accounts[key]
		for _, pos := range inv.Positions {
			if pos != nil {
				s.Positions = append(s.Positions, pos.clone())
			}
		}
		for _, order := range inv.Orders {
			if order != nil {
				s.Orders = append(s.Orders, order.clone())
			}
		}
	}
	for executor, bal := range me.rewards {
		s.Rewards[executor] = new(big.Int).Set(bal)
	}
	return s
}

// Restore loads s into an engine that has no pairs yet. Nothing is emitted and
// the store is not written; the event sequence continues from s.Sequence.
func (me *MarginEngine) Restore(s State) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if len(me.pairs) != 0 {
		return fmt.Errorf("%w: engine already has pairs", ErrInvalidState)
	}
	if err := validParams(s.Params); err != nil {
		return err
	}

	pairs := make(map[PairID]*TradingPair, len(s.Pairs))
	for _, ps := range s.Pairs {
		if _, dup := pairs[ps.ID]; dup {
			return fmt.Errorf("%w: pair %d listed twice", ErrInvalidState, ps.ID)
		}
		if ps.FeedID.IsZero() || !nonNegative(ps.LongOpenInterest, ps.ShortOpenInterest, ps.MaxOpenInterest) {
			return fmt.Errorf("%w: pair %d", ErrInvalidState, ps.ID)
		}
		pair := newTradingPair(ps.ID, ps.Symbol, ps.FeedID, ps.MaxOpenInterest)
		pair.LongOpenInterest.Set(ps.LongOpenInterest)
		pair.ShortOpenInterest.Set(ps.ShortOpenInterest)
		for _, sample := range ps.Funding {
			if sample.Rate == nil {
				return fmt.Errorf("%w: pair %d funding sample", ErrInvalidState, ps.ID)
			}
			pair.Funding.Append(sample.Rate, sample.Timestamp)
		}
		pairs[ps.ID] = pair
	}

	accounts := make(map[accountKey]*SlotInventory)
	slotFor := func(trader string, id PairID, slot int) (*SlotInventory, error) {
		if _, ok := pairs[id]; !ok || trader == "" || !validSlot(slot) {
			return nil, fmt.Errorf("%w: %s pair %d slot %d", ErrInvalidState, trader, id, slot)
		}
		key := accountKey{trader, id}
		inv, ok := accounts[key]
		if !ok {
			inv = &SlotInventory{}
			accounts[key] = inv
		}
		return inv, nil
	}

	for i := range s.Positions {
		saved := &s.Positions[i]
		if !saved.Direction.Valid() || !positive(saved.EntryPrice, saved.Leverage) || !nonNegative(saved.NetCollateral, saved.OpenNotional) {
			return fmt.Errorf("%w: position %s pair %d slot %d", ErrInvalidState, saved.Trader, saved.PairID, saved.Slot)
		}
		pos := saved.clone()
		inv, err := slotFor(pos.Trader, pos.PairID, pos.Slot)
		if err != nil {
			return err
		}
		if inv.Positions[pos.Slot] != nil {
			return fmt.Errorf("%w: position slot %d of %s reused", ErrInvalidState, pos.Slot, pos.Trader)
		}
		inv.Positions[pos.Slot] = &pos
	}
	for i := range s.Orders {
		saved := &s.Orders[i]
		if !saved.Direction.Valid() || !positive(saved.Collateral, saved.Leverage, saved.LimitPrice) {
			return fmt.Errorf("%w: order %s pair %d slot %d", ErrInvalidState, saved.Trader, saved.PairID, saved.Slot)
		}
		order := saved.clone()
		inv, err := slotFor(order.Trader, order.PairID, order.Slot)
		if err != nil {
			return err
		}
		if inv.Orders[order.Slot] != nil {
			return fmt.Errorf("%w: order slot %d of %s reused", ErrInvalidState, order.Slot, order.Trader)
		}
		inv.Orders[order.Slot] = &order
	}
	for key, inv := range accounts {
		if inv.ActiveCount() > SlotsPerPair {
			return fmt.Errorf("%w: %s holds %d items on pair %d", ErrInvalidState, key.trader, inv.ActiveCount(), key.pair)
		}
	}

	rewards := make(map[string]*big.Int, len(s.Rewards))
	for executor, bal := range s.Rewards {
		if !nonNegative(bal) {
			return fmt.Errorf("%w: reward balance of %s", ErrInvalidState, executor)
		}
		if bal.Sign() > 0 {
			rewards[executor] = new(big.Int).Set(bal)
		}
	}

	me.owner = s.Owner
	me.params = s.Params.Clone()
	me.sequence = s.Sequence
	me.pairs = pairs
	me.pairOrder = nil
	me.accounts = accounts
	me.rewards = rewards

	me.log.Info("engine state restored",
		"pairs", len(pairs),
		"positions", len(s.Positions),
		"orders", len(s.Orders),
		"sequence", s.Sequence,
	)
	return nil
}

// checkpoint hands the committed state to the store, if any
func (me *MarginEngine) checkpoint() {
	if me.store == nil {
		return
	}
	if err := me.store.SaveState(me.snapshot()); err != nil {
		me.log.Error("engine state not saved", "sequence", me.sequence, "error", err)
	}
}

func (me *MarginEngine) sortedAccounts() []accountKey {
	keys := make([]accountKey, 0, len(me.accounts))
	for key := range me.accounts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].trader != keys[j].trader {
			return keys[i].trader < keys[j].trader
		}
		return keys[i].pair < keys[j].pair
	})
	return keys
}

func validParams(p Params) error {
	for _, v := range []*big.Int{
		p.OpeningFeeRate, p.BaseInterestRate, p.VariableInterestRate, p.MaxInterestRate,
		p.MinimumPositionSize, p.MaximumSlippage, p.BaseExecutionReward, p.ExecutionRewardRate,
	} {
		if !nonNegative(v) {
			return fmt.Errorf("%w: params", ErrInvalidState)
		}
	}
	return nil
}

func nonNegative(xs ...*big.Int) bool {
	for _, x := range xs {
		if x == nil || x.Sign() < 0 {
			return false
		}
	}
	return true
}

func positive(xs ...*big.Int) bool {
	for _, x := range xs {
		if x == nil || x.Sign() <= 0 {
			return false
		}
	}
	return true
}
