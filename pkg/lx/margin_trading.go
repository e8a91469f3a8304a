package lx

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"
)

// CollateralToken moves the collateral asset between accounts. A returned
// error aborts the enclosing engine operation.
type CollateralToken interface {
	BalanceOf(ctx context.Context, account string) (*big.Int, error)
	Transfer(ctx context.Context, from, to string, amount *big.Int) error
}

// Metrics receives engine activity after each committed operation
type Metrics interface {
	PositionOpened(pair string, d Direction)
	PositionClosed(pair string, d Direction)
	PositionLiquidated(pair string, d Direction)
	LimitOrder(action string)
	Rejected(op, kind string)
	OpenInterest(pair string, long, short *big.Int)
	FundingRate(pair string, rate *big.Int)
	RewardsClaimed(amount *big.Int)
}

type nopMetrics struct{}

func (nopMetrics) PositionOpened(string, Direction) {}
func (nopMetrics) PositionClosed(string, Direction) {}
func (nopMetrics) PositionLiquidated(string, Direction) {}
func (nopMetrics) LimitOrder(string) {}
func (nopMetrics) Rejected(string, string) {}
func (nopMetrics) OpenInterest(string, *big.Int, *big.Int) {}
func (nopMetrics) FundingRate(string, *big.Int) {}
func (nopMetrics) RewardsClaimed(*big.Int) {}

// Config wires a MarginEngine to its collaborators
type Config struct {
	// Owner may call the admin setters
	Owner string
	// Custody is the token account holding all posted collateral
	Custody string
	Params  Params

	Oracle  Oracle
	Token   CollateralToken
	Events  EventSink
	Metrics Metrics
	// Store, when set, receives the engine state after every commit
	Store  StateStore
	Logger log.Logger
	Clock  func() time.Time
}

// MarginEngine owns every position, pending order, pair aggregate and reward
// balance. Each exported operation runs under mu and either commits all of its
// effects or none.
type MarginEngine struct {
	owner   string
	custody string
	params  Params

	oracle  Oracle
	token   CollateralToken
	events  EventSink
	metrics Metrics
	store   StateStore
	log     log.Logger
	now     func() time.Time

	pairs     map[PairID]*TradingPair
	pairOrder []PairID
	accounts  map[accountKey]*SlotInventory
	rewards   map[string]*big.Int

	sequence uint64
	pending  []Event

	mu sync.Mutex
}

// NewMarginEngine creates an engine with no listed pairs
func NewMarginEngine(cfg Config) *MarginEngine {
	me := &MarginEngine{
		owner:    cfg.Owner,
		custody:  cfg.Custody,
		params:   cfg.Params.Clone(),
		oracle:   cfg.Oracle,
		token:    cfg.Token,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		store:    cfg.Store,
		log:      cfg.Logger,
		now:      cfg.Clock,
		pairs:    make(map[PairID]*TradingPair),
		accounts: make(map[accountKey]*SlotInventory),
		rewards:  make(map[string]*big.Int),
	}
	if me.events == nil {
		me.events = nopSink{}
	}
	if me.metrics == nil {
		me.metrics = nopMetrics{}
	}
	if me.log == nil {
		me.log = log.Root().New("module", "margin")
	}
	if me.now == nil {
		me.now = time.Now
	}
	return me
}

type inFlightKey struct{}

// enter rejects calls made from inside one of this engine's own external
// calls and tags ctx so collaborators that call back are caught
func (me *MarginEngine) enter(ctx context.Context) (context.Context, error) {
	if owner, _ := ctx.Value(inFlightKey{}).(*MarginEngine); owner == me {
		return ctx, ErrReentrantCall
	}
	return context.WithValue(ctx, inFlightKey{}, me), nil
}

// OpenPosition opens a market position for trader, pulling collateral from the
// trader's token balance
func (me *MarginEngine) OpenPosition(ctx context.Context, trader string, pairID PairID, collateral, leverage *big.Int, d Direction, update OracleUpdate) (Position, error) {
	ctx, err := me.enter(ctx)
	if err != nil {
		return Position{}, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()

	pos, err := me.openPosition(ctx, trader, pairID, collateral, leverage, d, update)
	if err != nil {
		me.reject("open", err)
		return Position{}, err
	}
	me.flush()
	return pos, nil
}

func (me *MarginEngine) openPosition(ctx context.Context, trader string, pairID PairID, collateral, leverage *big.Int, d Direction, update OracleUpdate) (Position, error) {
	pair, inv, err := me.admit(trader, pairID, collateral, leverage, d, 0)
	if err != nil {
		return Position{}, err
	}
	if me.token == nil {
		return Position{}, ErrCollateralTokenNotSet
	}
	price, err := me.fetchPrice(ctx, pair, update, Opening, d)
	if err != nil {
		return Position{}, err
	}
	if err := me.transfer(ctx, trader, me.custody, collateral); err != nil {
		return Position{}, err
	}

	pos := me.commitOpen(trader, pair, inv, collateral, leverage, d, price)
	return pos.clone(), nil
}

// admit runs the shared admission checks in their fixed order. excluded is
// the number of slot items that are about to be converted and must not count
// against the cap.
func (me *MarginEngine) admit(trader string, pairID PairID, collateral, leverage *big.Int, d Direction, excluded int) (*TradingPair, *SlotInventory, error) {
	pair, ok := me.pairs[pairID]
	if !ok || pair.FeedID.IsZero() {
		return nil, nil, ErrInvalidAssetPair
	}
	if !d.Valid() {
		return nil, nil, ErrInvalidPositionType
	}
	if collateral == nil || leverage == nil || collateral.Sign() <= 0 || leverage.Sign() <= 0 {
		return nil, nil, ErrValueMustBeGreaterThanZero
	}

	notional := Notional(collateral, leverage)
	if notional.Cmp(me.params.MinimumPositionSize) < 0 {
		return nil, nil, ErrPositionSizeBelowMinimum
	}

	projected := new(big.Int).Add(pair.openInterest(d), notional)
	if projected.Cmp(pair.MaxOpenInterest) > 0 {
		if d == Long {
			return nil, nil, ErrLongPositionLimitReached
		}
		return nil, nil, ErrShortPositionLimitReached
	}

	inv := me.inventory(trader, pairID)
	if !inv.HasCapacity(excluded) {
		return nil, nil, ErrMaximumOpenPositionsReached
	}

	if leverage.Cmp(maxLeverage) > 0 {
		return nil, nil, ErrLeverageExceedsMaximum
	}
	return pair, inv, nil
}

// commitOpen applies the in-memory effects of an admitted open. It cannot fail.
func (me *MarginEngine) commitOpen(trader string, pair *TradingPair, inv *SlotInventory, collateral, leverage *big.Int, d Direction, entryPrice *big.Int) *Position {
	now := me.now().Unix()
	fee := me.params.OpeningFee(collateral, leverage)
	net := new(big.Int).Sub(collateral, fee)
	notional := Notional(collateral, leverage)

	slot := inv.NextPositionSlot()
	pos := &Position{
		Trader:        trader,
		PairID:        pair.ID,
		Slot:          slot,
		EntryPrice:    entryPrice,
		NetCollateral: net,
		Leverage:      new(big.Int).Set(leverage),
		Direction:     d,
		OpenedAt:      now,
		OpenNotional:  notional,
	}

	oi := pair.openInterest(d)
	oi.Add(oi, notional)
	pair.recordFundingSample(me.params, now)
	pos.FundingIndex = pair.Funding.Len() - 1
	inv.Positions[slot] = pos
	me.storeInventory(trader, pair.ID, inv)

	me.emit(Event{
		Type:       EventPositionOpened,
		PairID:     pair.ID,
		Trader:     trader,
		Slot:       slot,
		Direction:  d,
		Collateral: new(big.Int).Set(net),
		Leverage:   new(big.Int).Set(leverage),
		Price:      new(big.Int).Set(entryPrice),
	})
	me.emitOpenInterest(pair)
	me.metrics.PositionOpened(pair.Symbol, d)

	me.log.Info("position opened",
		"trader", trader,
		"pair", pair.Symbol,
		"slot", slot,
		"direction", d.String(),
		"netCollateral", net.String(),
		"leverage", leverage.String(),
		"entryPrice", entryPrice.String(),
	)
	return pos
}

// ClosePosition settles the position in slot and pays any positive
// profit/loss to the trader. A non-positive result pays nothing.
func (me *MarginEngine) ClosePosition(ctx context.Context, trader string, pairID PairID, slot int, update OracleUpdate) (*big.Int, error) {
	ctx, err := me.enter(ctx)
	if err != nil {
		return nil, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()

	pnl, err := me.closePosition(ctx, trader, pairID, slot, update)
	if err != nil {
		me.reject("close", err)
		return nil, err
	}
	me.flush()
	return pnl, nil
}

func (me *MarginEngine) closePosition(ctx context.Context, trader string, pairID PairID, slot int, update OracleUpdate) (*big.Int, error) {
	pair, inv, pos, err := me.lookupPosition(trader, pairID, slot)
	if err != nil {
		return nil, err
	}
	if me.token == nil {
		return nil, ErrCollateralTokenNotSet
	}
	profitLoss, err := me.settlement(ctx, pair, pos, update)
	if err != nil {
		return nil, err
	}
	if profitLoss.Sign() > 0 {
		if err := me.transfer(ctx, me.custody, trader, profitLoss); err != nil {
			return nil, err
		}
	}

	me.commitRemove(pair, inv, pos)
	me.emit(Event{
		Type:       EventPositionClosed,
		PairID:     pairID,
		Trader:     trader,
		Slot:       slot,
		Direction:  pos.Direction,
		ProfitLoss: new(big.Int).Set(profitLoss),
	})
	me.emitOpenInterest(pair)
	me.metrics.PositionClosed(pair.Symbol, pos.Direction)
	me.log.Info("position closed",
		"trader", trader,
		"pair", pair.Symbol,
		"slot", slot,
		"profitLoss", profitLoss.String(),
	)
	return profitLoss, nil
}

// LiquidatePosition removes a position whose value has reached zero and
// credits the liquidator's reward balance
func (me *MarginEngine) LiquidatePosition(ctx context.Context, liquidator, trader string, pairID PairID, slot int, update OracleUpdate) (*big.Int, error) {
	ctx, err := me.enter(ctx)
	if err != nil {
		return nil, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()

	reward, err := me.liquidatePosition(ctx, liquidator, trader, pairID, slot, update)
	if err != nil {
		me.reject("liquidate", err)
		return nil, err
	}
	me.flush()
	return reward, nil
}

func (me *MarginEngine) liquidatePosition(ctx context.Context, liquidator, trader string, pairID PairID, slot int, update OracleUpdate) (*big.Int, error) {
	pair, inv, pos, err := me.lookupPosition(trader, pairID, slot)
	if err != nil {
		return nil, err
	}
	profitLoss, err := me.settlement(ctx, pair, pos, update)
	if err != nil {
		return nil, err
	}
	if profitLoss.Sign() > 0 {
		return nil, &NotLiquidatableError{ProfitLoss: profitLoss}
	}

	reward := me.params.LiquidationReward(pos.Notional())
	me.commitRemove(pair, inv, pos)
	me.creditReward(liquidator, reward)

	me.emit(Event{
		Type:       EventPositionLiquidated,
		PairID:     pairID,
		Trader:     trader,
		Executor:   liquidator,
		Slot:       slot,
		Direction:  pos.Direction,
		ProfitLoss: new(big.Int).Set(profitLoss),
		Reward:     new(big.Int).Set(reward),
	})
	me.emitOpenInterest(pair)
	me.metrics.PositionLiquidated(pair.Symbol, pos.Direction)
	me.log.Info("position liquidated",
		"trader", trader,
		"liquidator", liquidator,
		"pair", pair.Symbol,
		"slot", slot,
		"profitLoss", profitLoss.String(),
		"reward", reward.String(),
	)
	return reward, nil
}

// PositionProfitLoss previews the close settlement of a position without
// changing any state. liquidatable is true when the result is not positive.
func (me *MarginEngine) PositionProfitLoss(ctx context.Context, trader string, pairID PairID, slot int, update OracleUpdate) (profitLoss *big.Int, liquidatable bool, err error) {
	ctx, err = me.enter(ctx)
	if err != nil {
		return nil, false, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()

	pair, _, pos, err := me.lookupPosition(trader, pairID, slot)
	if err != nil {
		return nil, false, err
	}
	profitLoss, err = me.settlement(ctx, pair, pos, update)
	if err != nil {
		return nil, false, err
	}
	return profitLoss, profitLoss.Sign() <= 0, nil
}

// settlement prices the position at the closing-side oracle price and returns
// its profit/loss net of the opening fee charged again on close
func (me *MarginEngine) settlement(ctx context.Context, pair *TradingPair, pos *Position, update OracleUpdate) (*big.Int, error) {
	price, err := me.fetchPrice(ctx, pair, update, Closing, pos.Direction)
	if err != nil {
		return nil, err
	}
	now := me.now().Unix()
	rate := EffectiveRate(pos.Direction, pair.Funding.AverageRate(pos.FundingIndex, now), me.params)
	pnl := ProfitLoss(*pos, price, rate, now)
	return pnl.Sub(pnl, me.params.OpeningFee(pos.NetCollateral, pos.Leverage)), nil
}

// ProfitLoss values a position at closePrice after deducting the interest
// accrued at rate since it was opened
func ProfitLoss(pos Position, closePrice, rate *big.Int, now int64) *big.Int {
	interest := InterestAmount(rate, pos.Leverage, pos.NetCollateral, now-pos.OpenedAt)

	move := new(big.Int).Sub(pos.EntryPrice, closePrice)
	move.Mul(pos.Leverage, move)
	move.Mul(move, pos.NetCollateral)
	move.Quo(move, pos.EntryPrice)
	move.Quo(move, leverageAccuracy)

	pnl := new(big.Int).Sub(pos.NetCollateral, interest)
	if pos.Direction == Long {
		return pnl.Sub(pnl, move)
	}
	return pnl.Add(pnl, move)
}

// commitRemove empties the slot, releases the open interest added at open and
// records a new funding sample. It cannot fail.
func (me *MarginEngine) commitRemove(pair *TradingPair, inv *SlotInventory, pos *Position) {
	now := me.now().Unix()
	inv.Positions[pos.Slot] = nil
	me.storeInventory(pos.Trader, pair.ID, inv)

	oi := pair.openInterest(pos.Direction)
	oi.Sub(oi, pos.OpenNotional)
	pair.recordFundingSample(me.params, now)
}

func (me *MarginEngine) lookupPosition(trader string, pairID PairID, slot int) (*TradingPair, *SlotInventory, *Position, error) {
	if !validSlot(slot) {
		return nil, nil, nil, ErrPositionDoesNotExist
	}
	pair, ok := me.pairs[pairID]
	if !ok {
		return nil, nil, nil, ErrPositionDoesNotExist
	}
	inv, ok := me.accounts[accountKey{trader, pairID}]
	if !ok || inv.Positions[slot] == nil {
		return nil, nil, nil, ErrPositionDoesNotExist
	}
	return pair, inv, inv.Positions[slot], nil
}

func (me *MarginEngine) fetchPrice(ctx context.Context, pair *TradingPair, update OracleUpdate, mode PriceMode, d Direction) (*big.Int, error) {
	if me.oracle == nil {
		return nil, fmt.Errorf("%w: no oracle configured", ErrInvalidOraclePrice)
	}
	q, err := me.oracle.GetPrice(ctx, update, pair.FeedID)
	if err != nil {
		return nil, fmt.Errorf("oracle %s: %w", pair.Symbol, err)
	}
	return AdjustPrice(q, mode, d)
}

func (me *MarginEngine) transfer(ctx context.Context, from, to string, amount *big.Int) error {
	if err := me.token.Transfer(ctx, from, to, amount); err != nil {
		return fmt.Errorf("%w: %s -> %s %s: %v", ErrTokenTransferFailed, from, to, amount, err)
	}
	return nil
}

// inventory returns the slot set of (trader, pair). A fresh set is not stored
// until something is committed into it.
func (me *MarginEngine) inventory(trader string, pairID PairID) *SlotInventory {
	if inv, ok := me.accounts[accountKey{trader, pairID}]; ok {
		return inv
	}
	return &SlotInventory{}
}

func (me *MarginEngine) storeInventory(trader string, pairID PairID, inv *SlotInventory) {
	key := accountKey{trader, pairID}
	if inv.Empty() {
		delete(me.accounts, key)
		return
	}
	me.accounts[key] = inv
}

func (me *MarginEngine) creditReward(executor string, amount *big.Int) {
	bal, ok := me.rewards[executor]
	if !ok {
		bal = new(big.Int)
		me.rewards[executor] = bal
	}
	bal.Add(bal, amount)
}

func (me *MarginEngine) emitOpenInterest(pair *TradingPair) {
	rate := pair.Funding.Latest()
	me.emit(Event{
		Type:              EventOpenInterestChanged,
		PairID:            pair.ID,
		LongOpenInterest:  new(big.Int).Set(pair.LongOpenInterest),
		ShortOpenInterest: new(big.Int).Set(pair.ShortOpenInterest),
		FundingRate:       rate,
	})
	me.metrics.OpenInterest(pair.Symbol, pair.LongOpenInterest, pair.ShortOpenInterest)
	me.metrics.FundingRate(pair.Symbol, rate)
}

// emit queues an event of the operation in flight
func (me *MarginEngine) emit(ev Event) {
	me.pending = append(me.pending, ev)
}

// flush publishes the queued events of a committed operation and checkpoints
// the resulting state
func (me *MarginEngine) flush() {
	ts := me.now().Unix()
	for _, ev := range me.pending {
		me.sequence++
		ev.ID = uuid.NewString()
		ev.Sequence = me.sequence
		ev.Timestamp = ts
		me.events.Publish(ev)
	}
	me.pending = me.pending[:0]
	me.checkpoint()
}

func (me *MarginEngine) reject(op string, err error) {
	me.pending = me.pending[:0]
	kind := ErrorKind(err)
	if kind == "" {
		kind = "Other"
	}
	me.metrics.Rejected(op, kind)
	me.log.Debug("operation rejected", "op", op, "kind", kind, "error", err)
}

func (me *MarginEngine) sortedPairs() []PairID {
	if len(me.pairOrder) != len(me.pairs) {
		me.pairOrder = me.pairOrder[:0]
		for id := range me.pairs {
			me.pairOrder = append(me.pairOrder, id)
		}
		sort.Slice(me.pairOrder, func(i, j int) bool { return me.pairOrder[i] < me.pairOrder[j] })
	}
	return me.pairOrder
}
