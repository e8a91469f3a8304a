package lx

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPosition(t *testing.T) {
	t.Run("NetsOpeningFee", func(t *testing.T) {
		h := newHarness(t)
		pos := h.open(t, alice, 1, e18(1000), lev(10), Long)

		assert.Equal(t, 0, pos.Slot)
		assert.Equal(t, e18(990).String(), pos.NetCollateral.String())
		assert.Equal(t, int64(2000_00000000), pos.EntryPrice.Int64())
		assert.Equal(t, Long, pos.Direction)
		assert.Equal(t, h.clock.Now().Unix(), pos.OpenedAt)
		assert.Equal(t, 0, pos.FundingIndex)

		assert.Equal(t, e18(99_000).String(), h.token.balance(alice).String())
		assert.Equal(t, e18(1000).String(), h.token.balance(testCustody).String())

		long, short, err := h.engine.OpenInterest(1)
		require.NoError(t, err)
		// gross notional, before the opening fee
		assert.Equal(t, e18(10_000).String(), long.String())
		assert.Zero(t, short.Sign())
		assert.Equal(t, e18(10_000).String(), pos.OpenNotional.String())

		history, err := h.engine.FundingHistory(1)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("FeeTruncation", func(t *testing.T) {
		h := newHarness(t)
		collateral := bigStr(t, "123456789000000000000")
		pos := h.open(t, alice, 1, collateral, big.NewInt(3_500_000), Short)
		assert.Equal(t, "123024690238500000000", pos.NetCollateral.String())

		// netCollateral = collateral - collateral*leverage/1e6*feeRate/1e6
		fee := Notional(collateral, big.NewInt(3_500_000))
		fee.Mul(fee, DefaultParams().OpeningFeeRate)
		fee.Quo(fee, feeAccuracy)
		assert.Equal(t, new(big.Int).Sub(collateral, fee).String(), pos.NetCollateral.String())
	})

	t.Run("ConfidenceAgainstTrader", func(t *testing.T) {
		h := newHarness(t)
		h.oracle.set(btcFeed, Quote{Price: 2000_00000000, Confidence: 50_000000, Exponent: -8})

		long := h.open(t, alice, 1, e18(100), lev(2), Long)
		short := h.open(t, alice, 1, e18(100), lev(2), Short)
		assert.Equal(t, int64(2000_50000000), long.EntryPrice.Int64())
		assert.Equal(t, int64(1999_50000000), short.EntryPrice.Int64())
		assert.Equal(t, 1, short.Slot)
	})

	t.Run("EmitsEvents", func(t *testing.T) {
		h := newHarness(t)
		h.open(t, alice, 1, e18(1000), lev(10), Long)

		events := h.recorder.Events()
		require.Len(t, events, 2)
		assert.Equal(t, EventPositionOpened, events[0].Type)
		assert.Equal(t, alice, events[0].Trader)
		assert.Equal(t, e18(990).String(), events[0].Collateral.String())
		assert.Equal(t, EventOpenInterestChanged, events[1].Type)
		assert.Equal(t, e18(10_000).String(), events[1].LongOpenInterest.String())
		assert.Equal(t, events[0].Sequence+1, events[1].Sequence)
		assert.NotEmpty(t, events[0].ID)
		assert.NotEqual(t, events[0].ID, events[1].ID)
	})
}

func TestAdmission(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		pair       PairID
		dir        Direction
		collateral *big.Int
		leverage   *big.Int
		want       error
	}{
		{"unknown pair wins over everything", 99, Direction(7), new(big.Int), new(big.Int), ErrInvalidAssetPair},
		{"direction", 1, Direction(7), new(big.Int), new(big.Int), ErrInvalidPositionType},
		{"zero collateral", 1, Long, new(big.Int), lev(10), ErrValueMustBeGreaterThanZero},
		{"zero leverage", 1, Long, e18(10), new(big.Int), ErrValueMustBeGreaterThanZero},
		{"negative collateral", 1, Short, e18(-10), lev(10), ErrValueMustBeGreaterThanZero},
		{"below minimum", 1, Long, e18(1), lev(10), ErrPositionSizeBelowMinimum},
		{"cap before leverage", 1, Long, e18(10_000), big.NewInt(MaxLeverage + 1), ErrLongPositionLimitReached},
		{"short cap", 1, Short, e18(10_000), big.NewInt(MaxLeverage + 1), ErrShortPositionLimitReached},
		{"leverage", 1, Long, e18(10), big.NewInt(MaxLeverage + 1), ErrLeverageExceedsMaximum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.engine.OpenPosition(ctx, alice, tt.pair, tt.collateral, tt.leverage, tt.dir, OracleUpdate{})
			assert.ErrorIs(t, err, tt.want)

			// admission runs before any external call
			assert.Zero(t, h.oracle.calls)
			assert.Zero(t, h.token.calls)
			assert.Empty(t, h.recorder.Events())
		})
	}

	t.Run("MaxLeverageBoundary", func(t *testing.T) {
		h := newHarness(t)
		pos := h.open(t, alice, 1, e18(10), big.NewInt(150_000_000), Long)
		assert.Equal(t, int64(150_000_000), pos.Leverage.Int64())

		_, err := h.engine.OpenPosition(ctx, alice, 1, e18(10), big.NewInt(150_000_001), Long, OracleUpdate{})
		assert.ErrorIs(t, err, ErrLeverageExceedsMaximum)
	})

	t.Run("OpenInterestCap", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.engine.SetMaxOpenInterest(testOwner, 1, e18(500_000)))

		// 490,000 notional
		h.open(t, alice, 1, e18(49_000), lev(10), Long)

		// 20,000 more would exceed 500,000
		_, err := h.engine.OpenPosition(ctx, alice, 1, e18(2_000), lev(10), Long, OracleUpdate{})
		assert.ErrorIs(t, err, ErrLongPositionLimitReached)

		// 14,000 more would too, even though the net notional of the first
		// position leaves room for it
		_, err = h.engine.OpenPosition(ctx, alice, 1, e18(1_400), lev(10), Long, OracleUpdate{})
		assert.ErrorIs(t, err, ErrLongPositionLimitReached)

		long, _, err := h.engine.OpenInterest(1)
		require.NoError(t, err)
		assert.Equal(t, e18(490_000).String(), long.String())

		// exactly at the cap is admitted
		h.open(t, alice, 1, e18(1_000), lev(10), Long)

		// the other side is capped independently
		h.open(t, bob, 1, e18(2_000), lev(10), Short)
	})

	t.Run("OpenInterestReleasedExactly", func(t *testing.T) {
		h := newHarness(t)
		collateral := bigStr(t, "123456789000000000000")
		a := h.open(t, alice, 1, collateral, big.NewInt(3_500_000), Long)
		b := h.open(t, bob, 1, e18(700), big.NewInt(150_000_000), Long)

		long, _, err := h.engine.OpenInterest(1)
		require.NoError(t, err)
		want := new(big.Int).Add(Notional(collateral, big.NewInt(3_500_000)), Notional(e18(700), big.NewInt(150_000_000)))
		assert.Equal(t, want.String(), long.String())

		_, err = h.engine.ClosePosition(ctx, alice, 1, a.Slot, OracleUpdate{})
		require.NoError(t, err)
		long, _, err = h.engine.OpenInterest(1)
		require.NoError(t, err)
		assert.Equal(t, b.OpenNotional.String(), long.String())

		_, err = h.engine.ClosePosition(ctx, bob, 1, b.Slot, OracleUpdate{})
		require.NoError(t, err)
		long, _, err = h.engine.OpenInterest(1)
		require.NoError(t, err)
		assert.Zero(t, long.Sign())
	})

	t.Run("SlotCapacity", func(t *testing.T) {
		h := newHarness(t)
		for i := 0; i < SlotsPerPair; i++ {
			order, err := h.engine.CreateLimitOrder(ctx, alice, 1, e18(100), lev(2), Long, big.NewInt(2000_00000000))
			require.NoError(t, err)
			assert.Equal(t, i, order.Slot)
		}

		_, err := h.engine.OpenPosition(ctx, alice, 1, e18(100), lev(2), Long, OracleUpdate{})
		assert.ErrorIs(t, err, ErrMaximumOpenPositionsReached)
		_, err = h.engine.CreateLimitOrder(ctx, alice, 1, e18(100), lev(2), Long, big.NewInt(2000_00000000))
		assert.ErrorIs(t, err, ErrMaximumOpenPositionsReached)

		// other pairs and traders are unaffected
		h.open(t, alice, 2, e18(100), lev(2), Long)
		h.open(t, bob, 1, e18(100), lev(2), Long)
	})

	t.Run("MixedCapacity", func(t *testing.T) {
		h := newHarness(t)
		h.open(t, alice, 1, e18(100), lev(2), Long)
		h.open(t, alice, 1, e18(100), lev(2), Short)
		_, err := h.engine.CreateLimitOrder(ctx, alice, 1, e18(100), lev(2), Long, big.NewInt(1))
		require.NoError(t, err)

		_, err = h.engine.OpenPosition(ctx, alice, 1, e18(100), lev(2), Long, OracleUpdate{})
		assert.ErrorIs(t, err, ErrMaximumOpenPositionsReached)
	})
}

func TestClosePosition(t *testing.T) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		h := newHarness(t)
		pos := h.open(t, alice, 1, e18(1000), lev(10), Long)

		pnl, err := h.engine.ClosePosition(ctx, alice, 1, pos.Slot, OracleUpdate{})
		require.NoError(t, err)

		want := new(big.Int).Sub(pos.NetCollateral, DefaultParams().OpeningFee(pos.NetCollateral, pos.Leverage))
		assert.Equal(t, want.String(), pnl.String())
		assert.Equal(t, "980100000000000000000", pnl.String())
		assert.Equal(t, "99980100000000000000000", h.token.balance(alice).String())

		_, ok := h.engine.Position(alice, 1, pos.Slot)
		assert.False(t, ok)

		long, short, err := h.engine.OpenInterest(1)
		require.NoError(t, err)
		assert.Zero(t, long.Sign())
		assert.Zero(t, short.Sign())

		history, err := h.engine.FundingHistory(1)
		require.NoError(t, err)
		assert.Empty(t, history)

		closed := h.recorder.OfType(EventPositionClosed)
		require.Len(t, closed, 1)
		assert.Equal(t, pnl.String(), closed[0].ProfitLoss.String())
	})

	t.Run("ShortProfit", func(t *testing.T) {
		h := newHarness(t)
		h.token.mint(testCustody, e18(10_000))
		pos := h.open(t, alice, 1, e18(1000), lev(10), Short)
		h.oracle.set(btcFeed, quote(1800))

		pnl, err := h.engine.ClosePosition(ctx, alice, 1, pos.Slot, OracleUpdate{})
		require.NoError(t, err)
		assert.Equal(t, "1970100000000000000000", pnl.String())
	})

	t.Run("InterestAccrues", func(t *testing.T) {
		h := newHarness(t)
		pos := h.open(t, alice, 1, e18(1000), lev(10), Long)
		h.clock.Advance(time.Hour)

		pnl, err := h.engine.ClosePosition(ctx, alice, 1, pos.Slot, OracleUpdate{})
		require.NoError(t, err)
		// 990 - 0.099 interest - 9.9 fee
		assert.Equal(t, "980001000000000000000", pnl.String())
	})

	t.Run("LossPaysNothing", func(t *testing.T) {
		h := newHarness(t)
		pos := h.open(t, alice, 1, e18(1000), lev(10), Long)
		h.oracle.set(btcFeed, quote(1700))
		before := h.token.balance(alice)
		calls := h.token.calls

		pnl, err := h.engine.ClosePosition(ctx, alice, 1, pos.Slot, OracleUpdate{})
		require.NoError(t, err)
		assert.Equal(t, "-504900000000000000000", pnl.String())
		assert.Equal(t, before.String(), h.token.balance(alice).String())
		assert.Equal(t, calls, h.token.calls)
	})

	t.Run("DoesNotExist", func(t *testing.T) {
		h := newHarness(t)
		h.open(t, alice, 1, e18(1000), lev(10), Long)
		before := h.token.balance(testCustody)

		for _, slot := range []int{1, 2, -1, SlotsPerPair} {
			_, err := h.engine.ClosePosition(ctx, alice, 1, slot, OracleUpdate{})
			assert.ErrorIs(t, err, ErrPositionDoesNotExist, "slot %d", slot)
		}
		_, err := h.engine.ClosePosition(ctx, bob, 1, 0, OracleUpdate{})
		assert.ErrorIs(t, err, ErrPositionDoesNotExist)
		_, err = h.engine.ClosePosition(ctx, alice, 42, 0, OracleUpdate{})
		assert.ErrorIs(t, err, ErrPositionDoesNotExist)

		assert.Equal(t, before.String(), h.token.balance(testCustody).String())
	})

	t.Run("SlotReuse", func(t *testing.T) {
		h := newHarness(t)
		h.open(t, alice, 1, e18(100), lev(2), Long)
		h.open(t, alice, 1, e18(100), lev(2), Long)
		h.open(t, alice, 1, e18(100), lev(2), Long)

		_, err := h.engine.ClosePosition(ctx, alice, 1, 1, OracleUpdate{})
		require.NoError(t, err)
		pos := h.open(t, alice, 1, e18(100), lev(2), Short)
		assert.Equal(t, 1, pos.Slot)
	})

	t.Run("TransferFailureKeepsPosition", func(t *testing.T) {
		h := newHarness(t)
		pos := h.open(t, alice, 1, e18(1000), lev(10), Long)
		h.recorder.Reset()
		h.token.fail = errors.New("paused")

		_, err := h.engine.ClosePosition(ctx, alice, 1, pos.Slot, OracleUpdate{})
		assert.ErrorIs(t, err, ErrTokenTransferFailed)

		_, ok := h.engine.Position(alice, 1, pos.Slot)
		assert.True(t, ok)
		long, _, err := h.engine.OpenInterest(1)
		require.NoError(t, err)
		assert.Equal(t, e18(10_000).String(), long.String())
		assert.Empty(t, h.recorder.Events())
	})
}

func TestLiquidatePosition(t *testing.T) {
	ctx := context.Background()

	t.Run("NotEligible", func(t *testing.T) {
		h := newHarness(t)
		pos := h.open(t, alice, 1, e18(1000), lev(10), Long)
		h.recorder.Reset()

		_, err := h.engine.LiquidatePosition(ctx, keeper, alice, 1, pos.Slot, OracleUpdate{})
		require.ErrorIs(t, err, ErrPositionNotEligibleForLiquidation)

		var nle *NotLiquidatableError
		require.True(t, errors.As(err, &nle))
		assert.Equal(t, "980100000000000000000", nle.ProfitLoss.String())

		_, ok := h.engine.Position(alice, 1, pos.Slot)
		assert.True(t, ok)
		assert.Zero(t, h.engine.RewardBalance(keeper).Sign())
		assert.Empty(t, h.recorder.Events())
	})

	t.Run("Liquidates", func(t *testing.T) {
		h := newHarness(t)
		pos := h.open(t, alice, 1, e18(1000), lev(10), Long)
		h.oracle.set(btcFeed, quote(1700))

		pnl, liquidatable, err := h.engine.PositionProfitLoss(ctx, alice, 1, pos.Slot, OracleUpdate{})
		require.NoError(t, err)
		assert.True(t, liquidatable)
		assert.Equal(t, "-504900000000000000000", pnl.String())

		reward, err := h.engine.LiquidatePosition(ctx, keeper, alice, 1, pos.Slot, OracleUpdate{})
		require.NoError(t, err)
		// base 1 + 1000ppm of 9900 notional
		assert.Equal(t, "10900000000000000000", reward.String())
		assert.Equal(t, reward.String(), h.engine.RewardBalance(keeper).String())

		_, ok := h.engine.Position(alice, 1, pos.Slot)
		assert.False(t, ok)
		long, _, err := h.engine.OpenInterest(1)
		require.NoError(t, err)
		assert.Zero(t, long.Sign())

		liquidated := h.recorder.OfType(EventPositionLiquidated)
		require.Len(t, liquidated, 1)
		assert.Equal(t, keeper, liquidated[0].Executor)
		assert.Equal(t, reward.String(), liquidated[0].Reward.String())
	})

	t.Run("Missing", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.LiquidatePosition(ctx, keeper, alice, 1, 0, OracleUpdate{})
		assert.ErrorIs(t, err, ErrPositionDoesNotExist)
	})
}

func TestFundingHistoryLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a := h.open(t, alice, 1, e18(1000), lev(10), Long)
	b := h.open(t, bob, 1, e18(1000), lev(10), Short)
	assert.Equal(t, 1, b.FundingIndex)

	history, err := h.engine.FundingHistory(1)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = h.engine.ClosePosition(ctx, alice, 1, a.Slot, OracleUpdate{})
	require.NoError(t, err)
	history, err = h.engine.FundingHistory(1)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	_, err = h.engine.ClosePosition(ctx, bob, 1, b.Slot, OracleUpdate{})
	require.NoError(t, err)
	history, err = h.engine.FundingHistory(1)
	require.NoError(t, err)
	assert.Empty(t, history)

	rate, err := h.engine.CurrentFundingRate(1)
	require.NoError(t, err)
	assert.Zero(t, rate.Sign())

	_, err = h.engine.FundingHistory(9)
	assert.ErrorIs(t, err, ErrInvalidAssetPair)
}

func TestExternalFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("TokenTransfer", func(t *testing.T) {
		h := newHarness(t)
		h.token.fail = errors.New("paused")

		_, err := h.engine.OpenPosition(ctx, alice, 1, e18(1000), lev(10), Long, OracleUpdate{})
		assert.ErrorIs(t, err, ErrTokenTransferFailed)
		assert.Equal(t, "TokenTransferFailed", ErrorKind(err))

		_, ok := h.engine.Position(alice, 1, 0)
		assert.False(t, ok)
		long, _, _ := h.engine.OpenInterest(1)
		assert.Zero(t, long.Sign())
		history, _ := h.engine.FundingHistory(1)
		assert.Empty(t, history)
		assert.Empty(t, h.recorder.Events())
	})

	t.Run("InsufficientBalance", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.OpenPosition(ctx, "nobody", 1, e18(1000), lev(10), Long, OracleUpdate{})
		assert.ErrorIs(t, err, ErrTokenTransferFailed)
	})

	t.Run("Oracle", func(t *testing.T) {
		h := newHarness(t)
		h.oracle.err = errors.New("bad signature")

		_, err := h.engine.OpenPosition(ctx, alice, 1, e18(1000), lev(10), Long, OracleUpdate{})
		assert.Error(t, err)
		assert.Zero(t, h.token.calls)
	})

	t.Run("InvalidPrice", func(t *testing.T) {
		h := newHarness(t)
		h.oracle.set(btcFeed, Quote{Price: 0, Exponent: -8})

		_, err := h.engine.OpenPosition(ctx, alice, 1, e18(1000), lev(10), Long, OracleUpdate{})
		assert.ErrorIs(t, err, ErrInvalidOraclePrice)
		assert.Zero(t, h.token.calls)
	})

	t.Run("Reentrancy", func(t *testing.T) {
		h := newHarness(t)
		var reentered, claimed error
		h.token.hook = func(ctx context.Context) {
			_, reentered = h.engine.OpenPosition(ctx, alice, 1, e18(1000), lev(10), Long, OracleUpdate{})
			_, claimed = h.engine.ClaimExecutionRewards(ctx, alice)
		}

		h.open(t, alice, 1, e18(1000), lev(10), Long)
		assert.ErrorIs(t, reentered, ErrReentrantCall)
		assert.ErrorIs(t, claimed, ErrReentrantCall)
		assert.Len(t, h.engine.AllPositions(alice), 2*SlotsPerPair)
		_, ok := h.engine.Position(alice, 1, 1)
		assert.False(t, ok)
	})

	t.Run("NoToken", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.engine.SetCollateralToken(testOwner, nil))
		_, err := h.engine.OpenPosition(ctx, alice, 1, e18(1000), lev(10), Long, OracleUpdate{})
		assert.ErrorIs(t, err, ErrCollateralTokenNotSet)
	})
}

func TestConcurrentTraders(t *testing.T) {
	h := newHarness(t)
	const traders = 16
	for i := 0; i < traders; i++ {
		h.token.mint(fmt.Sprintf("trader-%d", i), e18(1000))
	}

	var wg sync.WaitGroup
	errs := make(chan error, traders)
	for i := 0; i < traders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := Long
			if i%2 == 1 {
				d = Short
			}
			_, err := h.engine.OpenPosition(context.Background(), fmt.Sprintf("trader-%d", i), 1, e18(1000), lev(10), d, OracleUpdate{})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	long, short, err := h.engine.OpenInterest(1)
	require.NoError(t, err)
	assert.Equal(t, e18(10_000*traders/2).String(), long.String())
	assert.Equal(t, e18(10_000*traders/2).String(), short.String())

	history, err := h.engine.FundingHistory(1)
	require.NoError(t, err)
	assert.Len(t, history, traders)

	var last uint64
	for _, ev := range h.recorder.Events() {
		assert.Greater(t, ev.Sequence, last)
		last = ev.Sequence
	}
}
