package lx

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

const (
	testOwner   = "owner"
	testCustody = "custody"
	alice       = "alice"
	bob         = "bob"
	keeper      = "keeper"
)

var (
	btcFeed = FeedID{0xe6, 0x2d, 0xf6, 0xc8}
	ethFeed = FeedID{0xff, 0x61, 0x49, 0x1a}
)

// e18 returns n whole collateral units
func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), pow10(CollateralDecimals))
}

// lev returns x leverage at LeverageAccuracy scale
func lev(x int64) *big.Int {
	return big.NewInt(x * LeverageAccuracy)
}

func bigStr(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, s)
	return v
}

// quote builds an 8 decimal quote with zero confidence
func quote(price int64) Quote {
	return Quote{Price: price * 100_000_000, Exponent: -8}
}

type fakeOracle struct {
	mu     sync.Mutex
	quotes map[FeedID]Quote
	err    error
	calls  int
	hook   func(ctx context.Context)
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{quotes: make(map[FeedID]Quote)}
}

func (o *fakeOracle) set(feed FeedID, q Quote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[feed] = q
}

func (o *fakeOracle) GetPrice(ctx context.Context, _ OracleUpdate, feed FeedID) (Quote, error) {
	o.mu.Lock()
	o.calls++
	hook, err := o.hook, o.err
	q, ok := o.quotes[feed]
	o.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return Quote{}, err
	}
	if !ok {
		return Quote{}, fmt.Errorf("feed %s not in update", feed)
	}
	return q, nil
}

var errInsufficient = errors.New("insufficient balance")

type fakeToken struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	fail     error
	hook     func(ctx context.Context)
	calls    int
}

func newFakeToken() *fakeToken {
	return &fakeToken{balances: make(map[string]*big.Int)}
}

func (tk *fakeToken) mint(account string, amount *big.Int) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	bal, ok := tk.balances[account]
	if !ok {
		bal = new(big.Int)
		tk.balances[account] = bal
	}
	bal.Add(bal, amount)
}

func (tk *fakeToken) balance(account string) *big.Int {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if bal, ok := tk.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (tk *fakeToken) BalanceOf(_ context.Context, account string) (*big.Int, error) {
	return tk.balance(account), nil
}

func (tk *fakeToken) Transfer(ctx context.Context, from, to string, amount *big.Int) error {
	tk.mu.Lock()
	tk.calls++
	hook, fail := tk.hook, tk.fail
	tk.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if fail != nil {
		return fail
	}

	tk.mu.Lock()
	defer tk.mu.Unlock()
	src, ok := tk.balances[from]
	if !ok || src.Cmp(amount) < 0 {
		return errInsufficient
	}
	src.Sub(src, amount)
	dst, ok := tk.balances[to]
	if !ok {
		dst = new(big.Int)
		tk.balances[to] = dst
	}
	dst.Add(dst, amount)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine   *MarginEngine
	oracle   *fakeOracle
	token    *fakeToken
	recorder *Recorder
	clock    *testClock
}

// newHarness returns an engine with BTC (pair 1) and ETH (pair 2) listed at
// a 1,000,000 unit cap, both quoted at 2000 with zero confidence
func newHarness(t *testing.T) *harness {
	t.Helper()

	level, _ := log.ToLevel("debug")
	h := &harness{
		oracle:   newFakeOracle(),
		token:    newFakeToken(),
		recorder: NewRecorder(),
		clock:    &testClock{now: time.Unix(1_700_000_000, 0)},
	}
	h.engine = NewMarginEngine(Config{
		Owner:   testOwner,
		Custody: testCustody,
		Params:  DefaultParams(),
		Oracle:  h.oracle,
		Token:   h.token,
		Events:  h.recorder,
		Logger:  log.NewTestLogger(level),
		Clock:   h.clock.Now,
	})

	require.NoError(t, h.engine.AddTradingPair(testOwner, 1, "BTC-USD", btcFeed, e18(1_000_000)))
	require.NoError(t, h.engine.AddTradingPair(testOwner, 2, "ETH-USD", ethFeed, e18(1_000_000)))
	h.oracle.set(btcFeed, quote(2000))
	h.oracle.set(ethFeed, quote(2000))
	h.token.mint(alice, e18(100_000))
	h.token.mint(bob, e18(100_000))
	h.recorder.Reset()
	return h
}

func (h *harness) open(t *testing.T, trader string, pair PairID, collateral, leverage *big.Int, d Direction) Position {
	t.Helper()
	pos, err := h.engine.OpenPosition(context.Background(), trader, pair, collateral, leverage, d, OracleUpdate{})
	require.NoError(t, err)
	return pos
}
