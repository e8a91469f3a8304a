package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/journal"
	"github.com/luxfi/perps/pkg/ledger"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/luxfi/perps/pkg/oracle"
)

var (
	btcFeed = lx.FeedID{0xbb}
	ethFeed = lx.FeedID{0xee}
)

type testServer struct {
	*JSONRPCServer
	oracle  *oracle.StaticOracle
	ledger  *ledger.Ledger
	journal *journal.Journal
	// auth is sent as the Authorization header when set
	auth string
}

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)

	led := ledger.New(memdb.New(), logger)
	j, err := journal.Open(memdb.New(), logger)
	require.NoError(t, err)

	static := oracle.NewStaticOracle()
	static.SetPrice(btcFeed, lx.Quote{Price: 2000_00000000, Exponent: -8})

	engine := lx.NewMarginEngine(lx.Config{
		Owner:   "owner",
		Custody: "custody",
		Params:  lx.DefaultParams(),
		Oracle:  static,
		Token:   led,
		Events:  j,
		Logger:  logger,
		Clock:   func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	require.NoError(t, engine.AddTradingPair("owner", 1, "BTC-USD", btcFeed, e18(1_000_000)))
	require.NoError(t, engine.AddTradingPair("owner", 2, "ETH-USD", ethFeed, e18(1_000_000)))
	require.NoError(t, led.Mint(context.Background(), "alice", e18(100_000)))

	return &testServer{
		JSONRPCServer: NewJSONRPCServer(engine, j, logger),
		oracle:        static,
		ledger:        led,
		journal:       j,
	}
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      interface{}     `json:"id"`
}

func (s *testServer) call(t *testing.T, method string, params interface{}) rpcResponse {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: raw, ID: 1})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	if s.auth != "" {
		req.Header.Set("Authorization", s.auth)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func (s *testServer) result(t *testing.T, method string, params, dst interface{}) {
	t.Helper()
	resp := s.call(t, method, params)
	require.Nil(t, resp.Error, "%s: %+v", method, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, dst))
}

// kind returns data.kind of an EngineError response
func kind(t *testing.T, resp rpcResponse) string {
	t.Helper()
	require.NotNil(t, resp.Error)
	require.Equal(t, EngineError, resp.Error.Code, resp.Error.Message)
	data, ok := resp.Error.Data.(map[string]interface{})
	require.True(t, ok)
	k, _ := data["kind"].(string)
	return k
}

func openParams(collateral, leverage, direction string) map[string]interface{} {
	return map[string]interface{}{
		"trader":     "alice",
		"pairId":     1,
		"collateral": collateral,
		"leverage":   leverage,
		"direction":  direction,
	}
}

func TestJSONRPCServer_AuthToken(t *testing.T) {
	s := newTestServer(t)
	s.SetAuthToken("s3cret")

	for _, auth := range []string{"", "Bearer wrong", "s3cret", "Basic s3cret"} {
		s.auth = auth
		resp := s.call(t, "perp_openPosition", openParams(e18(1000).String(), "10000000", "long"))
		require.NotNil(t, resp.Error, "auth %q", auth)
		assert.Equal(t, Unauthorized, resp.Error.Code)

		resp = s.call(t, "perp_cancelLimitOrder", map[string]interface{}{"trader": "alice", "pairId": 1, "slot": 0})
		require.NotNil(t, resp.Error)
		assert.Equal(t, Unauthorized, resp.Error.Code)
	}

	// nothing reached the engine
	_, ok := s.engine.Position("alice", 1, 0)
	assert.False(t, ok)

	// reads stay open
	s.auth = ""
	var pairs []pairView
	s.result(t, "perp_getPairs", nil, &pairs)
	assert.Len(t, pairs, 2)

	s.auth = "Bearer s3cret"
	var opened positionView
	s.result(t, "perp_openPosition", openParams(e18(1000).String(), "10000000", "long"), &opened)
	assert.True(t, opened.Open)
}

func TestJSONRPCServer_Protocol(t *testing.T) {
	s := newTestServer(t)

	t.Run("Ping", func(t *testing.T) {
		var pong string
		s.result(t, "perp_ping", nil, &pong)
		assert.Equal(t, "pong", pong)
	})

	t.Run("MethodNotFound", func(t *testing.T) {
		resp := s.call(t, "lx_placeOrder", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("ParseError", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(`{"jsonrpc":`))
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)

		var resp rpcResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, ParseError, resp.Error.Code)
		assert.Nil(t, resp.ID)
	})

	t.Run("InvalidRequest", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(`{"jsonrpc":"1.0","method":"perp_ping","id":7}`))
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)

		var resp rpcResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
		assert.Equal(t, float64(7), resp.ID)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rpc", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("InvalidParams", func(t *testing.T) {
		cases := map[string]interface{}{
			"direction":  openParams("1000000000000000000000", "10000000", "up"),
			"collateral": openParams("1.5", "10000000", "long"),
			"leverage":   openParams("1000000000000000000000", "", "long"),
			"shape":      []int{1, 2},
		}
		for name, params := range cases {
			t.Run(name, func(t *testing.T) {
				resp := s.call(t, "perp_openPosition", params)
				require.NotNil(t, resp.Error)
				assert.Equal(t, InvalidParams, resp.Error.Code)
			})
		}
	})
}

func TestJSONRPCServer_Positions(t *testing.T) {
	s := newTestServer(t)

	var opened positionView
	s.result(t, "perp_openPosition", openParams("1000000000000000000000", "10000000", "long"), &opened)
	assert.Equal(t, "alice", opened.Trader)
	assert.Equal(t, "long", opened.Direction)
	assert.Equal(t, e18(990).String(), opened.NetCollateral)
	assert.Equal(t, "200000000000", opened.EntryPrice)
	assert.Equal(t, "2000", opened.Display.EntryPrice)
	assert.Equal(t, "990", opened.Display.NetCollateral)
	assert.Equal(t, "10x", opened.Display.Leverage)
	assert.True(t, opened.Open)

	t.Run("Queries", func(t *testing.T) {
		var pos positionView
		s.result(t, "perp_getPosition", map[string]interface{}{"trader": "alice", "pairId": 1, "slot": 0}, &pos)
		assert.Equal(t, opened, pos)

		var all []positionView
		s.result(t, "perp_getPositions", map[string]interface{}{"trader": "alice"}, &all)
		require.Len(t, all, 2*lx.SlotsPerPair)
		assert.True(t, all[0].Open)
		assert.False(t, all[1].Open)
		assert.Equal(t, "0", all[1].NetCollateral)

		var oi map[string]interface{}
		s.result(t, "perp_getOpenInterest", map[string]interface{}{"pairId": 1}, &oi)
		assert.Equal(t, e18(10_000).String(), oi["long"])
		assert.Equal(t, "0", oi["short"])

		var pairs []pairView
		s.result(t, "perp_getPairs", nil, &pairs)
		require.Len(t, pairs, 2)
		assert.Equal(t, "BTC-USD", pairs[0].Symbol)
		assert.Equal(t, btcFeed.String(), pairs[0].FeedID)
		assert.Equal(t, 1, pairs[0].FundingSamples)

		var history []fundingView
		s.result(t, "perp_getFundingHistory", map[string]interface{}{"pairId": 1}, &history)
		require.Len(t, history, 1)

		var rate map[string]interface{}
		s.result(t, "perp_getFundingRate", map[string]interface{}{"pairId": 1}, &rate)
		assert.Equal(t, history[0].Rate, rate["rate"])

		var params paramsView
		s.result(t, "perp_getParams", nil, &params)
		assert.Equal(t, "1000", params.OpeningFeeRate)
	})

	t.Run("PreviewAndLiquidate", func(t *testing.T) {
		var preview map[string]interface{}
		s.result(t, "perp_previewProfitLoss", map[string]interface{}{"trader": "alice", "pairId": 1, "slot": 0}, &preview)
		assert.Equal(t, false, preview["liquidatable"])

		resp := s.call(t, "perp_liquidatePosition", map[string]interface{}{
			"liquidator": "keeper", "trader": "alice", "pairId": 1, "slot": 0,
		})
		assert.Equal(t, "PositionNotEligibleForLiquidation", kind(t, resp))
		data := resp.Error.Data.(map[string]interface{})
		assert.Equal(t, preview["profitLoss"], data["profitLoss"])
	})

	t.Run("Close", func(t *testing.T) {
		var closed map[string]interface{}
		s.result(t, "perp_closePosition", map[string]interface{}{"trader": "alice", "pairId": 1, "slot": 0}, &closed)
		assert.Equal(t, "closed", closed["status"])
		assert.NotEmpty(t, closed["profitLoss"])

		resp := s.call(t, "perp_getPosition", map[string]interface{}{"trader": "alice", "pairId": 1, "slot": 0})
		assert.Equal(t, "PositionDoesNotExist", kind(t, resp))
	})

	t.Run("Liquidation", func(t *testing.T) {
		s.result(t, "perp_openPosition", openParams("1000000000000000000000", "10000000", "long"), &opened)
		s.oracle.SetPrice(btcFeed, lx.Quote{Price: 1700_00000000, Exponent: -8})
		defer s.oracle.SetPrice(btcFeed, lx.Quote{Price: 2000_00000000, Exponent: -8})

		var liquidated map[string]interface{}
		s.result(t, "perp_liquidatePosition", map[string]interface{}{
			"liquidator": "keeper", "trader": "alice", "pairId": 1, "slot": opened.Slot,
		}, &liquidated)
		assert.Equal(t, "liquidated", liquidated["status"])

		var rewards map[string]interface{}
		s.result(t, "perp_getRewards", map[string]interface{}{"executor": "keeper"}, &rewards)
		assert.Equal(t, liquidated["reward"], rewards["balance"])
	})
}

func TestJSONRPCServer_EngineErrors(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name   string
		method string
		params interface{}
		kind   string
	}{
		{"Leverage", "perp_openPosition", openParams("1000000000000000000000", "150000001", "long"), "LeverageExceedsMaximum"},
		{"MinimumSize", "perp_openPosition", openParams("1000000000000000000", "2000000", "short"), "PositionSizeBelowMinimum"},
		{"UnknownPair", "perp_getOpenInterest", map[string]interface{}{"pairId": 9}, "InvalidAssetPair"},
		{"FeedNotPriced", "perp_openPosition", map[string]interface{}{
			"trader": "alice", "pairId": 2, "collateral": "1000000000000000000000", "leverage": "10000000", "direction": "long",
		}, "FeedNotFound"},
		{"Balance", "perp_openPosition", map[string]interface{}{
			"trader": "bob", "pairId": 1, "collateral": "1000000000000000000000", "leverage": "10000000", "direction": "long",
		}, "TokenTransferFailed"},
		{"NoRewards", "perp_claimExecutionRewards", map[string]interface{}{"executor": "keeper"}, "NoExecutionRewardsAvailable"},
		{"NoOrder", "perp_cancelLimitOrder", map[string]interface{}{"trader": "alice", "pairId": 1, "slot": 0}, "LimitOrderNotFound"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, kind(t, s.call(t, tc.method, tc.params)))
		})
	}
}

func TestJSONRPCServer_LimitOrders(t *testing.T) {
	s := newTestServer(t)

	var order orderView
	s.result(t, "perp_createLimitOrder", map[string]interface{}{
		"trader":     "alice",
		"pairId":     1,
		"collateral": "100000000000000000000",
		"leverage":   "2000000",
		"direction":  "long",
		"limitPrice": "200000000000",
	}, &order)
	assert.Equal(t, e18(99).String(), order.Collateral)
	assert.Equal(t, "2000", order.Display.LimitPrice)

	var orders []orderView
	s.result(t, "perp_getLimitOrders", map[string]interface{}{"trader": "alice"}, &orders)
	require.Len(t, orders, 2*lx.SlotsPerPair)
	assert.True(t, orders[0].Open)

	var pos positionView
	s.result(t, "perp_executeLimitOrder", map[string]interface{}{
		"executor": "keeper", "trader": "alice", "pairId": 1, "slot": 0,
	}, &pos)
	assert.Equal(t, "98802000000000000000", pos.NetCollateral)

	resp := s.call(t, "perp_getLimitOrder", map[string]interface{}{"trader": "alice", "pairId": 1, "slot": 0})
	assert.Equal(t, "LimitOrderNotFound", kind(t, resp))

	var claimed map[string]interface{}
	s.result(t, "perp_claimExecutionRewards", map[string]interface{}{"executor": "keeper"}, &claimed)
	assert.Equal(t, e18(1).String(), claimed["claimed"])

	balance, err := s.ledger.BalanceOf(context.Background(), "keeper")
	require.NoError(t, err)
	assert.Equal(t, e18(1).String(), balance.String())

	t.Run("Cancel", func(t *testing.T) {
		var created orderView
		s.result(t, "perp_createLimitOrder", map[string]interface{}{
			"trader": "alice", "pairId": 1, "collateral": "100000000000000000000",
			"leverage": "2000000", "direction": "short", "limitPrice": "210000000000",
		}, &created)

		var cancelled map[string]interface{}
		s.result(t, "perp_cancelLimitOrder", map[string]interface{}{"trader": "alice", "pairId": 1, "slot": created.Slot}, &cancelled)
		assert.Equal(t, "cancelled", cancelled["status"])
	})
}

func TestJSONRPCServer_Events(t *testing.T) {
	s := newTestServer(t)
	s.result(t, "perp_openPosition", openParams("1000000000000000000000", "10000000", "short"), new(positionView))

	var records []journal.Record
	s.result(t, "perp_getEvents", map[string]interface{}{"from": 1}, &records)
	require.NotEmpty(t, records)
	assert.Equal(t, uint64(1), records[0].Offset)
	assert.Equal(t, lx.EventPairAdded, records[0].Event.Type)
	assert.Equal(t, uint64(len(records)), s.journal.Head())

	var page []journal.Record
	s.result(t, "perp_getEvents", map[string]interface{}{"from": 3, "limit": 1}, &page)
	require.Len(t, page, 1)
	assert.Equal(t, lx.EventPositionOpened, page[0].Event.Type)

	t.Run("Disabled", func(t *testing.T) {
		server := NewJSONRPCServer(s.engine, nil, s.logger)
		req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(`{"jsonrpc":"2.0","method":"perp_getEvents","id":1}`))
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		var resp rpcResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
	})
}

func TestStartJSONRPCServer(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// an already cancelled context shuts the listener down right away
	err := StartJSONRPCServer(ctx, 0, s.JSONRPCServer, s.logger)
	assert.NoError(t, err)
}
