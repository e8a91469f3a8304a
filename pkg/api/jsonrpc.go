package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/journal"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/luxfi/perps/pkg/oracle"
)

// EventLog serves journaled events to perp_getEvents
type EventLog interface {
	Records(from uint64, limit int) ([]journal.Record, error)
}

// JSONRPCServer handles JSON-RPC 2.0 requests against a margin engine.
//
// Trader, executor and liquidator accounts are taken from the request params
// as given. The server does not bind them to the caller, so it must only be
// reachable by a gateway that does. SetAuthToken adds a shared bearer token
// in front of the state-changing methods.
type JSONRPCServer struct {
	engine *lx.MarginEngine
	events EventLog
	token  string
	logger log.Logger
}

// mutatingMethods change engine state or move collateral
var mutatingMethods = map[string]bool{
	"perp_openPosition":          true,
	"perp_closePosition":         true,
	"perp_liquidatePosition":     true,
	"perp_createLimitOrder":      true,
	"perp_executeLimitOrder":     true,
	"perp_cancelLimitOrder":      true,
	"perp_claimExecutionRewards": true,
}

// NewJSONRPCServer creates a new JSON-RPC server. events may be nil.
func NewJSONRPCServer(engine *lx.MarginEngine, events EventLog, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		engine: engine,
		events: events,
		logger: logger,
	}
}

// SetAuthToken requires "Authorization: Bearer <token>" on state-changing
// methods. An empty token disables the check.
func (s *JSONRPCServer) SetAuthToken(token string) {
	s.token = token
}

func (s *JSONRPCServer) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	given, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(given), []byte(s.token)) == 1
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// ErrorData names the engine error behind an EngineError response
type ErrorData struct {
	Kind       string `json:"kind"`
	ProfitLoss string `json:"profitLoss,omitempty"`
	Slippage   string `json:"slippage,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// Unauthorized is returned when a state-changing method lacks the token
	Unauthorized = -32001
	// EngineError is returned for every rejected engine operation
	EngineError = -32000
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	if mutatingMethods[req.Method] && !s.authorized(r) {
		s.logger.Warn("unauthorized rpc call", "method", req.Method, "remote", r.RemoteAddr)
		s.sendError(w, req.ID, &RPCError{Code: Unauthorized, Message: "Unauthorized"})
		return
	}

	result, err := s.handleMethod(r.Context(), req.Method, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = engineError(err)
		}
		s.logger.Debug("rpc call failed", "method", req.Method, "error", err)
		s.sendError(w, req.ID, rpcErr)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write rpc response", "method", req.Method, "error", err)
	}
}

func (s *JSONRPCServer) handleMethod(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Position methods
	case "perp_openPosition":
		return s.openPosition(ctx, params)
	case "perp_closePosition":
		return s.closePosition(ctx, params)
	case "perp_liquidatePosition":
		return s.liquidatePosition(ctx, params)
	case "perp_previewProfitLoss":
		return s.previewProfitLoss(ctx, params)

	// Limit order methods
	case "perp_createLimitOrder":
		return s.createLimitOrder(ctx, params)
	case "perp_executeLimitOrder":
		return s.executeLimitOrder(ctx, params)
	case "perp_cancelLimitOrder":
		return s.cancelLimitOrder(ctx, params)
	case "perp_claimExecutionRewards":
		return s.claimExecutionRewards(ctx, params)

	// Queries
	case "perp_getPosition":
		return s.getPosition(params)
	case "perp_getPositions":
		return s.getPositions(params)
	case "perp_getLimitOrder":
		return s.getLimitOrder(params)
	case "perp_getLimitOrders":
		return s.getLimitOrders(params)
	case "perp_getOpenInterest":
		return s.getOpenInterest(params)
	case "perp_getFundingRate":
		return s.getFundingRate(params)
	case "perp_getFundingHistory":
		return s.getFundingHistory(params)
	case "perp_getRewards":
		return s.getRewards(params)
	case "perp_getPairs":
		return s.getPairs()
	case "perp_getParams":
		return newParamsView(s.engine.Params()), nil
	case "perp_getEvents":
		return s.getEvents(params)

	// Info methods
	case "perp_getInfo":
		return s.getInfo()
	case "perp_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func (s *JSONRPCServer) openPosition(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader     string      `json:"trader"`
		PairID     lx.PairID   `json:"pairId"`
		Collateral string      `json:"collateral"`
		Leverage   string      `json:"leverage"`
		Direction  string      `json:"direction"`
		Update     updateParam `json:"update"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	collateral, err := parseAmount("collateral", p.Collateral)
	if err != nil {
		return nil, err
	}
	leverage, err := parseAmount("leverage", p.Leverage)
	if err != nil {
		return nil, err
	}
	d, err := parseDirection(p.Direction)
	if err != nil {
		return nil, err
	}
	update, err := p.Update.oracleUpdate()
	if err != nil {
		return nil, err
	}

	pos, err := s.engine.OpenPosition(ctx, p.Trader, p.PairID, collateral, leverage, d, update)
	if err != nil {
		return nil, err
	}
	return newPositionView(pos), nil
}

// slotParams addresses one slot of a trader on a pair
type slotParams struct {
	Trader string      `json:"trader"`
	PairID lx.PairID   `json:"pairId"`
	Slot   int         `json:"slot"`
	Update updateParam `json:"update"`
}

func (s *JSONRPCServer) closePosition(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p slotParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	update, err := p.Update.oracleUpdate()
	if err != nil {
		return nil, err
	}

	profitLoss, err := s.engine.ClosePosition(ctx, p.Trader, p.PairID, p.Slot, update)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"profitLoss": profitLoss.String(),
		"status":     "closed",
	}, nil
}

func (s *JSONRPCServer) liquidatePosition(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		slotParams
		Liquidator string `json:"liquidator"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	update, err := p.Update.oracleUpdate()
	if err != nil {
		return nil, err
	}

	reward, err := s.engine.LiquidatePosition(ctx, p.Liquidator, p.Trader, p.PairID, p.Slot, update)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"reward": reward.String(),
		"status": "liquidated",
	}, nil
}

func (s *JSONRPCServer) previewProfitLoss(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p slotParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	update, err := p.Update.oracleUpdate()
	if err != nil {
		return nil, err
	}

	profitLoss, liquidatable, err := s.engine.PositionProfitLoss(ctx, p.Trader, p.PairID, p.Slot, update)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"profitLoss":   profitLoss.String(),
		"liquidatable": liquidatable,
	}, nil
}

func (s *JSONRPCServer) createLimitOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader     string    `json:"trader"`
		PairID     lx.PairID `json:"pairId"`
		Collateral string    `json:"collateral"`
		Leverage   string    `json:"leverage"`
		Direction  string    `json:"direction"`
		LimitPrice string    `json:"limitPrice"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	collateral, err := parseAmount("collateral", p.Collateral)
	if err != nil {
		return nil, err
	}
	leverage, err := parseAmount("leverage", p.Leverage)
	if err != nil {
		return nil, err
	}
	d, err := parseDirection(p.Direction)
	if err != nil {
		return nil, err
	}
	limitPrice, err := parseAmount("limitPrice", p.LimitPrice)
	if err != nil {
		return nil, err
	}

	order, err := s.engine.CreateLimitOrder(ctx, p.Trader, p.PairID, collateral, leverage, d, limitPrice)
	if err != nil {
		return nil, err
	}
	return newOrderView(order), nil
}

func (s *JSONRPCServer) executeLimitOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		slotParams
		Executor string `json:"executor"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	update, err := p.Update.oracleUpdate()
	if err != nil {
		return nil, err
	}

	pos, err := s.engine.ExecuteLimitOrder(ctx, p.Executor, p.Trader, p.PairID, p.Slot, update)
	if err != nil {
		return nil, err
	}
	return newPositionView(pos), nil
}

func (s *JSONRPCServer) cancelLimitOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p slotParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if err := s.engine.CancelLimitOrder(ctx, p.Trader, p.PairID, p.Slot); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"pairId": p.PairID,
		"slot":   p.Slot,
		"status": "cancelled",
	}, nil
}

func (s *JSONRPCServer) claimExecutionRewards(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Executor string `json:"executor"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	claimed, err := s.engine.ClaimExecutionRewards(ctx, p.Executor)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"claimed": claimed.String(),
	}, nil
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p slotParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	pos, ok := s.engine.Position(p.Trader, p.PairID, p.Slot)
	if !ok {
		return nil, lx.ErrPositionDoesNotExist
	}
	return newPositionView(pos), nil
}

func (s *JSONRPCServer) getPositions(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader string `json:"trader"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	all := s.engine.AllPositions(p.Trader)
	views := make([]positionView, len(all))
	for i, pos := range all {
		views[i] = newPositionView(pos)
	}
	return views, nil
}

func (s *JSONRPCServer) getLimitOrder(params json.RawMessage) (interface{}, error) {
	var p slotParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	order, ok := s.engine.LimitOrder(p.Trader, p.PairID, p.Slot)
	if !ok {
		return nil, lx.ErrLimitOrderNotFound
	}
	return newOrderView(order), nil
}

func (s *JSONRPCServer) getLimitOrders(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader string `json:"trader"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	all := s.engine.AllLimitOrders(p.Trader)
	views := make([]orderView, len(all))
	for i, order := range all {
		views[i] = newOrderView(order)
	}
	return views, nil
}

type pairParams struct {
	PairID lx.PairID `json:"pairId"`
}

func (s *JSONRPCServer) getOpenInterest(params json.RawMessage) (interface{}, error) {
	var p pairParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	long, short, err := s.engine.OpenInterest(p.PairID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"pairId": p.PairID,
		"long":   long.String(),
		"short":  short.String(),
	}, nil
}

func (s *JSONRPCServer) getFundingRate(params json.RawMessage) (interface{}, error) {
	var p pairParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	rate, err := s.engine.CurrentFundingRate(p.PairID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"pairId":  p.PairID,
		"rate":    rate.String(),
		"display": ratePercent(rate),
	}, nil
}

func (s *JSONRPCServer) getFundingHistory(params json.RawMessage) (interface{}, error) {
	var p struct {
		PairID lx.PairID `json:"pairId"`
		Limit  int       `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	samples, err := s.engine.FundingHistory(p.PairID)
	if err != nil {
		return nil, err
	}

	// most recent samples
	if p.Limit > 0 && len(samples) > p.Limit {
		samples = samples[len(samples)-p.Limit:]
	}
	views := make([]fundingView, len(samples))
	for i, sample := range samples {
		views[i] = fundingView{Rate: sample.Rate.String(), Timestamp: sample.Timestamp}
	}
	return views, nil
}

func (s *JSONRPCServer) getRewards(params json.RawMessage) (interface{}, error) {
	var p struct {
		Executor string `json:"executor"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	balance := s.engine.RewardBalance(p.Executor)
	return map[string]interface{}{
		"executor": p.Executor,
		"balance":  balance.String(),
		"display":  amountDisplay(balance),
	}, nil
}

func (s *JSONRPCServer) getPairs() (interface{}, error) {
	pairs := s.engine.Pairs()
	views := make([]pairView, len(pairs))
	for i, pair := range pairs {
		views[i] = newPairView(pair)
	}
	return views, nil
}

func (s *JSONRPCServer) getEvents(params json.RawMessage) (interface{}, error) {
	if s.events == nil {
		return nil, &RPCError{Code: InternalError, Message: "event journal disabled"}
	}
	var p struct {
		From  uint64 `json:"from"`
		Limit int    `json:"limit"`
	}
	p.Limit = 100
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 1000
	}
	records, err := s.events.Records(p.From, p.Limit)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	if records == nil {
		records = []journal.Record{}
	}
	return records, nil
}

func (s *JSONRPCServer) getInfo() (interface{}, error) {
	return map[string]interface{}{
		"version":   "1.0.0",
		"owner":     s.engine.Owner(),
		"pairCount": len(s.engine.Pairs()),
		"timestamp": time.Now().Unix(),
	}, nil
}

// engineError maps engine and oracle errors to EngineError responses
func engineError(err error) *RPCError {
	kind := lx.ErrorKind(err)
	if kind == "" {
		kind = oracle.Kind(err)
	}
	if kind == "" {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			kind = "Cancelled"
		} else {
			return &RPCError{Code: InternalError, Message: err.Error()}
		}
	}

	data := ErrorData{Kind: kind}
	var nle *lx.NotLiquidatableError
	if errors.As(err, &nle) {
		data.ProfitLoss = nle.ProfitLoss.String()
	}
	var se *lx.SlippageError
	if errors.As(err, &se) {
		data.Slippage = se.Slippage.String()
	}
	return &RPCError{Code: EngineError, Message: err.Error(), Data: data}
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer serves the engine on port until ctx is cancelled. The
// listener is unauthenticated apart from the optional token; see JSONRPCServer.
func StartJSONRPCServer(ctx context.Context, port int, server *JSONRPCServer, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", server)
	mux.Handle("/rpc", server)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("JSON-RPC server started", "port", port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
