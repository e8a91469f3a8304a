package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/perps/pkg/api"
	"github.com/luxfi/perps/pkg/config"
	"github.com/luxfi/perps/pkg/journal"
	"github.com/luxfi/perps/pkg/ledger"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/luxfi/perps/pkg/metrics"
	"github.com/luxfi/perps/pkg/oracle"
	"github.com/luxfi/perps/pkg/state"
	"github.com/luxfi/perps/pkg/stream"
)

var (
	ledgerPrefix  = []byte("ledger")
	journalPrefix = []byte("journal")
	statePrefix   = []byte("state")
)

// PerpNode owns the engine and everything serving it
type PerpNode struct {
	config  *config.Config
	db      database.Database
	ledger  *ledger.Ledger
	journal *journal.Journal
	state   *state.Store
	engine  *lx.MarginEngine
	metrics *metrics.EngineMetrics
	hub     *stream.Hub
	nats    *nats.Conn
	logger  log.Logger
}

// NewPerpNode wires a node on db, restoring the engine state saved by a
// previous run. NATS is dialed only when configured.
func NewPerpNode(cfg *config.Config, db database.Database, logger log.Logger) (*PerpNode, error) {
	node := &PerpNode{
		config:  cfg,
		db:      db,
		metrics: metrics.NewEngineMetrics("perps"),
		logger:  logger,
	}

	node.ledger = ledger.New(prefixdb.New(ledgerPrefix, db), logger)
	j, err := journal.Open(prefixdb.New(journalPrefix, db), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}
	node.journal = j
	node.state = state.New(prefixdb.New(statePrefix, db), logger)

	if err := node.fundGenesis(context.Background()); err != nil {
		return nil, err
	}

	priceOracle, err := node.newOracle()
	if err != nil {
		return nil, err
	}

	node.hub = stream.NewHub(logger, stream.DefaultHubConfig())
	node.hub.OnPublished(node.metrics.EventPublished)
	sinks := lx.MultiSink{node.journal, node.hub}

	if cfg.NATS.URL != "" {
		conn, err := stream.Connect(cfg.NATS.URL, "perpd")
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		node.nats = conn
		publisher := stream.NewNATSPublisher(conn, cfg.NATS.SubjectPrefix, logger)
		publisher.OnPublished(node.metrics.EventPublished)
		sinks = append(sinks, publisher)
		logger.Info("Publishing events to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	params, err := cfg.Params()
	if err != nil {
		return nil, err
	}
	node.engine = lx.NewMarginEngine(lx.Config{
		Owner:   cfg.Node.Owner,
		Custody: cfg.Node.Custody,
		Params:  params,
		Oracle:  priceOracle,
		Token:   node.ledger,
		Events:  sinks,
		Metrics: node.metrics,
		Store:   node.state,
		Logger:  logger,
	})

	saved, found, err := node.state.Load()
	if err != nil {
		return nil, err
	}
	if found {
		if err := node.engine.Restore(saved); err != nil {
			return nil, fmt.Errorf("failed to restore engine state: %w", err)
		}
		logger.Info("Engine state restored; saved owner and parameters take precedence over config",
			"owner", saved.Owner,
			"sequence", saved.Sequence)
	}

	listed := make(map[lx.PairID]bool)
	for _, info := range node.engine.Pairs() {
		listed[info.ID] = true
	}
	pairs, err := cfg.ResolvePairs()
	if err != nil {
		return nil, err
	}
	for _, pair := range pairs {
		if listed[pair.ID] {
			continue
		}
		if err := node.engine.AddTradingPair(cfg.Node.Owner, pair.ID, pair.Symbol, pair.Feed, pair.MaxOpenInterest); err != nil {
			return nil, fmt.Errorf("failed to add pair %s: %w", pair.Symbol, err)
		}
	}
	return node, nil
}

func (n *PerpNode) newOracle() (lx.Oracle, error) {
	switch n.config.Oracle.Kind {
	case config.OraclePyth:
		fee, err := n.config.UpdateFee()
		if err != nil {
			return nil, err
		}
		return oracle.NewHermesOracle(oracle.HermesConfig{
			UpdateFee: fee,
			MaxAge:    n.config.Oracle.MaxAge,
			Logger:    n.logger,
		}), nil

	case config.OracleStatic:
		static := oracle.NewStaticOracle()
		pairs, err := n.config.ResolvePairs()
		if err != nil {
			return nil, err
		}
		for _, pair := range pairs {
			if pair.Quote != nil {
				static.SetPrice(pair.Feed, *pair.Quote)
			}
		}
		return static, nil
	}
	return nil, fmt.Errorf("unknown oracle kind %q", n.config.Oracle.Kind)
}

// fundGenesis mints the configured balances into an empty ledger
func (n *PerpNode) fundGenesis(ctx context.Context) error {
	supply, err := n.ledger.TotalSupply()
	if err != nil {
		return fmt.Errorf("failed to read ledger supply: %w", err)
	}
	if supply.Sign() != 0 {
		return nil
	}
	balances, err := n.config.Balances()
	if err != nil {
		return err
	}
	for account, amount := range balances {
		if err := n.ledger.Mint(ctx, account, amount); err != nil {
			return fmt.Errorf("failed to fund %s: %w", account, err)
		}
	}
	if len(balances) > 0 {
		n.logger.Info("Genesis balances minted", "accounts", len(balances))
	}
	return nil
}

// Run serves JSON-RPC, WebSocket and metrics until ctx is cancelled
func (n *PerpNode) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	cfg := n.config.Node

	rpc := api.NewJSONRPCServer(n.engine, n.journal, n.logger)
	rpc.SetAuthToken(cfg.RPCToken)
	if cfg.RPCToken == "" {
		n.logger.Warn("JSON-RPC state-changing methods accept any caller; set PERPD_RPC_TOKEN or front the port with an authenticating gateway")
	}
	g.Go(func() error {
		return api.StartJSONRPCServer(ctx, cfg.RPCPort, rpc, n.logger)
	})

	g.Go(func() error {
		return n.hub.Run(ctx)
	})
	g.Go(func() error {
		return n.serveWebSocket(ctx, cfg.WSPort)
	})

	g.Go(func() error {
		return n.metrics.Serve(ctx, fmt.Sprintf(":%d", cfg.MetricsPort))
	})
	g.Go(func() error {
		n.metrics.CollectSystemMetrics(ctx, 10*time.Second)
		return nil
	})

	return g.Wait()
}

func (n *PerpNode) serveWebSocket(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", n.hub)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	n.logger.Info("WebSocket server started", "port", port, "path", "/ws")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close drains NATS and closes the database
func (n *PerpNode) Close() error {
	if n.nats != nil {
		if err := n.nats.Drain(); err != nil {
			n.logger.Warn("NATS drain failed", "error", err)
		}
	}
	if failed := n.journal.Failed(); failed > 0 {
		n.logger.Warn("Events missing from journal", "count", failed)
	}
	return n.db.Close()
}

// openDatabase opens BadgerDB under dataDir, falling back to memory
func openDatabase(dataDir string, logger log.Logger) (database.Database, error) {
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(os.Getenv("HOME"), dataDir)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataDir, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpd"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		db, err = dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
		return db, nil
	}
	logger.Info("BadgerDB initialized", "path", filepath.Join(dataDir, "badgerdb"))
	return db, nil
}

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	envFile := flag.String("env", "", "Path to a .env file (default .env)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perpd: %v\n", err)
		os.Exit(1)
	}

	level, err := log.ToLevel(cfg.Node.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perpd: invalid log level %q\n", cfg.Node.LogLevel)
		os.Exit(1)
	}
	logger := log.NewTestLogger(level)
	logger.Info("Starting perpd",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"oracle", cfg.Oracle.Kind,
		"pairs", len(cfg.Pairs),
		"rpcPort", cfg.Node.RPCPort,
		"wsPort", cfg.Node.WSPort,
		"metricsPort", cfg.Node.MetricsPort)

	db, err := openDatabase(cfg.Node.DataDir, logger)
	if err != nil {
		logger.Crit("Failed to open database", "error", err)
		os.Exit(1)
	}

	node, err := NewPerpNode(cfg, db, logger)
	if err != nil {
		logger.Crit("Failed to create node", "error", err)
		db.Close()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Run(ctx); err != nil {
		logger.Error("Node stopped with error", "error", err)
	}
	logger.Info("Shutting down")
	if err := node.Close(); err != nil {
		logger.Error("Failed to close database", "error", err)
	}
}
