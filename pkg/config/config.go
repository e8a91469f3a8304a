package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/perps/pkg/lx"
)

const (
	OracleStatic = "static"
	OraclePyth   = "pyth"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the perpd node configuration
type Config struct {
	Node     NodeConfig      `yaml:"node"`
	NATS     NATSConfig      `yaml:"nats"`
	Oracle   OracleConfig    `yaml:"oracle"`
	Engine   EngineConfig    `yaml:"engine"`
	Pairs    []PairConfig    `yaml:"pairs"`
	Accounts []AccountConfig `yaml:"accounts"`
}

type NodeConfig struct {
	DataDir     string `yaml:"dataDir"`
	LogLevel    string `yaml:"logLevel"`
	RPCPort     int    `yaml:"rpcPort"`
	WSPort      int    `yaml:"wsPort"`
	MetricsPort int    `yaml:"metricsPort"`
	// Owner is the account allowed to call admin methods
	Owner string `yaml:"owner"`
	// Custody is the ledger account holding posted collateral
	Custody string `yaml:"custody"`
	// RPCToken, when set, is the bearer token required by state-changing
	// JSON-RPC methods
	RPCToken string `yaml:"rpcToken"`
}

// NATSConfig enables the event publisher when URL is set
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

type OracleConfig struct {
	// Kind is "pyth" (Hermes update payloads) or "static"
	Kind string `yaml:"kind"`
	// UpdateFee is charged per feed, in wei
	UpdateFee string        `yaml:"updateFee"`
	MaxAge    time.Duration `yaml:"maxAge"`
}

// EngineConfig holds the engine parameters in human units. Rates are
// fractions ("0.001" is 0.1%), amounts are whole collateral units and
// MaximumSlippage is a percentage.
type EngineConfig struct {
	OpeningFeeRate       string `yaml:"openingFeeRate"`
	BaseInterestRate     string `yaml:"baseInterestRate"`
	VariableInterestRate string `yaml:"variableInterestRate"`
	MaxInterestRate      string `yaml:"maxInterestRate"`
	MinimumPositionSize  string `yaml:"minimumPositionSize"`
	MaximumSlippage      string `yaml:"maximumSlippage"`
	BaseExecutionReward  string `yaml:"baseExecutionReward"`
	ExecutionRewardRate  string `yaml:"executionRewardRate"`
}

type PairConfig struct {
	ID              uint64 `yaml:"id"`
	Symbol          string `yaml:"symbol"`
	Feed            string `yaml:"feed"`
	MaxOpenInterest string `yaml:"maxOpenInterest"`
	// Price seeds the static oracle
	Price string `yaml:"price"`
}

// AccountConfig funds a ledger account on first boot
type AccountConfig struct {
	Address string `yaml:"address"`
	Balance string `yaml:"balance"`
}

// Pair is a PairConfig resolved to engine types
type Pair struct {
	ID              lx.PairID
	Symbol          string
	Feed            lx.FeedID
	MaxOpenInterest *big.Int
	Quote           *lx.Quote
}

func Default() Config {
	return Config{
		Node: NodeConfig{
			DataDir:     ".perpd",
			LogLevel:    "info",
			RPCPort:     8080,
			WSPort:      8081,
			MetricsPort: 9090,
			Owner:       "owner",
			Custody:     "custody",
		},
		NATS: NATSConfig{
			SubjectPrefix: "perps.events",
		},
		Oracle: OracleConfig{
			Kind:      OracleStatic,
			UpdateFee: "1",
			MaxAge:    time.Minute,
		},
		Engine: EngineConfig{
			OpeningFeeRate:       "0.001",
			BaseInterestRate:     "0.00001",
			VariableInterestRate: "0.000005",
			MaxInterestRate:      "0.0001",
			MinimumPositionSize:  "100",
			MaximumSlippage:      "1",
			BaseExecutionReward:  "1",
			ExecutionRewardRate:  "0.001",
		},
	}
}

// Load reads the YAML file at path over the defaults, loads envFile (or
// ".env" when empty) if it exists and applies PERPD_* overrides. The result
// is validated.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse YAML: %w", err)
		}
	}

	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot load env file %s: %w", envFile, err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	setStr(&cfg.Node.DataDir, "PERPD_DATA_DIR")
	setStr(&cfg.Node.LogLevel, "PERPD_LOG_LEVEL")
	setStr(&cfg.Node.Owner, "PERPD_OWNER")
	setStr(&cfg.Node.Custody, "PERPD_CUSTODY")
	setStr(&cfg.Node.RPCToken, "PERPD_RPC_TOKEN")
	setStr(&cfg.NATS.URL, "PERPD_NATS_URL")
	setStr(&cfg.NATS.SubjectPrefix, "PERPD_NATS_SUBJECT_PREFIX")
	setStr(&cfg.Oracle.Kind, "PERPD_ORACLE_KIND")
	setStr(&cfg.Oracle.UpdateFee, "PERPD_ORACLE_UPDATE_FEE")

	for key, dst := range map[string]*int{
		"PERPD_RPC_PORT":     &cfg.Node.RPCPort,
		"PERPD_WS_PORT":      &cfg.Node.WSPort,
		"PERPD_METRICS_PORT": &cfg.Node.MetricsPort,
	} {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}

	if v := os.Getenv("PERPD_ORACLE_MAX_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: PERPD_ORACLE_MAX_AGE: %v", ErrInvalidConfig, err)
		}
		cfg.Oracle.MaxAge = d
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	*dst = n
	return nil
}

// Validate checks ports, oracle kind, engine params, pairs and accounts
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"rpcPort":     c.Node.RPCPort,
		"wsPort":      c.Node.WSPort,
		"metricsPort": c.Node.MetricsPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: node.%s %d out of range", ErrInvalidConfig, name, port)
		}
	}
	if c.Node.Owner == "" || c.Node.Custody == "" {
		return fmt.Errorf("%w: node.owner and node.custody are required", ErrInvalidConfig)
	}

	switch c.Oracle.Kind {
	case OracleStatic, OraclePyth:
	default:
		return fmt.Errorf("%w: unknown oracle kind %q", ErrInvalidConfig, c.Oracle.Kind)
	}
	if _, err := c.UpdateFee(); err != nil {
		return err
	}
	if _, err := c.Params(); err != nil {
		return err
	}
	if _, err := c.ResolvePairs(); err != nil {
		return err
	}
	if _, err := c.Balances(); err != nil {
		return err
	}
	return nil
}

// UpdateFee returns the per-feed oracle fee in wei
func (c *Config) UpdateFee() (*big.Int, error) {
	if c.Oracle.UpdateFee == "" {
		return new(big.Int), nil
	}
	return parseScaled("oracle.updateFee", c.Oracle.UpdateFee, 0)
}

// Params converts the engine section to fixed point
func (c *Config) Params() (lx.Params, error) {
	e := c.Engine
	var (
		p   lx.Params
		err error
	)
	rates := []struct {
		name  string
		value string
		dst   **big.Int
	}{
		{"openingFeeRate", e.OpeningFeeRate, &p.OpeningFeeRate},
		{"baseInterestRate", e.BaseInterestRate, &p.BaseInterestRate},
		{"variableInterestRate", e.VariableInterestRate, &p.VariableInterestRate},
		{"maxInterestRate", e.MaxInterestRate, &p.MaxInterestRate},
		{"executionRewardRate", e.ExecutionRewardRate, &p.ExecutionRewardRate},
	}
	for _, r := range rates {
		if *r.dst, err = parseScaled("engine."+r.name, r.value, 6); err != nil {
			return p, err
		}
	}
	if p.MinimumPositionSize, err = parseAmount("engine.minimumPositionSize", e.MinimumPositionSize); err != nil {
		return p, err
	}
	if p.BaseExecutionReward, err = parseAmount("engine.baseExecutionReward", e.BaseExecutionReward); err != nil {
		return p, err
	}
	if p.MaximumSlippage, err = parseScaled("engine.maximumSlippage", e.MaximumSlippage, 0); err != nil {
		return p, err
	}
	return p, nil
}

// ResolvePairs parses feeds, caps and static prices of the pair list
func (c *Config) ResolvePairs() ([]Pair, error) {
	pairs := make([]Pair, 0, len(c.Pairs))
	seen := make(map[uint64]bool, len(c.Pairs))
	for _, pc := range c.Pairs {
		if seen[pc.ID] {
			return nil, fmt.Errorf("%w: duplicate pair id %d", ErrInvalidConfig, pc.ID)
		}
		seen[pc.ID] = true

		feed, err := lx.ParseFeedID(pc.Feed)
		if err != nil {
			return nil, fmt.Errorf("%w: pair %d: %v", ErrInvalidConfig, pc.ID, err)
		}
		maxOI, err := parseAmount(fmt.Sprintf("pairs[%d].maxOpenInterest", pc.ID), pc.MaxOpenInterest)
		if err != nil {
			return nil, err
		}

		pair := Pair{
			ID:              lx.PairID(pc.ID),
			Symbol:          pc.Symbol,
			Feed:            feed,
			MaxOpenInterest: maxOI,
		}
		if pc.Price != "" {
			price, err := parseScaled(fmt.Sprintf("pairs[%d].price", pc.ID), pc.Price, lx.PriceDecimals)
			if err != nil {
				return nil, err
			}
			if !price.IsInt64() || price.Sign() == 0 {
				return nil, fmt.Errorf("%w: pairs[%d].price %s out of range", ErrInvalidConfig, pc.ID, pc.Price)
			}
			pair.Quote = &lx.Quote{Price: price.Int64(), Exponent: -lx.PriceDecimals}
		} else if c.Oracle.Kind == OracleStatic {
			return nil, fmt.Errorf("%w: pair %d needs a price for the static oracle", ErrInvalidConfig, pc.ID)
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// Balances returns the genesis balances in collateral base units
func (c *Config) Balances() (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(c.Accounts))
	for _, a := range c.Accounts {
		if strings.TrimSpace(a.Address) == "" {
			return nil, fmt.Errorf("%w: account without address", ErrInvalidConfig)
		}
		amount, err := parseAmount("accounts."+a.Address, a.Balance)
		if err != nil {
			return nil, err
		}
		out[a.Address] = amount
	}
	return out, nil
}

func parseAmount(name, value string) (*big.Int, error) {
	return parseScaled(name, value, lx.CollateralDecimals)
}

// parseScaled converts a decimal string to an integer scaled by 10^decimals.
// Digits beyond the scale are rejected rather than rounded.
func parseScaled(name, value string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidConfig, name, decimals)
	}
	return scaled.BigInt(), nil
}
