package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/lx"
)

var (
	ErrInsufficientFee = errors.New("insufficient oracle update fee")
	ErrMalformedUpdate = errors.New("malformed price update")
	ErrFeedNotFound    = errors.New("feed not in price update")
	ErrStalePrice      = errors.New("stale price")
)

// Kind names the oracle errors the same way lx.ErrorKind names engine errors
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFee):
		return "InsufficientOracleFee"
	case errors.Is(err, ErrMalformedUpdate):
		return "MalformedPriceUpdate"
	case errors.Is(err, ErrFeedNotFound):
		return "FeedNotFound"
	case errors.Is(err, ErrStalePrice):
		return "StalePrice"
	}
	return ""
}

// hermesUpdate is the parsed section of a Hermes price update response.
// Numbers are carried as strings.
type hermesUpdate struct {
	Parsed []hermesFeed `json:"parsed"`
}

type hermesFeed struct {
	ID    string      `json:"id"`
	Price hermesPrice `json:"price"`
}

type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// HermesConfig configures a HermesOracle
type HermesConfig struct {
	// UpdateFee is required once per feed contained in an update. The check is
	// advisory: it compares against the fee the caller declares in
	// OracleUpdate.Fee and nothing is debited or collected.
	UpdateFee *big.Int
	// MaxAge rejects quotes published longer ago; zero disables the check
	MaxAge time.Duration
	Clock  func() time.Time
	Logger log.Logger
}

// HermesOracle reads quotes out of Pyth Hermes update payloads supplied by
// the caller of each engine operation
type HermesOracle struct {
	fee    *big.Int
	maxAge time.Duration
	now    func() time.Time
	log    log.Logger
}

var _ lx.Oracle = (*HermesOracle)(nil)

func NewHermesOracle(cfg HermesConfig) *HermesOracle {
	o := &HermesOracle{
		fee:    new(big.Int),
		maxAge: cfg.MaxAge,
		now:    cfg.Clock,
		log:    cfg.Logger,
	}
	if cfg.UpdateFee != nil {
		o.fee.Set(cfg.UpdateFee)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.log == nil {
		o.log = log.Root().New("module", "oracle")
	}
	return o
}

// UpdateFee returns the fee an update carrying feeds entries must declare
func (o *HermesOracle) UpdateFee(feeds int) *big.Int {
	return new(big.Int).Mul(o.fee, big.NewInt(int64(feeds)))
}

func (o *HermesOracle) GetPrice(ctx context.Context, update lx.OracleUpdate, feed lx.FeedID) (lx.Quote, error) {
	if err := ctx.Err(); err != nil {
		return lx.Quote{}, err
	}

	var parsed hermesUpdate
	if err := json.Unmarshal(update.Payload, &parsed); err != nil {
		return lx.Quote{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if len(parsed.Parsed) == 0 {
		return lx.Quote{}, fmt.Errorf("%w: no feeds", ErrMalformedUpdate)
	}

	required := o.UpdateFee(len(parsed.Parsed))
	paid := update.Fee
	if paid == nil {
		paid = new(big.Int)
	}
	if paid.Cmp(required) < 0 {
		return lx.Quote{}, fmt.Errorf("%w: paid %s, required %s", ErrInsufficientFee, paid, required)
	}

	for _, entry := range parsed.Parsed {
		id, err := lx.ParseFeedID(entry.ID)
		if err != nil {
			return lx.Quote{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
		if id != feed {
			continue
		}
		q, err := entry.Price.quote()
		if err != nil {
			return lx.Quote{}, err
		}
		if o.maxAge > 0 {
			age := o.now().Sub(time.Unix(q.PublishTime, 0))
			if age > o.maxAge {
				return lx.Quote{}, fmt.Errorf("%w: %s published %s ago", ErrStalePrice, feed, age)
			}
		}
		o.log.Debug("price read from update",
			"feed", feed.String(),
			"price", q.Price,
			"conf", q.Confidence,
			"expo", q.Exponent,
		)
		return q, nil
	}
	return lx.Quote{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feed)
}

func (p hermesPrice) quote() (lx.Quote, error) {
	price, err := strconv.ParseInt(p.Price, 10, 64)
	if err != nil {
		return lx.Quote{}, fmt.Errorf("%w: price %q", ErrMalformedUpdate, p.Price)
	}
	conf, err := strconv.ParseUint(p.Conf, 10, 63)
	if err != nil {
		return lx.Quote{}, fmt.Errorf("%w: conf %q", ErrMalformedUpdate, p.Conf)
	}
	return lx.Quote{
		Price:       price,
		Confidence:  int64(conf),
		Exponent:    p.Expo,
		PublishTime: p.PublishTime,
	}, nil
}

// EncodeUpdate builds a Hermes-shaped payload carrying the given quotes. Keepers
// and tests use it to produce updates for HermesOracle.
func EncodeUpdate(quotes map[lx.FeedID]lx.Quote) ([]byte, error) {
	var u hermesUpdate
	for feed, q := range quotes {
		u.Parsed = append(u.Parsed, hermesFeed{
			ID: feed.String(),
			Price: hermesPrice{
				Price:       strconv.FormatInt(q.Price, 10),
				Conf:        strconv.FormatInt(q.Confidence, 10),
				Expo:        q.Exponent,
				PublishTime: q.PublishTime,
			},
		})
	}
	return json.Marshal(u)
}
