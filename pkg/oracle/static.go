package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/perps/pkg/lx"
)

// StaticOracle serves operator-set quotes and ignores the update payload.
// Devnets and tests use it in place of HermesOracle.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[lx.FeedID]lx.Quote
}

var _ lx.Oracle = (*StaticOracle)(nil)

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{quotes: make(map[lx.FeedID]lx.Quote)}
}

// SetPrice replaces the quote of feed
func (s *StaticOracle) SetPrice(feed lx.FeedID, q lx.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[feed] = q
}

func (s *StaticOracle) GetPrice(ctx context.Context, _ lx.OracleUpdate, feed lx.FeedID) (lx.Quote, error) {
	if err := ctx.Err(); err != nil {
		return lx.Quote{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[feed]
	if !ok {
		return lx.Quote{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feed)
	}
	return q, nil
}
