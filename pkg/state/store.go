package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/lx"
)

var stateKey = []byte("engine")

// Store keeps the latest committed engine state in a database. Every save
// replaces the previous one.
type Store struct {
	mu       sync.Mutex
	db       database.Database
	sequence uint64
	log      log.Logger
}

var _ lx.StateStore = (*Store)(nil)

func New(db database.Database, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root().New("module", "state")
	}
	return &Store{db: db, log: logger}
}

// SaveState writes s over the stored state
func (s *Store) SaveState(st lx.State) error {
	value, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode engine state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(stateKey, value); err != nil {
		return fmt.Errorf("write engine state: %w", err)
	}
	s.sequence = st.Sequence
	return nil
}

// Load returns the stored state. found is false on a fresh database.
func (s *Store) Load() (st lx.State, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.db.Get(stateKey)
	if errors.Is(err, database.ErrNotFound) {
		return lx.State{}, false, nil
	}
	if err != nil {
		return lx.State{}, false, fmt.Errorf("read engine state: %w", err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return lx.State{}, false, fmt.Errorf("decode engine state: %w", err)
	}
	s.sequence = st.Sequence
	s.log.Info("engine state loaded",
		"sequence", st.Sequence,
		"pairs", len(st.Pairs),
		"positions", len(st.Positions),
		"orders", len(st.Orders),
	)
	return st, true, nil
}

// Sequence returns the event sequence of the last state saved or loaded
func (s *Store) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}
