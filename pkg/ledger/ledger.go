package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/lx"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must not be negative")
	ErrEmptyAccount        = errors.New("empty account")
)

var (
	balancePrefix = []byte("balance")
	supplyKey     = []byte("supply")
)

// Ledger is the collateral token: account balances kept in a database, with
// each transfer committed as one versiondb batch
type Ledger struct {
	mu       sync.Mutex
	db       *versiondb.Database
	balances database.Database
	log      log.Logger
}

var _ lx.CollateralToken = (*Ledger)(nil)

// New opens a ledger on db. Balances live under their own prefix so db may be
// shared with other stores.
func New(db database.Database, logger log.Logger) *Ledger {
	if logger == nil {
		logger = log.Root().New("module", "ledger")
	}
	vdb := versiondb.New(db)
	return &Ledger{
		db:       vdb,
		balances: prefixdb.New(balancePrefix, vdb),
		log:      logger,
	}
}

// BalanceOf returns the balance of account, zero if it never held funds
func (l *Ledger) BalanceOf(ctx context.Context, account string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(l.balances, []byte(account))
}

// TotalSupply returns the sum of everything minted
func (l *Ledger) TotalSupply() (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(l.db, supplyKey)
}

// Transfer moves amount from one account to another. Either both balances
// change or neither does.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if from == "" || to == "" {
		return ErrEmptyAccount
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.db.Abort()

	src, err := l.get(l.balances, []byte(from))
	if err != nil {
		return err
	}
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from, src, amount)
	}
	if from == to || amount.Sign() == 0 {
		return nil
	}

	if err := l.put(l.balances, []byte(from), src.Sub(src, amount)); err != nil {
		return err
	}
	dst, err := l.get(l.balances, []byte(to))
	if err != nil {
		return err
	}
	if err := l.put(l.balances, []byte(to), dst.Add(dst, amount)); err != nil {
		return err
	}
	if err := l.db.Commit(); err != nil {
		return fmt.Errorf("commit transfer: %w", err)
	}

	l.log.Debug("transfer", "from", from, "to", to, "amount", amount.String())
	return nil
}

// Mint credits new tokens to account
func (l *Ledger) Mint(ctx context.Context, account string, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if account == "" {
		return ErrEmptyAccount
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.db.Abort()

	bal, err := l.get(l.balances, []byte(account))
	if err != nil {
		return err
	}
	supply, err := l.get(l.db, supplyKey)
	if err != nil {
		return err
	}
	if err := l.put(l.balances, []byte(account), bal.Add(bal, amount)); err != nil {
		return err
	}
	if err := l.put(l.db, supplyKey, supply.Add(supply, amount)); err != nil {
		return err
	}
	if err := l.db.Commit(); err != nil {
		return fmt.Errorf("commit mint: %w", err)
	}

	l.log.Info("minted", "account", account, "amount", amount.String())
	return nil
}

func (l *Ledger) get(db database.Database, key []byte) (*big.Int, error) {
	raw, err := db.Get(key)
	if errors.Is(err, database.ErrNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	return new(big.Int).SetBytes(raw), nil
}

func (l *Ledger) put(db database.Database, key []byte, value *big.Int) error {
	if err := db.Put(key, value.Bytes()); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}
