package testutil

import (
	"context"
	"math/big"
	"sync"

	"github.com/prxmarket/predictd/internal/domain"
)

// MemLedger is an in-memory CollateralLedger with the same semantics as the
// Postgres implementation: atomic moves, debits fail when the source balance
// cannot cover the amount.
type MemLedger struct {
	mu       sync.Mutex
	balances map[string]*big.Int

	// FailTransferOut makes TransferOut calls return this error.
	FailTransferOut error
}

// NewMemLedger creates a ledger; initial seeds accounts with balances.
func NewMemLedger(initial map[string]*big.Int) *MemLedger {
	l := &MemLedger{balances: make(map[string]*big.Int)}
	for account, amount := range initial {
		l.balances[account] = new(big.Int).Set(amount)
	}
	return l
}

func (l *MemLedger) balance(account string) *big.Int {
	b, ok := l.balances[account]
	if !ok {
		b = new(big.Int)
		l.balances[account] = b
	}
	return b
}

func (l *MemLedger) move(from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return domain.ErrInvalidAmount
	}
	src := l.balance(from)
	if src.Cmp(amount) < 0 {
		return domain.ErrInsufficientCollateral
	}
	src.Sub(src, amount)
	dst := l.balance(to)
	dst.Add(dst, amount)
	return nil
}

func (l *MemLedger) Deposit(_ context.Context, userID string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	b := l.balance(userID)
	b.Add(b, amount)
	return nil
}

func (l *MemLedger) Withdraw(_ context.Context, userID string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	b := l.balance(userID)
	if b.Cmp(amount) < 0 {
		return domain.ErrInsufficientCollateral
	}
	b.Sub(b, amount)
	return nil
}

func (l *MemLedger) TransferIn(_ context.Context, userID string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(userID, domain.EscrowAccount, amount)
}

func (l *MemLedger) TransferOut(_ context.Context, userID string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailTransferOut != nil {
		return l.FailTransferOut
	}
	return l.move(domain.EscrowAccount, userID, amount)
}

func (l *MemLedger) EscrowToTreasury(_ context.Context, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(domain.EscrowAccount, domain.TreasuryAccount, amount)
}

func (l *MemLedger) Balance(_ context.Context, account string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(account)), nil
}
