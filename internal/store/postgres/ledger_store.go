package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prxmarket/predictd/internal/domain"
)

// Ledger implements domain.CollateralLedger on a balances table. Every move
// runs in a transaction; debits take effect only when the source row still
// covers the amount, so concurrent spends cannot drive a balance negative.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a new Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	return nil
}

// credit adds amount to an account, creating the row on first use.
func credit(ctx context.Context, tx pgx.Tx, account string, amount *big.Int) error {
	const query = `
		INSERT INTO balances (account, balance, updated_at)
		VALUES ($1, $2::numeric, NOW())
		ON CONFLICT (account) DO UPDATE SET
			balance    = balances.balance + EXCLUDED.balance,
			updated_at = NOW()`
	if _, err := tx.Exec(ctx, query, account, amount.String()); err != nil {
		return fmt.Errorf("postgres: credit %s: %w", account, err)
	}
	return nil
}

// debit subtracts amount from an account. The WHERE guard makes the update a
// no-op when the balance cannot cover the amount.
func debit(ctx context.Context, tx pgx.Tx, account string, amount *big.Int) error {
	const query = `
		UPDATE balances
		SET balance = balance - $2::numeric, updated_at = NOW()
		WHERE account = $1 AND balance >= $2::numeric`
	tag, err := tx.Exec(ctx, query, account, amount.String())
	if err != nil {
		return fmt.Errorf("postgres: debit %s: %w", account, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientCollateral
	}
	return nil
}

// move debits from and credits to atomically.
func (l *Ledger) move(ctx context.Context, from, to string, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := debit(ctx, tx, from, amount); err != nil {
		return err
	}
	if err := credit(ctx, tx, to, amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger tx: %w", err)
	}
	return nil
}

// Deposit credits a user's account.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := credit(ctx, tx, userID, amount); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger tx: %w", err)
	}
	return nil
}

// Withdraw debits a user's account.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := debit(ctx, tx, userID, amount); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger tx: %w", err)
	}
	return nil
}

// TransferIn moves collateral from a user's account into escrow.
func (l *Ledger) TransferIn(ctx context.Context, userID string, amount *big.Int) error {
	return l.move(ctx, userID, domain.EscrowAccount, amount)
}

// TransferOut moves collateral from escrow back to a user's account.
func (l *Ledger) TransferOut(ctx context.Context, userID string, amount *big.Int) error {
	return l.move(ctx, domain.EscrowAccount, userID, amount)
}

// EscrowToTreasury moves accrued fees from escrow to the treasury account.
func (l *Ledger) EscrowToTreasury(ctx context.Context, amount *big.Int) error {
	return l.move(ctx, domain.EscrowAccount, domain.TreasuryAccount, amount)
}

// Balance returns the balance of an account; unknown accounts report zero.
func (l *Ledger) Balance(ctx context.Context, account string) (*big.Int, error) {
	var balance *string
	err := l.pool.QueryRow(ctx,
		`SELECT balance::text FROM balances WHERE account = $1`, account,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("postgres: balance %s: %w", account, err)
	}
	return mustBig(balance)
}
