package domain

import (
	"context"
	"math/big"
)

// Reserved ledger accounts. User accounts are UUID strings; the escrow account
// holds all collateral locked in open and unclaimed rounds, and the treasury
// account holds claimed protocol fees.
const (
	EscrowAccount   = "escrow"
	TreasuryAccount = "treasury"
)

// CollateralLedger moves betting collateral between user accounts and the
// market escrow. Every method is atomic: a failed call leaves no partial
// balance change. Debits fail with ErrInsufficientCollateral when the source
// account cannot cover the amount.
type CollateralLedger interface {
	// Deposit credits a user's account (external funds entering the system).
	Deposit(ctx context.Context, userID string, amount *big.Int) error
	// Withdraw debits a user's account (funds leaving the system).
	Withdraw(ctx context.Context, userID string, amount *big.Int) error
	// TransferIn moves collateral from a user's account into escrow.
	TransferIn(ctx context.Context, userID string, amount *big.Int) error
	// TransferOut moves collateral from escrow back to a user's account.
	TransferOut(ctx context.Context, userID string, amount *big.Int) error
	// EscrowToTreasury moves accrued fees from escrow to the treasury account.
	EscrowToTreasury(ctx context.Context, amount *big.Int) error
	// Balance returns the current balance of an account.
	Balance(ctx context.Context, account string) (*big.Int, error)
}
