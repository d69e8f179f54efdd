package domain

import (
	"math/big"
	"time"
)

// Bet is a single user's stake in a single round. The (Epoch, UserID) pair is
// unique: a user holds at most one bet per round. Bets are never deleted; they
// are retained for audit and idempotent-claim checks.
type Bet struct {
	Epoch     uint64
	UserID    string
	Direction Direction
	Amount    *big.Int
	Claimed   bool
	PlacedAt  time.Time
	ClaimedAt *time.Time
}

// Clone returns a deep copy of the bet.
func (b *Bet) Clone() Bet {
	c := *b
	c.Amount = cloneBig(b.Amount)
	if b.ClaimedAt != nil {
		t := *b.ClaimedAt
		c.ClaimedAt = &t
	}
	return c
}
