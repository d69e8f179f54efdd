package domain

import (
	"math/big"
	"time"
)

// Direction is the side of a bet: price up (bull) or price down (bear).
type Direction string

const (
	DirectionBull Direction = "bull"
	DirectionBear Direction = "bear"
)

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirectionBull || d == DirectionBear
}

// Outcome is the settlement result of a round. House covers both a price tie
// and a voided round (oracle inconsistency or admin cancellation); in either
// case every stake is refunded in full with no fee taken.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeBull    Outcome = "bull"
	OutcomeBear    Outcome = "bear"
	OutcomeHouse   Outcome = "house"
)

// Round is one betting epoch. Price and oracle-id fields are nil until the
// corresponding transition writes them, and are written exactly once.
type Round struct {
	Epoch     uint64
	StartTime time.Time
	LockTime  time.Time
	CloseTime time.Time

	LockPrice     *big.Int
	ClosePrice    *big.Int
	LockOracleID  *big.Int
	CloseOracleID *big.Int

	BullAmount  *big.Int
	BearAmount  *big.Int
	TotalAmount *big.Int

	// RewardBaseCalAmount and RewardAmount are computed once at settlement
	// and immutable afterwards. TreasuryAmount is the fee slice withheld
	// from the pool before winners are paid.
	RewardBaseCalAmount *big.Int
	RewardAmount        *big.Int
	TreasuryAmount      *big.Int

	Outcome   Outcome
	Cancelled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRound creates a pending round with zeroed pools whose lock and close
// times are one and two intervals after startTime.
func NewRound(epoch uint64, startTime time.Time, interval time.Duration) Round {
	return Round{
		Epoch:               epoch,
		StartTime:           startTime,
		LockTime:            startTime.Add(interval),
		CloseTime:           startTime.Add(2 * interval),
		BullAmount:          new(big.Int),
		BearAmount:          new(big.Int),
		TotalAmount:         new(big.Int),
		RewardBaseCalAmount: new(big.Int),
		RewardAmount:        new(big.Int),
		TreasuryAmount:      new(big.Int),
		Outcome:             OutcomePending,
		CreatedAt:           startTime,
		UpdatedAt:           startTime,
	}
}

// Settled reports whether the round's outcome has been decided.
func (r *Round) Settled() bool {
	return r.Outcome != OutcomePending
}

// Locked reports whether the lock price has been recorded.
func (r *Round) Locked() bool {
	return r.LockPrice != nil
}

// Bettable reports whether bets may still be admitted at the given time.
func (r *Round) Bettable(now time.Time) bool {
	return !r.Settled() && !r.Locked() && now.Before(r.LockTime)
}

// Clone returns a deep copy so callers can hand rounds across goroutine
// boundaries without aliasing the engine's mutable state.
func (r *Round) Clone() Round {
	c := *r
	c.LockPrice = cloneBig(r.LockPrice)
	c.ClosePrice = cloneBig(r.ClosePrice)
	c.LockOracleID = cloneBig(r.LockOracleID)
	c.CloseOracleID = cloneBig(r.CloseOracleID)
	c.BullAmount = cloneBig(r.BullAmount)
	c.BearAmount = cloneBig(r.BearAmount)
	c.TotalAmount = cloneBig(r.TotalAmount)
	c.RewardBaseCalAmount = cloneBig(r.RewardBaseCalAmount)
	c.RewardAmount = cloneBig(r.RewardAmount)
	c.TreasuryAmount = cloneBig(r.TreasuryAmount)
	return c
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
