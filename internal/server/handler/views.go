package handler

import (
	"math/big"
	"time"

	"github.com/prxmarket/predictd/internal/domain"
)

// roundView is the JSON shape of a round. Token amounts and prices are
// decimal strings; fields not yet written by the lifecycle are omitted.
type roundView struct {
	Epoch     uint64    `json:"epoch"`
	StartTime time.Time `json:"start_time"`
	LockTime  time.Time `json:"lock_time"`
	CloseTime time.Time `json:"close_time"`

	LockPrice     *string `json:"lock_price,omitempty"`
	ClosePrice    *string `json:"close_price,omitempty"`
	LockOracleID  *string `json:"lock_oracle_id,omitempty"`
	CloseOracleID *string `json:"close_oracle_id,omitempty"`

	BullAmount  string `json:"bull_amount"`
	BearAmount  string `json:"bear_amount"`
	TotalAmount string `json:"total_amount"`

	RewardBaseCalAmount string `json:"reward_base_cal_amount"`
	RewardAmount        string `json:"reward_amount"`
	TreasuryAmount      string `json:"treasury_amount"`

	Outcome   string `json:"outcome"`
	Cancelled bool   `json:"cancelled"`
}

func newRoundView(r domain.Round) roundView {
	return roundView{
		Epoch:               r.Epoch,
		StartTime:           r.StartTime,
		LockTime:            r.LockTime,
		CloseTime:           r.CloseTime,
		LockPrice:           optBig(r.LockPrice),
		ClosePrice:          optBig(r.ClosePrice),
		LockOracleID:        optBig(r.LockOracleID),
		CloseOracleID:       optBig(r.CloseOracleID),
		BullAmount:          zeroBig(r.BullAmount),
		BearAmount:          zeroBig(r.BearAmount),
		TotalAmount:         zeroBig(r.TotalAmount),
		RewardBaseCalAmount: zeroBig(r.RewardBaseCalAmount),
		RewardAmount:        zeroBig(r.RewardAmount),
		TreasuryAmount:      zeroBig(r.TreasuryAmount),
		Outcome:             string(r.Outcome),
		Cancelled:           r.Cancelled,
	}
}

func newRoundViews(rounds []domain.Round) []roundView {
	out := make([]roundView, len(rounds))
	for i, r := range rounds {
		out[i] = newRoundView(r)
	}
	return out
}

// betView is the JSON shape of a bet.
type betView struct {
	Epoch     uint64     `json:"epoch"`
	UserID    string     `json:"user_id"`
	Direction string     `json:"direction"`
	Amount    string     `json:"amount"`
	Claimed   bool       `json:"claimed"`
	PlacedAt  time.Time  `json:"placed_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

func newBetView(b domain.Bet) betView {
	return betView{
		Epoch:     b.Epoch,
		UserID:    b.UserID,
		Direction: string(b.Direction),
		Amount:    zeroBig(b.Amount),
		Claimed:   b.Claimed,
		PlacedAt:  b.PlacedAt,
		ClaimedAt: b.ClaimedAt,
	}
}

func newBetViews(bets []domain.Bet) []betView {
	out := make([]betView, len(bets))
	for i, b := range bets {
		out[i] = newBetView(b)
	}
	return out
}

func optBig(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func zeroBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
