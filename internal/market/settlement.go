package market

import (
	"math/big"

	"github.com/prxmarket/predictd/internal/domain"
)

// feeDenominator is the basis-point scale for the treasury fee.
const feeDenominator = 10_000

// computeOutcome compares the lock and close prices of a round. A strictly
// higher close price wins for bulls, strictly lower for bears, and an exact
// tie goes to the house (full refunds).
func computeOutcome(lockPrice, closePrice *big.Int) domain.Outcome {
	switch closePrice.Cmp(lockPrice) {
	case 1:
		return domain.OutcomeBull
	case -1:
		return domain.OutcomeBear
	default:
		return domain.OutcomeHouse
	}
}

// applyRewards writes the settlement fields of a round exactly once. For a
// directional win the fee is floor(totalAmount * feeBps / 10000); the
// remainder is distributed pro rata among winners at claim time. House
// outcomes carry no fee: rewards stay zero and claims refund stakes directly.
//
// If the winning side holds no stakes the whole pool accrues to the treasury;
// there is nobody to pay and losing bets claim nothing.
func applyRewards(r *domain.Round, outcome domain.Outcome, feeBps uint64) {
	r.Outcome = outcome

	if outcome == domain.OutcomeHouse {
		r.RewardBaseCalAmount = new(big.Int)
		r.RewardAmount = new(big.Int)
		r.TreasuryAmount = new(big.Int)
		return
	}

	winnerPool := r.BullAmount
	if outcome == domain.OutcomeBear {
		winnerPool = r.BearAmount
	}

	r.RewardBaseCalAmount = new(big.Int).Set(r.TotalAmount)

	if winnerPool.Sign() == 0 {
		r.RewardAmount = new(big.Int)
		r.TreasuryAmount = new(big.Int).Set(r.TotalAmount)
		return
	}

	fee := new(big.Int).Mul(r.TotalAmount, new(big.Int).SetUint64(feeBps))
	fee.Quo(fee, big.NewInt(feeDenominator))

	r.RewardAmount = new(big.Int).Sub(r.TotalAmount, fee)
	r.TreasuryAmount = fee
}

// payout returns the claimable amount for a bet in a settled round.
//
// House rounds refund the stake in full. Winning bets receive
// amount * rewardAmount / winningSideTotal with integer division truncating
// toward zero; the truncation residual across all winners stays in escrow for
// the treasury and never exceeds the number of winning bets. Losing bets
// receive zero.
func payout(r *domain.Round, b *domain.Bet) *big.Int {
	if !r.Settled() {
		return new(big.Int)
	}

	if r.Outcome == domain.OutcomeHouse {
		return new(big.Int).Set(b.Amount)
	}

	winner := domain.DirectionBull
	winnerPool := r.BullAmount
	if r.Outcome == domain.OutcomeBear {
		winner = domain.DirectionBear
		winnerPool = r.BearAmount
	}

	if b.Direction != winner || winnerPool.Sign() == 0 || r.RewardAmount.Sign() == 0 {
		return new(big.Int)
	}

	p := new(big.Int).Mul(b.Amount, r.RewardAmount)
	return p.Quo(p, winnerPool)
}
