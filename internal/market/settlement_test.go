package market

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxmarket/predictd/internal/domain"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestComputeOutcome(t *testing.T) {
	assert.Equal(t, domain.OutcomeBull, computeOutcome(bi(2000), bi(2100)))
	assert.Equal(t, domain.OutcomeBear, computeOutcome(bi(2000), bi(1900)))
	assert.Equal(t, domain.OutcomeHouse, computeOutcome(bi(2000), bi(2000)))
}

func TestApplyRewardsTakesFeeFromPool(t *testing.T) {
	r := domain.NewRound(1, time.Unix(0, 0), time.Minute)
	r.BullAmount = bi(1_000)
	r.BearAmount = bi(3_000)
	r.TotalAmount = bi(4_000)

	applyRewards(&r, domain.OutcomeBull, 1_000) // 10%

	assert.Equal(t, bi(4_000), r.RewardBaseCalAmount)
	assert.Equal(t, bi(3_600), r.RewardAmount)
	assert.Equal(t, bi(400), r.TreasuryAmount)
	assert.Equal(t, domain.OutcomeBull, r.Outcome)
}

func TestApplyRewardsFeeTruncates(t *testing.T) {
	r := domain.NewRound(1, time.Unix(0, 0), time.Minute)
	r.BullAmount = bi(3)
	r.BearAmount = bi(4)
	r.TotalAmount = bi(7)

	applyRewards(&r, domain.OutcomeBear, 300) // 3% of 7 = 0.21, truncated to 0

	assert.Zero(t, r.TreasuryAmount.Sign())
	assert.Equal(t, bi(7), r.RewardAmount)
}

func TestApplyRewardsHouseIsFeeFree(t *testing.T) {
	r := domain.NewRound(1, time.Unix(0, 0), time.Minute)
	r.BullAmount = bi(1_000)
	r.BearAmount = bi(500)
	r.TotalAmount = bi(1_500)

	applyRewards(&r, domain.OutcomeHouse, 1_000)

	assert.Zero(t, r.RewardAmount.Sign())
	assert.Zero(t, r.TreasuryAmount.Sign())
}

func TestApplyRewardsEmptyWinnerPoolGoesToTreasury(t *testing.T) {
	r := domain.NewRound(1, time.Unix(0, 0), time.Minute)
	r.BullAmount = bi(0)
	r.BearAmount = bi(2_000)
	r.TotalAmount = bi(2_000)

	applyRewards(&r, domain.OutcomeBull, 500)

	assert.Zero(t, r.RewardAmount.Sign())
	assert.Equal(t, bi(2_000), r.TreasuryAmount)
}

func TestPayout(t *testing.T) {
	r := domain.NewRound(1, time.Unix(0, 0), time.Minute)
	r.BullAmount = bi(1_000)
	r.BearAmount = bi(3_000)
	r.TotalAmount = bi(4_000)
	applyRewards(&r, domain.OutcomeBull, 1_000)

	winner := domain.Bet{Epoch: 1, UserID: "a", Direction: domain.DirectionBull, Amount: bi(500)}
	loser := domain.Bet{Epoch: 1, UserID: "b", Direction: domain.DirectionBear, Amount: bi(3_000)}

	// 500 * 3600 / 1000 = 1800
	assert.Equal(t, bi(1_800), payout(&r, &winner))
	assert.Zero(t, payout(&r, &loser).Sign())
}

func TestPayoutUnsettledIsZero(t *testing.T) {
	r := domain.NewRound(1, time.Unix(0, 0), time.Minute)
	b := domain.Bet{Epoch: 1, UserID: "a", Direction: domain.DirectionBull, Amount: bi(500)}
	assert.Zero(t, payout(&r, &b).Sign())
}

func TestPayoutHouseRefundsStake(t *testing.T) {
	r := domain.NewRound(1, time.Unix(0, 0), time.Minute)
	r.BullAmount = bi(700)
	r.BearAmount = bi(300)
	r.TotalAmount = bi(1_000)
	applyRewards(&r, domain.OutcomeHouse, 1_000)

	bull := domain.Bet{Epoch: 1, UserID: "a", Direction: domain.DirectionBull, Amount: bi(700)}
	bear := domain.Bet{Epoch: 1, UserID: "b", Direction: domain.DirectionBear, Amount: bi(300)}
	assert.Equal(t, bi(700), payout(&r, &bull))
	assert.Equal(t, bi(300), payout(&r, &bear))
}

// The sum of truncated payouts never exceeds the reward pool; the residual
// dust stays in escrow.
func TestPayoutTruncationResidualBounded(t *testing.T) {
	r := domain.NewRound(1, time.Unix(0, 0), time.Minute)
	stakes := []int64{7, 11, 13, 17, 19}
	winnerPool := bi(0)
	for _, s := range stakes {
		winnerPool.Add(winnerPool, bi(s))
	}
	r.BullAmount = new(big.Int).Set(winnerPool)
	r.BearAmount = bi(100)
	r.TotalAmount = new(big.Int).Add(winnerPool, r.BearAmount)
	applyRewards(&r, domain.OutcomeBull, 250)

	paid := bi(0)
	for i, s := range stakes {
		b := domain.Bet{Epoch: 1, UserID: string(rune('a' + i)), Direction: domain.DirectionBull, Amount: bi(s)}
		paid.Add(paid, payout(&r, &b))
	}

	require.True(t, paid.Cmp(r.RewardAmount) <= 0)
	residual := new(big.Int).Sub(r.RewardAmount, paid)
	assert.True(t, residual.Cmp(bi(int64(len(stakes)))) < 0,
		"residual %s must be below winner count", residual)
}
