package market_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxmarket/predictd/internal/domain"
	"github.com/prxmarket/predictd/internal/market"
	"github.com/prxmarket/predictd/internal/testutil"
)

const (
	interval  = 5 * time.Minute
	buffer    = 30 * time.Second
	allowance = 5 * time.Minute
)

var (
	minBet    = big.NewInt(10_000_000_000_000_000) // 0.01 token
	price2000 = big.NewInt(200_000_000_000)        // 2000 at 8 decimals
	price2100 = big.NewInt(210_000_000_000)
	price1900 = big.NewInt(190_000_000_000)
)

// units returns n * 10^17, i.e. n tenths of a token.
func units(n int64) *big.Int {
	u := new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)
	return u.Mul(u, big.NewInt(n))
}

type fixture struct {
	t      *testing.T
	clock  *testutil.Clock
	engine *market.Engine
	rounds *testutil.MemRoundStore
	bets   *testutil.MemBetStore
	state  *testutil.MemStateStore
	audit  *testutil.MemAuditStore
	ledger *testutil.MemLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		clock:  testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		rounds: testutil.NewMemRoundStore(),
		bets:   testutil.NewMemBetStore(),
		state:  testutil.NewMemStateStore(),
		audit:  testutil.NewMemAuditStore(),
		ledger: testutil.NewMemLedger(map[string]*big.Int{
			"alice": units(100),
			"bob":   units(100),
			"carol": units(100),
		}),
	}
	f.engine = f.newEngine()
	return f
}

func (f *fixture) newEngine() *market.Engine {
	f.t.Helper()
	eng, err := market.NewEngine(context.Background(), market.Config{
		Interval:        interval,
		Buffer:          buffer,
		MinBet:          minBet,
		OracleAllowance: allowance,
		TreasuryFeeBps:  1_000,
	}, market.Stores{
		Rounds: f.rounds,
		Bets:   f.bets,
		State:  f.state,
		Audit:  f.audit,
	}, f.ledger, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(f.t, err)
	eng.SetClock(f.clock.Now)
	return eng
}

func (f *fixture) sample(roundID int64, price *big.Int) domain.OracleSample {
	return domain.OracleSample{
		RoundID:   big.NewInt(roundID),
		Price:     new(big.Int).Set(price),
		UpdatedAt: f.clock.Now(),
	}
}

// bootstrap runs genesis start, then genesis lock one interval later at
// price 2000 with oracle round id 1. Leaves epoch 1 locked and epoch 2 open.
func (f *fixture) bootstrap() {
	f.t.Helper()
	_, err := f.engine.GenesisStart(context.Background())
	require.NoError(f.t, err)
	f.clock.Advance(interval)
	res, err := f.engine.GenesisLock(context.Background(), f.sample(1, price2000))
	require.NoError(f.t, err)
	require.NotNil(f.t, res.Locked)
	require.NotNil(f.t, res.Started)
}

func (f *fixture) balance(account string) *big.Int {
	f.t.Helper()
	b, err := f.ledger.Balance(context.Background(), account)
	require.NoError(f.t, err)
	return b
}

func TestGenesisBootstrap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Transitions before bootstrap are rejected.
	_, err := f.engine.ExecuteRound(ctx, f.sample(1, price2000))
	require.ErrorIs(t, err, domain.ErrGenesisNotReady)
	_, err = f.engine.GenesisLock(ctx, f.sample(1, price2000))
	require.ErrorIs(t, err, domain.ErrGenesisNotReady)

	round, err := f.engine.GenesisStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), round.Epoch)
	assert.Equal(t, f.clock.Now().Add(interval), round.LockTime)
	assert.Equal(t, f.clock.Now().Add(2*interval), round.CloseTime)

	_, err = f.engine.GenesisStart(ctx)
	require.ErrorIs(t, err, domain.ErrGenesisDone)

	// Genesis lock before the lock time is a quiet no-op.
	res, err := f.engine.GenesisLock(ctx, f.sample(1, price2000))
	require.NoError(t, err)
	assert.Nil(t, res.Locked)

	f.clock.Advance(interval)
	res, err = f.engine.GenesisLock(ctx, f.sample(1, price2000))
	require.NoError(t, err)
	require.NotNil(t, res.Locked)
	assert.Equal(t, uint64(1), res.Locked.Epoch)
	assert.Equal(t, price2000, res.Locked.LockPrice)
	require.NotNil(t, res.Started)
	assert.Equal(t, uint64(2), res.Started.Epoch)

	_, err = f.engine.GenesisLock(ctx, f.sample(2, price2000))
	require.ErrorIs(t, err, domain.ErrGenesisDone)

	cur, err := f.engine.CurrentRound()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur.Epoch)
	assert.True(t, cur.Bettable(f.clock.Now()))
}

// Full lifecycle: bulls stake 1.0, bears stake 3.0, price goes up, the 10%
// fee leaves a 3.6 reward pool, and a 0.5 bull stake claims 1.8.
func TestRoundLifecyclePayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.GenesisStart(ctx)
	require.NoError(t, err)

	_, err = f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(5))
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "bob", domain.DirectionBull, units(5))
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "carol", domain.DirectionBear, units(30))
	require.NoError(t, err)

	assert.Equal(t, units(95), f.balance("alice"))
	assert.Equal(t, units(40), f.balance(domain.EscrowAccount))

	f.clock.Advance(interval)
	_, err = f.engine.GenesisLock(ctx, f.sample(1, price2000))
	require.NoError(t, err)

	f.clock.Advance(interval)
	res, err := f.engine.ExecuteRound(ctx, f.sample(2, price2100))
	require.NoError(t, err)
	require.NotNil(t, res.Closed)
	require.NotNil(t, res.Locked)
	require.NotNil(t, res.Started)

	closed := res.Closed
	assert.Equal(t, uint64(1), closed.Epoch)
	assert.Equal(t, domain.OutcomeBull, closed.Outcome)
	assert.Equal(t, units(40), closed.TotalAmount)
	assert.Equal(t, units(40), closed.RewardBaseCalAmount)
	assert.Equal(t, units(36), closed.RewardAmount)
	assert.Equal(t, units(4), closed.TreasuryAmount)

	assert.Equal(t, units(18), f.engine.Claimable(1, "alice"))
	assert.Zero(t, f.engine.Claimable(1, "carol").Sign())

	total, items, err := f.engine.Claim(ctx, "alice", []uint64{1})
	require.NoError(t, err)
	assert.Equal(t, units(18), total)
	require.Len(t, items, 1)
	assert.Equal(t, units(113), f.balance("alice"))

	// Second claim must fail and move nothing.
	_, _, err = f.engine.Claim(ctx, "alice", []uint64{1})
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	assert.Equal(t, units(113), f.balance("alice"))

	// Losers have nothing to claim.
	_, _, err = f.engine.Claim(ctx, "carol", []uint64{1})
	require.ErrorIs(t, err, domain.ErrNothingToClaim)
}

func TestTieRefundsEveryStake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.GenesisStart(ctx)
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(7))
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "carol", domain.DirectionBear, units(3))
	require.NoError(t, err)

	f.clock.Advance(interval)
	_, err = f.engine.GenesisLock(ctx, f.sample(1, price2000))
	require.NoError(t, err)

	f.clock.Advance(interval)
	res, err := f.engine.ExecuteRound(ctx, f.sample(2, price2000))
	require.NoError(t, err)
	require.NotNil(t, res.Closed)
	assert.Equal(t, domain.OutcomeHouse, res.Closed.Outcome)
	assert.Zero(t, res.Closed.TreasuryAmount.Sign())

	_, _, err = f.engine.Claim(ctx, "alice", []uint64{1})
	require.NoError(t, err)
	_, _, err = f.engine.Claim(ctx, "carol", []uint64{1})
	require.NoError(t, err)
	assert.Equal(t, units(100), f.balance("alice"))
	assert.Equal(t, units(100), f.balance("carol"))
	assert.Zero(t, f.balance(domain.EscrowAccount).Sign())
}

// A close whose oracle round id has not advanced past the lock sample voids
// the round instead of settling on a replayed price.
func TestStalledOracleRoundIDVoidsRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.GenesisStart(ctx)
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(5))
	require.NoError(t, err)

	f.clock.Advance(interval)
	_, err = f.engine.GenesisLock(ctx, f.sample(7, price2000))
	require.NoError(t, err)

	f.clock.Advance(interval)
	res, err := f.engine.ExecuteRound(ctx, f.sample(7, price2100))
	require.NoError(t, err)
	require.NotNil(t, res.Closed)
	assert.Equal(t, domain.OutcomeHouse, res.Closed.Outcome)

	total, _, err := f.engine.Claim(ctx, "alice", []uint64{1})
	require.NoError(t, err)
	assert.Equal(t, units(5), total)
}

func TestStaleOracleSampleAbortsTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap()

	f.clock.Advance(interval)
	stale := f.sample(2, price2100)
	stale.UpdatedAt = f.clock.Now().Add(-allowance - time.Second)

	_, err := f.engine.ExecuteRound(ctx, stale)
	require.ErrorIs(t, err, domain.ErrStaleOracle)

	// Nothing moved: round 1 is still unsettled, round 2 still unlocked.
	r1, err := f.engine.RoundInfo(1)
	require.NoError(t, err)
	assert.False(t, r1.Settled())
	assert.Nil(t, r1.ClosePrice)
	r2, err := f.engine.RoundInfo(2)
	require.NoError(t, err)
	assert.False(t, r2.Locked())

	// A fresh sample on the next tick settles normally.
	res, err := f.engine.ExecuteRound(ctx, f.sample(2, price1900))
	require.NoError(t, err)
	require.NotNil(t, res.Closed)
	assert.Equal(t, domain.OutcomeBear, res.Closed.Outcome)
}

func TestExecuteRoundNoopWhenNothingDue(t *testing.T) {
	f := newFixture(t)
	f.bootstrap()

	f.clock.Advance(time.Minute)
	res, err := f.engine.ExecuteRound(context.Background(), f.sample(2, price2100))
	require.NoError(t, err)
	assert.Nil(t, res.Closed)
	assert.Nil(t, res.Locked)
	assert.Nil(t, res.Started)
}

func TestPlaceBetRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap()

	_, err := f.engine.PlaceBet(ctx, "alice", domain.Direction("sideways"), units(5))
	require.ErrorIs(t, err, domain.ErrInvalidDirection)

	_, err = f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, big.NewInt(1))
	require.ErrorIs(t, err, domain.ErrBelowMinimum)

	_, err = f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(200))
	require.ErrorIs(t, err, domain.ErrInsufficientCollateral)

	_, err = f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(5))
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "alice", domain.DirectionBear, units(5))
	require.ErrorIs(t, err, domain.ErrDuplicateBet)

	// Past the lock time the round stops accepting bets even before the
	// keeper locks it.
	f.clock.Advance(interval)
	_, err = f.engine.PlaceBet(ctx, "bob", domain.DirectionBull, units(5))
	require.ErrorIs(t, err, domain.ErrRoundNotBettable)
}

func TestPlaceBetPersistFailureRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap()

	f.bets.FailCreate = errors.New("disk full")
	_, err := f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(5))
	require.Error(t, err)
	assert.Equal(t, units(100), f.balance("alice"))
	assert.Zero(t, f.balance(domain.EscrowAccount).Sign())

	f.bets.FailCreate = nil
	_, err = f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(5))
	require.NoError(t, err)
}

func TestClaimIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.GenesisStart(ctx)
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(5))
	require.NoError(t, err)

	f.clock.Advance(interval)
	_, err = f.engine.GenesisLock(ctx, f.sample(1, price2000))
	require.NoError(t, err)
	f.clock.Advance(interval)
	_, err = f.engine.ExecuteRound(ctx, f.sample(2, price2100))
	require.NoError(t, err)

	// Epoch 1 is settled and claimable, epoch 2 is not settled; the combined
	// claim must fail without paying the settled leg.
	before := f.balance("alice")
	_, _, err = f.engine.Claim(ctx, "alice", []uint64{1, 2})
	require.ErrorIs(t, err, domain.ErrRoundNotSettled)
	assert.Equal(t, before, f.balance("alice"))
	assert.Positive(t, f.engine.Claimable(1, "alice").Sign())

	bet, err := f.engine.UserBet(1, "alice")
	require.NoError(t, err)
	assert.False(t, bet.Claimed)
}

func TestClaimTransferFailureKeepsBetClaimable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.GenesisStart(ctx)
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(5))
	require.NoError(t, err)
	f.clock.Advance(interval)
	_, err = f.engine.GenesisLock(ctx, f.sample(1, price2000))
	require.NoError(t, err)
	f.clock.Advance(interval)
	_, err = f.engine.ExecuteRound(ctx, f.sample(2, price2100))
	require.NoError(t, err)

	f.ledger.FailTransferOut = errors.New("ledger offline")
	_, _, err = f.engine.Claim(ctx, "alice", []uint64{1})
	require.Error(t, err)
	bet, err := f.engine.UserBet(1, "alice")
	require.NoError(t, err)
	assert.False(t, bet.Claimed)

	f.ledger.FailTransferOut = nil
	total, _, err := f.engine.Claim(ctx, "alice", []uint64{1})
	require.NoError(t, err)
	assert.Positive(t, total.Sign())
}

func TestPauseSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap()

	require.NoError(t, f.engine.Pause(ctx))
	require.ErrorIs(t, f.engine.Pause(ctx), domain.ErrPaused)

	_, err := f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(5))
	require.ErrorIs(t, err, domain.ErrPaused)

	// In-flight rounds still lock and close while paused, but no new round
	// starts.
	f.clock.Advance(interval)
	res, err := f.engine.ExecuteRound(ctx, f.sample(2, price2100))
	require.NoError(t, err)
	require.NotNil(t, res.Closed)
	assert.Equal(t, domain.OutcomeBull, res.Closed.Outcome)
	require.NotNil(t, res.Locked)
	assert.Equal(t, uint64(2), res.Locked.Epoch)
	assert.Nil(t, res.Started)

	status := f.engine.CurrentStatus()
	assert.Equal(t, uint64(2), status.CurrentEpoch)

	// Rollover stalled while paused, so unpausing re-arms genesis and the
	// market restarts from epoch 3.
	require.NoError(t, f.engine.Unpause(ctx))
	require.ErrorIs(t, f.engine.Unpause(ctx), domain.ErrNotPaused)

	status = f.engine.CurrentStatus()
	assert.False(t, status.GenesisStarted)

	round, err := f.engine.GenesisStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), round.Epoch)
}

func TestSetTreasuryFeeBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.engine.SetTreasuryFee(ctx, market.MaxTreasuryFeeBps+1), domain.ErrFeeTooHigh)
	require.NoError(t, f.engine.SetTreasuryFee(ctx, 300))
	assert.Equal(t, uint64(300), f.engine.CurrentStatus().TreasuryFeeBps)
}

func TestSetMinBet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap()

	require.ErrorIs(t, f.engine.SetMinBet(ctx, big.NewInt(0)), domain.ErrInvalidAmount)
	require.NoError(t, f.engine.SetMinBet(ctx, units(10)))

	_, err := f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(5))
	require.ErrorIs(t, err, domain.ErrBelowMinimum)
	_, err = f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(10))
	require.NoError(t, err)
}

func TestSetSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Schedule changes require a paused market.
	require.ErrorIs(t, f.engine.SetSchedule(ctx, 10*time.Minute, time.Minute), domain.ErrNotPaused)

	require.NoError(t, f.engine.Pause(ctx))
	require.ErrorIs(t, f.engine.SetSchedule(ctx, 10*time.Minute, 10*time.Minute), domain.ErrInvalidSchedule)
	require.ErrorIs(t, f.engine.SetSchedule(ctx, 0, time.Minute), domain.ErrInvalidSchedule)
	require.NoError(t, f.engine.SetSchedule(ctx, 10*time.Minute, time.Minute))
	require.NoError(t, f.engine.Unpause(ctx))

	// The next bootstrapped round uses the new interval.
	round, err := f.engine.GenesisStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), round.LockTime)

	// A restarted engine keeps the admin-set schedule over the configured one.
	restarted := f.newEngine()
	require.NoError(t, restarted.Pause(ctx))
	require.NoError(t, restarted.Unpause(ctx))
	round, err = restarted.GenesisStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), round.LockTime)
}

func TestCancelRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap()

	_, err := f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(5))
	require.NoError(t, err)

	_, err = f.engine.CancelRound(ctx, 99)
	require.ErrorIs(t, err, domain.ErrNotFound)

	cancelled, err := f.engine.CancelRound(ctx, 2)
	require.NoError(t, err)
	assert.True(t, cancelled.Cancelled)
	assert.Equal(t, domain.OutcomeHouse, cancelled.Outcome)

	_, err = f.engine.CancelRound(ctx, 2)
	require.ErrorIs(t, err, domain.ErrRoundSettled)

	total, _, err := f.engine.Claim(ctx, "alice", []uint64{2})
	require.NoError(t, err)
	assert.Equal(t, units(5), total)
	assert.Equal(t, units(100), f.balance("alice"))
}

func TestClaimTreasury(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ClaimTreasury(ctx)
	require.ErrorIs(t, err, domain.ErrNothingToClaim)

	_, err = f.engine.GenesisStart(ctx)
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(10))
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "carol", domain.DirectionBear, units(30))
	require.NoError(t, err)
	f.clock.Advance(interval)
	_, err = f.engine.GenesisLock(ctx, f.sample(1, price2000))
	require.NoError(t, err)
	f.clock.Advance(interval)
	_, err = f.engine.ExecuteRound(ctx, f.sample(2, price2100))
	require.NoError(t, err)

	amount, err := f.engine.ClaimTreasury(ctx)
	require.NoError(t, err)
	assert.Equal(t, units(4), amount)
	assert.Equal(t, units(4), f.balance(domain.TreasuryAccount))

	_, err = f.engine.ClaimTreasury(ctx)
	require.ErrorIs(t, err, domain.ErrNothingToClaim)
}

// A rebuilt engine serves claims from history and recomputes open-round pools
// from bet rows.
func TestRestartRestoresState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.GenesisStart(ctx)
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "alice", domain.DirectionBull, units(5))
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "carol", domain.DirectionBear, units(15))
	require.NoError(t, err)
	f.clock.Advance(interval)
	_, err = f.engine.GenesisLock(ctx, f.sample(1, price2000))
	require.NoError(t, err)
	f.clock.Advance(interval)
	_, err = f.engine.ExecuteRound(ctx, f.sample(2, price2100))
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "bob", domain.DirectionBear, units(8))
	require.NoError(t, err)

	restarted := f.newEngine()

	status := restarted.CurrentStatus()
	assert.Equal(t, uint64(3), status.CurrentEpoch)
	assert.True(t, status.GenesisLocked)

	// Open-round pools come back from the bet rows.
	r2, err := restarted.RoundInfo(2)
	require.NoError(t, err)
	assert.Equal(t, units(8), r2.BearAmount)
	assert.Equal(t, units(8), r2.TotalAmount)

	// Historical claims survive the restart.
	total, _, err := restarted.Claim(ctx, "alice", []uint64{1})
	require.NoError(t, err)
	// reward pool 18 after 10% fee on 20; alice holds the whole bull side
	assert.Equal(t, units(18), total)

	// The claim is visible to another rebuilt engine.
	again := f.newEngine()
	_, _, err = again.Claim(ctx, "alice", []uint64{1})
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)
}
