package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/prxmarket/predictd/internal/domain"
)

// TickResult reports which transitions a call to ExecuteRound performed. Any
// field may be nil; a tick where nothing was due returns all three nil with a
// nil error.
type TickResult struct {
	Closed  *domain.Round
	Locked  *domain.Round
	Started *domain.Round
}

// GenesisStart bootstraps the first round of a market (or of a restart after
// an unpause re-armed genesis). It opens a fresh betting round and must be
// followed by GenesisLock one interval later.
func (e *Engine) GenesisStart(ctx context.Context) (domain.Round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Paused {
		return domain.Round{}, domain.ErrPaused
	}
	if e.state.GenesisStarted {
		return domain.Round{}, domain.ErrGenesisDone
	}

	now := e.now()
	epoch := e.state.CurrentEpoch + 1
	round := domain.NewRound(epoch, now, e.cfg.Interval)

	if err := e.stores.Rounds.Upsert(ctx, round); err != nil {
		return domain.Round{}, fmt.Errorf("market: persist genesis round: %w", err)
	}

	prev := e.state
	e.state.CurrentEpoch = epoch
	e.state.GenesisStarted = true
	if err := e.persistState(ctx); err != nil {
		e.state = prev
		return domain.Round{}, err
	}

	stored := round.Clone()
	e.rounds[epoch] = &stored

	e.logger.Info("market: genesis round started",
		slog.Uint64("epoch", epoch),
		slog.Time("lock_time", round.LockTime),
	)
	e.audit(ctx, "genesis_start", map[string]any{"epoch": epoch})
	e.publishRound(ctx, domain.EventRoundStarted, &stored)
	return round, nil
}

// GenesisLock locks the genesis round at the given oracle sample and starts
// the second round, completing the bootstrap. After it succeeds the regular
// ExecuteRound tick takes over.
func (e *Engine) GenesisLock(ctx context.Context, sample domain.OracleSample) (TickResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.GenesisStarted {
		return TickResult{}, domain.ErrGenesisNotReady
	}
	if e.state.GenesisLocked {
		return TickResult{}, domain.ErrGenesisDone
	}

	now := e.now()
	if err := e.checkSample(sample, now); err != nil {
		return TickResult{}, err
	}

	round, ok := e.rounds[e.state.CurrentEpoch]
	if !ok {
		return TickResult{}, domain.ErrGenesisNotReady
	}
	if now.Before(round.LockTime) {
		return TickResult{}, nil
	}

	locked, err := e.lockRound(ctx, round, sample, now)
	if err != nil {
		return TickResult{}, err
	}

	started, err := e.startRound(ctx, now)
	if err != nil {
		return TickResult{Locked: locked}, err
	}

	prev := e.state
	e.state.GenesisLocked = true
	if err := e.persistState(ctx); err != nil {
		e.state = prev
		return TickResult{Locked: locked, Started: started}, err
	}

	e.audit(ctx, "genesis_lock", map[string]any{"epoch": locked.Epoch})
	return TickResult{Locked: locked, Started: started}, nil
}

// ExecuteRound is the regular keeper tick. In order it closes the previous
// round when its close time has passed, locks the current round when its lock
// time has passed, and starts the next round. Each step is individually
// all-or-nothing: a step that fails leaves its round untouched and is retried
// on the next tick. A tick where no step is due is a no-op.
func (e *Engine) ExecuteRound(ctx context.Context, sample domain.OracleSample) (TickResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.GenesisStarted || !e.state.GenesisLocked {
		return TickResult{}, domain.ErrGenesisNotReady
	}

	now := e.now()
	if err := e.checkSample(sample, now); err != nil {
		return TickResult{}, err
	}

	var result TickResult

	if prev, ok := e.rounds[e.state.CurrentEpoch-1]; ok &&
		prev.Locked() && !prev.Settled() && !now.Before(prev.CloseTime) {
		closed, err := e.closeRound(ctx, prev, sample, now)
		if err != nil {
			return result, err
		}
		result.Closed = closed
	}

	cur, ok := e.rounds[e.state.CurrentEpoch]
	if !ok {
		return result, domain.ErrNotFound
	}
	if !cur.Locked() && !cur.Settled() && !now.Before(cur.LockTime) {
		locked, err := e.lockRound(ctx, cur, sample, now)
		if err != nil {
			return result, err
		}
		result.Locked = locked

		if !e.state.Paused {
			started, err := e.startRound(ctx, now)
			if err != nil {
				return result, err
			}
			result.Started = started
		}
	}

	return result, nil
}

// checkSample rejects oracle samples older than the configured allowance. A
// stale oracle must halt transitions rather than settle rounds on dead data.
func (e *Engine) checkSample(sample domain.OracleSample, now time.Time) error {
	if sample.Price == nil || sample.RoundID == nil {
		return domain.ErrStaleOracle
	}
	if now.Sub(sample.UpdatedAt) > e.cfg.OracleAllowance {
		return domain.ErrStaleOracle
	}
	return nil
}

// lockRound records the lock price and oracle round id on an open round. The
// store write happens before the in-memory round mutates, so a failed write
// leaves the round lockable on the next tick.
func (e *Engine) lockRound(ctx context.Context, round *domain.Round, sample domain.OracleSample, now time.Time) (*domain.Round, error) {
	if overrun := now.Sub(round.LockTime); overrun > e.cfg.Buffer {
		e.logger.Warn("market: lock past buffer window",
			slog.Uint64("epoch", round.Epoch),
			slog.Duration("overrun", overrun),
		)
	}

	next := round.Clone()
	next.LockPrice = new(big.Int).Set(sample.Price)
	next.LockOracleID = new(big.Int).Set(sample.RoundID)
	next.UpdatedAt = now

	if err := e.stores.Rounds.Upsert(ctx, next); err != nil {
		return nil, fmt.Errorf("market: persist locked round: %w", err)
	}
	*round = next

	e.logger.Info("market: round locked",
		slog.Uint64("epoch", round.Epoch),
		slog.String("lock_price", round.LockPrice.String()),
	)
	e.publishRound(ctx, domain.EventRoundLocked, round)
	return round, nil
}

// closeRound records the close price, decides the outcome, and freezes the
// reward fields. A close whose oracle round id has not advanced past the lock
// sample voids the round to House. The treasury fee accrues into engine state
// in the same step.
func (e *Engine) closeRound(ctx context.Context, round *domain.Round, sample domain.OracleSample, now time.Time) (*domain.Round, error) {
	if overrun := now.Sub(round.CloseTime); overrun > e.cfg.Buffer {
		e.logger.Warn("market: close past buffer window",
			slog.Uint64("epoch", round.Epoch),
			slog.Duration("overrun", overrun),
		)
	}

	next := round.Clone()
	next.ClosePrice = new(big.Int).Set(sample.Price)
	next.CloseOracleID = new(big.Int).Set(sample.RoundID)
	next.UpdatedAt = now

	if sample.RoundID.Cmp(round.LockOracleID) <= 0 {
		// The oracle did not produce a fresh reading between lock and close;
		// the round has no trustworthy result and refunds everyone.
		applyRewards(&next, domain.OutcomeHouse, 0)
		e.logger.Warn("market: oracle round id did not advance, voiding round",
			slog.Uint64("epoch", round.Epoch),
			slog.String("lock_oracle_id", round.LockOracleID.String()),
			slog.String("close_oracle_id", sample.RoundID.String()),
		)
	} else {
		outcome := computeOutcome(next.LockPrice, next.ClosePrice)
		applyRewards(&next, outcome, e.state.TreasuryFeeBps)
	}

	if err := e.stores.Rounds.Upsert(ctx, next); err != nil {
		return nil, fmt.Errorf("market: persist closed round: %w", err)
	}

	if next.TreasuryAmount.Sign() > 0 {
		prevState := e.state
		e.state.TreasuryAmount = new(big.Int).Add(e.state.TreasuryAmount, next.TreasuryAmount)
		if err := e.persistState(ctx); err != nil {
			e.state = prevState
			return nil, err
		}
	}
	*round = next

	e.logger.Info("market: round settled",
		slog.Uint64("epoch", round.Epoch),
		slog.String("outcome", string(round.Outcome)),
		slog.String("total_amount", round.TotalAmount.String()),
		slog.String("reward_amount", round.RewardAmount.String()),
		slog.String("treasury_amount", round.TreasuryAmount.String()),
	)
	e.audit(ctx, "round_settled", map[string]any{
		"epoch":   round.Epoch,
		"outcome": string(round.Outcome),
	})
	e.publishRound(ctx, domain.EventRoundSettled, round)
	return round, nil
}

// startRound opens the next betting epoch at now.
func (e *Engine) startRound(ctx context.Context, now time.Time) (*domain.Round, error) {
	epoch := e.state.CurrentEpoch + 1
	round := domain.NewRound(epoch, now, e.cfg.Interval)

	if err := e.stores.Rounds.Upsert(ctx, round); err != nil {
		return nil, fmt.Errorf("market: persist new round: %w", err)
	}

	prev := e.state
	e.state.CurrentEpoch = epoch
	if err := e.persistState(ctx); err != nil {
		e.state = prev
		return nil, err
	}

	stored := round.Clone()
	e.rounds[epoch] = &stored

	e.logger.Info("market: round started",
		slog.Uint64("epoch", epoch),
		slog.Time("lock_time", round.LockTime),
		slog.Time("close_time", round.CloseTime),
	)
	e.publishRound(ctx, domain.EventRoundStarted, &stored)
	return &stored, nil
}
