package market

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prxmarket/predictd/internal/domain"
)

const keeperLockKey = "lock:keeper"

// Keeper drives round transitions on a fixed tick: it polls the oracle,
// refreshes the sample cache, and calls the engine's genesis and execute
// operations. A distributed lock keeps exactly one keeper active when several
// replicas run.
type Keeper struct {
	engine  *Engine
	oracle  domain.Oracle
	cache   domain.OracleCache // optional
	locks   domain.LockManager // optional
	tickDur time.Duration
	logger  *slog.Logger
}

// NewKeeper creates a Keeper. tick is how often transitions are attempted;
// it should be well under the round interval.
func NewKeeper(
	engine *Engine,
	oracle domain.Oracle,
	cache domain.OracleCache,
	locks domain.LockManager,
	tick time.Duration,
	logger *slog.Logger,
) *Keeper {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	return &Keeper{
		engine:  engine,
		oracle:  oracle,
		cache:   cache,
		locks:   locks,
		tickDur: tick,
		logger:  logger.With(slog.String("component", "keeper")),
	}
}

// Run ticks until the context is cancelled. Call in a goroutine.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.tickDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := k.Tick(ctx); err != nil {
				k.logger.ErrorContext(ctx, "keeper tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick performs one keeper pass. Losing the distributed lock, a market that
// is not yet bootstrapped, and a tick with nothing due are all quiet no-ops.
func (k *Keeper) Tick(ctx context.Context) error {
	if k.locks != nil {
		unlock, err := k.locks.Acquire(ctx, keeperLockKey, 2*k.tickDur)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return nil
			}
			return err
		}
		defer unlock()
	}

	sample, err := k.oracle.LatestRound(ctx)
	if err != nil {
		return err
	}
	if k.cache != nil {
		if err := k.cache.SetSample(ctx, sample); err != nil {
			k.logger.WarnContext(ctx, "keeper: cache oracle sample failed", slog.String("error", err.Error()))
		}
	}

	status := k.engine.CurrentStatus()
	switch {
	case !status.GenesisStarted:
		// Bootstrap is an operator decision; the keeper waits for it.
		return nil
	case !status.GenesisLocked:
		_, err = k.engine.GenesisLock(ctx, sample)
	default:
		_, err = k.engine.ExecuteRound(ctx, sample)
	}
	if err != nil {
		if errors.Is(err, domain.ErrStaleOracle) {
			k.logger.WarnContext(ctx, "keeper: oracle sample stale, skipping transitions",
				slog.Time("sample_updated_at", sample.UpdatedAt),
			)
			return nil
		}
		if errors.Is(err, domain.ErrGenesisNotReady) || errors.Is(err, domain.ErrPaused) {
			return nil
		}
		return err
	}
	return nil
}
