package market_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxmarket/predictd/internal/domain"
	"github.com/prxmarket/predictd/internal/market"
	"github.com/prxmarket/predictd/internal/testutil"
)

func TestKeeperDrivesRoundTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oracle := testutil.NewScriptedOracle(1, price2000, f.clock.Now())
	cache := testutil.NewMemOracleCache()
	keeper := market.NewKeeper(f.engine, oracle, cache, nil, 10*time.Second,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Before genesis the keeper waits for the operator.
	require.NoError(t, keeper.Tick(ctx))
	assert.False(t, f.engine.CurrentStatus().GenesisStarted)

	_, err := f.engine.GenesisStart(ctx)
	require.NoError(t, err)

	// Not yet lock time: nothing happens.
	require.NoError(t, keeper.Tick(ctx))
	assert.False(t, f.engine.CurrentStatus().GenesisLocked)

	// At lock time the keeper completes genesis.
	f.clock.Advance(interval)
	oracle.Set(2, price2000, f.clock.Now())
	require.NoError(t, keeper.Tick(ctx))
	status := f.engine.CurrentStatus()
	assert.True(t, status.GenesisLocked)
	assert.Equal(t, uint64(2), status.CurrentEpoch)

	// One interval later it settles round 1 and rolls to round 3.
	f.clock.Advance(interval)
	oracle.Set(3, price2100, f.clock.Now())
	require.NoError(t, keeper.Tick(ctx))

	r1, err := f.engine.RoundInfo(1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeBull, r1.Outcome)
	assert.Equal(t, uint64(3), f.engine.CurrentStatus().CurrentEpoch)

	// The latest oracle sample landed in the cache.
	sample, err := cache.GetSample(ctx)
	require.NoError(t, err)
	assert.Equal(t, price2100, sample.Price)
}

func TestKeeperSkipsStaleOracle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap()

	oracle := testutil.NewScriptedOracle(2, price2100, f.clock.Now())
	keeper := market.NewKeeper(f.engine, oracle, nil, nil, 10*time.Second,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	f.clock.Advance(interval)
	oracle.Set(2, price2100, f.clock.Now().Add(-allowance-time.Second))

	require.NoError(t, keeper.Tick(ctx))
	r1, err := f.engine.RoundInfo(1)
	require.NoError(t, err)
	assert.False(t, r1.Settled())
}

func TestKeeperPropagatesOracleFailure(t *testing.T) {
	f := newFixture(t)
	f.bootstrap()

	oracle := testutil.NewScriptedOracle(2, price2100, f.clock.Now())
	oracle.Fail(errors.New("rpc unavailable"))
	keeper := market.NewKeeper(f.engine, oracle, nil, nil, 10*time.Second,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.Error(t, keeper.Tick(context.Background()))
}
