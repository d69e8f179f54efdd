package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prxmarket/predictd/internal/domain"
)

// StateStore implements domain.StateStore using a single-row table.
type StateStore struct {
	pool *pgxpool.Pool
}

// NewStateStore creates a new StateStore backed by the given connection pool.
func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

// Load reads the engine state row. found is false on a fresh database.
func (s *StateStore) Load(ctx context.Context) (domain.EngineState, bool, error) {
	const query = `
		SELECT current_epoch, genesis_started, genesis_locked, paused,
		       treasury_fee_bps, min_bet_amount::text, treasury_amount::text,
		       interval_secs, buffer_secs
		FROM engine_state WHERE id = 1`

	var (
		state                    domain.EngineState
		minBet, treasury         *string
		intervalSecs, bufferSecs int64
	)
	err := s.pool.QueryRow(ctx, query).Scan(
		&state.CurrentEpoch, &state.GenesisStarted, &state.GenesisLocked, &state.Paused,
		&state.TreasuryFeeBps, &minBet, &treasury,
		&intervalSecs, &bufferSecs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EngineState{}, false, nil
		}
		return domain.EngineState{}, false, fmt.Errorf("postgres: load engine state: %w", err)
	}

	if state.MinBetAmount, err = mustBig(minBet); err != nil {
		return domain.EngineState{}, false, err
	}
	if state.TreasuryAmount, err = mustBig(treasury); err != nil {
		return domain.EngineState{}, false, err
	}
	state.Interval = time.Duration(intervalSecs) * time.Second
	state.Buffer = time.Duration(bufferSecs) * time.Second
	return state, true, nil
}

// Save writes the engine state row, creating it on first use.
func (s *StateStore) Save(ctx context.Context, state domain.EngineState) error {
	const query = `
		INSERT INTO engine_state (
			id, current_epoch, genesis_started, genesis_locked, paused,
			treasury_fee_bps, min_bet_amount, treasury_amount,
			interval_secs, buffer_secs, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			current_epoch    = EXCLUDED.current_epoch,
			genesis_started  = EXCLUDED.genesis_started,
			genesis_locked   = EXCLUDED.genesis_locked,
			paused           = EXCLUDED.paused,
			treasury_fee_bps = EXCLUDED.treasury_fee_bps,
			min_bet_amount   = EXCLUDED.min_bet_amount,
			treasury_amount  = EXCLUDED.treasury_amount,
			interval_secs    = EXCLUDED.interval_secs,
			buffer_secs      = EXCLUDED.buffer_secs,
			updated_at       = NOW()`

	_, err := s.pool.Exec(ctx, query,
		state.CurrentEpoch, state.GenesisStarted, state.GenesisLocked, state.Paused,
		state.TreasuryFeeBps, bigToText(state.MinBetAmount), bigToText(state.TreasuryAmount),
		int64(state.Interval/time.Second), int64(state.Buffer/time.Second),
	)
	if err != nil {
		return fmt.Errorf("postgres: save engine state: %w", err)
	}
	return nil
}
