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

// RoundStore implements domain.RoundStore using PostgreSQL.
type RoundStore struct {
	pool *pgxpool.Pool
}

// NewRoundStore creates a new RoundStore backed by the given connection pool.
func NewRoundStore(pool *pgxpool.Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

// Upsert inserts or replaces a round row keyed by epoch.
func (s *RoundStore) Upsert(ctx context.Context, r domain.Round) error {
	const query = `
		INSERT INTO rounds (
			epoch, start_time, lock_time, close_time,
			lock_price, close_price, lock_oracle_id, close_oracle_id,
			bull_amount, bear_amount, total_amount,
			reward_base_cal_amount, reward_amount, treasury_amount,
			outcome, cancelled, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::numeric, $6::numeric, $7::numeric, $8::numeric,
			$9::numeric, $10::numeric, $11::numeric,
			$12::numeric, $13::numeric, $14::numeric,
			$15, $16, $17, $18
		)
		ON CONFLICT (epoch) DO UPDATE SET
			lock_price             = EXCLUDED.lock_price,
			close_price            = EXCLUDED.close_price,
			lock_oracle_id         = EXCLUDED.lock_oracle_id,
			close_oracle_id        = EXCLUDED.close_oracle_id,
			bull_amount            = EXCLUDED.bull_amount,
			bear_amount            = EXCLUDED.bear_amount,
			total_amount           = EXCLUDED.total_amount,
			reward_base_cal_amount = EXCLUDED.reward_base_cal_amount,
			reward_amount          = EXCLUDED.reward_amount,
			treasury_amount        = EXCLUDED.treasury_amount,
			outcome                = EXCLUDED.outcome,
			cancelled              = EXCLUDED.cancelled,
			updated_at             = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		r.Epoch, r.StartTime, r.LockTime, r.CloseTime,
		bigToText(r.LockPrice), bigToText(r.ClosePrice),
		bigToText(r.LockOracleID), bigToText(r.CloseOracleID),
		bigToText(r.BullAmount), bigToText(r.BearAmount), bigToText(r.TotalAmount),
		bigToText(r.RewardBaseCalAmount), bigToText(r.RewardAmount), bigToText(r.TreasuryAmount),
		string(r.Outcome), r.Cancelled, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert round %d: %w", r.Epoch, err)
	}
	return nil
}

const roundCols = `epoch, start_time, lock_time, close_time,
	lock_price::text, close_price::text, lock_oracle_id::text, close_oracle_id::text,
	bull_amount::text, bear_amount::text, total_amount::text,
	reward_base_cal_amount::text, reward_amount::text, treasury_amount::text,
	outcome, cancelled, created_at, updated_at`

func scanRound(row pgx.Row) (domain.Round, error) {
	var (
		r       domain.Round
		outcome string

		lockPrice, closePrice, lockOracleID, closeOracleID    *string
		bull, bear, total, rewardBase, reward, treasuryAmount *string
	)
	err := row.Scan(
		&r.Epoch, &r.StartTime, &r.LockTime, &r.CloseTime,
		&lockPrice, &closePrice, &lockOracleID, &closeOracleID,
		&bull, &bear, &total,
		&rewardBase, &reward, &treasuryAmount,
		&outcome, &r.Cancelled, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.Round{}, err
	}

	if r.LockPrice, err = textToBig(lockPrice); err != nil {
		return domain.Round{}, err
	}
	if r.ClosePrice, err = textToBig(closePrice); err != nil {
		return domain.Round{}, err
	}
	if r.LockOracleID, err = textToBig(lockOracleID); err != nil {
		return domain.Round{}, err
	}
	if r.CloseOracleID, err = textToBig(closeOracleID); err != nil {
		return domain.Round{}, err
	}
	if r.BullAmount, err = mustBig(bull); err != nil {
		return domain.Round{}, err
	}
	if r.BearAmount, err = mustBig(bear); err != nil {
		return domain.Round{}, err
	}
	if r.TotalAmount, err = mustBig(total); err != nil {
		return domain.Round{}, err
	}
	if r.RewardBaseCalAmount, err = mustBig(rewardBase); err != nil {
		return domain.Round{}, err
	}
	if r.RewardAmount, err = mustBig(reward); err != nil {
		return domain.Round{}, err
	}
	if r.TreasuryAmount, err = mustBig(treasuryAmount); err != nil {
		return domain.Round{}, err
	}
	r.Outcome = domain.Outcome(outcome)
	return r, nil
}

// Get retrieves a round by epoch.
func (s *RoundStore) Get(ctx context.Context, epoch uint64) (domain.Round, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roundCols+` FROM rounds WHERE epoch = $1`, epoch)
	r, err := scanRound(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Round{}, domain.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("postgres: get round %d: %w", epoch, err)
	}
	return r, nil
}

// List returns rounds ordered by epoch descending with pagination.
func (s *RoundStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Round, error) {
	query := `SELECT ` + roundCols + ` FROM rounds ORDER BY epoch DESC`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryRounds(ctx, query, args...)
}

// ListAll returns every round, newest first. Used to rebuild engine state at
// startup.
func (s *RoundStore) ListAll(ctx context.Context) ([]domain.Round, error) {
	return s.queryRounds(ctx,
		`SELECT `+roundCols+` FROM rounds ORDER BY epoch DESC`)
}

// ListSettledBetween returns settled rounds whose last update falls in
// [from, to). Used by the archive exporter.
func (s *RoundStore) ListSettledBetween(ctx context.Context, from, to time.Time) ([]domain.Round, error) {
	return s.queryRounds(ctx,
		`SELECT `+roundCols+` FROM rounds
		 WHERE outcome <> 'pending' AND updated_at >= $1 AND updated_at < $2
		 ORDER BY epoch ASC`, from, to)
}

// Count returns the total number of rounds.
func (s *RoundStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM rounds").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count rounds: %w", err)
	}
	return count, nil
}

func (s *RoundStore) queryRounds(ctx context.Context, query string, args ...any) ([]domain.Round, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query rounds: %w", err)
	}
	defer rows.Close()

	var out []domain.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan round: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query rounds rows: %w", err)
	}
	return out, nil
}
