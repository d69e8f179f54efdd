package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prxmarket/predictd/internal/domain"
)

// BetStore implements domain.BetStore using PostgreSQL.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a new BetStore backed by the given connection pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

// Create inserts a bet. The (epoch, user_id) primary key enforces one bet per
// user per round; a conflicting insert maps to ErrDuplicateBet.
func (s *BetStore) Create(ctx context.Context, b domain.Bet) error {
	const query = `
		INSERT INTO bets (epoch, user_id, direction, amount, claimed, placed_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		b.Epoch, b.UserID, string(b.Direction), bigToText(b.Amount), b.Claimed, b.PlacedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateBet
		}
		return fmt.Errorf("postgres: create bet %d/%s: %w", b.Epoch, b.UserID, err)
	}
	return nil
}

// MarkClaimed flips a bet's claimed flag. A bet that is missing or already
// claimed leaves zero rows affected and maps to ErrNotFound.
func (s *BetStore) MarkClaimed(ctx context.Context, epoch uint64, userID string, at time.Time) error {
	const query = `
		UPDATE bets SET claimed = TRUE, claimed_at = $3
		WHERE epoch = $1 AND user_id = $2 AND claimed = FALSE`

	tag, err := s.pool.Exec(ctx, query, epoch, userID, at)
	if err != nil {
		return fmt.Errorf("postgres: mark bet claimed %d/%s: %w", epoch, userID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const betCols = `epoch, user_id, direction, amount::text, claimed, placed_at, claimed_at`

func scanBet(row pgx.Row) (domain.Bet, error) {
	var (
		b         domain.Bet
		direction string
		amount    *string
	)
	err := row.Scan(&b.Epoch, &b.UserID, &direction, &amount, &b.Claimed, &b.PlacedAt, &b.ClaimedAt)
	if err != nil {
		return domain.Bet{}, err
	}
	if b.Amount, err = mustBig(amount); err != nil {
		return domain.Bet{}, err
	}
	b.Direction = domain.Direction(direction)
	return b, nil
}

// Get retrieves a single bet by epoch and user.
func (s *BetStore) Get(ctx context.Context, epoch uint64, userID string) (domain.Bet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+betCols+` FROM bets WHERE epoch = $1 AND user_id = $2`, epoch, userID)
	b, err := scanBet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bet{}, domain.ErrNotFound
		}
		return domain.Bet{}, fmt.Errorf("postgres: get bet %d/%s: %w", epoch, userID, err)
	}
	return b, nil
}

// ListByRound returns all bets in an epoch ordered by user id.
func (s *BetStore) ListByRound(ctx context.Context, epoch uint64, opts domain.ListOpts) ([]domain.Bet, error) {
	query := `SELECT ` + betCols + ` FROM bets WHERE epoch = $1 ORDER BY user_id ASC`
	args := []any{epoch}
	query, args = applyPagination(query, args, opts)
	return s.queryBets(ctx, query, args...)
}

// ListByUser returns a user's bets, newest epoch first.
func (s *BetStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Bet, error) {
	query := `SELECT ` + betCols + ` FROM bets WHERE user_id = $1 ORDER BY epoch DESC`
	args := []any{userID}
	query, args = applyPagination(query, args, opts)
	return s.queryBets(ctx, query, args...)
}

// ListAll returns every bet. Used to rebuild engine state at startup.
func (s *BetStore) ListAll(ctx context.Context) ([]domain.Bet, error) {
	return s.queryBets(ctx,
		`SELECT `+betCols+` FROM bets ORDER BY epoch ASC, user_id ASC`)
}

func applyPagination(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func (s *BetStore) queryBets(ctx context.Context, query string, args ...any) ([]domain.Bet, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query bets: %w", err)
	}
	defer rows.Close()

	var out []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query bets rows: %w", err)
	}
	return out, nil
}
