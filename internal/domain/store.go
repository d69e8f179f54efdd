package domain

import (
	"context"
	"math/big"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// RoundStore persists the append-only round history. Rounds are never pruned;
// late claims depend on every epoch staying queryable.
type RoundStore interface {
	Upsert(ctx context.Context, round Round) error
	Get(ctx context.Context, epoch uint64) (Round, error)
	List(ctx context.Context, opts ListOpts) ([]Round, error)
	ListAll(ctx context.Context) ([]Round, error)
	ListSettledBetween(ctx context.Context, from, to time.Time) ([]Round, error)
	Count(ctx context.Context) (int64, error)
}

// BetStore persists per-round, per-user bets.
type BetStore interface {
	Create(ctx context.Context, bet Bet) error
	MarkClaimed(ctx context.Context, epoch uint64, userID string, at time.Time) error
	Get(ctx context.Context, epoch uint64, userID string) (Bet, error)
	ListByRound(ctx context.Context, epoch uint64, opts ListOpts) ([]Bet, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Bet, error)
	ListAll(ctx context.Context) ([]Bet, error)
}

// EngineState is the single-row durable state of the market engine beyond the
// round and bet tables: genesis progress, pause flag, admin-set parameters,
// and the treasury fee accrued but not yet claimed.
type EngineState struct {
	CurrentEpoch   uint64
	GenesisStarted bool
	GenesisLocked  bool
	Paused         bool
	TreasuryFeeBps uint64
	MinBetAmount   *big.Int
	TreasuryAmount *big.Int

	// Interval and Buffer override the configured schedule when non-zero;
	// admin schedule changes survive restarts this way.
	Interval time.Duration
	Buffer   time.Duration
}

// StateStore persists the engine state. Load returns found=false on a fresh
// database, in which case the engine boots from configuration defaults.
type StateStore interface {
	Load(ctx context.Context) (state EngineState, found bool, err error)
	Save(ctx context.Context, state EngineState) error
}

// AuditStore persists an append-only audit log of admin operations and
// settlements.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}
