// Package testutil provides in-memory implementations of the domain
// interfaces for tests: stores, a collateral ledger, a scripted oracle, and a
// manual clock.
package testutil

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/prxmarket/predictd/internal/domain"
)

// MemRoundStore is an in-memory RoundStore.
type MemRoundStore struct {
	mu     sync.Mutex
	rounds map[uint64]domain.Round

	// FailUpsert makes the next Upsert calls return this error.
	FailUpsert error
}

// NewMemRoundStore creates an empty round store.
func NewMemRoundStore() *MemRoundStore {
	return &MemRoundStore{rounds: make(map[uint64]domain.Round)}
}

func (s *MemRoundStore) Upsert(_ context.Context, round domain.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpsert != nil {
		return s.FailUpsert
	}
	s.rounds[round.Epoch] = round.Clone()
	return nil
}

func (s *MemRoundStore) Get(_ context.Context, epoch uint64) (domain.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[epoch]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemRoundStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sortedDesc()
	if opts.Offset > 0 {
		if opts.Offset >= len(all) {
			return nil, nil
		}
		all = all[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(all) {
		all = all[:opts.Limit]
	}
	return all, nil
}

func (s *MemRoundStore) ListAll(_ context.Context) ([]domain.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedDesc(), nil
}

func (s *MemRoundStore) ListSettledBetween(_ context.Context, from, to time.Time) ([]domain.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Round
	for _, r := range s.sortedDesc() {
		if r.Outcome == domain.OutcomePending {
			continue
		}
		if r.UpdatedAt.Before(from) || !r.UpdatedAt.Before(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemRoundStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rounds)), nil
}

func (s *MemRoundStore) sortedDesc() []domain.Round {
	out := make([]domain.Round, 0, len(s.rounds))
	for _, r := range s.rounds {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch > out[j].Epoch })
	return out
}

type memBetKey struct {
	epoch  uint64
	userID string
}

// MemBetStore is an in-memory BetStore.
type MemBetStore struct {
	mu   sync.Mutex
	bets map[memBetKey]domain.Bet

	// FailCreate makes the next Create calls return this error.
	FailCreate error
}

// NewMemBetStore creates an empty bet store.
func NewMemBetStore() *MemBetStore {
	return &MemBetStore{bets: make(map[memBetKey]domain.Bet)}
}

func (s *MemBetStore) Create(_ context.Context, bet domain.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreate != nil {
		return s.FailCreate
	}
	key := memBetKey{bet.Epoch, bet.UserID}
	if _, exists := s.bets[key]; exists {
		return domain.ErrDuplicateBet
	}
	s.bets[key] = bet.Clone()
	return nil
}

func (s *MemBetStore) MarkClaimed(_ context.Context, epoch uint64, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memBetKey{epoch, userID}
	bet, ok := s.bets[key]
	if !ok {
		return domain.ErrNotFound
	}
	bet.Claimed = true
	bet.ClaimedAt = &at
	s.bets[key] = bet
	return nil
}

func (s *MemBetStore) Get(_ context.Context, epoch uint64, userID string) (domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bet, ok := s.bets[memBetKey{epoch, userID}]
	if !ok {
		return domain.Bet{}, domain.ErrNotFound
	}
	return bet.Clone(), nil
}

func (s *MemBetStore) ListByRound(_ context.Context, epoch uint64, opts domain.ListOpts) ([]domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bet
	for _, b := range s.bets {
		if b.Epoch == epoch {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return paginate(out, opts), nil
}

func (s *MemBetStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bet
	for _, b := range s.bets {
		if b.UserID == userID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch > out[j].Epoch })
	return paginate(out, opts), nil
}

func (s *MemBetStore) ListAll(_ context.Context) ([]domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Bet, 0, len(s.bets))
	for _, b := range s.bets {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Epoch != out[j].Epoch {
			return out[i].Epoch < out[j].Epoch
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func paginate(bets []domain.Bet, opts domain.ListOpts) []domain.Bet {
	if opts.Offset > 0 {
		if opts.Offset >= len(bets) {
			return nil
		}
		bets = bets[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(bets) {
		bets = bets[:opts.Limit]
	}
	return bets
}

// MemStateStore is an in-memory StateStore.
type MemStateStore struct {
	mu    sync.Mutex
	state domain.EngineState
	found bool

	// FailSave makes the next Save calls return this error.
	FailSave error
}

// NewMemStateStore creates an empty state store.
func NewMemStateStore() *MemStateStore {
	return &MemStateStore{}
}

func (s *MemStateStore) Load(_ context.Context) (domain.EngineState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state), s.found, nil
}

func (s *MemStateStore) Save(_ context.Context, state domain.EngineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return s.FailSave
	}
	s.state = cloneState(state)
	s.found = true
	return nil
}

func cloneState(s domain.EngineState) domain.EngineState {
	c := s
	if s.MinBetAmount != nil {
		c.MinBetAmount = new(big.Int).Set(s.MinBetAmount)
	}
	if s.TreasuryAmount != nil {
		c.TreasuryAmount = new(big.Int).Set(s.TreasuryAmount)
	}
	return c
}

// MemAuditStore is an in-memory AuditStore.
type MemAuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

// NewMemAuditStore creates an empty audit store.
func NewMemAuditStore() *MemAuditStore {
	return &MemAuditStore{}
}

func (s *MemAuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemAuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEntry, len(s.entries))
	copy(out, s.entries)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Events returns the logged event names in order.
func (s *MemAuditStore) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Event
	}
	return out
}
