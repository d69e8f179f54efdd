// Package market implements the core of the prediction market: the round
// lifecycle state machine, bet admission, settlement, and claims. All public
// operations are serialized by a single mutex and are all-or-nothing: an
// operation either completes with a definitive state change or fails without
// side effects.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/prxmarket/predictd/internal/domain"
)

// MaxTreasuryFeeBps caps the admin-settable treasury fee at 10%.
const MaxTreasuryFeeBps = 1000

// Config holds the market parameters fixed at deployment. MinBet and the fee
// can be changed later through admin operations; changes are persisted in the
// engine state and survive restarts.
type Config struct {
	Interval        time.Duration
	Buffer          time.Duration
	MinBet          *big.Int
	OracleAllowance time.Duration
	TreasuryFeeBps  uint64
}

// Validate checks the config for values the state machine cannot run with.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("market: interval must be positive")
	}
	if c.Buffer < 0 || c.Buffer >= c.Interval {
		return fmt.Errorf("market: buffer must be in [0, interval)")
	}
	if c.MinBet == nil || c.MinBet.Sign() <= 0 {
		return fmt.Errorf("market: min bet must be positive")
	}
	if c.OracleAllowance <= 0 {
		return fmt.Errorf("market: oracle allowance must be positive")
	}
	if c.TreasuryFeeBps > MaxTreasuryFeeBps {
		return fmt.Errorf("market: treasury fee %d exceeds maximum %d", c.TreasuryFeeBps, MaxTreasuryFeeBps)
	}
	return nil
}

// Stores bundles the persistence dependencies of the engine.
type Stores struct {
	Rounds domain.RoundStore
	Bets   domain.BetStore
	State  domain.StateStore
	Audit  domain.AuditStore
}

type betKey struct {
	epoch  uint64
	userID string
}

// Engine is the market state machine. In-memory round and bet maps are the
// operational source of truth; every mutation is written through to the
// stores, and on startup the maps are rebuilt from them so that historical
// rounds stay claimable across restarts.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	ledger domain.CollateralLedger
	stores Stores
	bus    domain.SignalBus // optional
	logger *slog.Logger
	now    func() time.Time

	rounds map[uint64]*domain.Round
	bets   map[betKey]*domain.Bet
	state  domain.EngineState
}

// NewEngine builds an engine and restores state from the stores. A fresh
// database yields a not-yet-started market configured from cfg.
func NewEngine(
	ctx context.Context,
	cfg Config,
	stores Stores,
	ledger domain.CollateralLedger,
	bus domain.SignalBus,
	logger *slog.Logger,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		ledger: ledger,
		stores: stores,
		bus:    bus,
		logger: logger.With(slog.String("component", "market")),
		now:    time.Now,
		rounds: make(map[uint64]*domain.Round),
		bets:   make(map[betKey]*domain.Bet),
	}

	if err := e.restore(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// SetClock overrides the engine's time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// restore loads engine state, rounds, and bets from the stores and recomputes
// the pool totals of unsettled rounds from their bets (bet rows and escrowed
// collateral are the durable truth; totals are derived).
func (e *Engine) restore(ctx context.Context) error {
	state, found, err := e.stores.State.Load(ctx)
	if err != nil {
		return fmt.Errorf("market: load state: %w", err)
	}
	if found {
		e.state = state
	} else {
		e.state = domain.EngineState{
			TreasuryFeeBps: e.cfg.TreasuryFeeBps,
			MinBetAmount:   new(big.Int).Set(e.cfg.MinBet),
			TreasuryAmount: new(big.Int),
		}
	}
	if e.state.MinBetAmount == nil {
		e.state.MinBetAmount = new(big.Int).Set(e.cfg.MinBet)
	}
	if e.state.TreasuryAmount == nil {
		e.state.TreasuryAmount = new(big.Int)
	}
	// An admin-set schedule overrides the configured one.
	if e.state.Interval > 0 {
		e.cfg.Interval = e.state.Interval
	}
	if e.state.Buffer > 0 {
		e.cfg.Buffer = e.state.Buffer
	}

	rounds, err := e.stores.Rounds.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("market: load rounds: %w", err)
	}
	for i := range rounds {
		r := rounds[i].Clone()
		e.rounds[r.Epoch] = &r
	}

	bets, err := e.stores.Bets.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("market: load bets: %w", err)
	}
	for i := range bets {
		b := bets[i].Clone()
		e.bets[betKey{b.Epoch, b.UserID}] = &b
	}

	for _, r := range e.rounds {
		if r.Settled() {
			continue
		}
		r.BullAmount = new(big.Int)
		r.BearAmount = new(big.Int)
		for _, b := range e.bets {
			if b.Epoch != r.Epoch {
				continue
			}
			if b.Direction == domain.DirectionBull {
				r.BullAmount.Add(r.BullAmount, b.Amount)
			} else {
				r.BearAmount.Add(r.BearAmount, b.Amount)
			}
		}
		r.TotalAmount = new(big.Int).Add(r.BullAmount, r.BearAmount)
	}

	e.logger.Info("market: state restored",
		slog.Uint64("current_epoch", e.state.CurrentEpoch),
		slog.Int("rounds", len(e.rounds)),
		slog.Int("bets", len(e.bets)),
		slog.Bool("paused", e.state.Paused),
	)
	return nil
}

// ---------------------------------------------------------------------------
// Betting
// ---------------------------------------------------------------------------

// PlaceBet admits a bet on the current round. The collateral transfer into
// escrow happens before any state update, so a failed transfer leaves no
// partial bet.
func (e *Engine) PlaceBet(ctx context.Context, userID string, direction domain.Direction, amount *big.Int) (domain.Bet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Paused {
		return domain.Bet{}, domain.ErrPaused
	}
	if !direction.Valid() {
		return domain.Bet{}, domain.ErrInvalidDirection
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.Bet{}, domain.ErrInvalidAmount
	}

	now := e.now()
	round, ok := e.rounds[e.state.CurrentEpoch]
	if !ok || !round.Bettable(now) {
		return domain.Bet{}, domain.ErrRoundNotBettable
	}
	if amount.Cmp(e.state.MinBetAmount) < 0 {
		return domain.Bet{}, domain.ErrBelowMinimum
	}

	key := betKey{round.Epoch, userID}
	if _, exists := e.bets[key]; exists {
		return domain.Bet{}, domain.ErrDuplicateBet
	}

	if err := e.ledger.TransferIn(ctx, userID, amount); err != nil {
		return domain.Bet{}, err
	}

	bet := domain.Bet{
		Epoch:     round.Epoch,
		UserID:    userID,
		Direction: direction,
		Amount:    new(big.Int).Set(amount),
		PlacedAt:  now,
	}
	if err := e.stores.Bets.Create(ctx, bet); err != nil {
		// The collateral was already pulled; hand it back before failing.
		if refundErr := e.ledger.TransferOut(ctx, userID, amount); refundErr != nil {
			e.logger.Error("market: refund after failed bet persist",
				slog.String("user_id", userID),
				slog.String("error", refundErr.Error()),
			)
		}
		return domain.Bet{}, fmt.Errorf("market: persist bet: %w", err)
	}

	stored := bet.Clone()
	e.bets[key] = &stored

	if direction == domain.DirectionBull {
		round.BullAmount.Add(round.BullAmount, amount)
	} else {
		round.BearAmount.Add(round.BearAmount, amount)
	}
	round.TotalAmount.Add(round.TotalAmount, amount)
	round.UpdatedAt = now
	e.persistRound(ctx, round)

	e.publish(ctx, domain.ChannelBets, domain.EventBetPlaced, map[string]any{
		"epoch":     round.Epoch,
		"user_id":   userID,
		"direction": string(direction),
		"amount":    amount.String(),
		"total":     round.TotalAmount.String(),
	})

	return bet.Clone(), nil
}

// ---------------------------------------------------------------------------
// Claims
// ---------------------------------------------------------------------------

// ClaimItem reports the payout for one epoch inside a claim.
type ClaimItem struct {
	Epoch  uint64
	Amount *big.Int
}

// Claim pays out the caller's bets in the given epochs. The whole claim is
// all-or-nothing: if any epoch is unsettled, already claimed, or worth
// nothing, no funds move and no flag changes. The collateral transfer happens
// before the claimed flags are set, and a failed transfer aborts the claim
// with every flag still false.
func (e *Engine) Claim(ctx context.Context, userID string, epochs []uint64) (*big.Int, []ClaimItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(epochs) == 0 {
		return nil, nil, domain.ErrNothingToClaim
	}

	seen := make(map[uint64]bool, len(epochs))
	total := new(big.Int)
	items := make([]ClaimItem, 0, len(epochs))

	for _, epoch := range epochs {
		if seen[epoch] {
			continue
		}
		seen[epoch] = true

		round, ok := e.rounds[epoch]
		if !ok {
			return nil, nil, domain.ErrNotFound
		}
		if !round.Settled() {
			return nil, nil, domain.ErrRoundNotSettled
		}
		bet, ok := e.bets[betKey{epoch, userID}]
		if !ok {
			return nil, nil, domain.ErrNothingToClaim
		}
		if bet.Claimed {
			return nil, nil, domain.ErrAlreadyClaimed
		}

		p := payout(round, bet)
		if p.Sign() == 0 {
			return nil, nil, domain.ErrNothingToClaim
		}
		total.Add(total, p)
		items = append(items, ClaimItem{Epoch: epoch, Amount: p})
	}

	if err := e.ledger.TransferOut(ctx, userID, total); err != nil {
		return nil, nil, err
	}

	now := e.now()
	for _, item := range items {
		key := betKey{item.Epoch, userID}
		bet := e.bets[key]
		bet.Claimed = true
		t := now
		bet.ClaimedAt = &t
		if err := e.stores.Bets.MarkClaimed(ctx, item.Epoch, userID, now); err != nil {
			// Funds are already out; the in-memory flag still blocks a second
			// claim in this process. Surface the persistence gap loudly.
			e.logger.Error("market: mark claimed failed after payout",
				slog.Uint64("epoch", item.Epoch),
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			e.audit(ctx, "claim_persist_failed", map[string]any{
				"epoch":   item.Epoch,
				"user_id": userID,
				"amount":  item.Amount.String(),
			})
		}
	}

	e.publish(ctx, domain.ChannelClaims, domain.EventClaimPaid, map[string]any{
		"user_id": userID,
		"epochs":  epochs,
		"amount":  total.String(),
	})

	return total, items, nil
}

// Claimable returns the amount the user could claim for the epoch right now.
// Unsettled rounds, missing or claimed bets, and losing bets all report zero.
func (e *Engine) Claimable(epoch uint64, userID string) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()

	round, ok := e.rounds[epoch]
	if !ok || !round.Settled() {
		return new(big.Int)
	}
	bet, ok := e.bets[betKey{epoch, userID}]
	if !ok || bet.Claimed {
		return new(big.Int)
	}
	return payout(round, bet)
}

// ---------------------------------------------------------------------------
// Admin / treasury
// ---------------------------------------------------------------------------

// Pause blocks bet admission and new round starts. Locking and closing of
// rounds already in flight stays permitted so they can settle.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Paused {
		return domain.ErrPaused
	}
	e.state.Paused = true
	if err := e.persistState(ctx); err != nil {
		e.state.Paused = false
		return err
	}
	e.audit(ctx, "paused", nil)
	return nil
}

// Unpause lifts the pause. If round rollover stalled while paused (the
// current round locked or settled with no successor started), the genesis
// flags are re-armed so operators bootstrap a fresh round pair; epochs
// continue from where they stopped.
func (e *Engine) Unpause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Paused {
		return domain.ErrNotPaused
	}

	prev := e.state
	e.state.Paused = false
	cur, ok := e.rounds[e.state.CurrentEpoch]
	if !e.state.GenesisLocked || !ok || cur.Locked() || cur.Settled() {
		e.state.GenesisStarted = false
		e.state.GenesisLocked = false
	}
	if err := e.persistState(ctx); err != nil {
		e.state = prev
		return err
	}
	e.audit(ctx, "unpaused", map[string]any{
		"genesis_rearmed": !e.state.GenesisStarted,
	})
	return nil
}

// SetTreasuryFee updates the fee taken from the pool of rounds that close
// after the change. Bounded by MaxTreasuryFeeBps.
func (e *Engine) SetTreasuryFee(ctx context.Context, bps uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if bps > MaxTreasuryFeeBps {
		return domain.ErrFeeTooHigh
	}
	prev := e.state.TreasuryFeeBps
	e.state.TreasuryFeeBps = bps
	if err := e.persistState(ctx); err != nil {
		e.state.TreasuryFeeBps = prev
		return err
	}
	e.audit(ctx, "treasury_fee_set", map[string]any{"bps": bps})
	return nil
}

// SetSchedule updates the round interval and lock buffer. Only allowed while
// paused: rounds in flight keep the times they were created with, and the new
// schedule applies when the market is bootstrapped again.
func (e *Engine) SetSchedule(ctx context.Context, interval, buffer time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Paused {
		return domain.ErrNotPaused
	}
	if interval <= 0 || buffer <= 0 || buffer >= interval {
		return domain.ErrInvalidSchedule
	}

	prev := e.state
	prevCfg := e.cfg
	e.state.Interval = interval
	e.state.Buffer = buffer
	e.cfg.Interval = interval
	e.cfg.Buffer = buffer
	if err := e.persistState(ctx); err != nil {
		e.state = prev
		e.cfg = prevCfg
		return err
	}
	e.audit(ctx, "schedule_set", map[string]any{
		"interval": interval.String(),
		"buffer":   buffer.String(),
	})
	return nil
}

// SetMinBet updates the minimum stake for future bets.
func (e *Engine) SetMinBet(ctx context.Context, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	prev := e.state.MinBetAmount
	e.state.MinBetAmount = new(big.Int).Set(amount)
	if err := e.persistState(ctx); err != nil {
		e.state.MinBetAmount = prev
		return err
	}
	e.audit(ctx, "min_bet_set", map[string]any{"amount": amount.String()})
	return nil
}

// CancelRound voids the current unsettled round: its outcome is forced to
// House so every bettor can claim a full refund. Only the current round can
// be cancelled.
func (e *Engine) CancelRound(ctx context.Context, epoch uint64) (domain.Round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	round, ok := e.rounds[epoch]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	if epoch != e.state.CurrentEpoch {
		return domain.Round{}, domain.ErrRoundSettled
	}
	if round.Settled() {
		return domain.Round{}, domain.ErrRoundSettled
	}

	round.Cancelled = true
	applyRewards(round, domain.OutcomeHouse, 0)
	round.UpdatedAt = e.now()
	if err := e.stores.Rounds.Upsert(ctx, round.Clone()); err != nil {
		round.Cancelled = false
		round.Outcome = domain.OutcomePending
		return domain.Round{}, fmt.Errorf("market: persist cancelled round: %w", err)
	}

	e.audit(ctx, "round_cancelled", map[string]any{"epoch": epoch})
	e.publishRound(ctx, domain.EventRoundCancelled, round)
	return round.Clone(), nil
}

// ClaimTreasury moves the accrued treasury fees from escrow into the
// treasury account.
func (e *Engine) ClaimTreasury(ctx context.Context) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.TreasuryAmount.Sign() == 0 {
		return nil, domain.ErrNothingToClaim
	}
	amount := new(big.Int).Set(e.state.TreasuryAmount)
	if err := e.ledger.EscrowToTreasury(ctx, amount); err != nil {
		return nil, err
	}
	e.state.TreasuryAmount = new(big.Int)
	if err := e.persistState(ctx); err != nil {
		e.logger.Error("market: persist state after treasury claim",
			slog.String("error", err.Error()),
		)
	}
	e.audit(ctx, "treasury_claimed", map[string]any{"amount": amount.String()})
	e.publish(ctx, domain.ChannelRounds, domain.EventTreasuryClaim, map[string]any{
		"amount": amount.String(),
	})
	return amount, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// RoundInfo returns the round for an epoch.
func (e *Engine) RoundInfo(epoch uint64) (domain.Round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	round, ok := e.rounds[epoch]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return round.Clone(), nil
}

// CurrentRound returns the current (most recently started) round.
func (e *Engine) CurrentRound() (domain.Round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	round, ok := e.rounds[e.state.CurrentEpoch]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return round.Clone(), nil
}

// Rounds returns round history ordered by epoch descending.
func (e *Engine) Rounds(opts domain.ListOpts) []domain.Round {
	e.mu.Lock()
	defer e.mu.Unlock()

	epochs := make([]uint64, 0, len(e.rounds))
	for epoch := range e.rounds {
		epochs = append(epochs, epoch)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] > epochs[j] })

	if opts.Offset > 0 {
		if opts.Offset >= len(epochs) {
			return nil
		}
		epochs = epochs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(epochs) {
		epochs = epochs[:opts.Limit]
	}

	out := make([]domain.Round, 0, len(epochs))
	for _, epoch := range epochs {
		out = append(out, e.rounds[epoch].Clone())
	}
	return out
}

// UserBet returns the user's bet in an epoch.
func (e *Engine) UserBet(epoch uint64, userID string) (domain.Bet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bet, ok := e.bets[betKey{epoch, userID}]
	if !ok {
		return domain.Bet{}, domain.ErrNotFound
	}
	return bet.Clone(), nil
}

// Status is a snapshot of the engine for health and monitoring endpoints.
type Status struct {
	CurrentEpoch   uint64   `json:"current_epoch"`
	GenesisStarted bool     `json:"genesis_started"`
	GenesisLocked  bool     `json:"genesis_locked"`
	Paused         bool     `json:"paused"`
	TreasuryFeeBps uint64   `json:"treasury_fee_bps"`
	MinBetAmount   *big.Int `json:"-"`
	TreasuryAmount *big.Int `json:"-"`
	Rounds         int      `json:"rounds"`
}

// CurrentStatus returns a snapshot of the engine state.
func (e *Engine) CurrentStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		CurrentEpoch:   e.state.CurrentEpoch,
		GenesisStarted: e.state.GenesisStarted,
		GenesisLocked:  e.state.GenesisLocked,
		Paused:         e.state.Paused,
		TreasuryFeeBps: e.state.TreasuryFeeBps,
		MinBetAmount:   new(big.Int).Set(e.state.MinBetAmount),
		TreasuryAmount: new(big.Int).Set(e.state.TreasuryAmount),
		Rounds:         len(e.rounds),
	}
}

// ---------------------------------------------------------------------------
// Persistence and event helpers
// ---------------------------------------------------------------------------

// persistRound writes a round through to the store. Pool totals are derived
// state (re-derivable from bet rows at restore), so a write failure is logged
// rather than aborting an otherwise-committed operation.
func (e *Engine) persistRound(ctx context.Context, round *domain.Round) {
	if err := e.stores.Rounds.Upsert(ctx, round.Clone()); err != nil {
		e.logger.Error("market: persist round",
			slog.Uint64("epoch", round.Epoch),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) persistState(ctx context.Context) error {
	state := e.state
	state.MinBetAmount = new(big.Int).Set(e.state.MinBetAmount)
	state.TreasuryAmount = new(big.Int).Set(e.state.TreasuryAmount)
	if err := e.stores.State.Save(ctx, state); err != nil {
		return fmt.Errorf("market: persist state: %w", err)
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, event string, detail map[string]any) {
	if e.stores.Audit == nil {
		return
	}
	if err := e.stores.Audit.Log(ctx, event, detail); err != nil {
		e.logger.Warn("market: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) publish(ctx context.Context, channel, event string, fields map[string]any) {
	if e.bus == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["event"] = event
	fields["ts"] = e.now().UTC().Format(time.RFC3339Nano)
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, channel, payload); err != nil {
		e.logger.Warn("market: publish event failed",
			slog.String("channel", channel),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// publishRound emits a round lifecycle event on the rounds channel and
// appends it to the durable round stream.
func (e *Engine) publishRound(ctx context.Context, event string, round *domain.Round) {
	if e.bus == nil {
		return
	}
	fields := map[string]any{
		"event":        event,
		"epoch":        round.Epoch,
		"outcome":      string(round.Outcome),
		"total_amount": round.TotalAmount.String(),
		"bull_amount":  round.BullAmount.String(),
		"bear_amount":  round.BearAmount.String(),
		"ts":           e.now().UTC().Format(time.RFC3339Nano),
	}
	if round.LockPrice != nil {
		fields["lock_price"] = round.LockPrice.String()
	}
	if round.ClosePrice != nil {
		fields["close_price"] = round.ClosePrice.String()
	}
	if round.RewardAmount != nil {
		fields["reward_amount"] = round.RewardAmount.String()
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelRounds, payload); err != nil {
		e.logger.Warn("market: publish round event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
	if err := e.bus.StreamAppend(ctx, domain.StreamRounds, payload); err != nil {
		e.logger.Warn("market: append round stream failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
