package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/prxmarket/predictd/internal/domain"
	"github.com/prxmarket/predictd/internal/market"
)

// AdminService defines the privileged engine operations the admin handler
// exposes.
type AdminService interface {
	GenesisStart(ctx context.Context) (domain.Round, error)
	GenesisLock(ctx context.Context, sample domain.OracleSample) (market.TickResult, error)
	ExecuteRound(ctx context.Context, sample domain.OracleSample) (market.TickResult, error)
	Pause(ctx context.Context) error
	Unpause(ctx context.Context) error
	SetTreasuryFee(ctx context.Context, bps uint64) error
	SetMinBet(ctx context.Context, amount *big.Int) error
	SetSchedule(ctx context.Context, interval, buffer time.Duration) error
	CancelRound(ctx context.Context, epoch uint64) (domain.Round, error)
	ClaimTreasury(ctx context.Context) (*big.Int, error)
}

// AdminHandler serves operator endpoints: genesis bootstrap, manual ticks,
// pause control, parameter changes, round cancellation, and treasury claims.
type AdminHandler struct {
	svc    AdminService
	oracle domain.Oracle
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(svc AdminService, oracle domain.Oracle, audit domain.AuditStore, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		svc:    svc,
		oracle: oracle,
		audit:  audit,
		logger: logHandler(logger, "admin"),
	}
}

// GenesisStart opens the first betting round.
// POST /api/admin/genesis/start
func (h *AdminHandler) GenesisStart(w http.ResponseWriter, r *http.Request) {
	round, err := h.svc.GenesisStart(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoundView(round))
}

// GenesisLock locks the genesis round at the current oracle price and opens
// the second round.
// POST /api/admin/genesis/lock
func (h *AdminHandler) GenesisLock(w http.ResponseWriter, r *http.Request) {
	sample, err := h.oracle.LatestRound(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	res, err := h.svc.GenesisLock(r.Context(), sample)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newTickResultView(res))
}

// Execute runs one close/lock/start tick at the current oracle price. Normally
// the keeper drives this; the endpoint exists for manual recovery.
// POST /api/admin/execute
func (h *AdminHandler) Execute(w http.ResponseWriter, r *http.Request) {
	sample, err := h.oracle.LatestRound(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	res, err := h.svc.ExecuteRound(r.Context(), sample)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newTickResultView(res))
}

// tickResultView reports which transitions a tick performed.
type tickResultView struct {
	Closed  *roundView `json:"closed,omitempty"`
	Locked  *roundView `json:"locked,omitempty"`
	Started *roundView `json:"started,omitempty"`
}

func newTickResultView(res market.TickResult) tickResultView {
	var view tickResultView
	if res.Closed != nil {
		v := newRoundView(*res.Closed)
		view.Closed = &v
	}
	if res.Locked != nil {
		v := newRoundView(*res.Locked)
		view.Locked = &v
	}
	if res.Started != nil {
		v := newRoundView(*res.Started)
		view.Started = &v
	}
	return view
}

// Pause blocks bet admission and new round starts.
// POST /api/admin/pause
func (h *AdminHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Pause(r.Context()); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.WarnContext(r.Context(), "handler: market paused")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// Unpause lifts the pause.
// POST /api/admin/unpause
func (h *AdminHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unpause(r.Context()); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.WarnContext(r.Context(), "handler: market unpaused")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// setFeeRequest is the body of POST /api/admin/fee.
type setFeeRequest struct {
	TreasuryFeeBps uint64 `json:"treasury_fee_bps"`
}

// SetTreasuryFee updates the fee taken from future settlements.
// POST /api/admin/fee
func (h *AdminHandler) SetTreasuryFee(w http.ResponseWriter, r *http.Request) {
	var req setFeeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.svc.SetTreasuryFee(r.Context(), req.TreasuryFeeBps); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"treasury_fee_bps": req.TreasuryFeeBps})
}

// setMinBetRequest is the body of POST /api/admin/min-bet.
type setMinBetRequest struct {
	Amount string `json:"amount"`
}

// SetMinBet updates the minimum stake for future bets.
// POST /api/admin/min-bet
func (h *AdminHandler) SetMinBet(w http.ResponseWriter, r *http.Request) {
	var req setMinBetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if err := h.svc.SetMinBet(r.Context(), amount); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"min_bet_amount": amount.String()})
}

// setScheduleRequest is the body of POST /api/admin/schedule. Durations are
// Go duration strings ("5m", "30s").
type setScheduleRequest struct {
	Interval string `json:"interval"`
	Buffer   string `json:"buffer"`
}

// SetSchedule updates the round interval and lock buffer. The engine rejects
// the change unless the market is paused.
// POST /api/admin/schedule
func (h *AdminHandler) SetSchedule(w http.ResponseWriter, r *http.Request) {
	var req setScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	interval, err := time.ParseDuration(req.Interval)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid interval")
		return
	}
	buffer, err := time.ParseDuration(req.Buffer)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid buffer")
		return
	}
	if err := h.svc.SetSchedule(r.Context(), interval, buffer); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.WarnContext(r.Context(), "handler: schedule updated",
		slog.String("interval", interval.String()),
		slog.String("buffer", buffer.String()),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"interval": interval.String(),
		"buffer":   buffer.String(),
	})
}

// CancelRound voids the current round; every stake becomes refundable.
// POST /api/admin/rounds/{epoch}/cancel
func (h *AdminHandler) CancelRound(w http.ResponseWriter, r *http.Request) {
	epoch, err := pathEpoch(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	round, err := h.svc.CancelRound(r.Context(), epoch)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.WarnContext(r.Context(), "handler: round cancelled",
		slog.Uint64("epoch", epoch),
	)
	writeJSON(w, http.StatusOK, newRoundView(round))
}

// ClaimTreasury moves accrued protocol fees to the treasury account.
// POST /api/admin/treasury/claim
func (h *AdminHandler) ClaimTreasury(w http.ResponseWriter, r *http.Request) {
	amount, err := h.svc.ClaimTreasury(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

// ListAudit returns the admin and settlement audit log, newest first.
// GET /api/admin/audit?limit=50&offset=0
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}
