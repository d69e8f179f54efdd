package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/prxmarket/predictd/internal/domain"
)

// BalanceHandler serves collateral deposit, withdrawal, and balance queries.
type BalanceHandler struct {
	ledger domain.CollateralLedger
	logger *slog.Logger
}

// NewBalanceHandler creates a BalanceHandler.
func NewBalanceHandler(ledger domain.CollateralLedger, logger *slog.Logger) *BalanceHandler {
	return &BalanceHandler{
		ledger: ledger,
		logger: logHandler(logger, "balances"),
	}
}

// GetBalance returns an account's collateral balance.
// GET /api/balances/{account}
func (h *BalanceHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "missing account")
		return
	}

	balance, err := h.ledger.Balance(r.Context(), account)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": account,
		"balance": balance.String(),
	})
}

// balanceOpRequest is the body of deposit and withdraw requests. Amount is a
// decimal string in base token units.
type balanceOpRequest struct {
	UserID string `json:"user_id"`
	Amount string `json:"amount"`
}

// Deposit credits a user's collateral account.
// POST /api/balances/deposit
func (h *BalanceHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.balanceOp(w, r, "deposit", h.ledger.Deposit)
}

// Withdraw debits a user's collateral account.
// POST /api/balances/withdraw
func (h *BalanceHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.balanceOp(w, r, "withdraw", h.ledger.Withdraw)
}

func (h *BalanceHandler) balanceOp(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	apply func(ctx context.Context, userID string, amount *big.Int) error,
) {
	var req balanceOpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	if err := apply(r.Context(), req.UserID, amount); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	balance, err := h.ledger.Balance(r.Context(), req.UserID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "handler: balance updated",
		slog.String("op", op),
		slog.String("user_id", req.UserID),
		slog.String("amount", amount.String()),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"account": req.UserID,
		"balance": balance.String(),
	})
}
