package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/prxmarket/predictd/internal/market"
)

// ClaimService defines the methods the claim handler requires from the
// market engine.
type ClaimService interface {
	Claim(ctx context.Context, userID string, epochs []uint64) (*big.Int, []market.ClaimItem, error)
	Claimable(epoch uint64, userID string) *big.Int
}

// ClaimHandler serves payout claim endpoints.
type ClaimHandler struct {
	svc    ClaimService
	logger *slog.Logger
}

// NewClaimHandler creates a ClaimHandler.
func NewClaimHandler(svc ClaimService, logger *slog.Logger) *ClaimHandler {
	return &ClaimHandler{
		svc:    svc,
		logger: logHandler(logger, "claims"),
	}
}

// GetClaimable reports what a user could claim for an epoch right now.
// GET /api/claimable?user_id=...&epoch=N
func (h *ClaimHandler) GetClaimable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	epoch, err := strconv.ParseUint(q.Get("epoch"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch")
		return
	}

	amount := h.svc.Claimable(epoch, userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"epoch":   epoch,
		"amount":  amount.String(),
	})
}

// claimRequest is the body of POST /api/claims.
type claimRequest struct {
	UserID string   `json:"user_id"`
	Epochs []uint64 `json:"epochs"`
}

// claimItemView reports the payout of one epoch inside a claim.
type claimItemView struct {
	Epoch  uint64 `json:"epoch"`
	Amount string `json:"amount"`
}

// Claim pays out a user's winning and refunded bets. The claim covers every
// requested epoch or none of them.
// POST /api/claims
func (h *ClaimHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	if len(req.Epochs) == 0 {
		writeError(w, http.StatusBadRequest, "missing epochs")
		return
	}

	total, items, err := h.svc.Claim(r.Context(), req.UserID, req.Epochs)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	views := make([]claimItemView, len(items))
	for i, item := range items {
		views[i] = claimItemView{Epoch: item.Epoch, Amount: item.Amount.String()}
	}

	h.logger.InfoContext(r.Context(), "handler: claim paid",
		slog.String("user_id", req.UserID),
		slog.String("total", total.String()),
		slog.Int("epochs", len(items)),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": req.UserID,
		"total":   total.String(),
		"claims":  views,
	})
}
