package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/prxmarket/predictd/internal/domain"
)

// BetService defines the methods the bet handler requires from the market
// engine.
type BetService interface {
	PlaceBet(ctx context.Context, userID string, direction domain.Direction, amount *big.Int) (domain.Bet, error)
	UserBet(epoch uint64, userID string) (domain.Bet, error)
}

// BetHandler serves bet placement and bet history endpoints.
type BetHandler struct {
	svc    BetService
	bets   domain.BetStore
	logger *slog.Logger
}

// NewBetHandler creates a BetHandler.
func NewBetHandler(svc BetService, bets domain.BetStore, logger *slog.Logger) *BetHandler {
	return &BetHandler{
		svc:    svc,
		bets:   bets,
		logger: logHandler(logger, "bets"),
	}
}

// placeBetRequest is the body of POST /api/bets. Amount is a decimal string
// in base token units.
type placeBetRequest struct {
	UserID    string `json:"user_id"`
	Direction string `json:"direction"`
	Amount    string `json:"amount"`
}

// PlaceBet admits a bet on the current round.
// POST /api/bets
func (h *BetHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req placeBetRequest
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

	bet, err := h.svc.PlaceBet(r.Context(), req.UserID, domain.Direction(req.Direction), amount)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "handler: bet placed",
		slog.Uint64("epoch", bet.Epoch),
		slog.String("user_id", bet.UserID),
		slog.String("direction", string(bet.Direction)),
		slog.String("amount", bet.Amount.String()),
	)
	writeJSON(w, http.StatusCreated, newBetView(bet))
}

// ListUserBets returns a user's bet history, newest epoch first.
// GET /api/bets?user_id=...&limit=50&offset=0
func (h *BetHandler) ListUserBets(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}

	opts := parseListOpts(r)
	bets, err := h.bets.ListByUser(r.Context(), userID, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"bets":    newBetViews(bets),
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

// GetUserBet returns a user's bet in a specific round.
// GET /api/rounds/{epoch}/bets/{user_id}
func (h *BetHandler) GetUserBet(w http.ResponseWriter, r *http.Request) {
	epoch, err := pathEpoch(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := r.PathValue("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}

	bet, err := h.svc.UserBet(epoch, userID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newBetView(bet))
}
