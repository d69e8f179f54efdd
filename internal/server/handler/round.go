package handler

import (
	"log/slog"
	"net/http"

	"github.com/prxmarket/predictd/internal/domain"
)

// RoundService defines the methods the round handler requires from the
// market engine. It is declared locally so the handler package does not
// depend on the concrete engine type.
type RoundService interface {
	CurrentRound() (domain.Round, error)
	RoundInfo(epoch uint64) (domain.Round, error)
	Rounds(opts domain.ListOpts) []domain.Round
}

// RoundHandler serves round-related HTTP endpoints.
type RoundHandler struct {
	rounds RoundService
	bets   domain.BetStore
	logger *slog.Logger
}

// NewRoundHandler creates a RoundHandler.
func NewRoundHandler(rounds RoundService, bets domain.BetStore, logger *slog.Logger) *RoundHandler {
	return &RoundHandler{
		rounds: rounds,
		bets:   bets,
		logger: logHandler(logger, "rounds"),
	}
}

// listRoundsResponse wraps the list endpoint output with pagination metadata.
type listRoundsResponse struct {
	Rounds []roundView `json:"rounds"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// ListRounds returns round history, newest first.
// GET /api/rounds?limit=50&offset=0
func (h *RoundHandler) ListRounds(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	rounds := h.rounds.Rounds(opts)
	writeJSON(w, http.StatusOK, listRoundsResponse{
		Rounds: newRoundViews(rounds),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// GetCurrentRound returns the round currently open or awaiting settlement.
// GET /api/rounds/current
func (h *RoundHandler) GetCurrentRound(w http.ResponseWriter, r *http.Request) {
	round, err := h.rounds.CurrentRound()
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoundView(round))
}

// GetRound returns a single round by epoch.
// GET /api/rounds/{epoch}
func (h *RoundHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	epoch, err := pathEpoch(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	round, err := h.rounds.RoundInfo(epoch)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoundView(round))
}

// ListRoundBets returns the bets placed in a round.
// GET /api/rounds/{epoch}/bets?limit=50&offset=0
func (h *RoundHandler) ListRoundBets(w http.ResponseWriter, r *http.Request) {
	epoch, err := pathEpoch(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.rounds.RoundInfo(epoch); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	opts := parseListOpts(r)
	bets, err := h.bets.ListByRound(r.Context(), epoch, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"epoch":  epoch,
		"bets":   newBetViews(bets),
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}
