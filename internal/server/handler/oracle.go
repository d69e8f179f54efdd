package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/prxmarket/predictd/internal/domain"
)

// OracleHandler serves the cached oracle price.
type OracleHandler struct {
	cache  domain.OracleCache
	logger *slog.Logger
}

// NewOracleHandler creates an OracleHandler.
func NewOracleHandler(cache domain.OracleCache, logger *slog.Logger) *OracleHandler {
	return &OracleHandler{
		cache:  cache,
		logger: logHandler(logger, "oracle"),
	}
}

// GetPrice returns the most recent oracle sample the keeper cached. A market
// whose keeper has not run yet reports 503 rather than a made-up price.
// GET /api/oracle/price
func (h *OracleHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	sample, err := h.cache.GetSample(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusServiceUnavailable, "no oracle sample available yet")
			return
		}
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"round_id":   sample.RoundID.String(),
		"price":      sample.Price.String(),
		"updated_at": sample.UpdatedAt.UTC(),
	})
}
