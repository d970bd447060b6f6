package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/promo-platform/promotion-engine/internal/models"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates domain errors into machine-readable HTTP responses.
// Callers in billing branch on the "error" string, so the strings are part of
// the contract and never change casually.
func writeError(w http.ResponseWriter, err error) {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "invalid_request",
			"field":  ve.Field,
			"reason": ve.Reason,
		})
		return
	}

	switch {
	case errors.Is(err, models.ErrCodeNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "code_not_found"})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, models.ErrCodeInactive):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "code_inactive"})
	case errors.Is(err, models.ErrAlreadyRedeemed):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already_redeemed"})
	case errors.Is(err, models.ErrAlreadyFinalized):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already_finalized"})
	case errors.Is(err, models.ErrNotReserved):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "not_reserved"})
	case errors.Is(err, models.ErrPerUserLimitExceeded):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "per_user_limit_exceeded"})
	case errors.Is(err, models.ErrTotalLimitExceeded):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "total_limit_exceeded"})
	case errors.Is(err, models.ErrReservationExpired):
		writeJSON(w, http.StatusGone, map[string]string{"error": "reservation_expired"})
	case errors.Is(err, models.ErrGatewayUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "gateway_unavailable"})
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
	}
}
