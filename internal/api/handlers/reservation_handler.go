package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/promo-platform/promotion-engine/internal/models"
	"github.com/promo-platform/promotion-engine/internal/service"
)

// ArtifactBroker materializes gateway discount objects on demand.
type ArtifactBroker interface {
	Materialize(ctx context.Context, reservationID string, gateways ...string) ([]models.GatewayArtifact, error)
}

// --- Request / Response DTOs ---

type ReserveRequest struct {
	UserID    string `json:"user_id"`
	Code      string `json:"code"`
	CartHash  string `json:"cart_hash"`
	CartTotal int64  `json:"cart_total"` // minor units
	Currency  string `json:"currency"`
}

type ExtendRequest struct {
	ExpiresAt string `json:"expires_at"` // RFC3339
}

type CommitRequest struct {
	Gateway        string `json:"gateway"`
	GatewayEventID string `json:"gateway_event_id"`
	OriginalAmount int64  `json:"original_amount"` // minor units
}

type MaterializeRequest struct {
	Gateways []string `json:"gateways,omitempty"` // empty = every registered gateway
}

type ReservationResponse struct {
	ID              string `json:"id"`
	PromotionID     int64  `json:"promotion_id"`
	CodeID          int64  `json:"code_id"`
	UserID          string `json:"user_id"`
	CartHash        string `json:"cart_hash"`
	DiscountType    string `json:"discount_type"`
	DiscountPercent int    `json:"discount_percent,omitempty"`
	DiscountAmount  int64  `json:"discount_amount,omitempty"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	ExpiresAt       string `json:"expires_at"`
	CommittedAt     string `json:"committed_at,omitempty"`
}

type RedemptionResponse struct {
	ID              string `json:"id"`
	ReservationID   string `json:"reservation_id"`
	Gateway         string `json:"gateway"`
	GatewayEventID  string `json:"gateway_event_id"`
	DiscountApplied int64  `json:"discount_applied"`
	OriginalAmount  int64  `json:"original_amount"`
	FinalAmount     int64  `json:"final_amount"`
	Currency        string `json:"currency"`
}

type ArtifactResponse struct {
	Gateway    string   `json:"gateway"`
	ExternalID string   `json:"external_id"`
	ExtraIDs   []string `json:"extra_ids,omitempty"`
	ExpiresAt  string   `json:"expires_at"`
}

func toReservationResponse(res *models.Reservation) ReservationResponse {
	out := ReservationResponse{
		ID:              res.ID,
		PromotionID:     res.PromotionID,
		CodeID:          res.CodeID,
		UserID:          res.UserID,
		CartHash:        res.CartHash,
		DiscountType:    string(res.DiscountType),
		DiscountPercent: res.DiscountPercent,
		DiscountAmount:  res.DiscountAmount,
		Currency:        res.Currency,
		Status:          string(res.Status),
		ExpiresAt:       res.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if res.CommittedAt != nil {
		out.CommittedAt = res.CommittedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func toRedemptionResponse(red *models.Redemption) RedemptionResponse {
	return RedemptionResponse{
		ID:              red.ID,
		ReservationID:   red.ReservationID,
		Gateway:         red.Gateway,
		GatewayEventID:  red.GatewayEventID,
		DiscountApplied: red.DiscountApplied,
		OriginalAmount:  red.OriginalAmount,
		FinalAmount:     red.FinalAmount,
		Currency:        red.Currency,
	}
}

// --- Handler struct & constructor ---

type ReservationHandler struct {
	reservations *service.ReservationManager
	committer    *service.Committer
	broker       ArtifactBroker
}

func NewReservationHandler(reservations *service.ReservationManager, committer *service.Committer, broker ArtifactBroker) *ReservationHandler {
	return &ReservationHandler{reservations: reservations, committer: committer, broker: broker}
}

// --- Handlers ---

// Reserve handles POST /reservations
func (h *ReservationHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	res, err := h.reservations.Reserve(r.Context(), models.ReserveInput{
		UserID:    req.UserID,
		Code:      req.Code,
		CartHash:  req.CartHash,
		CartTotal: req.CartTotal,
		Currency:  req.Currency,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationResponse(res))
}

// Get handles GET /reservations/{id}
func (h *ReservationHandler) Get(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

// Release handles POST /reservations/{id}/release
func (h *ReservationHandler) Release(w http.ResponseWriter, r *http.Request) {
	if err := h.reservations.Release(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// Extend handles POST /reservations/{id}/extend
func (h *ReservationHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid expires_at; use RFC3339"})
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.reservations.Extend(r.Context(), id, expiresAt); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.reservations.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

// Commit handles POST /reservations/{id}/commit
func (h *ReservationHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	red, err := h.committer.Commit(r.Context(), models.CommitInput{
		ReservationID:  chi.URLParam(r, "id"),
		Gateway:        req.Gateway,
		GatewayEventID: req.GatewayEventID,
		OriginalAmount: req.OriginalAmount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionResponse(red))
}

// Materialize handles POST /reservations/{id}/artifacts
func (h *ReservationHandler) Materialize(w http.ResponseWriter, r *http.Request) {
	var req MaterializeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
			return
		}
	}

	artifacts, err := h.broker.Materialize(r.Context(), chi.URLParam(r, "id"), req.Gateways...)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]ArtifactResponse, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, ArtifactResponse{
			Gateway:    a.Gateway,
			ExternalID: a.ExternalID,
			ExtraIDs:   a.ExtraIDs,
			ExpiresAt:  a.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"artifacts": out})
}
