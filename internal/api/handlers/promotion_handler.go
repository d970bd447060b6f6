package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/promo-platform/promotion-engine/internal/models"
	"github.com/promo-platform/promotion-engine/internal/service"
)

// --- Request / Response DTOs ---

type CodeRequest struct {
	Code         string `json:"code"`
	MaxTotalUses *int   `json:"max_total_uses,omitempty"`
}

type CreatePromotionRequest struct {
	DiscountType    string        `json:"discount_type"`
	DiscountPercent int           `json:"discount_percent,omitempty"`
	DiscountAmount  int64         `json:"discount_amount,omitempty"` // minor units
	Currency        string        `json:"currency,omitempty"`
	MaxTotalUses    *int          `json:"max_total_uses,omitempty"`
	MaxUsesPerUser  int           `json:"max_uses_per_user,omitempty"`
	ValidFrom       string        `json:"valid_from"` // RFC3339
	ValidUntil      string        `json:"valid_until,omitempty"`
	Notes           string        `json:"notes,omitempty"`
	Codes           []CodeRequest `json:"codes,omitempty"`
}

type UpdatePromotionRequest struct {
	MaxTotalUses   *int    `json:"max_total_uses,omitempty"`
	MaxUsesPerUser *int    `json:"max_uses_per_user,omitempty"`
	ValidUntil     *string `json:"valid_until,omitempty"` // RFC3339
	Notes          *string `json:"notes,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type PromotionResponse struct {
	ID              int64  `json:"id"`
	DiscountType    string `json:"discount_type"`
	DiscountPercent int    `json:"discount_percent,omitempty"`
	DiscountAmount  int64  `json:"discount_amount,omitempty"`
	Currency        string `json:"currency,omitempty"`
	MaxTotalUses    *int   `json:"max_total_uses"`
	MaxUsesPerUser  int    `json:"max_uses_per_user"`
	ValidFrom       string `json:"valid_from"`
	ValidUntil      string `json:"valid_until,omitempty"`
	Status          string `json:"status"`
	CreatedBy       string `json:"created_by,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

type CodeResponse struct {
	ID           int64  `json:"id"`
	PromotionID  int64  `json:"promotion_id"`
	Code         string `json:"code"`
	Normalized   string `json:"normalized_code"`
	MaxTotalUses *int   `json:"max_total_uses"`
	Active       bool   `json:"active"`
}

func toPromotionResponse(p *models.Promotion) PromotionResponse {
	out := PromotionResponse{
		ID:              p.ID,
		DiscountType:    string(p.DiscountType),
		DiscountPercent: p.DiscountPercent,
		DiscountAmount:  p.DiscountAmount,
		Currency:        p.Currency,
		MaxTotalUses:    p.MaxTotalUses,
		MaxUsesPerUser:  p.MaxUsesPerUser,
		ValidFrom:       p.ValidFrom.UTC().Format(time.RFC3339),
		Status:          string(p.Status),
		CreatedBy:       p.CreatedBy,
		Notes:           p.Notes,
	}
	if p.ValidUntil != nil {
		out.ValidUntil = p.ValidUntil.UTC().Format(time.RFC3339)
	}
	return out
}

func toCodeResponse(c *models.PromotionCode) CodeResponse {
	return CodeResponse{
		ID:           c.ID,
		PromotionID:  c.PromotionID,
		Code:         c.Code,
		Normalized:   c.NormalizedCode,
		MaxTotalUses: c.MaxTotalUses,
		Active:       c.Active,
	}
}

func parseTimeOrEmpty(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func promotionID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// --- Handler struct & constructor ---

type PromotionHandler struct {
	catalog   *service.CatalogService
	committer *service.Committer
}

func NewPromotionHandler(catalog *service.CatalogService, committer *service.Committer) *PromotionHandler {
	return &PromotionHandler{catalog: catalog, committer: committer}
}

// --- Handlers ---

// Create handles POST /admin/promotions
func (h *PromotionHandler) Create(w http.ResponseWriter, r *http.Request) {
	adminID := r.Header.Get("X-Admin-ID")
	if adminID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "admin_id_required"})
		return
	}

	var req CreatePromotionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	validFrom, err := time.Parse(time.RFC3339, req.ValidFrom)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid valid_from; use RFC3339"})
		return
	}
	validUntil, err := parseTimeOrEmpty(req.ValidUntil)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid valid_until; use RFC3339"})
		return
	}

	in := models.CreatePromotionInput{
		DiscountType:    models.DiscountType(req.DiscountType),
		DiscountPercent: req.DiscountPercent,
		DiscountAmount:  req.DiscountAmount,
		Currency:        req.Currency,
		MaxTotalUses:    req.MaxTotalUses,
		MaxUsesPerUser:  req.MaxUsesPerUser,
		ValidFrom:       validFrom,
		ValidUntil:      validUntil,
		Notes:           req.Notes,
	}
	for _, c := range req.Codes {
		in.Codes = append(in.Codes, models.CreateCodeInput{Code: c.Code, MaxTotalUses: c.MaxTotalUses})
	}

	promo, codes, err := h.catalog.Create(r.Context(), adminID, in)
	if err != nil {
		writeError(w, err)
		return
	}

	codeResp := make([]CodeResponse, 0, len(codes))
	for i := range codes {
		codeResp = append(codeResp, toCodeResponse(&codes[i]))
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"promotion": toPromotionResponse(promo),
		"codes":     codeResp,
	})
}

// Get handles GET /admin/promotions/{id}
func (h *PromotionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := promotionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_promotion_id"})
		return
	}
	promo, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPromotionResponse(promo))
}

// Update handles PATCH /admin/promotions/{id}
func (h *PromotionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := promotionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_promotion_id"})
		return
	}

	var req UpdatePromotionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	patch := models.PromotionPatch{
		MaxTotalUses:   req.MaxTotalUses,
		MaxUsesPerUser: req.MaxUsesPerUser,
		Notes:          req.Notes,
	}
	if req.ValidUntil != nil {
		t, err := time.Parse(time.RFC3339, *req.ValidUntil)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid valid_until; use RFC3339"})
			return
		}
		patch.ValidUntil = &t
	}

	promo, err := h.catalog.Update(r.Context(), id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPromotionResponse(promo))
}

// SetStatus handles POST /admin/promotions/{id}/status
func (h *PromotionHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := promotionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_promotion_id"})
		return
	}

	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	if err := h.catalog.SetStatus(r.Context(), id, models.PromotionStatus(req.Status)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

// AddCode handles POST /admin/promotions/{id}/codes
func (h *PromotionHandler) AddCode(w http.ResponseWriter, r *http.Request) {
	id, err := promotionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_promotion_id"})
		return
	}

	var req CodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	code, err := h.catalog.AddCode(r.Context(), id, models.CreateCodeInput{
		Code:         req.Code,
		MaxTotalUses: req.MaxTotalUses,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCodeResponse(code))
}

// ListCodes handles GET /admin/promotions/{id}/codes
func (h *PromotionHandler) ListCodes(w http.ResponseWriter, r *http.Request) {
	id, err := promotionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_promotion_id"})
		return
	}

	codes, err := h.catalog.ListCodes(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]CodeResponse, 0, len(codes))
	for i := range codes {
		out = append(out, toCodeResponse(&codes[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"codes": out})
}

// Stats handles GET /admin/promotions/{id}/stats
// With ?code_id= the aggregation narrows to a single code.
func (h *PromotionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, err := promotionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_promotion_id"})
		return
	}

	var stats *models.UsageStats
	if raw := r.URL.Query().Get("code_id"); raw != "" {
		codeID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_code_id"})
			return
		}
		code, err := h.catalog.GetCode(r.Context(), codeID)
		if err != nil {
			writeError(w, err)
			return
		}
		if code.PromotionID != id {
			// A code_id from another promotion must not leak its stats.
			writeError(w, models.ErrNotFound)
			return
		}
		stats, err = h.committer.StatsForCode(r.Context(), codeID)
		if err != nil {
			writeError(w, err)
			return
		}
	} else {
		stats, err = h.committer.StatsForPromotion(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

// Active handles GET /promotions/active
// Accepts an optional as_of RFC3339 query param, defaulting to now.
func (h *PromotionHandler) Active(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid as_of; use RFC3339"})
			return
		}
		asOf = t
	}

	promos, err := h.catalog.FindActive(r.Context(), asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]PromotionResponse, 0, len(promos))
	for i := range promos {
		out = append(out, toPromotionResponse(&promos[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"promotions": out})
}
