package service

import (
	"context"
	"time"

	"github.com/promo-platform/promotion-engine/internal/cache"
	"github.com/promo-platform/promotion-engine/internal/models"
)

// PromotionStore is what the catalog and resolver need from storage
// (interface so tests can substitute an in-memory implementation).
type PromotionStore interface {
	Create(ctx context.Context, p *models.Promotion, codes []models.PromotionCode) error
	Update(ctx context.Context, id int64, patch models.PromotionPatch) (*models.Promotion, error)
	SetStatus(ctx context.Context, id int64, status models.PromotionStatus) error
	GetByID(ctx context.Context, id int64) (*models.Promotion, error)
	FindActive(ctx context.Context, asOf time.Time) ([]models.Promotion, error)
	AddCode(ctx context.Context, c *models.PromotionCode) error
	ListCodes(ctx context.Context, promotionID int64) ([]models.PromotionCode, error)
	GetCode(ctx context.Context, codeID int64) (*models.PromotionCode, error)
	ResolveCode(ctx context.Context, normalized string) (*models.ResolvedCode, error)
}

// CatalogService owns promotion and code authoring. Every write is validated
// here first and again by the storage constraints; promotions are never
// deleted.
type CatalogService struct {
	store PromotionStore
	cache *cache.ResolveCache
}

func NewCatalogService(store PromotionStore, resolveCache *cache.ResolveCache) *CatalogService {
	return &CatalogService{store: store, cache: resolveCache}
}

func validateRule(in *models.CreatePromotionInput) error {
	switch in.DiscountType {
	case models.DiscountPercentage:
		if in.DiscountPercent < 1 || in.DiscountPercent > 100 {
			return models.Invalid("discount_percent", "must be between 1 and 100")
		}
		if in.Currency != "" {
			return models.Invalid("currency", "percentage promotions must not carry a currency")
		}
		if in.DiscountAmount != 0 {
			return models.Invalid("discount_amount", "percentage promotions must not carry an amount")
		}
	case models.DiscountFixed:
		if in.DiscountAmount <= 0 {
			return models.Invalid("discount_amount", "must be positive")
		}
		if len(in.Currency) != 3 {
			return models.Invalid("currency", "fixed amount promotions require an ISO currency")
		}
		if in.DiscountPercent != 0 {
			return models.Invalid("discount_percent", "fixed amount promotions must not carry a percentage")
		}
	default:
		return models.Invalid("discount_type", "unknown discount type")
	}

	if in.ValidFrom.IsZero() {
		return models.Invalid("valid_from", "required")
	}
	if in.ValidUntil != nil && !in.ValidUntil.After(in.ValidFrom) {
		return models.Invalid("valid_until", "must be after valid_from")
	}
	if in.MaxTotalUses != nil && *in.MaxTotalUses <= 0 {
		return models.Invalid("max_total_uses", "must be positive when set")
	}
	if in.MaxUsesPerUser < 0 {
		return models.Invalid("max_uses_per_user", "must not be negative")
	}
	return nil
}

// Create validates the rule and inserts it with its initial codes, attributed
// to the acting admin.
func (s *CatalogService) Create(ctx context.Context, adminID string, in models.CreatePromotionInput) (*models.Promotion, []models.PromotionCode, error) {
	if adminID == "" {
		return nil, nil, models.Invalid("admin_id", "required")
	}
	if err := validateRule(&in); err != nil {
		return nil, nil, err
	}

	codes := make([]models.PromotionCode, 0, len(in.Codes))
	seen := make(map[string]bool)
	for _, ci := range in.Codes {
		norm := Normalize(ci.Code)
		if norm == "" {
			return nil, nil, models.Invalid("code", "must not be blank")
		}
		if seen[norm] {
			return nil, nil, models.Invalid("code", "duplicate code: "+ci.Code)
		}
		if ci.MaxTotalUses != nil && *ci.MaxTotalUses <= 0 {
			return nil, nil, models.Invalid("code.max_total_uses", "must be positive when set")
		}
		seen[norm] = true
		codes = append(codes, models.PromotionCode{
			Code:           ci.Code,
			NormalizedCode: norm,
			MaxTotalUses:   ci.MaxTotalUses,
			Active:         true,
		})
	}

	p := &models.Promotion{
		DiscountType:    in.DiscountType,
		DiscountPercent: in.DiscountPercent,
		DiscountAmount:  in.DiscountAmount,
		Currency:        in.Currency,
		MaxTotalUses:    in.MaxTotalUses,
		MaxUsesPerUser:  in.MaxUsesPerUser,
		ValidFrom:       in.ValidFrom,
		ValidUntil:      in.ValidUntil,
		Status:          models.PromotionActive,
		CreatedBy:       adminID,
		Notes:           in.Notes,
	}
	if err := s.store.Create(ctx, p, codes); err != nil {
		return nil, nil, err
	}
	return p, codes, nil
}

// Update applies a patch and drops cached resolutions of the promotion's
// codes.
func (s *CatalogService) Update(ctx context.Context, id int64, patch models.PromotionPatch) (*models.Promotion, error) {
	if patch.MaxTotalUses != nil && *patch.MaxTotalUses <= 0 {
		return nil, models.Invalid("max_total_uses", "must be positive when set")
	}
	if patch.MaxUsesPerUser != nil && *patch.MaxUsesPerUser < 0 {
		return nil, models.Invalid("max_uses_per_user", "must not be negative")
	}
	if patch.ValidUntil != nil {
		// The window check needs the stored valid_from; a shrunk window must
		// fail here as a ValidationError, not at the CHECK constraint.
		current, err := s.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !patch.ValidUntil.After(current.ValidFrom) {
			return nil, models.Invalid("valid_until", "must be after valid_from")
		}
	}
	p, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.invalidateCodes(ctx, id)
	return p, nil
}

func (s *CatalogService) SetStatus(ctx context.Context, id int64, status models.PromotionStatus) error {
	switch status {
	case models.PromotionActive, models.PromotionPaused, models.PromotionExpired, models.PromotionDisabled:
	default:
		return models.Invalid("status", "unknown status")
	}
	if err := s.store.SetStatus(ctx, id, status); err != nil {
		return err
	}
	s.invalidateCodes(ctx, id)
	return nil
}

func (s *CatalogService) Get(ctx context.Context, id int64) (*models.Promotion, error) {
	return s.store.GetByID(ctx, id)
}

func (s *CatalogService) FindActive(ctx context.Context, asOf time.Time) ([]models.Promotion, error) {
	return s.store.FindActive(ctx, asOf)
}

func (s *CatalogService) AddCode(ctx context.Context, promotionID int64, in models.CreateCodeInput) (*models.PromotionCode, error) {
	norm := Normalize(in.Code)
	if norm == "" {
		return nil, models.Invalid("code", "must not be blank")
	}
	if in.MaxTotalUses != nil && *in.MaxTotalUses <= 0 {
		return nil, models.Invalid("max_total_uses", "must be positive when set")
	}
	if _, err := s.store.GetByID(ctx, promotionID); err != nil {
		return nil, err
	}
	c := &models.PromotionCode{
		PromotionID:    promotionID,
		Code:           in.Code,
		NormalizedCode: norm,
		MaxTotalUses:   in.MaxTotalUses,
		Active:         true,
	}
	if err := s.store.AddCode(ctx, c); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, norm)
	return c, nil
}

func (s *CatalogService) GetCode(ctx context.Context, codeID int64) (*models.PromotionCode, error) {
	return s.store.GetCode(ctx, codeID)
}

func (s *CatalogService) ListCodes(ctx context.Context, promotionID int64) ([]models.PromotionCode, error) {
	return s.store.ListCodes(ctx, promotionID)
}

func (s *CatalogService) invalidateCodes(ctx context.Context, promotionID int64) {
	codes, err := s.store.ListCodes(ctx, promotionID)
	if err != nil {
		return
	}
	normalized := make([]string, len(codes))
	for i, c := range codes {
		normalized[i] = c.NormalizedCode
	}
	s.cache.Invalidate(ctx, normalized...)
}
