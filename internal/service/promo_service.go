package service

import (
	"context"
	"strings"
	"time"
)

// PromoRedeemer is the atomic store-side redemption: one call either grants
// the code's credits or fails with a specific reason.
type PromoRedeemer interface {
	Redeem(ctx context.Context, userID, code string, now time.Time) (int, error)
}

type PromoService struct {
	promos PromoRedeemer
}

func NewPromoService(promos PromoRedeemer) *PromoService {
	return &PromoService{promos: promos}
}

// Redeem normalizes the code and applies it, returning the credits granted.
func (s *PromoService) Redeem(ctx context.Context, userID, code string) (int, error) {
	return s.promos.Redeem(ctx, userID, NormalizePromoCode(code), time.Now().UTC())
}

// NormalizePromoCode trims whitespace and upper-cases so that codes are
// case-insensitive on input but stored canonically.
func NormalizePromoCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
