package service

import (
	"context"
	"fmt"
	"time"

	"github.com/avatarforge/avatarforge/internal/config"
	"github.com/avatarforge/avatarforge/internal/models"
)

// UsageSummary mirrors the client-facing allowance snapshot. Reads only,
// nothing here mutates a counter.
type UsageSummary struct {
	Remaining       int  `json:"remaining"`
	FreeRemaining   int  `json:"freeRemaining"`
	PaidCredits     int  `json:"paidCredits"`
	Total           int  `json:"total"`
	IsUnlimited     bool `json:"isUnlimited"`
	IsAuthenticated bool `json:"isAuthenticated"`
}

// UsageLister reads back recorded generations for the history endpoint.
type UsageLister interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]models.UsageRecord, error)
}

// HistoryItem is one past generation as shown on the account page.
type HistoryItem struct {
	Mode            string    `json:"mode"`
	InputType       string    `json:"inputType"`
	ImagePath       *string   `json:"imagePath,omitempty"`
	CreditsCharged  int       `json:"creditsCharged"`
	EstimatedTokens int       `json:"estimatedTokens"`
	UsedFree        bool      `json:"usedFree"`
	CreatedAt       time.Time `json:"createdAt"`
}

const historyLimit = 50

type UsageService struct {
	cfg     config.Pricing
	ledger  QuotaLedger
	records UsageLister
}

func NewUsageService(cfg config.Pricing, ledger QuotaLedger, records UsageLister) *UsageService {
	return &UsageService{cfg: cfg, ledger: ledger, records: records}
}

// Check reports the caller's current allowance. Anonymous callers get zeros
// rather than an error so the client can render a sign-in prompt.
func (s *UsageService) Check(ctx context.Context, userID string) (UsageSummary, error) {
	if userID == "" {
		return UsageSummary{Total: 1}, nil
	}

	summary := UsageSummary{IsAuthenticated: true}

	eligible, err := s.ledger.EligibleForDailyFree(ctx, userID)
	if err != nil {
		return UsageSummary{}, fmt.Errorf("check free eligibility: %w", err)
	}

	paid, err := s.ledger.RemainingCredits(ctx, userID)
	if err != nil {
		return UsageSummary{}, fmt.Errorf("read credit balance: %w", err)
	}
	summary.PaidCredits = paid

	date := today()
	siteUsed, err := s.ledger.SiteFreeUsed(ctx, date)
	if err != nil {
		return UsageSummary{}, fmt.Errorf("read site daily usage: %w", err)
	}
	siteFreeRemaining := s.cfg.SiteFreeDailyLimit - siteUsed
	if siteFreeRemaining < 0 {
		siteFreeRemaining = 0
	}

	if eligible && siteFreeRemaining > 0 {
		userUsed, err := s.ledger.UserDailyUsed(ctx, userID, date)
		if err != nil {
			return UsageSummary{}, fmt.Errorf("read user daily usage: %w", err)
		}
		if userUsed < 1 {
			summary.FreeRemaining = 1
		}
	}

	if eligible {
		summary.Total = 1
	}
	summary.Remaining = summary.FreeRemaining + summary.PaidCredits

	return summary, nil
}

// History returns the user's most recent generations, newest first.
func (s *UsageService) History(ctx context.Context, userID string) ([]HistoryItem, error) {
	records, err := s.records.ListForUser(ctx, userID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}

	items := make([]HistoryItem, 0, len(records))
	for _, rec := range records {
		items = append(items, HistoryItem{
			Mode:            string(rec.GenerationMode),
			InputType:       string(rec.InputType),
			ImagePath:       rec.ImagePath,
			CreditsCharged:  rec.CreditsCharged,
			EstimatedTokens: rec.EstimatedTokens,
			UsedFree:        rec.UsedFree,
			CreatedAt:       rec.CreatedAt,
		})
	}
	return items, nil
}
