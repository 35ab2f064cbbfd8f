package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avatarforge/avatarforge/internal/config"
	"github.com/avatarforge/avatarforge/internal/models"
	"github.com/avatarforge/avatarforge/internal/pricing"
)

// QuotaLedger is the set of atomic allowance operations the orchestrator
// relies on. All cross-request invariants live behind these calls; the
// orchestrator itself holds no state between requests.
type QuotaLedger interface {
	TryConsumeDailyFree(ctx context.Context, userID, date string, limit int) (bool, error)
	RefundDailyFree(ctx context.Context, userID, date string) error
	ConsumeCredits(ctx context.Context, userID string, amount int) (bool, error)
	RefundCredits(ctx context.Context, userID string, amount int) error
	RemainingCredits(ctx context.Context, userID string) (int, error)
	EligibleForDailyFree(ctx context.Context, userID string) (bool, error)
	SiteFreeUsed(ctx context.Context, date string) (int, error)
	UserDailyUsed(ctx context.Context, userID, date string) (int, error)
}

// Provider produces the avatar; the only step allowed to take real wall-clock
// time and the only one whose failure triggers compensation.
type Provider interface {
	Generate(ctx context.Context, mode models.GenerationMode, style models.AvatarStyle, input string) (string, error)
}

// ArtifactStore persists generated images. Best-effort: failures are logged
// and swallowed because the billable event already happened.
type ArtifactStore interface {
	UploadDataURL(ctx context.Context, userID, dataURL string) (string, error)
}

// UsageRecorder writes the immutable per-generation usage row.
type UsageRecorder interface {
	Record(ctx context.Context, rec *models.UsageRecord) error
}

// ValidationError is a terminal rejection before any ledger interaction.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// PaymentRequiredError is the normal allowance-denied outcome, carrying the
// priced cost so the client can route to purchase.
type PaymentRequiredError struct {
	Message         string
	RequiredCredits int
}

func (e *PaymentRequiredError) Error() string { return e.Message }

type GenerationRequest struct {
	Mode        models.GenerationMode
	Style       models.AvatarStyle
	Image       string
	Description string
}

type GenerationResult struct {
	Image           string
	CreditsCharged  int
	EstimatedTokens int
	UsedFree        bool
	ImagePath       *string
}

type GenerationService struct {
	cfg      config.Pricing
	log      *slog.Logger
	ledger   QuotaLedger
	provider Provider
	store    ArtifactStore
	usage    UsageRecorder
}

// NewGenerationService wires the orchestrator. store may be nil when artifact
// storage is not configured.
func NewGenerationService(cfg config.Pricing, log *slog.Logger, ledger QuotaLedger, provider Provider, store ArtifactStore, usage UsageRecorder) *GenerationService {
	return &GenerationService{
		cfg:      cfg,
		log:      log,
		ledger:   ledger,
		provider: provider,
		store:    store,
		usage:    usage,
	}
}

// Generate runs the full admission-generation-settlement sequence for one
// request: validate, price, reserve allowance, call the provider, reconcile
// on failure, persist the artifact best-effort, record usage.
func (s *GenerationService) Generate(ctx context.Context, userID string, req GenerationRequest) (*GenerationResult, error) {
	input, inputType, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	estimate := pricing.EstimateGenerationUsage(s.cfg, req.Mode, input)
	date := today()

	usedFree, err := s.ledger.TryConsumeDailyFree(ctx, userID, date, s.cfg.SiteFreeDailyLimit)
	if err != nil {
		return nil, fmt.Errorf("reserve free usage: %w", err)
	}

	reserved := 0
	if !usedFree {
		remaining, err := s.ledger.RemainingCredits(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("read credit balance: %w", err)
		}
		if remaining < estimate.RequiredCredits {
			return nil, &PaymentRequiredError{
				Message:         deniedMessage(remaining),
				RequiredCredits: estimate.RequiredCredits,
			}
		}
		ok, err := s.ledger.ConsumeCredits(ctx, userID, estimate.RequiredCredits)
		if err != nil {
			return nil, fmt.Errorf("consume credits: %w", err)
		}
		if !ok {
			// Lost the race to a concurrent request; same outcome as an
			// insufficient balance seen up front.
			return nil, &PaymentRequiredError{
				Message:         deniedMessage(remaining),
				RequiredCredits: estimate.RequiredCredits,
			}
		}
		reserved = estimate.RequiredCredits
	}

	// The reversal is fixed at reservation time; provider failure triggers it
	// unconditionally, and it must run even if the caller is gone.
	refund := func() {
		refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if usedFree {
			if err := s.ledger.RefundDailyFree(refundCtx, userID, date); err != nil {
				s.log.Error("failed to refund free usage", "user", userID, "err", err)
			}
		}
		if reserved > 0 {
			if err := s.ledger.RefundCredits(refundCtx, userID, reserved); err != nil {
				s.log.Error("failed to refund credits", "user", userID, "amount", reserved, "err", err)
			}
		}
	}

	image, err := s.provider.Generate(ctx, req.Mode, req.Style, input)
	if err != nil {
		refund()
		return nil, fmt.Errorf("generate avatar: %w", err)
	}

	// Settlement below is driven by the provider outcome, not client presence.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	var imagePath *string
	if s.store != nil {
		if path, uploadErr := s.store.UploadDataURL(settleCtx, userID, image); uploadErr != nil {
			s.log.Error("failed to store generated avatar", "user", userID, "err", uploadErr)
		} else {
			imagePath = &path
		}
	}

	record := &models.UsageRecord{
		UserID:          userID,
		GenerationMode:  req.Mode,
		InputType:       inputType,
		ImagePath:       imagePath,
		CreditsCharged:  reserved,
		EstimatedTokens: estimate.EstimatedTokens,
		UsedFree:        usedFree,
	}
	if err := s.usage.Record(settleCtx, record); err != nil {
		s.log.Error("failed to record usage", "user", userID, "err", err)
	}

	return &GenerationResult{
		Image:           image,
		CreditsCharged:  reserved,
		EstimatedTokens: estimate.EstimatedTokens,
		UsedFree:        usedFree,
		ImagePath:       imagePath,
	}, nil
}

func validateRequest(req GenerationRequest) (input string, inputType models.InputType, err error) {
	switch req.Mode {
	case models.ModePhotoToAvatar:
		if req.Image == "" {
			return "", "", &ValidationError{Message: "Image is required for photo2avatar mode"}
		}
		return req.Image, models.InputImage, nil
	case models.ModeTextToAvatar:
		if req.Description == "" {
			return "", "", &ValidationError{Message: "Description is required for text2avatar mode"}
		}
		return req.Description, models.InputText, nil
	default:
		return "", "", &ValidationError{Message: "Invalid generation mode"}
	}
}

func deniedMessage(remaining int) string {
	if remaining <= 0 {
		return "Today's free quota has been used. Please recharge credits to continue."
	}
	return "Insufficient credits. Please recharge to continue."
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}
