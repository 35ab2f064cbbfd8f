package models

import "time"

type GenerationMode string

const (
	ModePhotoToAvatar GenerationMode = "photo2avatar"
	ModeTextToAvatar  GenerationMode = "text2avatar"
)

type AvatarStyle string

const (
	StyleNotion      AvatarStyle = "notion"
	StyleGhibli      AvatarStyle = "ghibli"
	StyleOilPainting AvatarStyle = "oil_painting"
)

type InputType string

const (
	InputImage InputType = "image"
	InputText  InputType = "text"
)

type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// UsageRecord is written exactly once per completed generation. Rows are
// never updated afterwards.
type UsageRecord struct {
	ID              int64
	UserID          string
	GenerationMode  GenerationMode
	InputType       InputType
	ImagePath       *string
	CreditsCharged  int
	EstimatedTokens int
	UsedFree        bool
	CreatedAt       time.Time
}

// CreditPackage is one completed purchase. CreditsRemaining only moves down
// through consumption and back up through refunds, never above CreditsPurchased.
type CreditPackage struct {
	ID                    int64
	UserID                string
	CreditsPurchased      int
	CreditsRemaining      int
	StripePaymentIntentID string
	CreatedAt             time.Time
}

type Subscription struct {
	ID                   int64
	UserID               string
	StripeSubscriptionID string
	Status               string
	PlanType             string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type PromoCode struct {
	ID             int64
	Code           string
	Credits        int
	MaxRedemptions int
	Redemptions    int
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}
