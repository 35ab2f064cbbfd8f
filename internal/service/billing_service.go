package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/checkout/session"
	"github.com/stripe/stripe-go/v75/subscription"
	"github.com/stripe/stripe-go/v75/webhook"

	"github.com/avatarforge/avatarforge/internal/config"
	"github.com/avatarforge/avatarforge/internal/models"
)

// ErrInvalidSignature marks a webhook whose signature did not verify; it is
// rejected without touching any state.
var ErrInvalidSignature = errors.New("webhook signature verification failed")

// Granted when checkout metadata is missing or malformed; a paid session must
// never credit zero.
const fallbackCreditsAmount = 100

// BillingStore is the persistence the settlement path needs. Uniqueness
// constraints behind these calls make crediting idempotent.
type BillingStore interface {
	RecordWebhookEvent(ctx context.Context, eventID, eventType string, livemode bool) (bool, error)
	CreateCreditPackage(ctx context.Context, userID string, credits int, paymentIntentID string) error
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	UpdateSubscriptionPeriods(ctx context.Context, stripeSubscriptionID, status, planType string, periodStart, periodEnd *time.Time, cancelAtPeriodEnd bool) error
	UpdateSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status, planType string) error
	SetSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status string) error
	FindSubscriptionByUser(ctx context.Context, userID string) (*models.Subscription, error)
}

type BillingService struct {
	cfg         config.Config
	log         *slog.Logger
	store       BillingStore
	retrieveSub func(id string) (*stripe.Subscription, error)
	now         func() time.Time
}

func NewBillingService(cfg config.Config, log *slog.Logger, store BillingStore) *BillingService {
	stripe.Key = cfg.StripeSecretKey
	return &BillingService{
		cfg:   cfg,
		log:   log,
		store: store,
		retrieveSub: func(id string) (*stripe.Subscription, error) {
			return subscription.Get(id, nil)
		},
		now: time.Now,
	}
}

// HandleWebhook verifies, deduplicates and dispatches one provider event.
// A replayed event id is answered as success without reprocessing.
func (s *BillingService) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := webhook.ConstructEvent(payload, sigHeader, s.cfg.StripeWebhookSecret)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}
	return s.HandleEvent(ctx, event)
}

// HandleEvent runs the event-log insert and dispatch for an already verified
// event.
func (s *BillingService) HandleEvent(ctx context.Context, event stripe.Event) error {
	fresh, err := s.store.RecordWebhookEvent(ctx, event.ID, string(event.Type), event.Livemode)
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	if !fresh {
		s.log.Info("duplicate webhook event", "event", event.ID, "type", event.Type)
		return nil
	}

	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		return s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		return s.handleInvoicePaymentFailed(ctx, event)
	default:
		return nil
	}
}

func (s *BillingService) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("parse checkout session: %w", err)
	}

	userID := sess.Metadata["user_id"]
	priceType := sess.Metadata["price_type"]
	if userID == "" {
		return nil
	}

	switch priceType {
	case "monthly":
		if sess.Subscription == nil || sess.Subscription.ID == "" {
			return nil
		}
		subData, err := s.retrieveSub(sess.Subscription.ID)
		if err != nil {
			return fmt.Errorf("retrieve subscription: %w", err)
		}
		sub := &models.Subscription{
			UserID:               userID,
			StripeSubscriptionID: subData.ID,
			Status:               "active",
			PlanType:             "monthly",
			CurrentPeriodStart:   unixTime(subData.CurrentPeriodStart),
			CurrentPeriodEnd:     unixTime(subData.CurrentPeriodEnd),
			CancelAtPeriodEnd:    subData.CancelAtPeriodEnd,
		}
		if err := s.store.UpsertSubscription(ctx, sub); err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
		s.log.Info("subscription activated", "user", userID, "subscription", subData.ID)

	case "credits":
		if sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
			return nil
		}
		credits := fallbackCreditsAmount
		if parsed, err := strconv.Atoi(sess.Metadata["credits_amount"]); err == nil && parsed > 0 {
			credits = parsed
		}
		if err := s.store.CreateCreditPackage(ctx, userID, credits, sess.PaymentIntent.ID); err != nil {
			return fmt.Errorf("create credit package: %w", err)
		}
		s.log.Info("credits granted", "user", userID, "credits", credits, "payment_intent", sess.PaymentIntent.ID)
	}

	return nil
}

func (s *BillingService) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var subData stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subData); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}

	periodStart := unixTime(subData.CurrentPeriodStart)
	periodEnd := unixTime(subData.CurrentPeriodEnd)

	// Defensive clock-skew handling: Stripe may still report "active" for a
	// period that has already elapsed before the deleted event arrives.
	expired := periodEnd != nil && periodEnd.Before(s.now())

	status := "inactive"
	planType := "free"
	if subData.Status == stripe.SubscriptionStatusActive {
		if expired {
			status = "canceled"
		} else {
			status = "active"
			planType = "monthly"
		}
	}

	if err := s.store.UpdateSubscriptionPeriods(ctx, subData.ID, status, planType, periodStart, periodEnd, subData.CancelAtPeriodEnd); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

func (s *BillingService) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var subData stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subData); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}
	if err := s.store.UpdateSubscriptionStatus(ctx, subData.ID, "canceled", "free"); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

func (s *BillingService) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("parse invoice: %w", err)
	}
	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		return nil
	}
	if err := s.store.SetSubscriptionStatus(ctx, invoice.Subscription.ID, "past_due"); err != nil {
		return fmt.Errorf("mark subscription past due: %w", err)
	}
	return nil
}

// CreateCheckoutSession starts a Stripe checkout for one credit pack and
// returns the redirect URL. The metadata carries everything the webhook needs
// to settle the purchase later.
func (s *BillingService) CreateCheckoutSession(ctx context.Context, userID, email, packID string) (string, error) {
	pack, ok := s.cfg.CreditPacks[packID]
	if !ok {
		pack = s.cfg.CreditPacks["small"]
	}
	if pack.PriceID == "" {
		return "", fmt.Errorf("price not configured for pack %q", packID)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		CustomerEmail:      stripe.String(email),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(pack.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.cfg.CheckoutSuccessURL),
		CancelURL:  stripe.String(s.cfg.CheckoutCancelURL),
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)
	params.AddMetadata("price_type", "credits")
	params.AddMetadata("credits_amount", strconv.Itoa(pack.Credits))

	sess, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// Subscription returns the user's subscription row, or nil when none exists.
func (s *BillingService) Subscription(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := s.store.FindSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return sub, nil
}

func unixTime(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
