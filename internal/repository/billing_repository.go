package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avatarforge/avatarforge/internal/models"
)

// BillingRepository persists the settlement side: webhook event log, credit
// packages, subscriptions. Uniqueness constraints carry the idempotency
// guarantees; duplicate-key collisions are expected and not errors.
type BillingRepository struct {
	db *sql.DB
}

func NewBillingRepository(db *sql.DB) *BillingRepository {
	return &BillingRepository{db: db}
}

// RecordWebhookEvent appends the event to the processed-event log. Returns
// false when the event id was already recorded, which tells the caller to
// short-circuit the redelivery.
func (r *BillingRepository) RecordWebhookEvent(ctx context.Context, eventID, eventType string, livemode bool) (bool, error) {
	const query = `
INSERT INTO stripe_webhook_events (event_id, event_type, livemode)
VALUES (?, ?, ?)`
	live := 0
	if livemode {
		live = 1
	}
	if _, err := r.db.ExecContext(ctx, query, eventID, eventType, live); err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return true, nil
}

// CreateCreditPackage grants purchased credits. The unique payment intent id
// makes the grant at-most-once: a duplicate insert is swallowed.
func (r *BillingRepository) CreateCreditPackage(ctx context.Context, userID string, credits int, paymentIntentID string) error {
	const query = `
INSERT INTO credit_packages (user_id, credits_purchased, credits_remaining, stripe_payment_intent_id)
VALUES (?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, userID, credits, credits, paymentIntentID); err != nil {
		if isDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("insert credit package: %w", err)
	}
	return nil
}

// UpsertSubscription creates or replaces the user's subscription row.
func (r *BillingRepository) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	const query = `
INSERT INTO subscriptions (user_id, stripe_subscription_id, status, plan_type, current_period_start, current_period_end, cancel_at_period_end)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    stripe_subscription_id = VALUES(stripe_subscription_id),
    status = VALUES(status),
    plan_type = VALUES(plan_type),
    current_period_start = VALUES(current_period_start),
    current_period_end = VALUES(current_period_end),
    cancel_at_period_end = VALUES(cancel_at_period_end)`
	cancel := 0
	if sub.CancelAtPeriodEnd {
		cancel = 1
	}
	if _, err := r.db.ExecContext(ctx, query, sub.UserID, sub.StripeSubscriptionID, sub.Status, sub.PlanType,
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), cancel); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// UpdateSubscriptionPeriods rewrites status and period bounds for the
// subscription identified by its Stripe id.
func (r *BillingRepository) UpdateSubscriptionPeriods(ctx context.Context, stripeSubscriptionID, status, planType string, periodStart, periodEnd *time.Time, cancelAtPeriodEnd bool) error {
	const query = `
UPDATE subscriptions
SET status = ?, plan_type = ?, current_period_start = ?, current_period_end = ?, cancel_at_period_end = ?
WHERE stripe_subscription_id = ?`
	cancel := 0
	if cancelAtPeriodEnd {
		cancel = 1
	}
	if _, err := r.db.ExecContext(ctx, query, status, planType, nullTime(periodStart), nullTime(periodEnd), cancel, stripeSubscriptionID); err != nil {
		return fmt.Errorf("update subscription periods: %w", err)
	}
	return nil
}

// UpdateSubscriptionStatus sets status and plan type only.
func (r *BillingRepository) UpdateSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status, planType string) error {
	const query = `
UPDATE subscriptions SET status = ?, plan_type = ?
WHERE stripe_subscription_id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, planType, stripeSubscriptionID); err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	return nil
}

// SetSubscriptionStatus sets status only, leaving the plan type untouched.
func (r *BillingRepository) SetSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status string) error {
	const query = `UPDATE subscriptions SET status = ? WHERE stripe_subscription_id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, stripeSubscriptionID); err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}
	return nil
}

// FindSubscriptionByUser returns the user's subscription row, or nil.
func (r *BillingRepository) FindSubscriptionByUser(ctx context.Context, userID string) (*models.Subscription, error) {
	const query = `
SELECT id, user_id, stripe_subscription_id, status, plan_type, current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at
FROM subscriptions WHERE user_id = ?`
	row := r.db.QueryRowContext(ctx, query, userID)
	var sub models.Subscription
	var start, end sql.NullTime
	var cancel int
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.StripeSubscriptionID, &sub.Status, &sub.PlanType, &start, &end, &cancel, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if start.Valid {
		sub.CurrentPeriodStart = &start.Time
	}
	if end.Valid {
		sub.CurrentPeriodEnd = &end.Time
	}
	sub.CancelAtPeriodEnd = cancel != 0
	return &sub, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
