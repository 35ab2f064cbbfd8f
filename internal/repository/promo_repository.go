package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPromoNotFound        = errors.New("invalid promo code")
	ErrPromoExpired         = errors.New("promo code has expired")
	ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
	ErrPromoLimitReached    = errors.New("promo code redemption limit reached")
)

type PromoRepository struct {
	db *sql.DB
}

func NewPromoRepository(db *sql.DB) *PromoRepository {
	return &PromoRepository{db: db}
}

// Redeem grants the code's credit amount to the user exactly once per
// (user, code) pair. The whole check-and-grant runs in one transaction with
// the code row locked, so concurrent redemptions cannot exceed the global
// limit or double-grant.
func (r *PromoRepository) Redeem(ctx context.Context, userID, code string, now time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin redeem tx: %w", err)
	}
	defer tx.Rollback()

	var (
		promoID   int64
		credits   int
		maxUses   int
		uses      int
		expiresAt sql.NullTime
	)
	row := tx.QueryRowContext(ctx,
		`SELECT id, credits, max_redemptions, redemptions, expires_at FROM promo_codes WHERE code = ? FOR UPDATE`,
		code)
	if err := row.Scan(&promoID, &credits, &maxUses, &uses, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrPromoNotFound
		}
		return 0, fmt.Errorf("lock promo code: %w", err)
	}

	if expiresAt.Valid && now.After(expiresAt.Time) {
		return 0, ErrPromoExpired
	}
	if uses >= maxUses {
		return 0, ErrPromoLimitReached
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO promo_redemptions (user_id, promo_code_id) VALUES (?, ?)`,
		userID, promoID); err != nil {
		if isDuplicateKey(err) {
			return 0, ErrPromoAlreadyRedeemed
		}
		return 0, fmt.Errorf("insert redemption: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE promo_codes SET redemptions = redemptions + 1 WHERE id = ?`,
		promoID); err != nil {
		return 0, fmt.Errorf("increment promo redemptions: %w", err)
	}

	// Granted credits live in a credit package like purchased ones, keyed by a
	// synthetic payment intent so the uniqueness constraint stays satisfied.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_packages (user_id, credits_purchased, credits_remaining, stripe_payment_intent_id) VALUES (?, ?, ?, ?)`,
		userID, credits, credits, "promo:"+uuid.NewString()); err != nil {
		return 0, fmt.Errorf("grant promo credits: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit redeem tx: %w", err)
	}
	return credits, nil
}
