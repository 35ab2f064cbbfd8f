package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// LedgerRepository implements the quota ledger. Every balance mutation goes
// through a conditional UPDATE (or a single transaction of them) so that
// concurrent replicas can never over-consume; the application tier never does
// read-then-write on a balance.
type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// TryConsumeSiteFree atomically claims one unit of the site-wide daily free
// quota. Returns false once the day's counter has reached limit.
func (r *LedgerRepository) TryConsumeSiteFree(ctx context.Context, date string, limit int) (bool, error) {
	return consumeSiteFree(ctx, r.db, date, limit)
}

// RefundSiteFree returns one previously claimed site-wide free unit, flooring
// the counter at zero.
func (r *LedgerRepository) RefundSiteFree(ctx context.Context, date string) error {
	const query = `UPDATE site_daily_usage SET count = GREATEST(count - 1, 0) WHERE usage_date = ?`
	if _, err := r.db.ExecContext(ctx, query, date); err != nil {
		return fmt.Errorf("refund site free usage: %w", err)
	}
	return nil
}

// TryConsumeDailyFree claims the caller's personal free slot for the day plus
// one site-wide free unit, all-or-nothing. Only users who have never purchased
// a credit package are eligible.
func (r *LedgerRepository) TryConsumeDailyFree(ctx context.Context, userID, date string, limit int) (bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin daily free tx: %w", err)
	}
	defer tx.Rollback()

	var packages int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_packages WHERE user_id = ?`, userID)
	if err := row.Scan(&packages); err != nil {
		return false, fmt.Errorf("check credit packages: %w", err)
	}
	if packages > 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT IGNORE INTO user_daily_usage (user_id, usage_date, count) VALUES (?, ?, 0)`,
		userID, date); err != nil {
		return false, fmt.Errorf("ensure user daily row: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE user_daily_usage SET count = count + 1 WHERE user_id = ? AND usage_date = ? AND count < 1`,
		userID, date)
	if err != nil {
		return false, fmt.Errorf("consume user daily free: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("user daily rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	ok, err := consumeSiteFree(ctx, tx, date, limit)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit daily free tx: %w", err)
	}
	return true, nil
}

// RefundDailyFree reverses TryConsumeDailyFree after a failed generation.
func (r *LedgerRepository) RefundDailyFree(ctx context.Context, userID, date string) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin daily refund tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE user_daily_usage SET count = GREATEST(count - 1, 0) WHERE user_id = ? AND usage_date = ?`,
		userID, date); err != nil {
		return fmt.Errorf("refund user daily free: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE site_daily_usage SET count = GREATEST(count - 1, 0) WHERE usage_date = ?`,
		date); err != nil {
		return fmt.Errorf("refund site free usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit daily refund tx: %w", err)
	}
	return nil
}

// ConsumeCredits atomically deducts amount from the user's pooled remaining
// credits, oldest package first. Returns false without mutation when the pool
// is insufficient; that is a normal outcome, not an error.
func (r *LedgerRepository) ConsumeCredits(ctx context.Context, userID string, amount int) (bool, error) {
	if amount <= 0 {
		return true, nil
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin consume tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT id, credits_remaining FROM credit_packages
WHERE user_id = ? AND credits_remaining > 0
ORDER BY created_at, id
FOR UPDATE`, userID)
	if err != nil {
		return false, fmt.Errorf("lock credit packages: %w", err)
	}

	type pkg struct {
		id        int64
		remaining int
	}
	var packages []pkg
	total := 0
	for rows.Next() {
		var p pkg
		if err := rows.Scan(&p.id, &p.remaining); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan credit package: %w", err)
		}
		packages = append(packages, p)
		total += p.remaining
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate credit packages: %w", err)
	}

	if total < amount {
		return false, nil
	}

	left := amount
	for _, p := range packages {
		if left == 0 {
			break
		}
		take := p.remaining
		if take > left {
			take = left
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE credit_packages SET credits_remaining = credits_remaining - ? WHERE id = ? AND credits_remaining >= ?`,
			take, p.id, take); err != nil {
			return false, fmt.Errorf("deduct credits: %w", err)
		}
		left -= take
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit consume tx: %w", err)
	}
	return true, nil
}

// RefundCredits restores previously consumed credit into the user's packages,
// newest first, never pushing a package above its purchased amount.
func (r *LedgerRepository) RefundCredits(ctx context.Context, userID string, amount int) error {
	if amount <= 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT id, credits_purchased, credits_remaining FROM credit_packages
WHERE user_id = ? AND credits_remaining < credits_purchased
ORDER BY created_at DESC, id DESC
FOR UPDATE`, userID)
	if err != nil {
		return fmt.Errorf("lock credit packages: %w", err)
	}

	type pkg struct {
		id        int64
		purchased int
		remaining int
	}
	var packages []pkg
	for rows.Next() {
		var p pkg
		if err := rows.Scan(&p.id, &p.purchased, &p.remaining); err != nil {
			rows.Close()
			return fmt.Errorf("scan credit package: %w", err)
		}
		packages = append(packages, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate credit packages: %w", err)
	}

	left := amount
	for _, p := range packages {
		if left == 0 {
			break
		}
		headroom := p.purchased - p.remaining
		give := headroom
		if give > left {
			give = left
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE credit_packages SET credits_remaining = LEAST(credits_remaining + ?, credits_purchased) WHERE id = ?`,
			give, p.id); err != nil {
			return fmt.Errorf("restore credits: %w", err)
		}
		left -= give
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refund tx: %w", err)
	}
	return nil
}

// RemainingCredits returns the user's pooled remaining credit.
func (r *LedgerRepository) RemainingCredits(ctx context.Context, userID string) (int, error) {
	const query = `
SELECT COALESCE(SUM(credits_remaining), 0) FROM credit_packages
WHERE user_id = ? AND credits_remaining > 0`
	row := r.db.QueryRowContext(ctx, query, userID)
	var total int
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum remaining credits: %w", err)
	}
	return total, nil
}

// EligibleForDailyFree reports whether the user has never purchased credit.
// One purchase disqualifies the personal free slot permanently, even after
// the purchased credits run out.
func (r *LedgerRepository) EligibleForDailyFree(ctx context.Context, userID string) (bool, error) {
	const query = `SELECT COUNT(*) FROM credit_packages WHERE user_id = ?`
	row := r.db.QueryRowContext(ctx, query, userID)
	var packages int
	if err := row.Scan(&packages); err != nil {
		return false, fmt.Errorf("count credit packages: %w", err)
	}
	return packages == 0, nil
}

// SiteFreeUsed returns the day's site-wide free counter without mutating it.
func (r *LedgerRepository) SiteFreeUsed(ctx context.Context, date string) (int, error) {
	const query = `SELECT count FROM site_daily_usage WHERE usage_date = ?`
	row := r.db.QueryRowContext(ctx, query, date)
	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read site daily usage: %w", err)
	}
	return count, nil
}

// UserDailyUsed returns the user's personal free counter for the day.
func (r *LedgerRepository) UserDailyUsed(ctx context.Context, userID, date string) (int, error) {
	const query = `SELECT count FROM user_daily_usage WHERE user_id = ? AND usage_date = ?`
	row := r.db.QueryRowContext(ctx, query, userID, date)
	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read user daily usage: %w", err)
	}
	return count, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func consumeSiteFree(ctx context.Context, db execer, date string, limit int) (bool, error) {
	if _, err := db.ExecContext(ctx,
		`INSERT IGNORE INTO site_daily_usage (usage_date, count) VALUES (?, 0)`, date); err != nil {
		return false, fmt.Errorf("ensure site daily row: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`UPDATE site_daily_usage SET count = count + 1 WHERE usage_date = ? AND count < ?`,
		date, limit)
	if err != nil {
		return false, fmt.Errorf("consume site free usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("site free rows affected: %w", err)
	}
	return affected > 0, nil
}

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
