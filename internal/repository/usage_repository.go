package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/avatarforge/avatarforge/internal/models"
)

type UsageRepository struct {
	db *sql.DB
}

func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Record writes the immutable usage row for one completed generation.
func (r *UsageRepository) Record(ctx context.Context, rec *models.UsageRecord) error {
	const query = `
INSERT INTO usage_records (user_id, generation_mode, input_type, image_path, credits_charged, estimated_tokens, used_free)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	usedFree := 0
	if rec.UsedFree {
		usedFree = 1
	}
	res, err := r.db.ExecContext(ctx, query, rec.UserID, rec.GenerationMode, rec.InputType, rec.ImagePath, rec.CreditsCharged, rec.EstimatedTokens, usedFree)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("usage last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListForUser returns a user's most recent generations, newest first.
func (r *UsageRepository) ListForUser(ctx context.Context, userID string, limit int) ([]models.UsageRecord, error) {
	const query = `
SELECT id, user_id, generation_mode, input_type, image_path, credits_charged, estimated_tokens, used_free, created_at
FROM usage_records WHERE user_id = ?
ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		var imagePath sql.NullString
		var usedFree int
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.GenerationMode, &rec.InputType, &imagePath, &rec.CreditsCharged, &rec.EstimatedTokens, &usedFree, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		if imagePath.Valid {
			rec.ImagePath = &imagePath.String
		}
		rec.UsedFree = usedFree != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}
