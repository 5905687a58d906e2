package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UsageCounters are the daily feature counters for one user. Rows are keyed
// by (user_id, day); a new day simply means no row yet, which reads as all
// zeros. Nothing ever decrements.
type UsageCounters struct {
	UserID        string
	Day           time.Time
	MenuBulkCount int32
	MenuStepCount int32
	OCRCount      int32
}

const (
	FeatureMenuBulk = "menu_bulk"
	FeatureMenuStep = "menu_step"
	FeatureOCR      = "ocr"
)

var ErrUsageLimitReached = errors.New("usage limit reached")

func (r *Repository) GetUsage(ctx context.Context, userID string, day time.Time) (UsageCounters, error) {
	u := UsageCounters{UserID: userID, Day: day}
	err := r.pool.QueryRow(ctx, `
		SELECT menu_bulk_count, menu_step_count, ocr_count
		FROM usage_counters
		WHERE user_id = $1 AND day = $2
	`, userID, day).Scan(&u.MenuBulkCount, &u.MenuStepCount, &u.OCRCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return u, nil
		}
		return UsageCounters{}, err
	}
	return u, nil
}

// IncrementUsage bumps one feature counter, refusing once the limit is hit.
// The conditional update keeps the check and the increment in one statement,
// so concurrent requests cannot push a counter past its limit.
func (r *Repository) IncrementUsage(ctx context.Context, tx pgx.Tx, userID string, day time.Time, feature string, limit int32) (int32, error) {
	column, err := usageColumn(feature)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO usage_counters (user_id, day)
		VALUES ($1, $2)
		ON CONFLICT (user_id, day) DO NOTHING
	`, userID, day)
	if err != nil {
		return 0, err
	}

	var count int32
	err = tx.QueryRow(ctx, `
		UPDATE usage_counters
		SET `+column+` = `+column+` + 1,
		    updated_at = now()
		WHERE user_id = $1 AND day = $2 AND `+column+` < $3
		RETURNING `+column, userID, day, limit).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUsageLimitReached
		}
		return 0, err
	}
	return count, nil
}

// usageColumn maps a feature name to its counter column. The allowlist keeps
// feature strings out of SQL.
func usageColumn(feature string) (string, error) {
	switch feature {
	case FeatureMenuBulk:
		return "menu_bulk_count", nil
	case FeatureMenuStep:
		return "menu_step_count", nil
	case FeatureOCR:
		return "ocr_count", nil
	default:
		return "", fmt.Errorf("unknown usage feature %q", feature)
	}
}
