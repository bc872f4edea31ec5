package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ActivityRecorder records token issuance into the append-only token_activity table
type ActivityRecorder struct {
	db *sql.DB
}

// NewActivityRecorder creates a new token activity recorder
func NewActivityRecorder(db *sql.DB) *ActivityRecorder {
	return &ActivityRecorder{db: db}
}

// Record inserts one token activity row
func (r *ActivityRecorder) Record(ctx context.Context, activity *TokenActivity) error {
	query := `
		INSERT INTO token_activity (token_id, kind, subject, client_id, audience, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		activity.TokenID, activity.Kind, activity.Subject,
		activity.ClientID, activity.Audience,
		activity.IssuedAt, activity.ExpiresAt,
	).Scan(&activity.ID)
	if err != nil {
		return fmt.Errorf("failed to record token activity: %w", err)
	}
	return nil
}

// ListForApp returns token activity for one app, newest first
func (r *ActivityRecorder) ListForApp(ctx context.Context, clientID string, limit int) ([]*TokenActivity, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, token_id, kind, subject, client_id, audience, issued_at, expires_at
		FROM token_activity
		WHERE client_id = $1
		ORDER BY issued_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query token activity: %w", err)
	}
	defer rows.Close()

	var out []*TokenActivity
	for rows.Next() {
		var a TokenActivity
		var issuedAt, expiresAt time.Time
		if err := rows.Scan(&a.ID, &a.TokenID, &a.Kind, &a.Subject, &a.ClientID, &a.Audience, &issuedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan token activity: %w", err)
		}
		a.IssuedAt = issuedAt
		a.ExpiresAt = expiresAt
		out = append(out, &a)
	}
	return out, rows.Err()
}
