package apikeys

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store handles API key and rotation policy persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new API key store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectKeys = `
	SELECT id, key_id, client_id, key_hash, key_prefix, state, expires_at, last_rotated_at, rotation_grace_end, created_at, updated_at
	FROM api_keys`

// InsertKey stores a new key row
func (s *Store) InsertKey(ctx context.Context, key *APIKey) error {
	query := `
		INSERT INTO api_keys (key_id, client_id, key_hash, key_prefix, state, expires_at, last_rotated_at, rotation_grace_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		key.KeyID, key.ClientID, key.KeyHash, key.KeyPrefix, key.State,
		key.ExpiresAt, key.LastRotatedAt, key.RotationGraceEnd, now, now,
	).Scan(&key.ID)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	key.CreatedAt = now
	key.UpdatedAt = now
	return nil
}

// GetKey retrieves one key by (client_id, key_id)
func (s *Store) GetKey(ctx context.Context, clientID, keyID string) (*APIKey, error) {
	query := selectKeys + ` WHERE client_id = $1 AND key_id = $2`

	key, err := scanKey(s.db.QueryRowContext(ctx, query, clientID, keyID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("key %s for %s: %w", keyID, clientID, ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return key, nil
}

// ListKeys returns an app's keys, newest first
func (s *Store) ListKeys(ctx context.Context, clientID string) ([]*APIKey, error) {
	query := selectKeys + ` WHERE client_id = $1 ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// FindByHash looks up a non-revoked key by its hash
func (s *Store) FindByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	query := selectKeys + ` WHERE key_hash = $1 AND state != 'revoked'`

	key, err := scanKey(s.db.QueryRowContext(ctx, query, keyHash))
	if err == sql.ErrNoRows {
		return nil, ErrKeyInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return key, nil
}

// CurrentActiveKey returns the newest active key of an app
func (s *Store) CurrentActiveKey(ctx context.Context, clientID string) (*APIKey, error) {
	query := selectKeys + ` WHERE client_id = $1 AND state = 'active' ORDER BY created_at DESC LIMIT 1`

	key, err := scanKey(s.db.QueryRowContext(ctx, query, clientID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("client_id %s: %w", clientID, ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active api key: %w", err)
	}
	return key, nil
}

// Rotate performs a key rotation in a single transaction: the old key moves
// to rotating with a grace window and the replacement is inserted as active.
// A reader authenticating concurrently always sees at least one valid key.
func (s *Store) Rotate(ctx context.Context, clientID, keyID string, newKey *APIKey, graceEnd time.Time) (*APIKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	old, err := scanKey(tx.QueryRowContext(ctx,
		selectKeys+` WHERE client_id = $1 AND key_id = $2 FOR UPDATE`,
		clientID, keyID,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("key %s for %s: %w", keyID, clientID, ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock api key: %w", err)
	}

	now := time.Now().UTC()
	if old.State != KeyStateActive {
		if old.InGrace(now) {
			return nil, fmt.Errorf("key %s for %s: %w", keyID, clientID, ErrRotationInProgress)
		}
		return nil, fmt.Errorf("key %s for %s: %w", keyID, clientID, ErrKeyInvalid)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE api_keys
		SET state = 'rotating', rotation_grace_end = $3, last_rotated_at = $4, updated_at = $4
		WHERE client_id = $1 AND key_id = $2
	`, clientID, keyID, graceEnd, now); err != nil {
		return nil, fmt.Errorf("failed to mark key rotating: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO api_keys (key_id, client_id, key_hash, key_prefix, state, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'active', $5, $6, $6)
		RETURNING id
	`, newKey.KeyID, newKey.ClientID, newKey.KeyHash, newKey.KeyPrefix, newKey.ExpiresAt, now).Scan(&newKey.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert replacement key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rotation: %w", err)
	}

	old.State = KeyStateRotating
	old.RotationGraceEnd = &graceEnd
	old.LastRotatedAt = &now
	newKey.State = KeyStateActive
	newKey.CreatedAt = now
	newKey.UpdatedAt = now
	return old, nil
}

// Revoke moves a key to revoked if its state machine allows it
func (s *Store) Revoke(ctx context.Context, clientID, keyID string) error {
	key, err := s.GetKey(ctx, clientID, keyID)
	if err != nil {
		return err
	}
	if !key.State.CanTransitionTo(KeyStateRevoked) {
		return fmt.Errorf("key %s for %s is already revoked: %w", keyID, clientID, ErrKeyInvalid)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE api_keys SET state = 'revoked', updated_at = $3
		WHERE client_id = $1 AND key_id = $2
	`, clientID, keyID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	return nil
}

// ReapExpiredGrace revokes rotating keys whose grace window has passed
func (s *Store) ReapExpiredGrace(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET state = 'revoked', updated_at = $1
		WHERE state = 'rotating' AND rotation_grace_end <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired keys: %w", err)
	}
	return result.RowsAffected()
}

// CountActive returns the number of active keys across all apps
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys WHERE state = 'active'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active keys: %w", err)
	}
	return count, nil
}

// GetPolicy retrieves the rotation policy of an app
func (s *Store) GetPolicy(ctx context.Context, clientID string) (*RotationPolicy, error) {
	query := `
		SELECT client_id, days_before_expiry, grace_period_hours, auto_rotate, notify_webhook, updated_at
		FROM rotation_policies
		WHERE client_id = $1
	`

	var p RotationPolicy
	var webhook sql.NullString
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&p.ClientID, &p.DaysBeforeExpiry, &p.GracePeriodHours, &p.AutoRotate, &webhook, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("client_id %s: %w", clientID, ErrPolicyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rotation policy: %w", err)
	}
	p.NotifyWebhook = webhook.String
	return &p, nil
}

// UpsertPolicy creates or replaces an app's rotation policy
func (s *Store) UpsertPolicy(ctx context.Context, p *RotationPolicy) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rotation_policies (client_id, days_before_expiry, grace_period_hours, auto_rotate, notify_webhook, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_id) DO UPDATE
		SET days_before_expiry = $2, grace_period_hours = $3, auto_rotate = $4, notify_webhook = $5, updated_at = $6
	`, p.ClientID, p.DaysBeforeExpiry, p.GracePeriodHours, p.AutoRotate, nullIfEmpty(p.NotifyWebhook), now)
	if err != nil {
		return fmt.Errorf("failed to upsert rotation policy: %w", err)
	}
	p.UpdatedAt = now
	return nil
}

// ListPolicies returns all rotation policies
func (s *Store) ListPolicies(ctx context.Context) ([]*RotationPolicy, error) {
	query := `
		SELECT client_id, days_before_expiry, grace_period_hours, auto_rotate, notify_webhook, updated_at
		FROM rotation_policies
		ORDER BY client_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rotation policies: %w", err)
	}
	defer rows.Close()

	var policies []*RotationPolicy
	for rows.Next() {
		var p RotationPolicy
		var webhook sql.NullString
		if err := rows.Scan(&p.ClientID, &p.DaysBeforeExpiry, &p.GracePeriodHours, &p.AutoRotate, &webhook, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rotation policy: %w", err)
		}
		p.NotifyWebhook = webhook.String
		policies = append(policies, &p)
	}
	return policies, rows.Err()
}

// SweepCandidate pairs an auto-rotate policy with the active key it covers
type SweepCandidate struct {
	Policy *RotationPolicy
	Key    *APIKey
}

// RotationCandidates returns, for every auto-rotate policy, the active key
// that expires inside the policy's rotation window.
func (s *Store) RotationCandidates(ctx context.Context, now time.Time) ([]*SweepCandidate, error) {
	query := `
		SELECT p.client_id, p.days_before_expiry, p.grace_period_hours, p.auto_rotate, p.notify_webhook, p.updated_at,
		       k.id, k.key_id, k.client_id, k.key_hash, k.key_prefix, k.state, k.expires_at, k.last_rotated_at, k.rotation_grace_end, k.created_at, k.updated_at
		FROM rotation_policies p
		JOIN api_keys k ON k.client_id = p.client_id AND k.state = 'active'
		WHERE p.auto_rotate = true
		  AND k.expires_at <= $1 + (p.days_before_expiry * INTERVAL '1 day')
		ORDER BY k.client_id
	`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find rotation candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*SweepCandidate
	for rows.Next() {
		var p RotationPolicy
		var webhook sql.NullString
		var k APIKey
		var lastRotated, graceEnd sql.NullTime
		if err := rows.Scan(
			&p.ClientID, &p.DaysBeforeExpiry, &p.GracePeriodHours, &p.AutoRotate, &webhook, &p.UpdatedAt,
			&k.ID, &k.KeyID, &k.ClientID, &k.KeyHash, &k.KeyPrefix, &k.State, &k.ExpiresAt, &lastRotated, &graceEnd, &k.CreatedAt, &k.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rotation candidate: %w", err)
		}
		p.NotifyWebhook = webhook.String
		if lastRotated.Valid {
			t := lastRotated.Time
			k.LastRotatedAt = &t
		}
		if graceEnd.Valid {
			t := graceEnd.Time
			k.RotationGraceEnd = &t
		}
		candidates = append(candidates, &SweepCandidate{Policy: &p, Key: &k})
	}
	return candidates, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	var key APIKey
	var lastRotated, graceEnd sql.NullTime

	err := row.Scan(
		&key.ID, &key.KeyID, &key.ClientID, &key.KeyHash, &key.KeyPrefix,
		&key.State, &key.ExpiresAt, &lastRotated, &graceEnd,
		&key.CreatedAt, &key.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastRotated.Valid {
		t := lastRotated.Time
		key.LastRotatedAt = &t
	}
	if graceEnd.Valid {
		t := graceEnd.Time
		key.RotationGraceEnd = &t
	}
	return &key, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
