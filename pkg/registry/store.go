package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cids-io/cids/pkg/auth"
)

// Store handles registered app persistence against the registered_apps table
type Store struct {
	db *sql.DB
}

// NewStore creates a new app registry store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateApp registers a new app. The generated client secret is returned
// exactly once; only its hash is stored.
func (s *Store) CreateApp(ctx context.Context, app *RegisteredApp) (*RegistrationResult, error) {
	if app.ClientID == "" {
		clientID, err := auth.NewClientID()
		if err != nil {
			return nil, err
		}
		app.ClientID = clientID
	}

	secret, secretHash, _, err := auth.Generate(auth.SecretPrefix)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO registered_apps (client_id, name, owner_email, redirect_uris, secret_hash, allow_discovery, discovery_endpoint, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		app.ClientID,
		app.Name,
		app.OwnerEmail,
		pq.Array(app.RedirectURIs),
		secretHash,
		app.AllowDiscovery,
		app.DiscoveryEndpoint,
		true,
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("client_id %s: %w", app.ClientID, ErrAppExists)
		}
		return nil, fmt.Errorf("failed to create app: %w", err)
	}

	app.IsActive = true
	app.CreatedAt = now
	app.UpdatedAt = now

	return &RegistrationResult{App: app, ClientSecret: secret}, nil
}

// GetApp retrieves a registered app by client ID
func (s *Store) GetApp(ctx context.Context, clientID string) (*RegisteredApp, error) {
	query := `
		SELECT client_id, name, owner_email, redirect_uris, allow_discovery, discovery_endpoint, is_active, created_at, updated_at
		FROM registered_apps
		WHERE client_id = $1
	`

	var app RegisteredApp
	var endpoint sql.NullString
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&app.ClientID,
		&app.Name,
		&app.OwnerEmail,
		pq.Array(&app.RedirectURIs),
		&app.AllowDiscovery,
		&endpoint,
		&app.IsActive,
		&app.CreatedAt,
		&app.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("client_id %s: %w", clientID, ErrAppNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app: %w", err)
	}
	app.DiscoveryEndpoint = endpoint.String

	return &app, nil
}

// ListApps returns all registered apps, active and deactivated
func (s *Store) ListApps(ctx context.Context) ([]*RegisteredApp, error) {
	query := `
		SELECT client_id, name, owner_email, redirect_uris, allow_discovery, discovery_endpoint, is_active, created_at, updated_at
		FROM registered_apps
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	defer rows.Close()

	var apps []*RegisteredApp
	for rows.Next() {
		var app RegisteredApp
		var endpoint sql.NullString
		if err := rows.Scan(
			&app.ClientID,
			&app.Name,
			&app.OwnerEmail,
			pq.Array(&app.RedirectURIs),
			&app.AllowDiscovery,
			&endpoint,
			&app.IsActive,
			&app.CreatedAt,
			&app.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan app: %w", err)
		}
		app.DiscoveryEndpoint = endpoint.String
		apps = append(apps, &app)
	}
	return apps, rows.Err()
}

// UpdateApp applies admin edits to a registered app
func (s *Store) UpdateApp(ctx context.Context, clientID string, update *AppUpdate) (*RegisteredApp, error) {
	app, err := s.GetApp(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		app.Name = *update.Name
	}
	if update.OwnerEmail != nil {
		app.OwnerEmail = *update.OwnerEmail
	}
	if update.RedirectURIs != nil {
		app.RedirectURIs = update.RedirectURIs
	}
	if update.AllowDiscovery != nil {
		app.AllowDiscovery = *update.AllowDiscovery
	}
	if update.DiscoveryEndpoint != nil {
		app.DiscoveryEndpoint = *update.DiscoveryEndpoint
	}

	query := `
		UPDATE registered_apps
		SET name = $2, owner_email = $3, redirect_uris = $4, allow_discovery = $5, discovery_endpoint = $6, updated_at = $7
		WHERE client_id = $1
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query,
		clientID, app.Name, app.OwnerEmail, pq.Array(app.RedirectURIs),
		app.AllowDiscovery, app.DiscoveryEndpoint, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update app: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("client_id %s: %w", clientID, ErrAppNotFound)
	}

	app.UpdatedAt = now
	return app, nil
}

// SetActive toggles the activation state of a registered app.
// Deactivation is the only removal path; rows are never deleted.
func (s *Store) SetActive(ctx context.Context, clientID string, active bool) error {
	query := `UPDATE registered_apps SET is_active = $2, updated_at = $3 WHERE client_id = $1`

	result, err := s.db.ExecContext(ctx, query, clientID, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set active: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("client_id %s: %w", clientID, ErrAppNotFound)
	}
	return nil
}

// VerifySecret checks a raw client secret against the stored hash
func (s *Store) VerifySecret(ctx context.Context, clientID, secret string) error {
	query := `SELECT secret_hash FROM registered_apps WHERE client_id = $1 AND is_active = TRUE`

	var storedHash string
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(&storedHash)
	if err == sql.ErrNoRows {
		return fmt.Errorf("client_id %s: %w", clientID, ErrAppNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load secret hash: %w", err)
	}

	if !auth.HashEqual(secret, storedHash) {
		return fmt.Errorf("client_id %s: secret mismatch", clientID)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint violation
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
