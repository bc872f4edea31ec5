package tokens

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store handles token template persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new token template store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectTemplates = `
	SELECT id, name, description, claims_structure, token_ttl_minutes, default_audience, allowed_audiences, is_default, priority, created_at, updated_at
	FROM token_templates`

// CreateTemplate creates a new template. Template names are globally unique.
func (s *Store) CreateTemplate(ctx context.Context, tmpl *TokenTemplate) error {
	claimsJSON, err := json.Marshal(tmpl.ClaimsStructure)
	if err != nil {
		return fmt.Errorf("failed to marshal claims structure: %w", err)
	}

	query := `
		INSERT INTO token_templates (name, description, claims_structure, token_ttl_minutes, default_audience, allowed_audiences, is_default, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, query,
		tmpl.Name,
		tmpl.Description,
		string(claimsJSON),
		tmpl.TokenTTLMinutes,
		tmpl.DefaultAudience,
		pq.Array(tmpl.AllowedAudiences),
		tmpl.IsDefault,
		tmpl.Priority,
		now,
		now,
	).Scan(&tmpl.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("template %s: %w", tmpl.Name, ErrTemplateExists)
		}
		return fmt.Errorf("failed to create token template: %w", err)
	}

	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now
	return nil
}

// GetTemplate retrieves one template by name
func (s *Store) GetTemplate(ctx context.Context, name string) (*TokenTemplate, error) {
	query := selectTemplates + ` WHERE name = $1`

	tmpl, err := scanTemplate(s.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("template %s: %w", name, ErrTemplateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token template: %w", err)
	}
	return tmpl, nil
}

// ListTemplates returns all templates, defaults first by priority
func (s *Store) ListTemplates(ctx context.Context) ([]*TokenTemplate, error) {
	query := selectTemplates + ` ORDER BY is_default DESC, priority DESC, name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list token templates: %w", err)
	}
	defer rows.Close()

	var templates []*TokenTemplate
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token template: %w", err)
		}
		templates = append(templates, tmpl)
	}
	return templates, rows.Err()
}

// UpdateTemplate replaces the editable fields of an existing template
func (s *Store) UpdateTemplate(ctx context.Context, tmpl *TokenTemplate) error {
	claimsJSON, err := json.Marshal(tmpl.ClaimsStructure)
	if err != nil {
		return fmt.Errorf("failed to marshal claims structure: %w", err)
	}

	query := `
		UPDATE token_templates
		SET description = $2, claims_structure = $3, token_ttl_minutes = $4, default_audience = $5, allowed_audiences = $6, is_default = $7, priority = $8, updated_at = $9
		WHERE name = $1
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query,
		tmpl.Name,
		tmpl.Description,
		string(claimsJSON),
		tmpl.TokenTTLMinutes,
		tmpl.DefaultAudience,
		pq.Array(tmpl.AllowedAudiences),
		tmpl.IsDefault,
		tmpl.Priority,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to update token template: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("template %s: %w", tmpl.Name, ErrTemplateNotFound)
	}

	tmpl.UpdatedAt = now
	return nil
}

// DeleteTemplate removes a template by name
func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM token_templates WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete token template: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("template %s: %w", name, ErrTemplateNotFound)
	}
	return nil
}

// ResolveTemplate returns the named template, or the highest-priority default
// when no name is requested.
func (s *Store) ResolveTemplate(ctx context.Context, requested string) (*TokenTemplate, error) {
	if requested != "" {
		return s.GetTemplate(ctx, requested)
	}

	query := selectTemplates + ` WHERE is_default = true ORDER BY priority DESC, name LIMIT 1`

	tmpl, err := scanTemplate(s.db.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no default template configured: %w", ErrTemplateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve default template: %w", err)
	}
	return tmpl, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*TokenTemplate, error) {
	var tmpl TokenTemplate
	var claimsJSON string

	err := row.Scan(
		&tmpl.ID, &tmpl.Name, &tmpl.Description, &claimsJSON,
		&tmpl.TokenTTLMinutes, &tmpl.DefaultAudience, pq.Array(&tmpl.AllowedAudiences),
		&tmpl.IsDefault, &tmpl.Priority, &tmpl.CreatedAt, &tmpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if claimsJSON != "" {
		if err := json.Unmarshal([]byte(claimsJSON), &tmpl.ClaimsStructure); err != nil {
			return nil, fmt.Errorf("corrupt claims structure for %s: %w", tmpl.Name, err)
		}
	}
	return &tmpl, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
