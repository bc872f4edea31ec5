package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store handles role and role-mapping persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRole creates a new role. Role names are unique per app.
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	permissionsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}
	deniedJSON, err := json.Marshal(role.DeniedPermissions)
	if err != nil {
		return fmt.Errorf("failed to marshal denied permissions: %w", err)
	}
	rlsJSON, err := json.Marshal(role.RLSFilters)
	if err != nil {
		return fmt.Errorf("failed to marshal rls filters: %w", err)
	}

	query := `
		INSERT INTO roles (client_id, role_name, description, permissions, denied_permissions, rls_filters, ad_groups, a2a_only, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, query,
		role.ClientID,
		role.Name,
		role.Description,
		string(permissionsJSON),
		string(deniedJSON),
		string(rlsJSON),
		pq.Array(role.ADGroups),
		role.A2AOnly,
		now,
		now,
	).Scan(&role.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("role %s for %s: %w", role.Name, role.ClientID, ErrRoleExists)
		}
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRole retrieves one role by (client_id, role_name)
func (s *Store) GetRole(ctx context.Context, clientID, name string) (*Role, error) {
	query := selectRoles + ` WHERE client_id = $1 AND role_name = $2`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, clientID, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role %s for %s: %w", name, clientID, ErrRoleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles returns all roles of an app, ordered by name
func (s *Store) ListRoles(ctx context.Context, clientID string) ([]*Role, error) {
	query := selectRoles + ` WHERE client_id = $1 ORDER BY role_name`

	rows, err := s.db.QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetRoles loads the named roles for an app; any missing name is an error
func (s *Store) GetRoles(ctx context.Context, clientID string, names []string) ([]*Role, error) {
	byName := make(map[string]*Role, len(names))
	all, err := s.ListRoles(ctx, clientID)
	if err != nil {
		return nil, err
	}
	for _, role := range all {
		byName[role.Name] = role
	}

	roles := make([]*Role, 0, len(names))
	for _, name := range names {
		role, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("role %s for %s: %w", name, clientID, ErrRoleNotFound)
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// UpdateRole replaces the editable fields of an existing role
func (s *Store) UpdateRole(ctx context.Context, role *Role) error {
	permissionsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}
	deniedJSON, err := json.Marshal(role.DeniedPermissions)
	if err != nil {
		return fmt.Errorf("failed to marshal denied permissions: %w", err)
	}
	rlsJSON, err := json.Marshal(role.RLSFilters)
	if err != nil {
		return fmt.Errorf("failed to marshal rls filters: %w", err)
	}

	query := `
		UPDATE roles
		SET description = $3, permissions = $4, denied_permissions = $5, rls_filters = $6, ad_groups = $7, a2a_only = $8, updated_at = $9
		WHERE client_id = $1 AND role_name = $2
	`

	result, err := s.db.ExecContext(ctx, query,
		role.ClientID, role.Name, role.Description,
		string(permissionsJSON), string(deniedJSON), string(rlsJSON),
		pq.Array(role.ADGroups), role.A2AOnly, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("role %s for %s: %w", role.Name, role.ClientID, ErrRoleNotFound)
	}
	return nil
}

// DeleteRole removes a role and any mappings that point at it
func (s *Store) DeleteRole(ctx context.Context, clientID, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM app_role_mappings WHERE client_id = $1 AND role_name = $2`,
		clientID, name,
	); err != nil {
		return fmt.Errorf("failed to delete role mappings: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM roles WHERE client_id = $1 AND role_name = $2`,
		clientID, name,
	)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("role %s for %s: %w", name, clientID, ErrRoleNotFound)
	}

	return tx.Commit()
}

// ListMappings returns all group-to-role mappings of an app
func (s *Store) ListMappings(ctx context.Context, clientID string) ([]*RoleMapping, error) {
	query := `
		SELECT id, client_id, ad_group, role_name, created_at
		FROM app_role_mappings
		WHERE client_id = $1
		ORDER BY ad_group, role_name
	`

	rows, err := s.db.QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*RoleMapping
	for rows.Next() {
		var m RoleMapping
		if err := rows.Scan(&m.ID, &m.ClientID, &m.ADGroup, &m.RoleName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan role mapping: %w", err)
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

// ReplaceMappings swaps an app's entire mapping set in one transaction
func (s *Store) ReplaceMappings(ctx context.Context, clientID string, mappings []*RoleMapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM app_role_mappings WHERE client_id = $1`, clientID,
	); err != nil {
		return fmt.Errorf("failed to clear role mappings: %w", err)
	}

	now := time.Now().UTC()
	for _, m := range mappings {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO app_role_mappings (client_id, ad_group, role_name, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, clientID, m.ADGroup, m.RoleName, now).Scan(&m.ID)
		if err != nil {
			return fmt.Errorf("failed to insert role mapping: %w", err)
		}
		m.ClientID = clientID
		m.CreatedAt = now
	}

	return tx.Commit()
}

// RolesForGroups returns the role names mapped to any of the given directory
// groups, sorted and deduplicated.
func (s *Store) RolesForGroups(ctx context.Context, clientID string, groups []string) ([]string, error) {
	if len(groups) == 0 {
		return nil, nil
	}

	query := `
		SELECT DISTINCT role_name
		FROM app_role_mappings
		WHERE client_id = $1 AND ad_group = ANY($2)
		ORDER BY role_name
	`

	rows, err := s.db.QueryContext(ctx, query, clientID, pq.Array(groups))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve groups to roles: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan role name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// A2ARoles returns the role names granted to a calling app against a target app
func (s *Store) A2ARoles(ctx context.Context, targetClientID, callerClientID string) ([]string, error) {
	return s.RolesForGroups(ctx, targetClientID, []string{A2AGroupPrefix + callerClientID})
}

const selectRoles = `
	SELECT id, client_id, role_name, description, permissions, denied_permissions, rls_filters, ad_groups, a2a_only, created_at, updated_at
	FROM roles`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner) (*Role, error) {
	var role Role
	var description sql.NullString
	var permissionsJSON, deniedJSON, rlsJSON string
	var adGroups []string

	err := row.Scan(
		&role.ID,
		&role.ClientID,
		&role.Name,
		&description,
		&permissionsJSON,
		&deniedJSON,
		&rlsJSON,
		pq.Array(&adGroups),
		&role.A2AOnly,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	role.Description = description.String
	role.ADGroups = adGroups
	if err := json.Unmarshal([]byte(permissionsJSON), &role.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	if err := json.Unmarshal([]byte(deniedJSON), &role.DeniedPermissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal denied permissions: %w", err)
	}
	if err := json.Unmarshal([]byte(rlsJSON), &role.RLSFilters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rls filters: %w", err)
	}

	return &role, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
