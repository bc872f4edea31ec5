package discovery

import (
	"context"
	"database/sql"
	"fmt"
)

// Store persists discovery runs and versioned permission tree snapshots
// in the discovery_runs and discovered_permissions tables.
type Store struct {
	db *sql.DB
}

// NewStore creates a new discovery store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// LatestRun returns the most recent run for an app, regardless of status
func (s *Store) LatestRun(ctx context.Context, clientID string) (*DiscoveryRun, error) {
	query := `
		SELECT id, client_id, version, fetched_at, status, endpoints_discovered, content_hash, error_type, error_message
		FROM discovery_runs
		WHERE client_id = $1
		ORDER BY version DESC
		LIMIT 1
	`

	var run DiscoveryRun
	var errType, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&run.ID, &run.ClientID, &run.Version, &run.FetchedAt,
		&run.Status, &run.EndpointsDiscovered, &run.ContentHash,
		&errType, &errMsg,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("client_id %s: %w", clientID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	run.ErrorType = FailureType(errType.String)
	run.ErrorMessage = errMsg.String

	return &run, nil
}

// RecordRun stores a run and, for successful runs, its permission tree
// snapshot, in one transaction. Version assignment happens here under the
// transaction so concurrent writers cannot interleave version numbers.
func (s *Store) RecordRun(ctx context.Context, run *DiscoveryRun, tree *PermissionTree) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM discovery_runs WHERE client_id = $1`,
		run.ClientID,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to allocate version: %w", err)
	}
	run.Version = version

	err = tx.QueryRowContext(ctx, `
		INSERT INTO discovery_runs (client_id, version, fetched_at, status, endpoints_discovered, content_hash, error_type, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		run.ClientID, run.Version, run.FetchedAt, run.Status,
		run.EndpointsDiscovered, run.ContentHash,
		nullIfEmpty(string(run.ErrorType)), nullIfEmpty(run.ErrorMessage),
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("failed to insert discovery run: %w", err)
	}

	if tree != nil {
		tree.Version = version
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO discovered_permissions (client_id, version, resource, action, field_path, is_pii, is_phi, is_sensitive, is_financial, is_category)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare snapshot insert: %w", err)
		}
		defer stmt.Close()

		for _, resource := range tree.ResourceNames() {
			node := tree.Resources[resource]
			for action, actionNode := range node.Actions {
				for _, field := range actionNode.Fields {
					if _, err := stmt.ExecContext(ctx,
						tree.ClientID, version, resource, action, field.Path,
						field.Flags.PII, field.Flags.PHI, field.Flags.Sensitive, field.Flags.Financial,
						field.Category,
					); err != nil {
						return fmt.Errorf("failed to insert permission node: %w", err)
					}
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit discovery run: %w", err)
	}
	return nil
}

// ListRuns returns an app's runs, newest first
func (s *Store) ListRuns(ctx context.Context, clientID string, limit int) ([]*DiscoveryRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, client_id, version, fetched_at, status, endpoints_discovered, content_hash, error_type, error_message
		FROM discovery_runs
		WHERE client_id = $1
		ORDER BY version DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*DiscoveryRun
	for rows.Next() {
		var run DiscoveryRun
		var errType, errMsg sql.NullString
		if err := rows.Scan(
			&run.ID, &run.ClientID, &run.Version, &run.FetchedAt,
			&run.Status, &run.EndpointsDiscovered, &run.ContentHash,
			&errType, &errMsg,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.ErrorType = FailureType(errType.String)
		run.ErrorMessage = errMsg.String
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// GetTree loads the permission tree snapshot for (clientID, version)
func (s *Store) GetTree(ctx context.Context, clientID string, version int) (*PermissionTree, error) {
	query := `
		SELECT resource, action, field_path, is_pii, is_phi, is_sensitive, is_financial, is_category
		FROM discovered_permissions
		WHERE client_id = $1 AND version = $2
		ORDER BY resource, action, is_category, field_path
	`

	rows, err := s.db.QueryContext(ctx, query, clientID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to load tree: %w", err)
	}
	defer rows.Close()

	tree := &PermissionTree{
		ClientID:  clientID,
		Version:   version,
		Resources: make(map[string]*ResourceNode),
	}

	found := false
	for rows.Next() {
		found = true
		var resource, action, path string
		var flags FieldFlags
		var category bool
		if err := rows.Scan(&resource, &action, &path, &flags.PII, &flags.PHI, &flags.Sensitive, &flags.Financial, &category); err != nil {
			return nil, fmt.Errorf("failed to scan permission node: %w", err)
		}

		r, ok := tree.Resources[resource]
		if !ok {
			r = &ResourceNode{Actions: make(map[string]*ActionNode)}
			tree.Resources[resource] = r
		}
		a, ok := r.Actions[action]
		if !ok {
			a = &ActionNode{}
			r.Actions[action] = a
		}
		a.Fields = append(a.Fields, FieldDescriptor{Path: path, Flags: flags, Category: category})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("client_id %s version %d: %w", clientID, version, ErrTreeNotFound)
	}

	return tree, nil
}

// LatestTree loads the tree from the newest successful run
func (s *Store) LatestTree(ctx context.Context, clientID string) (*PermissionTree, error) {
	query := `
		SELECT MAX(version) FROM discovery_runs
		WHERE client_id = $1 AND status = 'success'
	`

	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, clientID).Scan(&version); err != nil {
		return nil, fmt.Errorf("failed to find latest tree version: %w", err)
	}
	if !version.Valid {
		return nil, fmt.Errorf("client_id %s: %w", clientID, ErrTreeNotFound)
	}

	return s.GetTree(ctx, clientID, int(version.Int64))
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
