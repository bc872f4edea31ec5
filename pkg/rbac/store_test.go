package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roleRows() *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "client_id", "role_name", "description", "permissions",
		"denied_permissions", "rls_filters", "ad_groups", "a2a_only",
		"created_at", "updated_at",
	}).AddRow(
		int64(1), "cids_hr", "viewer", "read-only access",
		`["users.read.*"]`, `[]`, `{}`, "{}", false, now, now,
	)
}

func TestStore_CreateRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery("INSERT INTO roles").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))

	role := &Role{
		ClientID:    "cids_hr",
		Name:        "viewer",
		Permissions: []string{"users.read.*"},
	}
	require.NoError(t, store.CreateRole(context.Background(), role))
	assert.Equal(t, int64(5), role.ID)
	assert.False(t, role.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateRole_Duplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery("INSERT INTO roles").
		WillReturnError(&pq.Error{Code: "23505"})

	err = store.CreateRole(context.Background(), &Role{ClientID: "cids_hr", Name: "viewer", Permissions: []string{"users.read.*"}})
	assert.True(t, errors.Is(err, ErrRoleExists))
}

func TestStore_GetRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery("SELECT id, client_id, role_name").
		WithArgs("cids_hr", "viewer").
		WillReturnRows(roleRows())

	role, err := store.GetRole(context.Background(), "cids_hr", "viewer")
	require.NoError(t, err)
	assert.Equal(t, "viewer", role.Name)
	assert.Equal(t, []string{"users.read.*"}, role.Permissions)
	assert.Empty(t, role.DeniedPermissions)
}

func TestStore_GetRole_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery("SELECT id, client_id, role_name").
		WithArgs("cids_hr", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = store.GetRole(context.Background(), "cids_hr", "ghost")
	assert.True(t, errors.Is(err, ErrRoleNotFound))
}

func TestStore_UpdateRole_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectExec("UPDATE roles").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.UpdateRole(context.Background(), &Role{ClientID: "cids_hr", Name: "ghost", Permissions: []string{"x"}})
	assert.True(t, errors.Is(err, ErrRoleNotFound))
}

func TestStore_DeleteRole_RemovesMappings(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM app_role_mappings").
		WithArgs("cids_hr", "viewer").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM roles").
		WithArgs("cids_hr", "viewer").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.DeleteRole(context.Background(), "cids_hr", "viewer"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ReplaceMappings(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM app_role_mappings").
		WithArgs("cids_hr").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO app_role_mappings").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery("INSERT INTO app_role_mappings").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectCommit()

	mappings := []*RoleMapping{
		{ADGroup: "HR-Admins", RoleName: "hr-admin"},
		{ADGroup: "All-Employees", RoleName: "viewer"},
	}
	require.NoError(t, store.ReplaceMappings(context.Background(), "cids_hr", mappings))
	assert.Equal(t, "cids_hr", mappings[0].ClientID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RolesForGroups_EmptyInput(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	names, err := store.RolesForGroups(context.Background(), "cids_hr", nil)
	require.NoError(t, err)
	assert.Nil(t, names)
}
