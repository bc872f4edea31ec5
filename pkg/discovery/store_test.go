package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LatestRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	fetched := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "client_id", "version", "fetched_at", "status", "endpoints_discovered", "content_hash", "error_type", "error_message"}).
		AddRow(int64(7), "cids_abc", 3, fetched, "success", 5, "abc123", nil, nil)
	mock.ExpectQuery("SELECT id, client_id, version").
		WithArgs("cids_abc").
		WillReturnRows(rows)

	run, err := store.LatestRun(context.Background(), "cids_abc")
	require.NoError(t, err)
	assert.Equal(t, 3, run.Version)
	assert.Equal(t, RunStatusSuccess, run.Status)
	assert.Equal(t, "abc123", run.ContentHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LatestRun_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery("SELECT id, client_id, version").
		WithArgs("cids_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = store.LatestRun(context.Background(), "cids_missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestStore_RecordRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	tree := Classify("cids_abc", 0, []RawEndpoint{
		{Resource: "users", Action: "read", Fields: []RawField{{Name: "email", PII: true}}},
	})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) \+ 1`).
		WithArgs("cids_abc").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(4))
	mock.ExpectQuery("INSERT INTO discovery_runs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectPrepare("INSERT INTO discovered_permissions")
	// email plus the synthesized pii category node
	mock.ExpectExec("INSERT INTO discovered_permissions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO discovered_permissions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	run := &DiscoveryRun{
		ClientID:            "cids_abc",
		FetchedAt:           time.Now().UTC(),
		Status:              RunStatusSuccess,
		EndpointsDiscovered: 1,
		ContentHash:         "abc123",
	}
	require.NoError(t, store.RecordRun(context.Background(), run, tree))
	assert.Equal(t, 4, run.Version)
	assert.Equal(t, int64(11), run.ID)
	assert.Equal(t, 4, tree.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RecordRun_FailedRunHasNoTree(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) \+ 1`).
		WithArgs("cids_abc").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO discovery_runs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	run := &DiscoveryRun{
		ClientID:     "cids_abc",
		FetchedAt:    time.Now().UTC(),
		Status:       RunStatusError,
		ErrorType:    FailureTimeout,
		ErrorMessage: "timeout: context deadline exceeded",
	}
	require.NoError(t, store.RecordRun(context.Background(), run, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetTree(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	rows := sqlmock.NewRows([]string{"resource", "action", "field_path", "is_pii", "is_phi", "is_sensitive", "is_financial", "is_category"}).
		AddRow("users", "read", "email", true, false, false, false, false).
		AddRow("users", "read", "pii", true, false, false, false, true)
	mock.ExpectQuery("SELECT resource, action, field_path").
		WithArgs("cids_abc", 2).
		WillReturnRows(rows)

	tree, err := store.GetTree(context.Background(), "cids_abc", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, tree.Version)

	read, ok := tree.Node("users", "read")
	require.True(t, ok)
	assert.Len(t, read.Fields, 2)

	email, ok := read.Field("email")
	require.True(t, ok)
	assert.True(t, email.Flags.PII)
}

func TestStore_GetTree_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery("SELECT resource, action, field_path").
		WithArgs("cids_abc", 9).
		WillReturnRows(sqlmock.NewRows([]string{"resource"}))

	_, err = store.GetTree(context.Background(), "cids_abc", 9)
	assert.True(t, errors.Is(err, ErrTreeNotFound))
}

func TestStore_LatestTree_NoSuccessfulRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery(`SELECT MAX\(version\) FROM discovery_runs`).
		WithArgs("cids_abc").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	_, err = store.LatestTree(context.Background(), "cids_abc")
	assert.True(t, errors.Is(err, ErrTreeNotFound))
}
