package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateApp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectExec("INSERT INTO registered_apps").
		WillReturnResult(sqlmock.NewResult(0, 1))

	app := &RegisteredApp{
		Name:              "HR Portal",
		OwnerEmail:        "hr@example.com",
		RedirectURIs:      []string{"https://hr.example.com/callback"},
		AllowDiscovery:    true,
		DiscoveryEndpoint: "https://hr.example.com/.well-known/cids",
	}

	result, err := store.CreateApp(context.Background(), app)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.App.ClientID, "cids_"))
	assert.True(t, strings.HasPrefix(result.ClientSecret, "cids_sec_"))
	assert.True(t, result.App.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateApp_Duplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectExec("INSERT INTO registered_apps").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err = store.CreateApp(context.Background(), &RegisteredApp{Name: "Dup", OwnerEmail: "a@b.c"})
	assert.True(t, errors.Is(err, ErrAppExists))
}

func TestStore_GetApp_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectQuery("SELECT client_id, name, owner_email").
		WithArgs("cids_missing").
		WillReturnRows(sqlmock.NewRows([]string{"client_id"}))

	_, err = store.GetApp(context.Background(), "cids_missing")
	assert.True(t, errors.Is(err, ErrAppNotFound))
}

func TestStore_GetApp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"client_id", "name", "owner_email", "redirect_uris",
		"allow_discovery", "discovery_endpoint", "is_active", "created_at", "updated_at",
	}).AddRow("cids_abc", "HR Portal", "hr@example.com", "{https://hr.example.com/cb}",
		true, "https://hr.example.com/.well-known/cids", true, now, now)

	mock.ExpectQuery("SELECT client_id, name, owner_email").
		WithArgs("cids_abc").
		WillReturnRows(rows)

	app, err := store.GetApp(context.Background(), "cids_abc")
	require.NoError(t, err)
	assert.Equal(t, "HR Portal", app.Name)
	assert.Equal(t, []string{"https://hr.example.com/cb"}, app.RedirectURIs)
	assert.True(t, app.AllowDiscovery)
}

func TestStore_SetActive_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectExec("UPDATE registered_apps SET is_active").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.SetActive(context.Background(), "cids_missing", false)
	assert.True(t, errors.Is(err, ErrAppNotFound))
}
