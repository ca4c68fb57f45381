package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestPostgresqlLoadingSonosSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	created := time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(
		"SELECT access, refresh, expires_in, household, group_id, volume, party_active, created, updated FROM sonos_sessions WHERE user_id=.*",
	).WithArgs(
		"id123",
	).WillReturnRows(
		sqlmock.NewRows([]string{"access", "refresh", "expires_in", "household", "group_id", "volume", "party_active", "created", "updated"}).
			AddRow("access123", "refresh123", 86400, "hh-1", "group-1", 42, true, created, updated),
	)

	store := NewPostgresqlStore(db)

	expected, _ := json.Marshal(&SonosSession{
		UserID:       "id123",
		AccessToken:  "access123",
		RefreshToken: "refresh123",
		ExpiresIn:    86400,
		Household:    "hh-1",
		GroupID:      "group-1",
		Volume:       42,
		PartyActive:  true,
		Created:      created,
		Updated:      updated,
	})
	actual, _ := json.Marshal(store.GetSonosSession("id123"))

	assert.EqualValues(t, string(expected), string(actual))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresqlMissingSonosSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT access, refresh").WithArgs("nobody").WillReturnRows(
		sqlmock.NewRows([]string{"access", "refresh", "expires_in", "household", "group_id", "volume", "party_active", "created", "updated"}),
	)

	store := NewPostgresqlStore(db)
	assert.Nil(t, store.GetSonosSession("nobody"))
}

func TestPostgresqlSavingSonosSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	session := SonosSession{
		UserID:       "id123",
		AccessToken:  "access123",
		RefreshToken: "refresh123",
		ExpiresIn:    86400,
		Household:    "hh-1",
		GroupID:      "group-1",
		Volume:       30,
		PartyActive:  false,
		Created:      time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC),
		Updated:      time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC),
	}
	mock.ExpectExec("INSERT INTO sonos_sessions").WithArgs(
		session.UserID,
		session.AccessToken,
		session.RefreshToken,
		session.ExpiresIn,
		session.Household,
		session.GroupID,
		session.Volume,
		session.PartyActive,
		session.Created,
		session.Updated,
	).WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewPostgresqlStore(db)
	store.WriteSonosSession(session)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresqlSessionsByHousehold(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	base := time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT user_id, access, refresh, expires_in, household, group_id, volume, party_active, created, updated FROM sonos_sessions WHERE household=.*").
		WithArgs("hh-1").
		WillReturnRows(
			sqlmock.NewRows([]string{"user_id", "access", "refresh", "expires_in", "household", "group_id", "volume", "party_active", "created", "updated"}).
				AddRow("older", "a1", "r1", 0, "hh-1", "", 30, false, base, base).
				AddRow("younger", "a2", "r2", 0, "hh-1", "", 30, false, base.Add(time.Hour), base.Add(time.Hour)),
		)

	store := NewPostgresqlStore(db)
	sessions := store.SonosSessionsByHousehold("hh-1")

	assert.Len(t, sessions, 2)
	assert.Equal(t, "older", sessions[0].UserID)
	assert.Equal(t, "younger", sessions[1].UserID)
}

func TestPostgresqlSpotifySessionRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	session := SpotifySession{
		UserID:       "id123",
		AccessToken:  "access123",
		RefreshToken: "refresh123",
		Expiry:       time.Date(2026, 2, 26, 12, 0, 0, 0, time.UTC),
		PlaylistID:   "pl-1",
		Updated:      time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC),
	}
	mock.ExpectExec("INSERT INTO spotify_sessions").WithArgs(
		session.UserID,
		session.AccessToken,
		session.RefreshToken,
		session.Expiry,
		session.PlaylistID,
		session.Updated,
	).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT access, refresh, expiry, playlist_id, updated FROM spotify_sessions WHERE user_id=.*").
		WithArgs("id123").
		WillReturnRows(
			sqlmock.NewRows([]string{"access", "refresh", "expiry", "playlist_id", "updated"}).
				AddRow(session.AccessToken, session.RefreshToken, session.Expiry, session.PlaylistID, session.Updated),
		)

	store := NewPostgresqlStore(db)
	store.WriteSpotifySession(session)

	expected, _ := json.Marshal(&session)
	actual, _ := json.Marshal(store.GetSpotifySession("id123"))
	assert.EqualValues(t, string(expected), string(actual))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresqlDeleteUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM users").WithArgs("id123").WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresqlStore(db)
	assert.True(t, store.DeleteUser("id123"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
