package store

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDiskUserLifecycle(t *testing.T) {
	_ = os.RemoveAll("keystore")
	defer os.RemoveAll("keystore")

	store := NewDiskStore()

	user := store.CreateUser()
	assert.NotEmpty(t, user.ID)

	loaded := store.GetUser(user.ID)
	assert.NotNil(t, loaded)
	assert.Equal(t, user.ID, loaded.ID)

	assert.True(t, store.DeleteUser(user.ID))
	assert.Nil(t, store.GetUser(user.ID))
}

func TestDiskSonosSessionRoundTrip(t *testing.T) {
	_ = os.RemoveAll("keystore")
	defer os.RemoveAll("keystore")

	store := NewDiskStore()

	original := SonosSession{
		UserID:       "id123",
		AccessToken:  "access123",
		RefreshToken: "refresh123",
		ExpiresIn:    86400,
		Household:    "hh-1",
		GroupID:      "group-1",
		Volume:       42,
		PartyActive:  true,
		Created:      time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC),
		Updated:      time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC),
	}
	store.WriteSonosSession(original)

	loaded := store.GetSonosSession("id123")
	assert.NotNil(t, loaded)
	assert.Equal(t, "access123", loaded.AccessToken)
	assert.Equal(t, "group-1", loaded.GroupID)
	assert.Equal(t, 42, loaded.Volume)
	assert.True(t, loaded.PartyActive)

	assert.True(t, store.DeleteSonosSession("id123"))
	assert.Nil(t, store.GetSonosSession("id123"))
}

func TestDiskSessionsByHousehold(t *testing.T) {
	_ = os.RemoveAll("keystore")
	defer os.RemoveAll("keystore")

	store := NewDiskStore()
	base := time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC)

	store.WriteSonosSession(SonosSession{UserID: "younger", Household: "hh-1", Created: base.Add(time.Hour)})
	store.WriteSonosSession(SonosSession{UserID: "older", Household: "hh-1", Created: base})
	store.WriteSonosSession(SonosSession{UserID: "other", Household: "hh-2", Created: base})

	sessions := store.SonosSessionsByHousehold("hh-1")
	assert.Len(t, sessions, 2)
	assert.Equal(t, "older", sessions[0].UserID)
	assert.Equal(t, "younger", sessions[1].UserID)
}

func TestDiskListUsersOldestFirst(t *testing.T) {
	_ = os.RemoveAll("keystore")
	defer os.RemoveAll("keystore")

	store := NewDiskStore()
	base := time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC)

	store.writeRecord(diskUserPrefix+"younger", User{ID: "younger", Created: base.Add(time.Hour)})
	store.writeRecord(diskUserPrefix+"older", User{ID: "older", Created: base})

	users := store.ListUsers()
	assert.Len(t, users, 2)
	assert.Equal(t, "older", users[0].ID)
	assert.Equal(t, "younger", users[1].ID)
}

func TestDiskSpotifySessionRoundTrip(t *testing.T) {
	_ = os.RemoveAll("keystore")
	defer os.RemoveAll("keystore")

	store := NewDiskStore()
	original := SpotifySession{
		UserID:       "id123",
		AccessToken:  "access123",
		RefreshToken: "refresh123",
		Expiry:       time.Date(2026, 2, 26, 12, 0, 0, 0, time.UTC),
		PlaylistID:   "pl-1",
		Updated:      time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC),
	}
	store.WriteSpotifySession(original)

	loaded := store.GetSpotifySession("id123")
	assert.NotNil(t, loaded)
	assert.Equal(t, "pl-1", loaded.PlaylistID)
	assert.Equal(t, "refresh123", loaded.RefreshToken)
}
