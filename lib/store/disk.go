package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/peterbourgon/diskv"
)

const (
	diskUserPrefix    = "user."
	diskSonosPrefix   = "sonos."
	diskSpotifyPrefix = "spotify."
)

// DiskStore is a storage engine that writes to the disk
type DiskStore struct {
	d *diskv.Diskv
}

// NewDiskStore will instantiate the disk storage
func NewDiskStore() *DiskStore {
	return &DiskStore{
		d: diskv.New(diskv.Options{
			BasePath:     "keystore",
			Transform:    flatTransform,
			CacheSizeMax: 1024 * 1024,
		}),
	}
}

// Ping will check if the connection works right
func (s DiskStore) Ping(ctx context.Context) error {
	return nil
}

func (s DiskStore) writeRecord(key string, record interface{}) {
	b, err := json.Marshal(record)
	if err != nil {
		panic(err)
	}
	if err := s.d.Write(key, b); err != nil {
		panic(err)
	}
}

func (s DiskStore) readRecord(key string, record interface{}) bool {
	b, err := s.d.Read(key)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, record) == nil
}

// CreateUser inserts and returns a fresh user record
func (s DiskStore) CreateUser() User {
	user := NewUser()
	s.writeRecord(diskUserPrefix+user.ID, user)
	return user
}

// GetUser will load a user from disk
func (s DiskStore) GetUser(id string) *User {
	var user User
	if !s.readRecord(diskUserPrefix+id, &user) {
		return nil
	}
	user.ID = id
	return &user
}

// DeleteUser will remove a user from disk
func (s DiskStore) DeleteUser(id string) bool {
	return s.d.Erase(diskUserPrefix+id) == nil
}

// ListUsers returns every user, oldest first
func (s DiskStore) ListUsers() []User {
	users := make([]User, 0)
	for key := range s.d.Keys(nil) {
		if !strings.HasPrefix(key, diskUserPrefix) {
			continue
		}
		user := s.GetUser(strings.TrimPrefix(key, diskUserPrefix))
		if user == nil {
			continue
		}
		users = append(users, *user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Created.Before(users[j].Created)
	})
	return users
}

// WriteSonosSession will write a sonos session record to disk
func (s DiskStore) WriteSonosSession(session SonosSession) {
	s.writeRecord(diskSonosPrefix+session.UserID, session)
}

// GetSonosSession will load a sonos session from disk
func (s DiskStore) GetSonosSession(userID string) *SonosSession {
	var session SonosSession
	if !s.readRecord(diskSonosPrefix+userID, &session) {
		return nil
	}
	session.UserID = userID
	return &session
}

// DeleteSonosSession will remove a sonos session from disk
func (s DiskStore) DeleteSonosSession(userID string) bool {
	return s.d.Erase(diskSonosPrefix+userID) == nil
}

// SonosSessionsByHousehold returns every session linked to the given
// household, oldest record first.
func (s DiskStore) SonosSessionsByHousehold(household string) []SonosSession {
	sessions := make([]SonosSession, 0)
	for key := range s.d.Keys(nil) {
		if !strings.HasPrefix(key, diskSonosPrefix) {
			continue
		}
		session := s.GetSonosSession(strings.TrimPrefix(key, diskSonosPrefix))
		if session == nil || session.Household != household {
			continue
		}
		sessions = append(sessions, *session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Created.Before(sessions[j].Created)
	})
	return sessions
}

// WriteSpotifySession will write a spotify session record to disk
func (s DiskStore) WriteSpotifySession(session SpotifySession) {
	s.writeRecord(diskSpotifyPrefix+session.UserID, session)
}

// GetSpotifySession will load a spotify session from disk
func (s DiskStore) GetSpotifySession(userID string) *SpotifySession {
	var session SpotifySession
	if !s.readRecord(diskSpotifyPrefix+userID, &session) {
		return nil
	}
	session.UserID = userID
	return &session
}

// DeleteSpotifySession will remove a spotify session from disk
func (s DiskStore) DeleteSpotifySession(userID string) bool {
	return s.d.Erase(diskSpotifyPrefix+userID) == nil
}
