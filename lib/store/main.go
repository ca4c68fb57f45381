package store

import "context"

// Store is the interface for all the store types
type Store interface {
	CreateUser() User
	GetUser(id string) *User
	DeleteUser(id string) bool
	ListUsers() []User

	GetSonosSession(userID string) *SonosSession
	WriteSonosSession(session SonosSession)
	DeleteSonosSession(userID string) bool
	SonosSessionsByHousehold(household string) []SonosSession

	GetSpotifySession(userID string) *SpotifySession
	WriteSpotifySession(session SpotifySession)
	DeleteSpotifySession(userID string) bool

	Ping(ctx context.Context) error
}

// Utils
func flatTransform(s string) []string { return []string{} }
