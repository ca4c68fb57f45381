package store

import "time"

// DefaultVolume is the target volume applied to a freshly linked Sonos
// system until the host picks their own.
const DefaultVolume = 30

// SonosSession holds the persisted half of a host's Sonos link: the token
// pair plus the host's intended playback state. The currently playing item
// id is deliberately not part of this record; it only matters while the
// process is alive.
type SonosSession struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Household    string
	GroupID      string
	Volume       int
	PartyActive  bool
	Created      time.Time
	Updated      time.Time
}

// SpotifySession holds the persisted half of a host's Spotify link. The
// buffer playlist is created lazily, so PlaylistID may be empty.
type SpotifySession struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	PlaylistID   string
	Updated      time.Time
}
