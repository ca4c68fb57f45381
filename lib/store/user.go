package store

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// User is the root of all per-host state. It is created on the first
// successful Sonos link and deleted on logout or a failed onboarding.
type User struct {
	ID      string
	Created time.Time
}

// uuid returns a random UUIDv4 string.
func uuid() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// extremely unlikely; fall back to timestamp-based hex
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000000000")))
	}
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant 10
	return hex.EncodeToString(b)
}

// NewUser builds a fresh user record. Persistence is up to the store's
// CreateUser implementation.
func NewUser() User {
	return User{
		ID:      uuid(),
		Created: time.Now(),
	}
}
