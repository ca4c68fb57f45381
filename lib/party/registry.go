package party

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"auxcord/partymode/lib/sonos"
	"auxcord/partymode/lib/spotify"
	"auxcord/partymode/lib/store"
)

// Registry owns every running party session and builds new ones from the
// persisted account links.
type Registry struct {
	storage store.Store
	sonos   *sonos.Client
	spotify *spotify.Client

	mu       sync.Mutex
	sessions map[string]*Session

	// sf collapses duplicate in-flight submissions for the same track.
	sf singleflight.Group
}

func NewRegistry(storage store.Store, sonosClient *sonos.Client, spotifyClient *spotify.Client) *Registry {
	return &Registry{
		storage:  storage,
		sonos:    sonosClient,
		spotify:  spotifyClient,
		sessions: make(map[string]*Session),
	}
}

// build wires a session from persisted state. Both account links must
// exist.
func (r *Registry) build(userID string) (*Session, error) {
	controller, err := sonos.NewController(r.sonos, r.storage, userID)
	if err != nil {
		return nil, err
	}
	account, err := r.spotify.Account(context.Background(), userID)
	if err != nil {
		return nil, err
	}
	return NewSession(userID, controller, account), nil
}

// LoadAll restores sessions for every fully linked user. Called once at
// start; a user whose session cannot be rebuilt is skipped, not fatal.
func (r *Registry) LoadAll(ctx context.Context) {
	users := r.storage.ListUsers()
	restored := 0
	for _, user := range users {
		if r.storage.GetSonosSession(user.ID) == nil || r.storage.GetSpotifySession(user.ID) == nil {
			continue
		}
		session, err := r.build(user.ID)
		if err != nil {
			slog.Warn("could not restore session", "user_id", user.ID, "error", err)
			continue
		}
		r.mu.Lock()
		r.sessions[user.ID] = session
		r.mu.Unlock()
		restored++

		// Push subscriptions may have lapsed while the process was down;
		// re-issue them for parties that were running.
		if session.Device.PartyActive() {
			if err := session.Device.SubscribeToPlayback(ctx); err != nil {
				slog.Warn("playback resubscribe failed", "user_id", user.ID, "error", err)
			}
			if err := session.Device.SubscribeToPlaybackMetadata(ctx); err != nil {
				slog.Warn("metadata resubscribe failed", "user_id", user.ID, "error", err)
			}
		}
	}
	slog.Info("restored sessions", "count", restored, "users", len(users))
}

// Register builds and tracks a session for a freshly linked user,
// replacing any stale one.
func (r *Registry) Register(userID string) (*Session, error) {
	session, err := r.build(userID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[userID] = session
	r.mu.Unlock()
	return session, nil
}

// Get returns the running session for a user, or nil.
func (r *Registry) Get(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID]
}

// Remove drops a user's session, typically on logout.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	delete(r.sessions, userID)
	r.mu.Unlock()
}

// All returns a snapshot of the running sessions.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// ByGroup finds the session whose device points at the given group id.
// Push notifications are addressed by group, not by user.
func (r *Registry) ByGroup(groupID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions {
		if session.Device.GroupID() == groupID {
			return session
		}
	}
	return nil
}

// Submit resolves a track id and queues it for the host. Identical
// submissions in flight at the same time (a guest double-tapping the
// button) collapse through singleflight into a single enqueue.
func (r *Registry) Submit(ctx context.Context, userID, trackID string) error {
	session := r.Get(userID)
	if session == nil {
		return fmt.Errorf("no running party for user %s", userID)
	}
	_, err, _ := r.sf.Do(userID+":"+trackID, func() (interface{}, error) {
		track, err := session.Streamer.Track(ctx, trackID)
		if err != nil {
			return nil, err
		}
		return nil, session.SubmitGuestTrack(ctx, track)
	})
	return err
}
