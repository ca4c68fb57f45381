package party

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"auxcord/partymode/lib/sonos"
	"auxcord/partymode/lib/spotify"
)

// Device is the slice of the speaker-system controller a party session
// drives. *sonos.Controller satisfies it; tests use fakes.
type Device interface {
	UserID() string
	Household() string
	GroupID() string
	TargetVolume() int
	PartyActive() bool
	SetGroup(groupID string)
	SetTargetVolume(volume int)
	SetPartyActive(active bool)

	ResolveGroup(ctx context.Context) error
	CachedGroups() []sonos.Group
	IsPlaying(ctx context.Context) (bool, error)
	EnsureMusicPlaying(ctx context.Context) error
	PausePlayback(ctx context.Context) error
	SkipSong(ctx context.Context) error
	EnsureVolume(ctx context.Context, target int, checkFirst bool) error
	EnsureCurrentSettings(ctx context.Context) error
	EnsurePlaylistInFavorites(ctx context.Context, playlistID string, forceRefresh bool) (*sonos.Favorite, error)
	QueueFavoriteNext(ctx context.Context, favoriteID string) error
	RefreshCaches(ctx context.Context) error
	CacheMetadata(event *sonos.Event)
	PlaybackMetadata(ctx context.Context) (*sonos.Event, error)
	SubscribeToPlayback(ctx context.Context) error
	SubscribeToPlaybackMetadata(ctx context.Context) error
}

// Streamer is the slice of the streaming-service account a session drives.
// *spotify.Account satisfies it.
type Streamer interface {
	EnsurePartyPlaylist(ctx context.Context) (string, error)
	ClearPlaylist(ctx context.Context, playlistID string) error
	AddTrack(ctx context.Context, playlistID, uri string) error
	RemoveTrack(ctx context.Context, playlistID, uri string) error
	PlaylistTracks(ctx context.Context, playlistID string) ([]spotify.Track, error)
	Track(ctx context.Context, id string) (spotify.Track, error)
	Search(ctx context.Context, query string, limit int) ([]spotify.Track, error)
	CacheTrack(track spotify.Track)
}

// Session is one host's running party: their device, their streaming
// account and the guest queue between them.
type Session struct {
	UserID   string
	Device   Device
	Streamer Streamer
	Queue    *Queue

	// advanceMu serializes hand-offs; the queue's in-flight flag decides
	// whether one should happen, this decides one at a time.
	advanceMu sync.Mutex

	mu            sync.Mutex
	currentItemID string
}

func NewSession(userID string, device Device, streamer Streamer) *Session {
	return &Session{
		UserID:   userID,
		Device:   device,
		Streamer: streamer,
		Queue:    NewQueue(),
	}
}

// Advance hands the next queued track to the speakers through the buffer
// playlist. Returns false with no error when the queue is empty, which
// also releases the in-flight flag. On error the flag stays set so the
// next track-change event retries.
func (s *Session) Advance(ctx context.Context) (bool, error) {
	s.advanceMu.Lock()
	defer s.advanceMu.Unlock()

	playlistID, err := s.Streamer.EnsurePartyPlaylist(ctx)
	if err != nil {
		return false, err
	}
	if err := s.Streamer.ClearPlaylist(ctx, playlistID); err != nil {
		return false, err
	}

	track, ok := s.Queue.PopForAdvance()
	if !ok {
		slog.Debug("queue drained", "user_id", s.UserID)
		return false, nil
	}
	slog.Info("handing off track", "user_id", s.UserID, "track", track.Name, "track_id", track.ID)

	if err := s.Streamer.AddTrack(ctx, playlistID, track.URI); err != nil {
		return false, err
	}

	favorite, err := s.Device.EnsurePlaylistInFavorites(ctx, playlistID, false)
	if err != nil {
		return false, err
	}
	if favorite == nil {
		favorite, err = s.Device.EnsurePlaylistInFavorites(ctx, playlistID, true)
		if err != nil {
			return false, err
		}
	}
	if favorite == nil {
		return false, fmt.Errorf("buffer playlist %s is not in the household's favorites", playlistID)
	}

	if err := s.Device.QueueFavoriteNext(ctx, favorite.ID); err != nil {
		return false, err
	}

	// The device resolved the favorite when it queued it; the playlist can
	// be emptied again for the next hand-off.
	if err := s.Streamer.RemoveTrack(ctx, playlistID, track.URI); err != nil {
		return false, err
	}

	if err := s.Device.EnsureMusicPlaying(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// SubmitGuestTrack queues a track for the session. When nothing is in
// flight the hand-off happens immediately in the background instead of
// waiting for a track-change event.
func (s *Session) SubmitGuestTrack(ctx context.Context, track spotify.Track) error {
	if !s.Device.PartyActive() {
		return fmt.Errorf("party is not active")
	}
	if err := s.Queue.Enqueue(track); err != nil {
		return err
	}
	slog.Info("guest queued track", "user_id", s.UserID, "track", track.Name, "position", s.Queue.Len())

	if s.Queue.BeginAdvance() {
		go func() {
			if _, err := s.Advance(context.Background()); err != nil {
				slog.Error("immediate hand-off failed", "user_id", s.UserID, "error", err)
			}
		}()
	}
	return nil
}

// CurrentItemID returns the device queue item id last seen for this group.
func (s *Session) CurrentItemID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentItemID
}
