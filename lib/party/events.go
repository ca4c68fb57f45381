package party

import (
	"context"
	"log/slog"
	"strings"

	"auxcord/partymode/lib/sonos"
	"auxcord/partymode/lib/spotify"
)

// HandleEvent processes one push notification for this session. Events are
// delivered at least once and in no guaranteed order, so everything here
// has to be idempotent: a redelivered track change must not advance the
// queue twice.
func (s *Session) HandleEvent(ctx context.Context, event *sonos.Event) {
	if !s.Device.PartyActive() {
		return
	}

	if event.Container != nil || event.CurrentItem != nil {
		s.Device.CacheMetadata(event)
		if track, ok := trackFromEvent(event.CurrentItem); ok {
			s.Streamer.CacheTrack(track)
		}
	}

	if event.PlaybackState != "" && !sonos.IsPlayingState(event.PlaybackState) {
		slog.Info("playback stopped, resuming", "user_id", s.UserID, "state", event.PlaybackState)
		if err := s.Device.EnsureMusicPlaying(ctx); err != nil {
			slog.Error("resume failed", "user_id", s.UserID, "error", err)
		}
	}

	if event.ItemID == "" {
		return
	}

	s.mu.Lock()
	advance := s.currentItemID != "" &&
		event.ItemID != s.currentItemID &&
		event.PreviousItemID == s.currentItemID
	// Resync unconditionally: a dropped push must not leave the tracked
	// item id stale, or no later completion would ever match. Updating
	// before advancing keeps redeliveries of this event inert.
	s.currentItemID = event.ItemID
	s.mu.Unlock()

	if !advance || !s.Queue.InFlight() {
		return
	}
	if _, err := s.Advance(ctx); err != nil {
		slog.Error("hand-off after track change failed", "user_id", s.UserID, "error", err)
	}
}

// trackFromEvent builds a cacheable track from push metadata, saving an API
// round trip when the same track shows up on the dashboard.
func trackFromEvent(item *sonos.EventItem) (spotify.Track, bool) {
	if item == nil || item.Track == nil || item.Track.ID == nil {
		return spotify.Track{}, false
	}
	id := spotifyTrackID(item.Track.ID.ObjectID)
	if id == "" {
		return spotify.Track{}, false
	}
	track := spotify.Track{
		ID:         id,
		URI:        "spotify:track:" + id,
		Name:       item.Track.Name,
		ImageURL:   item.Track.ImageURL,
		DurationMS: item.Track.DurationMillis,
	}
	if item.Track.Artist != nil {
		track.Artists = []string{item.Track.Artist.Name}
	}
	if item.Track.Album != nil {
		track.AlbumName = item.Track.Album.Name
	}
	return track, true
}

// spotifyTrackID extracts the bare track id from a Sonos object id such as
// "spotify:track:4uLU6hMC".
func spotifyTrackID(objectID string) string {
	if objectID == "" {
		return ""
	}
	parts := strings.Split(objectID, ":")
	return parts[len(parts)-1]
}
