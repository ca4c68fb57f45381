package party

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"auxcord/partymode/lib/sonos"
	"auxcord/partymode/lib/spotify"
)

type fakeDevice struct {
	mu sync.Mutex

	groupID     string
	partyActive bool
	volume      int
	favorite    *sonos.Favorite
	missOnce    bool

	queued        []string
	playCalls     int
	pauseCalls    int
	favoriteCalls int
	metadata      *sonos.Event
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		groupID:     "group-1",
		partyActive: true,
		volume:      30,
		favorite:    &sonos.Favorite{ID: "fav-1"},
	}
}

func (d *fakeDevice) UserID() string               { return "user-1" }
func (d *fakeDevice) Household() string            { return "hh-1" }
func (d *fakeDevice) GroupID() string              { return d.groupID }
func (d *fakeDevice) TargetVolume() int            { return d.volume }
func (d *fakeDevice) PartyActive() bool            { return d.partyActive }
func (d *fakeDevice) SetGroup(g string)            { d.groupID = g }
func (d *fakeDevice) SetTargetVolume(v int)        { d.volume = v }
func (d *fakeDevice) SetPartyActive(active bool)   { d.partyActive = active }
func (d *fakeDevice) CachedGroups() []sonos.Group  { return nil }
func (d *fakeDevice) ResolveGroup(context.Context) error { return nil }
func (d *fakeDevice) IsPlaying(context.Context) (bool, error) {
	return true, nil
}
func (d *fakeDevice) EnsureMusicPlaying(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playCalls++
	return nil
}
func (d *fakeDevice) PausePlayback(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pauseCalls++
	return nil
}
func (d *fakeDevice) SkipSong(context.Context) error                    { return nil }
func (d *fakeDevice) EnsureVolume(context.Context, int, bool) error     { return nil }
func (d *fakeDevice) EnsureCurrentSettings(context.Context) error       { return nil }
func (d *fakeDevice) RefreshCaches(context.Context) error               { return nil }
func (d *fakeDevice) SubscribeToPlayback(context.Context) error         { return nil }
func (d *fakeDevice) SubscribeToPlaybackMetadata(context.Context) error { return nil }

func (d *fakeDevice) EnsurePlaylistInFavorites(_ context.Context, playlistID string, forceRefresh bool) (*sonos.Favorite, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.favoriteCalls++
	if d.missOnce && !forceRefresh {
		return nil, nil
	}
	return d.favorite, nil
}

func (d *fakeDevice) QueueFavoriteNext(_ context.Context, favoriteID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queued = append(d.queued, favoriteID)
	return nil
}

func (d *fakeDevice) CacheMetadata(event *sonos.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metadata = event
}

func (d *fakeDevice) PlaybackMetadata(context.Context) (*sonos.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metadata, nil
}

func (d *fakeDevice) queuedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queued)
}

type fakeStreamer struct {
	mu sync.Mutex

	playlistID string
	playlist   []string
	clears     int
	adds       []string
	removes    []string
	tracks     map[string]spotify.Track
	addErr     error
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{
		playlistID: "pl-1",
		tracks:     make(map[string]spotify.Track),
	}
}

func (s *fakeStreamer) EnsurePartyPlaylist(context.Context) (string, error) {
	return s.playlistID, nil
}

func (s *fakeStreamer) ClearPlaylist(_ context.Context, playlistID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	s.playlist = nil
	return nil
}

func (s *fakeStreamer) AddTrack(_ context.Context, playlistID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.playlist = append(s.playlist, uri)
	s.adds = append(s.adds, uri)
	return nil
}

func (s *fakeStreamer) RemoveTrack(_ context.Context, playlistID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes = append(s.removes, uri)
	for i, queued := range s.playlist {
		if queued == uri {
			s.playlist = append(s.playlist[:i], s.playlist[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeStreamer) PlaylistTracks(context.Context, string) ([]spotify.Track, error) {
	return nil, nil
}

func (s *fakeStreamer) Track(_ context.Context, id string) (spotify.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if track, ok := s.tracks[id]; ok {
		return track, nil
	}
	return spotify.Track{}, fmt.Errorf("unknown track %s", id)
}

func (s *fakeStreamer) Search(context.Context, string, int) ([]spotify.Track, error) {
	return nil, nil
}

func (s *fakeStreamer) CacheTrack(track spotify.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[track.ID] = track
}

func TestAdvanceHandsOffOneTrack(t *testing.T) {
	device := newFakeDevice()
	streamer := newFakeStreamer()
	session := NewSession("user-1", device, streamer)

	assert.NoError(t, session.Queue.Enqueue(track("a", "First")))
	assert.NoError(t, session.Queue.Enqueue(track("b", "Second")))
	assert.True(t, session.Queue.BeginAdvance())

	advanced, err := session.Advance(context.Background())
	assert.NoError(t, err)
	assert.True(t, advanced)

	// One track on the playlist at a time, removed after queueing.
	assert.Equal(t, []string{"spotify:track:a"}, streamer.adds)
	assert.Equal(t, []string{"spotify:track:a"}, streamer.removes)
	assert.Empty(t, streamer.playlist)
	assert.Equal(t, []string{"fav-1"}, device.queued)
	assert.Equal(t, 1, session.Queue.Len())
	assert.True(t, session.Queue.InFlight())
}

func TestAdvanceEmptyQueueReleasesClaim(t *testing.T) {
	device := newFakeDevice()
	streamer := newFakeStreamer()
	session := NewSession("user-1", device, streamer)

	assert.True(t, session.Queue.BeginAdvance())
	advanced, err := session.Advance(context.Background())
	assert.NoError(t, err)
	assert.False(t, advanced)
	assert.False(t, session.Queue.InFlight())
	assert.Empty(t, device.queued)
}

func TestAdvanceRetriesFavoriteLookup(t *testing.T) {
	device := newFakeDevice()
	device.missOnce = true
	streamer := newFakeStreamer()
	session := NewSession("user-1", device, streamer)

	assert.NoError(t, session.Queue.Enqueue(track("a", "First")))
	assert.True(t, session.Queue.BeginAdvance())

	advanced, err := session.Advance(context.Background())
	assert.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, 2, device.favoriteCalls)
}

func TestAdvanceFailsWithoutFavorite(t *testing.T) {
	device := newFakeDevice()
	device.favorite = nil
	streamer := newFakeStreamer()
	session := NewSession("user-1", device, streamer)

	assert.NoError(t, session.Queue.Enqueue(track("a", "First")))
	assert.True(t, session.Queue.BeginAdvance())

	_, err := session.Advance(context.Background())
	assert.Error(t, err)
	// Claim stays; the next track change retries the hand-off.
	assert.True(t, session.Queue.InFlight())
}

func TestSubmitGuestTrackImmediateHandoff(t *testing.T) {
	device := newFakeDevice()
	streamer := newFakeStreamer()
	session := NewSession("user-1", device, streamer)

	assert.NoError(t, session.SubmitGuestTrack(context.Background(), track("a", "First")))

	assert.Eventually(t, func() bool {
		return device.queuedCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSubmitGuestTrackInactiveParty(t *testing.T) {
	device := newFakeDevice()
	device.partyActive = false
	streamer := newFakeStreamer()
	session := NewSession("user-1", device, streamer)

	assert.Error(t, session.SubmitGuestTrack(context.Background(), track("a", "First")))
	assert.Equal(t, 0, session.Queue.Len())
}
