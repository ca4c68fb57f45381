package sonos

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"auxcord/partymode/lib/store"
)

const (
	playbackStatePlaying   = "PLAYBACK_STATE_PLAYING"
	playbackStateBuffering = "PLAYBACK_STATE_BUFFERING"
)

// IsPlayingState reports whether a playbackState value counts as actively
// playing (buffering is about to play, so it counts too).
func IsPlayingState(state string) bool {
	return state == playbackStatePlaying || state == playbackStateBuffering
}

// Controller is the single point of contact with one host's Sonos system.
// It mirrors the group topology and favorites, keeps the selected group id
// valid and re-asserts the host's intended settings on demand.
type Controller struct {
	client  *Client
	storage store.Store

	mu              sync.Mutex
	session         *store.SonosSession
	groupsCached    []Group
	favoritesCached []Favorite
	metadataCached  *Event
}

// NewController loads the persisted session for the user and wraps it. The
// session record must already exist.
func NewController(client *Client, storage store.Store, userID string) (*Controller, error) {
	session := storage.GetSonosSession(userID)
	if session == nil {
		return nil, &AuthError{Reason: "no session for user " + userID}
	}
	return &Controller{
		client:  client,
		storage: storage,
		session: session,
	}, nil
}

// UserID returns the owning user's id.
func (c *Controller) UserID() string {
	return c.session.UserID
}

// Household returns the resolved household id.
func (c *Controller) Household() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Household
}

// GroupID returns the currently selected group id.
func (c *Controller) GroupID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.GroupID
}

// TargetVolume returns the host's intended volume.
func (c *Controller) TargetVolume() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Volume
}

// PartyActive reports whether the host has the party switched on.
func (c *Controller) PartyActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.PartyActive
}

// persist applies a mutation on a freshly loaded copy of the session record
// and writes the whole record back. The in-memory copy may be stale when a
// concurrent path refreshed tokens, so mutating the stored record directly
// would clobber those writes.
func (c *Controller) persist(mutate func(*store.SonosSession)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.storage.GetSonosSession(c.session.UserID)
	if current == nil {
		current = c.session
	}
	mutate(current)
	c.storage.WriteSonosSession(*current)
	c.session = current
}

// SetHousehold persists the resolved household id.
func (c *Controller) SetHousehold(household string) {
	c.persist(func(s *store.SonosSession) { s.Household = household })
}

// SetGroup persists a host-selected group id.
func (c *Controller) SetGroup(groupID string) {
	c.persist(func(s *store.SonosSession) { s.GroupID = groupID })
}

// SetTargetVolume persists the host's intended volume.
func (c *Controller) SetTargetVolume(volume int) {
	c.persist(func(s *store.SonosSession) { s.Volume = volume })
}

// SetPartyActive persists the party switch.
func (c *Controller) SetPartyActive(active bool) {
	c.persist(func(s *store.SonosSession) { s.PartyActive = active })
}

// PrimaryHousehold fetches the account's households and returns the first
// one, or "" when the account has no Sonos system attached.
func (c *Controller) PrimaryHousehold(ctx context.Context) (string, error) {
	raw, err := c.client.Request(ctx, c.UserID(), "GET", "households", nil)
	if err != nil {
		return "", err
	}
	var parsed householdsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Households) == 0 {
		return "", nil
	}
	return parsed.Households[0].ID, nil
}

// Groups fetches the live group list for the household.
func (c *Controller) Groups(ctx context.Context) ([]Group, error) {
	raw, err := c.client.Request(ctx, c.UserID(), "GET", fmt.Sprintf("households/%s/groups", c.Household()), nil)
	if err != nil {
		return nil, err
	}
	var parsed groupsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	return parsed.Groups, nil
}

// CachedGroups returns the topology snapshot from the last cache refresh.
func (c *Controller) CachedGroups() []Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupsCached
}

// ResolveGroup makes sure the selected group id is a member of the live
// group list. When it is not (speakers re-grouped, group dissolved), the
// group with the most speakers is selected and persisted.
func (c *Controller) ResolveGroup(ctx context.Context) error {
	groups, err := c.Groups(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.groupsCached = groups
	selected := c.session.GroupID
	c.mu.Unlock()

	for _, group := range groups {
		if group.ID == selected {
			return nil
		}
	}
	if len(groups) == 0 {
		return &DeviceApiError{Faultstring: "household has no groups"}
	}

	// Stable sort keeps first-encountered order among equal-sized groups.
	fallback := make([]Group, len(groups))
	copy(fallback, groups)
	sort.SliceStable(fallback, func(i, j int) bool {
		return len(fallback[i].PlayerIDs) > len(fallback[j].PlayerIDs)
	})
	chosen := fallback[0].ID
	slog.Info("selected group no longer exists, falling back",
		"user_id", c.UserID(),
		"previous", selected,
		"group", chosen,
	)
	c.SetGroup(chosen)
	return nil
}

// PlaybackStatus reads the group's current playbackState value.
func (c *Controller) PlaybackStatus(ctx context.Context) (string, error) {
	raw, err := c.client.Request(ctx, c.UserID(), "GET", fmt.Sprintf("groups/%s/playback", c.GroupID()), nil)
	if err != nil {
		return "", err
	}
	var parsed playbackResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	return parsed.PlaybackState, nil
}

// IsPlaying reports whether the group is playing or buffering.
func (c *Controller) IsPlaying(ctx context.Context) (bool, error) {
	state, err := c.PlaybackStatus(ctx)
	if err != nil {
		return false, err
	}
	return IsPlayingState(state), nil
}

// EnsureMusicPlaying issues a play command unless music is already playing.
func (c *Controller) EnsureMusicPlaying(ctx context.Context) error {
	playing, err := c.IsPlaying(ctx)
	if err != nil {
		return err
	}
	if playing {
		return nil
	}
	return c.PlayMusic(ctx)
}

// PlayMusic resumes playback on the selected group.
func (c *Controller) PlayMusic(ctx context.Context) error {
	slog.Info("resuming playback", "user_id", c.UserID(), "group", c.GroupID())
	_, err := c.client.Request(ctx, c.UserID(), "POST", fmt.Sprintf("groups/%s/playback/play", c.GroupID()), nil)
	return err
}

// PausePlayback pauses the selected group, but only when it is playing.
func (c *Controller) PausePlayback(ctx context.Context) error {
	playing, err := c.IsPlaying(ctx)
	if err != nil {
		return err
	}
	if !playing {
		return nil
	}
	slog.Info("pausing playback", "user_id", c.UserID(), "group", c.GroupID())
	_, err = c.client.Request(ctx, c.UserID(), "POST", fmt.Sprintf("groups/%s/playback/pause", c.GroupID()), nil)
	return err
}

// SkipSong skips to the next track unconditionally.
func (c *Controller) SkipSong(ctx context.Context) error {
	slog.Info("skipping song", "user_id", c.UserID(), "group", c.GroupID())
	_, err := c.client.Request(ctx, c.UserID(), "POST", fmt.Sprintf("groups/%s/playback/skipToNextTrack", c.GroupID()), nil)
	return err
}

// GetVolume reads the group's current volume and mute state.
func (c *Controller) GetVolume(ctx context.Context) (*GroupVolume, error) {
	raw, err := c.client.Request(ctx, c.UserID(), "GET", fmt.Sprintf("groups/%s/groupVolume", c.GroupID()), nil)
	if err != nil {
		return nil, err
	}
	var parsed GroupVolume
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// EnsureVolume drives the group volume to the target. With checkFirst the
// write is skipped when the volume already matches and the group is
// unmuted; host-initiated changes pass checkFirst=false so the write always
// lands. Any volume write is followed by an unmute.
func (c *Controller) EnsureVolume(ctx context.Context, target int, checkFirst bool) error {
	if checkFirst {
		current, err := c.GetVolume(ctx)
		if err != nil {
			return err
		}
		if current.Volume == target && !current.Muted {
			return nil
		}
	}
	_, err := c.client.Request(ctx, c.UserID(), "POST", fmt.Sprintf("groups/%s/groupVolume", c.GroupID()), map[string]int{"volume": target})
	if err != nil {
		return err
	}
	return c.UnmuteSpeakers(ctx)
}

// UnmuteSpeakers unmutes the whole group. There is no reliable way to ask
// whether any single speaker in a group is muted, so this is issued blindly
// on a cadence instead of conditionally.
func (c *Controller) UnmuteSpeakers(ctx context.Context) error {
	_, err := c.client.Request(ctx, c.UserID(), "POST", fmt.Sprintf("groups/%s/groupVolume/mute", c.GroupID()), map[string]bool{"muted": false})
	return err
}

// EnsureCurrentSettings re-asserts the host's intent: target volume, music
// playing, speakers unmuted. It does nothing while the party is off.
func (c *Controller) EnsureCurrentSettings(ctx context.Context) error {
	if !c.PartyActive() {
		return nil
	}
	if err := c.EnsureVolume(ctx, c.TargetVolume(), true); err != nil {
		return err
	}
	if err := c.EnsureMusicPlaying(ctx); err != nil {
		return err
	}
	return c.UnmuteSpeakers(ctx)
}

// Favorites fetches the household's favorites list.
func (c *Controller) Favorites(ctx context.Context) ([]Favorite, error) {
	raw, err := c.client.Request(ctx, c.UserID(), "GET", fmt.Sprintf("households/%s/favorites", c.Household()), nil)
	if err != nil {
		return nil, err
	}
	var parsed favoritesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	return parsed.Items, nil
}

// EnsurePlaylistInFavorites looks for a favorite pointing at the given
// Spotify playlist. Returns nil when the host has not added it yet. The
// cached snapshot is used unless forceRefresh is set or no snapshot exists.
func (c *Controller) EnsurePlaylistInFavorites(ctx context.Context, playlistID string, forceRefresh bool) (*Favorite, error) {
	c.mu.Lock()
	favorites := c.favoritesCached
	c.mu.Unlock()

	if forceRefresh || favorites == nil {
		fetched, err := c.Favorites(ctx)
		if err != nil {
			return nil, err
		}
		favorites = fetched
		c.mu.Lock()
		c.favoritesCached = fetched
		c.mu.Unlock()
	}

	for i := range favorites {
		fav := &favorites[i]
		if fav.Service.Name == "Spotify" &&
			fav.Resource.Type == "PLAYLIST" &&
			strings.Contains(fav.Resource.ID.ObjectID, playlistID) {
			return fav, nil
		}
	}
	return nil, nil
}

// QueueFavoriteNext inserts the favorite directly after the currently
// playing item in the group's queue.
func (c *Controller) QueueFavoriteNext(ctx context.Context, favoriteID string) error {
	slog.Info("queueing favorite", "user_id", c.UserID(), "group", c.GroupID(), "favorite", favoriteID)
	_, err := c.client.Request(ctx, c.UserID(), "POST", fmt.Sprintf("groups/%s/favorites", c.GroupID()), map[string]interface{}{
		"favoriteId":       favoriteID,
		"action":           "INSERT_NEXT",
		"playOnCompletion": true,
	})
	return err
}

// RefreshCaches re-fetches the topology and favorites snapshots. Called on
// a slow cadence to bound their staleness.
func (c *Controller) RefreshCaches(ctx context.Context) error {
	groups, err := c.Groups(ctx)
	if err != nil {
		return err
	}
	favorites, err := c.Favorites(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.groupsCached = groups
	c.favoritesCached = favorites
	c.mu.Unlock()
	return nil
}

// SubscribeToPlayback asks the cloud to push playback events for the group.
// Callers re-issue it whenever the selected group changes.
func (c *Controller) SubscribeToPlayback(ctx context.Context) error {
	_, err := c.client.Request(ctx, c.UserID(), "POST", fmt.Sprintf("groups/%s/playback/subscription", c.GroupID()), nil)
	return err
}

// SubscribeToPlaybackMetadata asks for playbackMetadata events too.
func (c *Controller) SubscribeToPlaybackMetadata(ctx context.Context) error {
	_, err := c.client.Request(ctx, c.UserID(), "POST", fmt.Sprintf("groups/%s/playbackMetadata/subscription", c.GroupID()), nil)
	return err
}

// CacheMetadata stores the latest playbackMetadata event for dashboard use.
func (c *Controller) CacheMetadata(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadataCached = event
}

// PlaybackMetadata returns the pushed metadata snapshot when one exists,
// falling back to an explicit fetch before the first push arrives.
func (c *Controller) PlaybackMetadata(ctx context.Context) (*Event, error) {
	c.mu.Lock()
	cached := c.metadataCached
	c.mu.Unlock()
	if cached != nil && cached.CurrentObjectID() != "" {
		return cached, nil
	}

	raw, err := c.client.Request(ctx, c.UserID(), "GET", fmt.Sprintf("groups/%s/playbackMetadata", c.GroupID()), nil)
	if err != nil {
		return nil, err
	}
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
