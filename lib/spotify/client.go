package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	spotifyauth "golang.org/x/oauth2/spotify"

	"auxcord/partymode/lib/store"
)

// BufferPlaylistName is the name of the per-host handoff playlist. The host
// sees it in their library, hence the warning.
const BufferPlaylistName = "SonosPartyMode - Don't Delete"

const defaultAPIBase = "https://api.spotify.com/v1"

var scopes = []string{
	"user-read-private",
	"playlist-read-private",
	"playlist-modify-public",
	"playlist-modify-private",
}

// Client holds the app credentials and a process-wide track cache. Per-user
// operations go through Account.
type Client struct {
	cfg     *oauth2.Config
	storage store.Store

	// APIBase is swapped out in tests.
	APIBase string

	mu         sync.Mutex
	trackCache map[string]Track
}

func NewClient(clientID, clientSecret, redirectURL string, storage store.Store) *Client {
	return &Client{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     spotifyauth.Endpoint,
		},
		storage:    storage,
		APIBase:    defaultAPIBase,
		trackCache: make(map[string]Track),
	}
}

// AuthCodeURL builds the consent page URL for the given CSRF state.
func (c *Client) AuthCodeURL(state string) string {
	return c.cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens and persists them. A
// previously created buffer playlist id survives a re-link.
func (c *Client) Exchange(ctx context.Context, userID, code string) error {
	token, err := c.cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("spotify code exchange: %w", err)
	}
	session := store.SpotifySession{
		UserID:       userID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
		Updated:      time.Now(),
	}
	if existing := c.storage.GetSpotifySession(userID); existing != nil {
		session.PlaylistID = existing.PlaylistID
	}
	c.storage.WriteSpotifySession(session)
	return nil
}

// CacheTrack primes the track cache, typically from push metadata that
// already carries the track details.
func (c *Client) CacheTrack(track Track) {
	if track.ID == "" {
		return
	}
	c.mu.Lock()
	c.trackCache[track.ID] = track
	c.mu.Unlock()
}

func (c *Client) cachedTrack(id string) (Track, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	track, ok := c.trackCache[id]
	return track, ok
}

// Account is a per-user handle whose HTTP client refreshes and re-persists
// tokens transparently.
type Account struct {
	client *Client
	userID string
	http   *http.Client
}

// Account builds a handle for the user, or an error when the user never
// linked Spotify.
func (c *Client) Account(ctx context.Context, userID string) (*Account, error) {
	session := c.storage.GetSpotifySession(userID)
	if session == nil {
		return nil, fmt.Errorf("no spotify session for user %s", userID)
	}
	token := &oauth2.Token{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		Expiry:       session.Expiry,
	}
	src := &persistingSource{
		base:    c.cfg.TokenSource(ctx, token),
		storage: c.storage,
		userID:  userID,
		last:    token.AccessToken,
	}
	return &Account{
		client: c,
		userID: userID,
		http:   oauth2.NewClient(ctx, oauth2.ReuseTokenSource(token, src)),
	}, nil
}

// persistingSource writes refreshed tokens back to the store so the next
// process start does not begin from an expired access token.
type persistingSource struct {
	base    oauth2.TokenSource
	storage store.Store
	userID  string

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	changed := token.AccessToken != s.last
	s.last = token.AccessToken
	s.mu.Unlock()
	if changed {
		session := s.storage.GetSpotifySession(s.userID)
		if session != nil {
			session.AccessToken = token.AccessToken
			if token.RefreshToken != "" {
				session.RefreshToken = token.RefreshToken
			}
			session.Expiry = token.Expiry
			session.Updated = time.Now()
			s.storage.WriteSpotifySession(*session)
			slog.Debug("persisted refreshed spotify token", "user_id", s.userID)
		}
	}
	return token, nil
}

func (a *Account) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.client.APIBase+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var parsed errorResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
			return fmt.Errorf("spotify api: %s (%d)", parsed.Error.Message, parsed.Error.Status)
		}
		return fmt.Errorf("spotify api: unexpected status %d", resp.StatusCode)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// CacheTrack primes the shared track cache.
func (a *Account) CacheTrack(track Track) {
	a.client.CacheTrack(track)
}

// Profile fetches the account's Spotify user id.
func (a *Account) Profile(ctx context.Context) (string, error) {
	var profile profileResponse
	if err := a.doRequest(ctx, "GET", "/me", nil, &profile); err != nil {
		return "", err
	}
	return profile.ID, nil
}

// Search runs a track search and flattens the results.
func (a *Account) Search(ctx context.Context, query string, limit int) ([]Track, error) {
	if limit <= 0 {
		limit = 20
	}
	params := url.Values{}
	params.Set("type", "track")
	params.Set("q", query)
	params.Set("limit", fmt.Sprintf("%d", limit))
	var parsed searchResponse
	if err := a.doRequest(ctx, "GET", "/search?"+params.Encode(), nil, &parsed); err != nil {
		return nil, err
	}
	tracks := make([]Track, 0, len(parsed.Tracks.Items))
	for _, item := range parsed.Tracks.Items {
		track := item.flatten()
		a.client.CacheTrack(track)
		tracks = append(tracks, track)
	}
	return tracks, nil
}

// Track resolves a track by id, hitting the API only on cache miss.
func (a *Account) Track(ctx context.Context, id string) (Track, error) {
	if track, ok := a.client.cachedTrack(id); ok {
		return track, nil
	}
	var parsed apiTrack
	if err := a.doRequest(ctx, "GET", "/tracks/"+id, nil, &parsed); err != nil {
		return Track{}, err
	}
	track := parsed.flatten()
	a.client.CacheTrack(track)
	return track, nil
}

// EnsurePartyPlaylist returns the buffer playlist id, creating the playlist
// on first use and persisting its id.
func (a *Account) EnsurePartyPlaylist(ctx context.Context) (string, error) {
	session := a.client.storage.GetSpotifySession(a.userID)
	if session == nil {
		return "", fmt.Errorf("no spotify session for user %s", a.userID)
	}
	if session.PlaylistID != "" {
		return session.PlaylistID, nil
	}

	profileID, err := a.Profile(ctx)
	if err != nil {
		return "", err
	}
	var created playlistResponse
	err = a.doRequest(ctx, "POST", "/users/"+url.PathEscape(profileID)+"/playlists", map[string]interface{}{
		"name":        BufferPlaylistName,
		"public":      false,
		"description": "Hand-off playlist for party mode. Tracks are added and removed automatically.",
	}, &created)
	if err != nil {
		return "", err
	}
	slog.Info("created buffer playlist", "user_id", a.userID, "playlist", created.ID)

	session = a.client.storage.GetSpotifySession(a.userID)
	if session == nil {
		return "", fmt.Errorf("no spotify session for user %s", a.userID)
	}
	session.PlaylistID = created.ID
	session.Updated = time.Now()
	a.client.storage.WriteSpotifySession(*session)
	return created.ID, nil
}

// PlaylistTracks lists the tracks currently on a playlist.
func (a *Account) PlaylistTracks(ctx context.Context, playlistID string) ([]Track, error) {
	var parsed playlistItemsResponse
	if err := a.doRequest(ctx, "GET", "/playlists/"+playlistID+"/tracks?limit=50", nil, &parsed); err != nil {
		return nil, err
	}
	var tracks []Track
	for _, item := range parsed.Items {
		if item.Track == nil {
			continue
		}
		tracks = append(tracks, item.Track.flatten())
	}
	return tracks, nil
}

// AddTrack appends one track to a playlist.
func (a *Account) AddTrack(ctx context.Context, playlistID, uri string) error {
	return a.doRequest(ctx, "POST", "/playlists/"+playlistID+"/tracks", map[string]interface{}{
		"uris": []string{uri},
	}, nil)
}

// RemoveTrack removes every occurrence of a track from a playlist.
func (a *Account) RemoveTrack(ctx context.Context, playlistID, uri string) error {
	return a.doRequest(ctx, "DELETE", "/playlists/"+playlistID+"/tracks", map[string]interface{}{
		"tracks": []map[string]string{{"uri": uri}},
	}, nil)
}

// ClearPlaylist replaces the playlist contents with nothing.
func (a *Account) ClearPlaylist(ctx context.Context, playlistID string) error {
	return a.doRequest(ctx, "PUT", "/playlists/"+playlistID+"/tracks", map[string]interface{}{
		"uris": []string{},
	}, nil)
}
