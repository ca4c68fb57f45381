package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"auxcord/partymode/lib/config"
	"auxcord/partymode/lib/logging"
	"auxcord/partymode/lib/party"
	"auxcord/partymode/lib/sonos"
	"auxcord/partymode/lib/spotify"
	"auxcord/partymode/lib/store"

	"github.com/etherlabsio/healthcheck"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

var (
	version string
	commit  string
	date    string

	cfg        *config.Config
	storage    store.Store
	sonosSrv   *sonos.Client
	spotifySrv *spotify.Client
	registry   *party.Registry
	trustProxy bool = true
)

const hostCookieName = "auxcord_user"

type authState struct {
	UserID  string
	Created time.Time
}

// authStateStore holds one-shot OAuth state tokens for the browser round
// trips. Tokens expire after 15 minutes and are consumed on first use.
type authStateStore struct {
	mu     sync.Mutex
	states map[string]authState
}

func newAuthStateStore() *authStateStore {
	return &authStateStore{states: make(map[string]authState)}
}

func (s *authStateStore) Create(state authState) string {
	if state.Created.IsZero() {
		state.Created = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var token string
	for {
		token = generateStateToken()
		if _, exists := s.states[token]; !exists {
			s.states[token] = state
			break
		}
	}
	return token
}

func (s *authStateStore) Consume(token string) (authState, bool) {
	if token == "" {
		return authState{}, false
	}
	s.mu.Lock()
	state, ok := s.states[token]
	if ok {
		delete(s.states, token)
	}
	s.mu.Unlock()
	if !ok {
		return authState{}, false
	}
	if time.Since(state.Created) > 15*time.Minute {
		return authState{}, false
	}
	return state, true
}

var authStates = newAuthStateStore()

func generateStateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// SelfRoot determines our external root URL (scheme://host[:port]) taking
// trusted proxy headers into account when TRUST_PROXY is enabled. HOST_URL
// wins when configured so redirect URIs stay stable behind any proxy.
func SelfRoot(r *http.Request) string {
	if cfg != nil && cfg.HostURL != "" {
		return cfg.HostURL
	}

	firstForwardVal := func(raw string) string {
		if raw == "" {
			return ""
		}
		return strings.TrimSpace(strings.Split(raw, ",")[0])
	}

	scheme := strings.TrimSpace(r.URL.Scheme)
	host := strings.TrimSpace(r.Host)

	if trustProxy {
		if xfHost := firstForwardVal(r.Header.Get("X-Forwarded-Host")); xfHost != "" {
			host = xfHost
		}
		if scheme == "" {
			if xfProto := firstForwardVal(r.Header.Get("X-Forwarded-Proto")); xfProto != "" {
				scheme = strings.ToLower(xfProto)
			}
		}
	}

	if scheme == "" && r.TLS != nil {
		scheme = "https"
	}
	if scheme == "" {
		scheme = "http"
	}
	if host == "" && r.URL.Host != "" {
		host = r.URL.Host
	}
	if host == "" {
		host = "localhost"
	}

	u := &url.URL{Scheme: scheme, Host: host}
	return u.String()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func hostFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(hostCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func setHostCookie(w http.ResponseWriter, userID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     hostCookieName,
		Value:    userID,
		Path:     "/",
		MaxAge:   60 * 60 * 24 * 365,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearHostCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   hostCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
}

// index describes the service and where to start onboarding. Page
// rendering lives in the frontend; this surface is JSON only.
func index(w http.ResponseWriter, r *http.Request) {
	root := SelfRoot(r)
	payload := map[string]interface{}{
		"service":   "auxcord partymode",
		"login_url": root + "/auth/sonos",
	}
	if userID := hostFromCookie(r); userID != "" && storage.GetUser(userID) != nil {
		payload["user_id"] = userID
		payload["dashboard_url"] = root + "/party.json"
	}
	writeJSON(w, http.StatusOK, payload)
}

// authSonos starts onboarding by sending the host to the Sonos consent
// page. The user record is created on the way back.
func authSonos(w http.ResponseWriter, r *http.Request) {
	token := authStates.Create(authState{})
	target := sonosSrv.AuthCodeURL(SelfRoot(r)+"/sonos/authorized", token)
	http.Redirect(w, r, target, http.StatusFound)
}

// sonosAuthorized handles the Sonos OAuth callback: exchange the code,
// resolve the household, merge duplicate onboardings and move on to the
// Spotify leg when the account is not fully linked yet.
func sonosAuthorized(w http.ResponseWriter, r *http.Request) {
	args := r.URL.Query()
	if _, ok := authStates.Consume(strings.TrimSpace(args.Get("state"))); !ok {
		slog.Warn("sonos callback with invalid state")
		http.Redirect(w, r, "/?result=expired", http.StatusFound)
		return
	}
	code := strings.TrimSpace(args.Get("code"))
	if code == "" {
		slog.Info("sonos authorization cancelled")
		http.Redirect(w, r, "/?result=cancelled", http.StatusFound)
		return
	}

	user := storage.CreateUser()
	redirectURI := SelfRoot(r) + "/sonos/authorized"
	if _, err := sonosSrv.Exchange(r.Context(), user.ID, code, redirectURI); err != nil {
		slog.Error("sonos code exchange failed", "user_id", user.ID, "error", err)
		storage.DeleteUser(user.ID)
		http.Redirect(w, r, "/?result=error", http.StatusFound)
		return
	}

	controller, err := sonos.NewController(sonosSrv, storage, user.ID)
	if err != nil {
		storage.DeleteUser(user.ID)
		http.Redirect(w, r, "/?result=error", http.StatusFound)
		return
	}
	household, err := controller.PrimaryHousehold(r.Context())
	if err != nil || household == "" {
		slog.Error("no household for new user", "user_id", user.ID, "error", err)
		storage.DeleteSonosSession(user.ID)
		storage.DeleteUser(user.ID)
		http.Redirect(w, r, "/?result=no_household", http.StatusFound)
		return
	}
	controller.SetHousehold(household)

	userID := party.MergeOnboarding(storage, user.ID)
	setHostCookie(w, userID)
	slog.Info("sonos linked", "user_id", userID, "household", household)

	if storage.GetSpotifySession(userID) != nil {
		if _, err := registry.Register(userID); err != nil {
			slog.Error("session rebuild failed", "user_id", userID, "error", err)
		}
		http.Redirect(w, r, "/?result=linked", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/auth/spotify", http.StatusFound)
}

// authSpotify starts the Spotify leg for the host identified by cookie.
func authSpotify(w http.ResponseWriter, r *http.Request) {
	userID := hostFromCookie(r)
	if userID == "" || storage.GetSonosSession(userID) == nil {
		http.Redirect(w, r, "/auth/sonos", http.StatusFound)
		return
	}
	token := authStates.Create(authState{UserID: userID})
	http.Redirect(w, r, spotifySrv.AuthCodeURL(token), http.StatusFound)
}

// spotifyCallback finishes linking: exchange the code, resolve the group,
// subscribe to push events and start the party session.
func spotifyCallback(w http.ResponseWriter, r *http.Request) {
	args := r.URL.Query()
	state, ok := authStates.Consume(strings.TrimSpace(args.Get("state")))
	if !ok || state.UserID == "" {
		slog.Warn("spotify callback with invalid state")
		http.Redirect(w, r, "/?result=expired", http.StatusFound)
		return
	}
	code := strings.TrimSpace(args.Get("code"))
	if code == "" {
		slog.Info("spotify authorization cancelled", "user_id", state.UserID)
		http.Redirect(w, r, "/?result=cancelled", http.StatusFound)
		return
	}

	if err := spotifySrv.Exchange(r.Context(), state.UserID, code); err != nil {
		slog.Error("spotify code exchange failed", "user_id", state.UserID, "error", err)
		http.Redirect(w, r, "/?result=error", http.StatusFound)
		return
	}

	session, err := registry.Register(state.UserID)
	if err != nil {
		slog.Error("session start failed", "user_id", state.UserID, "error", err)
		http.Redirect(w, r, "/?result=error", http.StatusFound)
		return
	}
	if err := session.Device.ResolveGroup(r.Context()); err != nil {
		slog.Warn("group resolve at onboarding failed", "user_id", state.UserID, "error", err)
	}
	if err := session.Device.SubscribeToPlayback(r.Context()); err != nil {
		slog.Warn("playback subscription failed", "user_id", state.UserID, "error", err)
	}
	if err := session.Device.SubscribeToPlaybackMetadata(r.Context()); err != nil {
		slog.Warn("metadata subscription failed", "user_id", state.UserID, "error", err)
	}

	slog.Info("fully linked", "user_id", state.UserID)
	http.Redirect(w, r, "/?result=linked", http.StatusFound)
}

// pushCallback receives Sonos push notifications. The cloud expects a fast
// ack and redelivers on anything else, so the body is handed to a goroutine
// and 200 goes out immediately.
func pushCallback(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.Header.Get(sonos.TargetHeader))
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	if target == "" {
		return
	}

	go func() {
		event, err := sonos.ParseEvent(body)
		if err != nil {
			slog.Warn("unparseable push notification", "target", target, "error", err)
			return
		}
		session := registry.ByGroup(target)
		if session == nil {
			slog.Debug("push for unknown group", "target", target)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		session.HandleEvent(ctx, event)
	}()
}

type trackView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	ImageURL   string `json:"imageUrl"`
	DurationMS int    `json:"durationMs"`
}

func viewOfTrack(t spotify.Track) trackView {
	return trackView{
		ID:         t.ID,
		Name:       t.Name,
		Artist:     t.ArtistLine(),
		Album:      t.AlbumName,
		ImageURL:   t.ImageURL,
		DurationMS: t.DurationMS,
	}
}

func viewOfEvent(event *sonos.Event) *trackView {
	if event == nil || event.CurrentItem == nil || event.CurrentItem.Track == nil {
		return nil
	}
	track := event.CurrentItem.Track
	view := &trackView{Name: track.Name, ImageURL: track.ImageURL, DurationMS: track.DurationMillis}
	if track.Artist != nil {
		view.Artist = track.Artist.Name
	}
	if track.Album != nil {
		view.Album = track.Album.Name
	}
	if track.ID != nil {
		view.ID = track.ID.ObjectID
	}
	return view
}

type groupView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Speakers int    `json:"speakers"`
}

// partyData is the host dashboard: topology, settings and the guest queue.
func partyData(w http.ResponseWriter, r *http.Request) {
	userID := hostFromCookie(r)
	session := registry.Get(userID)
	if session == nil {
		writeJSONError(w, http.StatusNotFound, "no running party; finish linking first")
		return
	}

	groups := make([]groupView, 0)
	for _, group := range session.Device.CachedGroups() {
		groups = append(groups, groupView{ID: group.ID, Name: group.Name, Speakers: len(group.PlayerIDs)})
	}
	queue := make([]trackView, 0)
	for _, track := range session.Queue.Pending() {
		queue = append(queue, viewOfTrack(track))
	}
	history := make([]trackView, 0)
	for _, track := range session.Queue.History() {
		history = append(history, viewOfTrack(track))
	}

	var nowPlaying *trackView
	if metadata, err := session.Device.PlaybackMetadata(r.Context()); err == nil {
		nowPlaying = viewOfEvent(metadata)
	}
	var current *trackView
	if track, ok := session.Queue.Current(); ok {
		view := viewOfTrack(track)
		current = &view
	}

	guestURL := ""
	if spotifySession := storage.GetSpotifySession(userID); spotifySession != nil && spotifySession.PlaylistID != "" {
		guestURL = fmt.Sprintf("%s/p/%s/%s", SelfRoot(r), userID, spotifySession.PlaylistID)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"party_active": session.Device.PartyActive(),
		"group_id":     session.Device.GroupID(),
		"volume":       session.Device.TargetVolume(),
		"groups":       groups,
		"queue":        queue,
		"history":      history,
		"current":      current,
		"now_playing":  nowPlaying,
		"guest_url":    guestURL,
	})
}

// hostUpdate applies dashboard changes: volume, party switch, group choice
// and manual skip. Several can arrive in one request.
func hostUpdate(w http.ResponseWriter, r *http.Request) {
	userID := hostFromCookie(r)
	session := registry.Get(userID)
	if session == nil {
		writeJSONError(w, http.StatusNotFound, "no running party")
		return
	}

	var payload struct {
		Volume      *int    `json:"volume"`
		PartyActive *bool   `json:"party_active"`
		GroupID     *string `json:"group_id"`
		Skip        bool    `json:"skip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	device := session.Device
	ctx := r.Context()

	if payload.GroupID != nil && *payload.GroupID != "" && *payload.GroupID != device.GroupID() {
		// Quiet the old group before moving the party elsewhere.
		if err := device.PausePlayback(ctx); err != nil {
			slog.Warn("pause before group change failed", "user_id", userID, "error", err)
		}
		device.SetGroup(*payload.GroupID)
		slog.Info("group changed", "user_id", userID, "group", *payload.GroupID)
		if device.PartyActive() {
			if err := device.SubscribeToPlayback(ctx); err != nil {
				slog.Warn("resubscribe failed", "user_id", userID, "error", err)
			}
			if err := device.SubscribeToPlaybackMetadata(ctx); err != nil {
				slog.Warn("resubscribe failed", "user_id", userID, "error", err)
			}
			// Pick up playback on the new group right away rather than
			// waiting for the next reconciliation tick.
			if err := device.EnsureMusicPlaying(ctx); err != nil {
				slog.Warn("play after group change failed", "user_id", userID, "error", err)
			}
		}
	}

	if payload.Volume != nil {
		device.SetTargetVolume(*payload.Volume)
		// Host turned the knob; write unconditionally.
		if err := device.EnsureVolume(ctx, *payload.Volume, false); err != nil {
			logDeviceError(w, userID, "volume", err)
			return
		}
	}

	if payload.PartyActive != nil && *payload.PartyActive != device.PartyActive() {
		device.SetPartyActive(*payload.PartyActive)
		slog.Info("party toggled", "user_id", userID, "active", *payload.PartyActive)
		if *payload.PartyActive {
			if err := device.ResolveGroup(ctx); err != nil {
				logDeviceError(w, userID, "group resolve", err)
				return
			}
			if err := device.SubscribeToPlayback(ctx); err != nil {
				slog.Warn("playback subscription failed", "user_id", userID, "error", err)
			}
			if err := device.SubscribeToPlaybackMetadata(ctx); err != nil {
				slog.Warn("metadata subscription failed", "user_id", userID, "error", err)
			}
			if err := device.EnsureCurrentSettings(ctx); err != nil {
				slog.Warn("initial settings failed", "user_id", userID, "error", err)
			}
		} else {
			if err := device.PausePlayback(ctx); err != nil {
				slog.Warn("pause on party stop failed", "user_id", userID, "error", err)
			}
		}
	}

	if payload.Skip {
		if err := device.SkipSong(ctx); err != nil {
			logDeviceError(w, userID, "skip", err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func logDeviceError(w http.ResponseWriter, userID, stage string, err error) {
	var authErr *sonos.AuthError
	if errors.As(err, &authErr) {
		slog.Warn("device auth failed", "user_id", userID, "stage", stage, "reason", authErr.Reason)
		writeJSONError(w, http.StatusUnauthorized, "speaker authorization expired; re-link your Sonos account")
		return
	}
	slog.Error("device call failed", "user_id", userID, "stage", stage, "error", err)
	writeJSONError(w, http.StatusBadGateway, "speaker system rejected the command")
}

// guestSession validates the guest URL pair: the playlist id doubles as the
// bearer secret for the party.
func guestSession(r *http.Request) *party.Session {
	vars := mux.Vars(r)
	userID := vars["userID"]
	playlistID := vars["playlistID"]
	if userID == "" || playlistID == "" {
		return nil
	}
	spotifySession := storage.GetSpotifySession(userID)
	if spotifySession == nil || spotifySession.PlaylistID != playlistID {
		return nil
	}
	return registry.Get(userID)
}

// guestQueue returns the party state a guest is allowed to see.
func guestQueue(w http.ResponseWriter, r *http.Request) {
	session := guestSession(r)
	if session == nil {
		writeJSONError(w, http.StatusNotFound, "party not found")
		return
	}
	queue := make([]trackView, 0)
	for _, track := range session.Queue.Pending() {
		queue = append(queue, viewOfTrack(track))
	}
	var nowPlaying *trackView
	if metadata, err := session.Device.PlaybackMetadata(r.Context()); err == nil {
		nowPlaying = viewOfEvent(metadata)
	}
	var current *trackView
	if track, ok := session.Queue.Current(); ok {
		view := viewOfTrack(track)
		current = &view
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"party_active": session.Device.PartyActive(),
		"queue":        queue,
		"current":      current,
		"now_playing":  nowPlaying,
	})
}

// guestSubmit queues one track for the party.
func guestSubmit(w http.ResponseWriter, r *http.Request) {
	session := guestSession(r)
	if session == nil {
		writeJSONError(w, http.StatusNotFound, "party not found")
		return
	}
	songID := strings.TrimSpace(mux.Vars(r)["songID"])
	if songID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing song id")
		return
	}
	if err := registry.Submit(r.Context(), session.UserID, songID); err != nil {
		switch {
		case errors.Is(err, party.ErrDuplicateSubmission):
			writeJSONError(w, http.StatusConflict, "that track is already queued")
		default:
			slog.Error("guest submission failed", "user_id", session.UserID, "song_id", songID, "error", err)
			writeJSONError(w, http.StatusBadGateway, "could not queue the track")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":   "success",
		"position": session.Queue.Len(),
	})
}

// guestSearch proxies a track search through the host's Spotify account.
func guestSearch(w http.ResponseWriter, r *http.Request) {
	session := guestSession(r)
	if session == nil {
		writeJSONError(w, http.StatusNotFound, "party not found")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("song_name"))
	if query == "" {
		writeJSONError(w, http.StatusBadRequest, "missing song_name")
		return
	}
	tracks, err := session.Streamer.Search(r.Context(), query, 20)
	if err != nil {
		slog.Error("guest search failed", "user_id", session.UserID, "error", err)
		writeJSONError(w, http.StatusBadGateway, "search failed")
		return
	}
	results := make([]trackView, 0, len(tracks))
	for _, track := range tracks {
		results = append(results, viewOfTrack(track))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// logout tears the party down and deletes every record for the host.
func logout(w http.ResponseWriter, r *http.Request) {
	userID := hostFromCookie(r)
	if userID == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	if session := registry.Get(userID); session != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		if err := session.Device.PausePlayback(ctx); err != nil {
			slog.Warn("pause on logout failed", "user_id", userID, "error", err)
		}
		cancel()
	}
	registry.Remove(userID)
	storage.DeleteSonosSession(userID)
	storage.DeleteSpotifySession(userID)
	storage.DeleteUser(userID)
	clearHostCookie(w)
	slog.Info("logged out", "user_id", userID)
	http.Redirect(w, r, "/", http.StatusFound)
}

func allowedHostsHandler(allowedHostnames string) func(http.Handler) http.Handler {
	raw := strings.ToLower(allowedHostnames)
	parts := strings.Split(raw, ",")
	allowedHosts := make([]string, 0, len(parts))
	allowedBare := make([]string, 0, len(parts))
	for _, p := range parts {
		h := strings.TrimSpace(p)
		if h == "" {
			continue
		}
		h = strings.TrimPrefix(strings.TrimPrefix(h, "https://"), "http://")
		if idx := strings.Index(h, "/"); idx != -1 {
			h = h[:idx]
		}
		allowedHosts = append(allowedHosts, h)
		if _, _, err := net.SplitHostPort(h); err != nil {
			allowedBare = append(allowedBare, h)
		}
	}
	slog.Info("allowed hostnames", "hosts", allowedHosts)
	return func(h http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			// Push notifications and probes arrive addressed however the
			// cloud pleases; never lock those out.
			if r.URL.EscapedPath() == "/healthcheck" || r.URL.EscapedPath() == "/callback" {
				h.ServeHTTP(w, r)
				return
			}
			isAllowedHost := false
			lcHost := strings.ToLower(strings.TrimSpace(r.Host))
			for _, value := range allowedHosts {
				if lcHost == value {
					isAllowedHost = true
					break
				}
			}
			if !isAllowedHost && len(allowedBare) > 0 {
				reqHostOnly := lcHost
				if host, _, err := net.SplitHostPort(lcHost); err == nil {
					reqHostOnly = host
				} else if idx := strings.LastIndex(lcHost, ":"); idx != -1 && !strings.Contains(lcHost[idx+1:], ":") {
					reqHostOnly = lcHost[:idx]
				}
				for _, base := range allowedBare {
					if reqHostOnly == base {
						isAllowedHost = true
						break
					}
				}
			}
			if !isAllowedHost {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprintf(w, "Oh no!")
				return
			}
			h.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

func healthcheckHandler() http.Handler {
	return healthcheck.Handler(
		healthcheck.WithTimeout(5*time.Second),
		healthcheck.WithChecker("storage", healthcheck.CheckerFunc(func(ctx context.Context) error {
			return storage.Ping(ctx)
		})),
	)
}

func main() {
	logging.Init()

	var err error
	cfg, err = config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	trustProxy = cfg.TrustProxy

	slog.Info("starting", "version", version, "commit", commit, "date", date)
	if os.Getenv("POSTGRESQL_URL") != "" {
		storage = store.NewPostgresqlStore(store.NewPostgresqlClient(os.Getenv("POSTGRESQL_URL")))
		slog.Info("using postgres storage")
	} else if os.Getenv("REDIS_URL") != "" {
		storage = store.NewRedisStore(store.NewRedisClientWithUrl(os.Getenv("REDIS_URL")))
		slog.Info("using redis storage")
	} else if os.Getenv("REDIS_URI") != "" {
		storage = store.NewRedisStore(store.NewRedisClient(os.Getenv("REDIS_URI"), os.Getenv("REDIS_PASSWORD")))
		slog.Info("using redis storage")
	} else {
		storage = store.NewDiskStore()
		slog.Info("using disk storage")
	}

	sonosSrv = sonos.New(cfg.SonosKey, cfg.SonosSecret, storage)
	spotifySrv = spotify.NewClient(cfg.SpotifyClientID, cfg.SpotifyClientSecret, cfg.HostURL+"/auth/spotify/callback", storage)
	registry = party.NewRegistry(storage, sonosSrv, spotifySrv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.LoadAll(ctx)
	go registry.RunSettingsLoop(ctx)
	go registry.RunCacheLoop(ctx)

	router := mux.NewRouter()
	// Assumption: behind a proper web server (nginx/traefik, etc) that
	// removes/replaces trusted headers
	router.Use(recoveryMiddleware)
	router.Use(requestLoggerMiddleware())
	if trustProxy {
		router.Use(handlers.ProxyHeaders)
	}
	if os.Getenv("ALLOWED_HOSTNAMES") != "" {
		router.Use(allowedHostsHandler(os.Getenv("ALLOWED_HOSTNAMES")))
	}

	router.HandleFunc("/auth/sonos", authSonos).Methods("GET")
	router.HandleFunc("/sonos/authorized", sonosAuthorized).Methods("GET")
	router.HandleFunc("/auth/spotify", authSpotify).Methods("GET")
	router.HandleFunc("/auth/spotify/callback", spotifyCallback).Methods("GET")
	router.HandleFunc("/callback", pushCallback).Methods("POST")
	router.HandleFunc("/party.json", partyData).Methods("GET")
	router.HandleFunc("/party/host/update", hostUpdate).Methods("POST")
	router.HandleFunc("/p/{userID}/{playlistID}", guestQueue).Methods("GET")
	router.HandleFunc("/p/{userID}/{playlistID}/{songID}", guestSubmit).Methods("POST")
	router.HandleFunc("/spotify/search/{userID}/{playlistID}", guestSearch).Methods("GET")
	router.HandleFunc("/logout", logout).Methods("GET")
	router.Handle("/healthcheck", healthcheckHandler()).Methods("GET")
	router.HandleFunc("/", index).Methods("GET")

	server := &http.Server{Addr: cfg.Listen, Handler: router}
	go func() {
		slog.Info("server starting", "listen", cfg.Listen, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server exited", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	slog.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

// requestLoggerMiddleware logs method, path, status, and duration for each request.
func requestLoggerMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sr := &statusRecorder{ResponseWriter: w, status: 200}
			start := time.Now()
			next.ServeHTTP(sr, r)
			duration := time.Since(start)
			slog.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sr.status,
				"duration_ms", duration.Milliseconds(),
				"remote", r.RemoteAddr,
			)
		})
	}
}

// statusRecorder captures HTTP status codes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// recoveryMiddleware logs panics and prevents server crashes by returning 500.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "error", rec, "stack", string(debug.Stack()))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
