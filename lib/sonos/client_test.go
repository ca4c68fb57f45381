package sonos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"auxcord/partymode/lib/store"
)

// testStore is an in-memory store.Store for the client tests.
type testStore struct {
	users   map[string]store.User
	sonos   map[string]store.SonosSession
	spotify map[string]store.SpotifySession
}

func newTestStore() *testStore {
	return &testStore{
		users:   make(map[string]store.User),
		sonos:   make(map[string]store.SonosSession),
		spotify: make(map[string]store.SpotifySession),
	}
}

func (m *testStore) CreateUser() store.User {
	user := store.NewUser()
	m.users[user.ID] = user
	return user
}

func (m *testStore) GetUser(id string) *store.User {
	if user, ok := m.users[id]; ok {
		return &user
	}
	return nil
}

func (m *testStore) DeleteUser(id string) bool {
	delete(m.users, id)
	return true
}

func (m *testStore) ListUsers() []store.User {
	users := make([]store.User, 0, len(m.users))
	for _, user := range m.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Created.Before(users[j].Created) })
	return users
}

func (m *testStore) GetSonosSession(userID string) *store.SonosSession {
	if session, ok := m.sonos[userID]; ok {
		return &session
	}
	return nil
}

func (m *testStore) WriteSonosSession(session store.SonosSession) {
	m.sonos[session.UserID] = session
}

func (m *testStore) DeleteSonosSession(userID string) bool {
	delete(m.sonos, userID)
	return true
}

func (m *testStore) SonosSessionsByHousehold(household string) []store.SonosSession {
	sessions := make([]store.SonosSession, 0)
	for _, session := range m.sonos {
		if session.Household == household {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Created.Before(sessions[j].Created) })
	return sessions
}

func (m *testStore) GetSpotifySession(userID string) *store.SpotifySession {
	if session, ok := m.spotify[userID]; ok {
		return &session
	}
	return nil
}

func (m *testStore) WriteSpotifySession(session store.SpotifySession) {
	m.spotify[session.UserID] = session
}

func (m *testStore) DeleteSpotifySession(userID string) bool {
	delete(m.spotify, userID)
	return true
}

func (m *testStore) Ping(ctx context.Context) error { return nil }

func seedSession(m *testStore, userID, access, refresh string) {
	m.sonos[userID] = store.SonosSession{
		UserID:       userID,
		AccessToken:  access,
		RefreshToken: refresh,
		Household:    "hh-1",
		GroupID:      "group-1",
		Volume:       30,
		PartyActive:  true,
		Created:      time.Now(),
		Updated:      time.Now(),
	}
}

func faultBody(errorcode string) string {
	return fmt.Sprintf(`{"fault":{"faultstring":"boom","detail":{"errorcode":"%s"}}}`, errorcode)
}

func TestExchangePersistsSession(t *testing.T) {
	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "code-1", r.Form.Get("code"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		fmt.Fprint(w, `{"access_token":"access-1","refresh_token":"refresh-1","expires_in":86400}`)
	}))
	defer login.Close()

	storage := newTestStore()
	client := New("key", "secret", storage)
	client.LoginURL = login.URL

	session, err := client.Exchange(context.Background(), "user-1", "code-1", "https://example.com/sonos/authorized")
	assert.NoError(t, err)
	assert.Equal(t, "access-1", session.AccessToken)
	assert.Equal(t, store.DefaultVolume, session.Volume)

	persisted := storage.GetSonosSession("user-1")
	assert.NotNil(t, persisted)
	assert.Equal(t, "refresh-1", persisted.RefreshToken)
}

func TestExchangeProviderError(t *testing.T) {
	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer login.Close()

	client := New("key", "secret", newTestStore())
	client.LoginURL = login.URL

	_, err := client.Exchange(context.Background(), "user-1", "bad-code", "https://example.com/sonos/authorized")
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Equal(t, "invalid_grant", authErr.Reason)
}

func TestRequestRefreshesExpiredTokenOnce(t *testing.T) {
	var controlCalls, refreshCalls int32

	control := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&controlCalls, 1)
		if r.Header.Get("Authorization") == "Bearer fresh" {
			fmt.Fprint(w, `{"playbackState":"PLAYBACK_STATE_PLAYING"}`)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, faultBody("keymanagement.service.access_token_expired"))
	}))
	defer control.Close()

	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
		fmt.Fprint(w, `{"access_token":"fresh","refresh_token":"refresh-1","expires_in":86400}`)
	}))
	defer login.Close()

	storage := newTestStore()
	seedSession(storage, "user-1", "stale", "refresh-1")
	client := New("key", "secret", storage)
	client.LoginURL = login.URL
	client.ControlURL = control.URL

	raw, err := client.Request(context.Background(), "user-1", "GET", "groups/group-1/playback", nil)
	assert.NoError(t, err)

	var parsed map[string]string
	assert.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, "PLAYBACK_STATE_PLAYING", parsed["playbackState"])

	assert.EqualValues(t, 2, atomic.LoadInt32(&controlCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&refreshCalls))
	// Only the access token is replaced in the stored record.
	persisted := storage.GetSonosSession("user-1")
	assert.Equal(t, "fresh", persisted.AccessToken)
	assert.Equal(t, "refresh-1", persisted.RefreshToken)
	assert.True(t, persisted.PartyActive)
}

func TestRequestNoSecondRefresh(t *testing.T) {
	var controlCalls int32
	control := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&controlCalls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, faultBody("keymanagement.service.invalid_access_token"))
	}))
	defer control.Close()

	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"still-bad","refresh_token":"refresh-1","expires_in":86400}`)
	}))
	defer login.Close()

	storage := newTestStore()
	seedSession(storage, "user-1", "stale", "refresh-1")
	client := New("key", "secret", storage)
	client.LoginURL = login.URL
	client.ControlURL = control.URL

	_, err := client.Request(context.Background(), "user-1", "GET", "households", nil)
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.EqualValues(t, 2, atomic.LoadInt32(&controlCalls))
}

func TestRefreshCollapsesConcurrentCallers(t *testing.T) {
	var refreshCalls int32
	release := make(chan struct{})
	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		<-release
		fmt.Fprint(w, `{"access_token":"fresh","refresh_token":"refresh-1","expires_in":86400}`)
	}))
	defer login.Close()

	storage := newTestStore()
	seedSession(storage, "user-1", "stale", "refresh-1")
	client := New("key", "secret", storage)
	client.LoginURL = login.URL

	// Four callers pile up while the first refresh is still in flight.
	var wg sync.WaitGroup
	tokens := make([]string, 4)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := client.Refresh(context.Background(), "user-1")
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&refreshCalls))
	for _, token := range tokens {
		assert.Equal(t, "fresh", token)
	}
}

func TestRequestRefreshFailureIsAuthError(t *testing.T) {
	control := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, faultBody("keymanagement.service.access_token_expired"))
	}))
	defer control.Close()

	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer login.Close()

	storage := newTestStore()
	seedSession(storage, "user-1", "stale", "revoked")
	client := New("key", "secret", storage)
	client.LoginURL = login.URL
	client.ControlURL = control.URL

	_, err := client.Request(context.Background(), "user-1", "GET", "households", nil)
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestRequestDeviceFault(t *testing.T) {
	control := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		fmt.Fprint(w, faultBody("ERROR_RESOURCE_GONE"))
	}))
	defer control.Close()

	storage := newTestStore()
	seedSession(storage, "user-1", "access", "refresh")
	client := New("key", "secret", storage)
	client.ControlURL = control.URL

	_, err := client.Request(context.Background(), "user-1", "GET", "groups/group-x/playback", nil)
	var apiErr *DeviceApiError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "ERROR_RESOURCE_GONE", apiErr.Errorcode)

	var authErr *AuthError
	assert.False(t, errors.As(err, &authErr))
}

func TestRequestUnknownUser(t *testing.T) {
	client := New("key", "secret", newTestStore())
	_, err := client.Request(context.Background(), "nobody", "GET", "households", nil)
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}
