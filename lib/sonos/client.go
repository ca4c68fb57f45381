package sonos

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"auxcord/partymode/lib/store"
)

const (
	defaultAuthorizeURL = "https://api.sonos.com/login/v3/oauth"
	defaultLoginURL     = "https://api.sonos.com/login/v3/oauth/access"
	defaultControlURL   = "https://api.ws.sonos.com/control/api/v1"

	errcodeInvalidToken = "keymanagement.service.invalid_access_token"
	errcodeExpiredToken = "keymanagement.service.access_token_expired"
)

// Client talks to the Sonos cloud APIs. It owns the credential pair and the
// token lifecycle; the per-host Controller layers group and playback
// operations on top of it.
type Client struct {
	key        string
	secret     string
	storage    store.Store
	httpClient *http.Client

	// refreshGroup collapses concurrent refreshes for the same user into
	// one token POST. The background loops and host actions can all hit
	// an expired token on the same tick.
	refreshGroup singleflight.Group

	// Overridable for tests.
	LoginURL   string
	ControlURL string
}

// New creates a Sonos API client.
func New(key, secret string, storage store.Store) *Client {
	return &Client{
		key:        key,
		secret:     secret,
		storage:    storage,
		httpClient: &http.Client{Timeout: time.Second * 10},
		LoginURL:   defaultLoginURL,
		ControlURL: defaultControlURL,
	}
}

// AuthCodeURL builds the consent page URL the host's browser is sent to.
func (c *Client) AuthCodeURL(redirectURI, state string) string {
	params := url.Values{}
	params.Set("client_id", c.key)
	params.Set("response_type", "code")
	params.Set("scope", "playback-control-all")
	params.Set("state", state)
	params.Set("redirect_uri", redirectURI)
	return defaultAuthorizeURL + "?" + params.Encode()
}

func (c *Client) basicAuth() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.key+":"+c.secret))
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept-Charset", "UTF-8")
	req.Header.Set("Authorization", c.basicAuth())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("sonos token endpoint returned http %d with unreadable body", resp.StatusCode)
	}
	if parsed.Error != "" {
		return nil, &AuthError{Reason: parsed.Error}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{Reason: fmt.Sprintf("token endpoint returned http %d", resp.StatusCode)}
	}
	if parsed.AccessToken == "" || parsed.RefreshToken == "" {
		return nil, &AuthError{Reason: "token response missing tokens"}
	}
	return &parsed, nil
}

// Exchange trades an authorization code for a token pair and persists a new
// session record for the user. redirectURI has to match the one used for
// the browser round trip exactly.
func (c *Client) Exchange(ctx context.Context, userID, code, redirectURI string) (*store.SonosSession, error) {
	parsed, err := c.tokenRequest(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := store.SonosSession{
		UserID:       userID,
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresIn:    parsed.ExpiresIn,
		Volume:       store.DefaultVolume,
		Created:      now,
		Updated:      now,
	}
	c.storage.WriteSonosSession(session)
	return &session, nil
}

// Refresh trades the stored refresh token for a new access token. Only the
// access token is replaced in the persisted record; the current record is
// re-read first since another path may have refreshed concurrently, and
// concurrent callers share a single token POST per user.
func (c *Client) Refresh(ctx context.Context, userID string) (string, error) {
	token, err, _ := c.refreshGroup.Do(userID, func() (interface{}, error) {
		return c.refresh(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (c *Client) refresh(ctx context.Context, userID string) (string, error) {
	session := c.storage.GetSonosSession(userID)
	if session == nil {
		return "", &AuthError{Reason: "no session for user " + userID}
	}
	parsed, err := c.tokenRequest(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {session.RefreshToken},
	})
	if err != nil {
		return "", err
	}

	current := c.storage.GetSonosSession(userID)
	if current == nil {
		current = session
	}
	current.AccessToken = parsed.AccessToken
	current.Updated = time.Now()
	c.storage.WriteSonosSession(*current)
	return parsed.AccessToken, nil
}

// Request issues an authenticated control API call. An expired-token fault
// triggers exactly one refresh followed by one retry of the same call; any
// other fault is returned as a DeviceApiError.
func (c *Client) Request(ctx context.Context, userID, method, path string, body interface{}) (json.RawMessage, error) {
	return c.request(ctx, userID, method, path, body, true)
}

func (c *Client) request(ctx context.Context, userID, method, path string, body interface{}, allowRefresh bool) (json.RawMessage, error) {
	session := c.storage.GetSonosSession(userID)
	if session == nil {
		return nil, &AuthError{Reason: "no session for user " + userID}
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	} else if method != http.MethodGet {
		reader = strings.NewReader("{}")
	}

	endpoint := c.ControlURL + "/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var envelope faultEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Fault != nil {
		code := envelope.Fault.Detail.Errorcode
		if code == errcodeInvalidToken || code == errcodeExpiredToken {
			if !allowRefresh {
				return nil, &AuthError{Reason: "token still rejected after refresh"}
			}
			if _, err := c.Refresh(ctx, userID); err != nil {
				return nil, err
			}
			return c.request(ctx, userID, method, path, body, false)
		}
		return nil, &DeviceApiError{
			Errorcode:   code,
			Faultstring: envelope.Fault.Faultstring,
		}
	}

	return raw, nil
}
