package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	userPrefix    = "auxcord:user:"
	sonosPrefix   = "auxcord:sonos:"
	spotifyPrefix = "auxcord:spotify:"
)

// RedisStore is a storage engine that writes to redis
type RedisStore struct {
	client *redis.Client
}

// NewRedisClient creates a new redis client object
func NewRedisClient(addr string, password string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	_, err := client.Ping(context.Background()).Result()
	if err != nil {
		panic(err)
	}
	return client
}

// NewRedisClientWithUrl creates a new redis client object
func NewRedisClientWithUrl(url string) *redis.Client {
	option, err := redis.ParseURL(url)
	if err != nil {
		panic(err)
	}

	client := redis.NewClient(option)
	_, err = client.Ping(context.Background()).Result()
	if err != nil {
		panic(err)
	}
	return client
}

// NewRedisStore creates new store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping will check if the connection works right
func (s RedisStore) Ping(ctx context.Context) error {
	_, err := s.client.Ping(ctx).Result()
	return err
}

// CreateUser inserts and returns a fresh user record
func (s RedisStore) CreateUser() User {
	ctx := context.Background()
	user := NewUser()
	if err := s.client.HSet(ctx, userPrefix+user.ID, "created", user.Created.Format(time.RFC3339Nano)).Err(); err != nil {
		panic(err)
	}
	return user
}

// GetUser will load a user from redis
func (s RedisStore) GetUser(id string) *User {
	ctx := context.Background()
	data, err := s.client.HGetAll(ctx, userPrefix+id).Result()
	if err != nil || len(data) == 0 {
		return nil
	}
	created, err := time.Parse(time.RFC3339Nano, data["created"])
	if err != nil {
		return nil
	}
	return &User{ID: id, Created: created}
}

// DeleteUser will delete a user from redis
func (s RedisStore) DeleteUser(id string) bool {
	ctx := context.Background()
	return s.client.Del(ctx, userPrefix+id).Err() == nil
}

// ListUsers returns every user, oldest first
func (s RedisStore) ListUsers() []User {
	ctx := context.Background()
	keys, err := s.client.Keys(ctx, userPrefix+"*").Result()
	if err != nil {
		panic(err)
	}

	users := make([]User, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, userPrefix)
		if id == "" {
			continue
		}
		user := s.GetUser(id)
		if user == nil {
			continue
		}
		users = append(users, *user)
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].Created.Before(users[j].Created)
	})

	return users
}

// WriteSonosSession will write a sonos session record to redis
func (s RedisStore) WriteSonosSession(session SonosSession) {
	ctx := context.Background()
	pipe := s.client.Pipeline()
	key := sonosPrefix + session.UserID
	pipe.HSet(ctx, key, "access", session.AccessToken)
	pipe.HSet(ctx, key, "refresh", session.RefreshToken)
	pipe.HSet(ctx, key, "expires_in", session.ExpiresIn)
	pipe.HSet(ctx, key, "household", session.Household)
	pipe.HSet(ctx, key, "group_id", session.GroupID)
	pipe.HSet(ctx, key, "volume", session.Volume)
	pipe.HSet(ctx, key, "party_active", strconv.FormatBool(session.PartyActive))
	pipe.HSet(ctx, key, "created", session.Created.Format(time.RFC3339Nano))
	pipe.HSet(ctx, key, "updated", session.Updated.Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		panic(err)
	}
}

// GetSonosSession will load a sonos session from redis
func (s RedisStore) GetSonosSession(userID string) *SonosSession {
	ctx := context.Background()
	data, err := s.client.HGetAll(ctx, sonosPrefix+userID).Result()
	if err != nil || len(data) == 0 {
		return nil
	}
	created, err := time.Parse(time.RFC3339Nano, data["created"])
	if err != nil {
		return nil
	}
	updated, _ := time.Parse(time.RFC3339Nano, data["updated"])
	expiresIn, _ := strconv.Atoi(data["expires_in"])
	volume, err := strconv.Atoi(data["volume"])
	if err != nil {
		volume = DefaultVolume
	}
	return &SonosSession{
		UserID:       userID,
		AccessToken:  data["access"],
		RefreshToken: data["refresh"],
		ExpiresIn:    expiresIn,
		Household:    data["household"],
		GroupID:      data["group_id"],
		Volume:       volume,
		PartyActive:  data["party_active"] == "true",
		Created:      created,
		Updated:      updated,
	}
}

// DeleteSonosSession will delete a sonos session from redis
func (s RedisStore) DeleteSonosSession(userID string) bool {
	ctx := context.Background()
	return s.client.Del(ctx, sonosPrefix+userID).Err() == nil
}

// SonosSessionsByHousehold scans every sonos session and returns the ones
// linked to the given household, oldest record first.
func (s RedisStore) SonosSessionsByHousehold(household string) []SonosSession {
	ctx := context.Background()
	keys, err := s.client.Keys(ctx, sonosPrefix+"*").Result()
	if err != nil {
		return nil
	}

	sessions := make([]SonosSession, 0)
	for _, key := range keys {
		userID := strings.TrimPrefix(key, sonosPrefix)
		if userID == "" {
			continue
		}
		session := s.GetSonosSession(userID)
		if session == nil || session.Household != household {
			continue
		}
		sessions = append(sessions, *session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Created.Before(sessions[j].Created)
	})

	return sessions
}

// WriteSpotifySession will write a spotify session record to redis
func (s RedisStore) WriteSpotifySession(session SpotifySession) {
	ctx := context.Background()
	pipe := s.client.Pipeline()
	key := spotifyPrefix + session.UserID
	pipe.HSet(ctx, key, "access", session.AccessToken)
	pipe.HSet(ctx, key, "refresh", session.RefreshToken)
	pipe.HSet(ctx, key, "expiry", session.Expiry.Format(time.RFC3339Nano))
	pipe.HSet(ctx, key, "playlist_id", session.PlaylistID)
	pipe.HSet(ctx, key, "updated", session.Updated.Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		panic(err)
	}
}

// GetSpotifySession will load a spotify session from redis
func (s RedisStore) GetSpotifySession(userID string) *SpotifySession {
	ctx := context.Background()
	data, err := s.client.HGetAll(ctx, spotifyPrefix+userID).Result()
	if err != nil || len(data) == 0 {
		return nil
	}
	expiry, _ := time.Parse(time.RFC3339Nano, data["expiry"])
	updated, _ := time.Parse(time.RFC3339Nano, data["updated"])
	return &SpotifySession{
		UserID:       userID,
		AccessToken:  data["access"],
		RefreshToken: data["refresh"],
		Expiry:       expiry,
		PlaylistID:   data["playlist_id"],
		Updated:      updated,
	}
}

// DeleteSpotifySession will delete a spotify session from redis
func (s RedisStore) DeleteSpotifySession(userID string) bool {
	ctx := context.Background()
	return s.client.Del(ctx, spotifyPrefix+userID).Err() == nil
}
