package store

import (
	"context"
	"database/sql"

	// Postgres db library loading
	_ "github.com/lib/pq"
)

// PostgresqlStore is a storage engine that writes to postgres
type PostgresqlStore struct {
	db *sql.DB
}

// NewPostgresqlClient creates a new db client object
func NewPostgresqlClient(connStr string) *sql.DB {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		panic(err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id varchar(255) NOT NULL,
			created timestamp with time zone NOT NULL,
			PRIMARY KEY(id)
		)
	`); err != nil {
		panic(err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sonos_sessions (
			user_id varchar(255) NOT NULL,
			access varchar(511) NOT NULL,
			refresh varchar(511) NOT NULL,
			expires_in integer NOT NULL DEFAULT 0,
			household varchar(255) NOT NULL DEFAULT '',
			group_id varchar(255) NOT NULL DEFAULT '',
			volume integer NOT NULL DEFAULT 30,
			party_active boolean NOT NULL DEFAULT false,
			created timestamp with time zone NOT NULL,
			updated timestamp with time zone NOT NULL,
			PRIMARY KEY(user_id)
		)
	`); err != nil {
		panic(err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_sonos_sessions_household ON sonos_sessions(household)`); err != nil {
		panic(err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS spotify_sessions (
			user_id varchar(255) NOT NULL,
			access varchar(511) NOT NULL,
			refresh varchar(511) NOT NULL,
			expiry timestamp with time zone,
			playlist_id varchar(255) NOT NULL DEFAULT '',
			updated timestamp with time zone NOT NULL,
			PRIMARY KEY(user_id)
		)
	`); err != nil {
		panic(err)
	}
	return db
}

// NewPostgresqlStore creates new store
func NewPostgresqlStore(db *sql.DB) *PostgresqlStore {
	return &PostgresqlStore{db: db}
}

// Ping will check if the connection works right
func (s PostgresqlStore) Ping(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.PingContext(ctx)
}

// CreateUser inserts and returns a fresh user record
func (s PostgresqlStore) CreateUser() User {
	user := NewUser()
	if _, err := s.db.Exec(
		`INSERT INTO users (id, created) VALUES($1, $2)`,
		user.ID,
		user.Created,
	); err != nil {
		panic(err)
	}
	return user
}

// GetUser will load a user from postgres
func (s PostgresqlStore) GetUser(id string) *User {
	var user User
	err := s.db.QueryRow(
		`SELECT id, created FROM users WHERE id=$1`,
		id,
	).Scan(&user.ID, &user.Created)
	if err != nil {
		return nil
	}
	return &user
}

// DeleteUser removes a user from postgres
func (s PostgresqlStore) DeleteUser(id string) bool {
	_, err := s.db.Exec(`DELETE FROM users WHERE id=$1`, id)
	return err == nil
}

// ListUsers returns every user, oldest first
func (s PostgresqlStore) ListUsers() []User {
	rows, err := s.db.Query(`SELECT id, created FROM users ORDER BY created ASC`)
	if err != nil {
		panic(err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Created); err != nil {
			continue
		}
		users = append(users, user)
	}
	return users
}

// WriteSonosSession upserts the full session record keyed by user id
func (s PostgresqlStore) WriteSonosSession(session SonosSession) {
	_, err := s.db.Exec(
		`
			INSERT INTO sonos_sessions
				(user_id, access, refresh, expires_in, household, group_id, volume, party_active, created, updated)
				VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT(user_id)
			DO UPDATE set access=EXCLUDED.access, refresh=EXCLUDED.refresh, expires_in=EXCLUDED.expires_in, household=EXCLUDED.household, group_id=EXCLUDED.group_id, volume=EXCLUDED.volume, party_active=EXCLUDED.party_active, updated=EXCLUDED.updated
		`,
		session.UserID,
		session.AccessToken,
		session.RefreshToken,
		session.ExpiresIn,
		session.Household,
		session.GroupID,
		session.Volume,
		session.PartyActive,
		session.Created,
		session.Updated,
	)
	if err != nil {
		panic(err)
	}
}

// GetSonosSession will load a sonos session from postgres
func (s PostgresqlStore) GetSonosSession(userID string) *SonosSession {
	session := SonosSession{UserID: userID}
	err := s.db.QueryRow(
		`SELECT access, refresh, expires_in, household, group_id, volume, party_active, created, updated FROM sonos_sessions WHERE user_id=$1`,
		userID,
	).Scan(
		&session.AccessToken,
		&session.RefreshToken,
		&session.ExpiresIn,
		&session.Household,
		&session.GroupID,
		&session.Volume,
		&session.PartyActive,
		&session.Created,
		&session.Updated,
	)
	if err != nil {
		return nil
	}
	return &session
}

// DeleteSonosSession removes a sonos session from postgres
func (s PostgresqlStore) DeleteSonosSession(userID string) bool {
	_, err := s.db.Exec(`DELETE FROM sonos_sessions WHERE user_id=$1`, userID)
	return err == nil
}

// SonosSessionsByHousehold returns every session linked to the given
// household, oldest record first.
func (s PostgresqlStore) SonosSessionsByHousehold(household string) []SonosSession {
	rows, err := s.db.Query(
		`SELECT user_id, access, refresh, expires_in, household, group_id, volume, party_active, created, updated FROM sonos_sessions WHERE household=$1 ORDER BY created ASC`,
		household,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	sessions := make([]SonosSession, 0)
	for rows.Next() {
		var session SonosSession
		if err := rows.Scan(
			&session.UserID,
			&session.AccessToken,
			&session.RefreshToken,
			&session.ExpiresIn,
			&session.Household,
			&session.GroupID,
			&session.Volume,
			&session.PartyActive,
			&session.Created,
			&session.Updated,
		); err != nil {
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions
}

// WriteSpotifySession upserts the full session record keyed by user id
func (s PostgresqlStore) WriteSpotifySession(session SpotifySession) {
	_, err := s.db.Exec(
		`
			INSERT INTO spotify_sessions
				(user_id, access, refresh, expiry, playlist_id, updated)
				VALUES($1, $2, $3, $4, $5, $6)
			ON CONFLICT(user_id)
			DO UPDATE set access=EXCLUDED.access, refresh=EXCLUDED.refresh, expiry=EXCLUDED.expiry, playlist_id=EXCLUDED.playlist_id, updated=EXCLUDED.updated
		`,
		session.UserID,
		session.AccessToken,
		session.RefreshToken,
		session.Expiry,
		session.PlaylistID,
		session.Updated,
	)
	if err != nil {
		panic(err)
	}
}

// GetSpotifySession will load a spotify session from postgres
func (s PostgresqlStore) GetSpotifySession(userID string) *SpotifySession {
	session := SpotifySession{UserID: userID}
	err := s.db.QueryRow(
		`SELECT access, refresh, expiry, playlist_id, updated FROM spotify_sessions WHERE user_id=$1`,
		userID,
	).Scan(
		&session.AccessToken,
		&session.RefreshToken,
		&session.Expiry,
		&session.PlaylistID,
		&session.Updated,
	)
	if err != nil {
		return nil
	}
	return &session
}

// DeleteSpotifySession removes a spotify session from postgres
func (s PostgresqlStore) DeleteSpotifySession(userID string) bool {
	_, err := s.db.Exec(`DELETE FROM spotify_sessions WHERE user_id=$1`, userID)
	return err == nil
}
