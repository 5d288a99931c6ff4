// Package store provides PostgreSQL-backed persistence for users, songs and
// chat messages. Queries go through sqlx on top of the lib/pq driver; the
// schema is versioned with golang-migrate from migrations embedded in the
// binary.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned when the requested user, song or row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUnknownSong is returned when a user is pointed at a song that does not exist.
	ErrUnknownSong = errors.New("store: unknown song")
)

// pgForeignKeyViolation is the SQLSTATE for foreign_key_violation.
const pgForeignKeyViolation = "23503"

// User is a listener account. ID is the externally issued identity that the
// socket protocol uses as userId.
type User struct {
	ID            string         `db:"id" json:"id"`
	FullName      string         `db:"full_name" json:"fullName"`
	ImageURL      string         `db:"image_url" json:"imageUrl"`
	CurrentSongID sql.NullString `db:"current_song_id" json:"-"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
}

// Song is a playable track. Duration is in seconds.
type Song struct {
	ID        string         `db:"id" json:"id"`
	Title     string         `db:"title" json:"title"`
	Artist    string         `db:"artist" json:"artist"`
	ImageURL  string         `db:"image_url" json:"imageUrl"`
	AudioURL  string         `db:"audio_url" json:"audioUrl"`
	Duration  int            `db:"duration" json:"duration"`
	AlbumID   sql.NullString `db:"album_id" json:"-"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
}

// Message is a persisted direct message.
type Message struct {
	ID         string    `db:"id" json:"id"`
	SenderID   string    `db:"sender_id" json:"senderId"`
	ReceiverID string    `db:"receiver_id" json:"receiverId"`
	Content    string    `db:"content" json:"content"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// Store manages users, songs and messages in PostgreSQL.
type Store struct {
	db *sqlx.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying pool so other packages can share it.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies every pending up migration. It is a no-op when the schema
// is current.
func (s *Store) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("store: migration conn: %w", err)
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("store: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// UpsertUser creates the user or refreshes its profile fields.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	const query = `
		INSERT INTO users (id, full_name, image_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		   SET full_name = EXCLUDED.full_name,
		       image_url = EXCLUDED.image_url`

	if _, err := s.db.ExecContext(ctx, query, u.ID, u.FullName, u.ImageURL); err != nil {
		return fmt.Errorf("store: upsert user: %w", err)
	}
	return nil
}

// FindUser returns the user with the given id.
func (s *Store) FindUser(ctx context.Context, id string) (User, error) {
	const query = `
		SELECT id, full_name, image_url, current_song_id, created_at
		FROM users WHERE id = $1`

	var u User
	if err := s.db.GetContext(ctx, &u, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("store: find user: %w", err)
	}
	return u, nil
}

// FindUsersExcept lists every user other than currentUserID, ordered by name.
func (s *Store) FindUsersExcept(ctx context.Context, currentUserID string) ([]User, error) {
	const query = `
		SELECT id, full_name, image_url, current_song_id, created_at
		FROM users WHERE id <> $1
		ORDER BY full_name, id`

	users := make([]User, 0)
	if err := s.db.SelectContext(ctx, &users, query, currentUserID); err != nil {
		return nil, fmt.Errorf("store: find users: %w", err)
	}
	return users, nil
}

// GetUserCurrentSong returns the song the user is listening to, or nil when
// the user has none. ErrNotFound means the user does not exist.
func (s *Store) GetUserCurrentSong(ctx context.Context, userID string) (*string, error) {
	var songID sql.NullString
	err := s.db.GetContext(ctx, &songID, `SELECT current_song_id FROM users WHERE id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get current song: %w", err)
	}
	return nullable(songID), nil
}

// SetUserCurrentSong points the user at songID (nil clears it) and returns
// the stored value.
func (s *Store) SetUserCurrentSong(ctx context.Context, userID string, songID *string) (*string, error) {
	const query = `
		UPDATE users SET current_song_id = $2
		WHERE id = $1
		RETURNING current_song_id`

	var stored sql.NullString
	err := s.db.GetContext(ctx, &stored, query, userID, songID)
	if err != nil {
		var pqErr *pq.Error
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, ErrNotFound
		case errors.As(err, &pqErr) && pqErr.Code == pgForeignKeyViolation:
			return nil, ErrUnknownSong
		}
		return nil, fmt.Errorf("store: set current song: %w", err)
	}
	return nullable(stored), nil
}

// ---------------------------------------------------------------------------
// Songs
// ---------------------------------------------------------------------------

// UpsertSong creates or replaces a song.
func (s *Store) UpsertSong(ctx context.Context, song Song) error {
	const query = `
		INSERT INTO songs (id, title, artist, image_url, audio_url, duration, album_id)
		VALUES (:id, :title, :artist, :image_url, :audio_url, :duration, :album_id)
		ON CONFLICT (id) DO UPDATE
		   SET title = EXCLUDED.title,
		       artist = EXCLUDED.artist,
		       image_url = EXCLUDED.image_url,
		       audio_url = EXCLUDED.audio_url,
		       duration = EXCLUDED.duration,
		       album_id = EXCLUDED.album_id`

	if _, err := s.db.NamedExecContext(ctx, query, song); err != nil {
		return fmt.Errorf("store: upsert song: %w", err)
	}
	return nil
}

// GetSongByID returns the song with the given id.
func (s *Store) GetSongByID(ctx context.Context, id string) (Song, error) {
	const query = `
		SELECT id, title, artist, image_url, audio_url, duration, album_id, created_at
		FROM songs WHERE id = $1`

	var song Song
	if err := s.db.GetContext(ctx, &song, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Song{}, ErrNotFound
		}
		return Song{}, fmt.Errorf("store: get song: %w", err)
	}
	return song, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// CreateMessage persists a message and returns it with its generated id and
// timestamp.
func (s *Store) CreateMessage(ctx context.Context, senderID, receiverID, content string) (Message, error) {
	const query = `
		INSERT INTO messages (id, sender_id, receiver_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, sender_id, receiver_id, content, created_at`

	var m Message
	err := s.db.GetContext(ctx, &m, query, uuid.NewString(), senderID, receiverID, content)
	if err != nil {
		return Message{}, fmt.Errorf("store: create message: %w", err)
	}
	return m, nil
}

// Conversation returns the messages exchanged between two users, oldest first.
func (s *Store) Conversation(ctx context.Context, userA, userB string) ([]Message, error) {
	const query = `
		SELECT id, sender_id, receiver_id, content, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at, id`

	msgs := make([]Message, 0)
	if err := s.db.SelectContext(ctx, &msgs, query, userA, userB); err != nil {
		return nil, fmt.Errorf("store: conversation: %w", err)
	}
	return msgs, nil
}

func nullable(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
