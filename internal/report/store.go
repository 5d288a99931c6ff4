// Package report provides PostgreSQL-backed storage for moderation flags.
// Each flag records which persisted message was caught, who sent it, and the
// filter verdict, for later review.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// validReasons is the set of allowed reason values, matching the CHECK
// constraint on the message_flags table.
var validReasons = map[string]bool{
	"blocked_keyword": true,
	"spam_pattern":    true,
}

// Store manages moderation flags in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Flag is a single flagged message to be persisted.
type Flag struct {
	MessageID  string // empty when the message id is unknown
	SenderID   string
	ReceiverID string
	Reason     string
	Term       string
	Content    string
}

// NewStore creates a new flag store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a flag. The reason is validated against the allowed set
// before insertion.
func (s *Store) Create(ctx context.Context, flag *Flag) error {
	if !validReasons[flag.Reason] {
		return fmt.Errorf("report: invalid reason %q", flag.Reason)
	}

	var messageID sql.NullString
	if flag.MessageID != "" {
		messageID = sql.NullString{String: flag.MessageID, Valid: true}
	}

	const query = `
		INSERT INTO message_flags (message_id, sender_id, receiver_id, reason, term, content)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		messageID,
		flag.SenderID,
		flag.ReceiverID,
		flag.Reason,
		flag.Term,
		flag.Content,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of flags raised against a sender within the
// given time window.
func (s *Store) CountRecent(ctx context.Context, senderID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM message_flags
		WHERE sender_id = $1
		  AND created_at >= NOW() - ($2 * INTERVAL '1 second')`

	var count int
	err := s.db.QueryRowContext(ctx, query, senderID, int64(window.Seconds())).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
