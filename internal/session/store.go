package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for connection session hashes.
	SessionPrefix = "conn:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session is the shared record of one WebSocket connection.
type Session struct {
	ID         string `redis:"id"`
	Server     string `redis:"server"`      // which WS server instance
	RemoteAddr string `redis:"remote_addr"` // client address
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages connection sessions and the presence mirror in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance

	setOnlineScript   *redis.Script
	setActivityScript *redis.Script
	setOfflineScript  *redis.Script
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient creates a store on an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{
		client:            client,
		serverName:        serverName,
		setOnlineScript:   redis.NewScript(setOnlineLua),
		setActivityScript: redis.NewScript(setActivityLua),
		setOfflineScript:  redis.NewScript(setOfflineLua),
	}
}

// Create stores a session for a freshly upgraded connection.
func (s *Store) Create(ctx context.Context, connID, remoteAddr string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          connID,
		"server":      s.serverName,
		"remote_addr": remoteAddr,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Touch refreshes last_active and the TTL of every given session in one
// round trip. Sessions of connections that stop being touched expire on their
// own, which cleans up after a server that died without deleting them.
func (s *Store) Touch(ctx context.Context, connIDs ...string) error {
	if len(connIDs) == 0 {
		return nil
	}
	now := time.Now().Unix()
	pipe := s.client.Pipeline()
	for _, id := range connIDs {
		key := SessionPrefix + id
		pipe.HSet(ctx, key, "last_active", now)
		pipe.Expire(ctx, key, SessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch %d sessions: %w", len(connIDs), err)
	}
	return nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, SessionPrefix+connID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
