package session

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the key prefix of per-user presence hashes.
	PresencePrefix = "presence:user:"

	// OnlineKey is the set of user ids with a presence hash.
	OnlineKey = "presence:online"

	// PresenceTTL bounds how long a presence entry outlives a crashed server.
	PresenceTTL = 2 * time.Hour

	idleActivity = "Idle"
)

// Presence is the mirrored state of one online user.
type Presence struct {
	UserID   string `redis:"user_id" json:"userId"`
	ConnID   string `redis:"conn_id" json:"connectionId"`
	Server   string `redis:"server" json:"server"`
	Activity string `redis:"activity" json:"activity"`
	Since    int64  `redis:"since" json:"since"`
}

// SetOnline records that userID is served by connID on this server. A user
// that was already mirrored keeps its activity.
func (s *Store) SetOnline(ctx context.Context, userID, connID string) error {
	err := s.setOnlineScript.Run(ctx, s.client,
		[]string{PresencePrefix + userID, OnlineKey},
		userID, connID, s.serverName, time.Now().Unix(), idleActivity, int(PresenceTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("session: set online %s: %w", userID, err)
	}
	return nil
}

// SetActivity updates the mirrored activity of an online user. Users without
// a presence entry are left alone.
func (s *Store) SetActivity(ctx context.Context, userID, activity string) error {
	err := s.setActivityScript.Run(ctx, s.client,
		[]string{PresencePrefix + userID},
		activity, int(PresenceTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("session: set activity %s: %w", userID, err)
	}
	return nil
}

// SetOffline removes userID's presence, but only while it still points at
// connID on this server. A reconnect that already moved the user elsewhere
// is not undone.
func (s *Store) SetOffline(ctx context.Context, userID, connID string) error {
	err := s.setOfflineScript.Run(ctx, s.client,
		[]string{PresencePrefix + userID, OnlineKey},
		userID, connID, s.serverName,
	).Err()
	if err != nil {
		return fmt.Errorf("session: set offline %s: %w", userID, err)
	}
	return nil
}

// OnlineUsers returns every mirrored user sorted by id. Entries whose hash
// has expired are pruned from the online set.
func (s *Store) OnlineUsers(ctx context.Context) ([]Presence, error) {
	ids, err := s.client.SMembers(ctx, OnlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("session: online users: %w", err)
	}
	if len(ids) == 0 {
		return []Presence{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, PresencePrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: online users: %w", err)
	}

	out := make([]Presence, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		var p Presence
		if err := cmd.Scan(&p); err != nil {
			return nil, fmt.Errorf("session: scan presence %s: %w", ids[i], err)
		}
		if p.UserID == "" {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, p)
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, OnlineKey, stale...)
	}

	slices.SortFunc(out, func(a, b Presence) int { return strings.Compare(a.UserID, b.UserID) })
	return out, nil
}

// setOnlineLua binds the user to a connection, creating the entry with the
// Idle activity when it does not exist yet.
const setOnlineLua = `
local key = KEYS[1]
redis.call('HSET', key, 'user_id', ARGV[1], 'conn_id', ARGV[2], 'server', ARGV[3], 'since', ARGV[4])
redis.call('HSETNX', key, 'activity', ARGV[5])
redis.call('EXPIRE', key, ARGV[6])
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`

// setActivityLua returns 0 when the user has no presence entry.
const setActivityLua = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return 0 end
redis.call('HSET', key, 'activity', ARGV[1])
redis.call('EXPIRE', key, ARGV[2])
return 1
`

// setOfflineLua releases the entry only if it is still owned by the given
// connection and server. Returns 1 when released.
const setOfflineLua = `
local key = KEYS[1]
local owner = redis.call('HMGET', key, 'conn_id', 'server')
if owner[1] ~= ARGV[2] or owner[2] ~= ARGV[3] then return 0 end
redis.call('DEL', key)
redis.call('SREM', KEYS[2], ARGV[1])
return 1
`
