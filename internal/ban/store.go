// Package ban keeps chat bans in Redis. A banned user stays connected and
// keeps listening; only send_message is refused. Each ban is a hash that
// expires with the ban:
//
//	chatban:<userId>  reason=<reason> offense=<n>
package ban

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for chat bans.
const KeyPrefix = "chatban:"

// Ban reasons shown to the banned user.
const (
	ReasonAbuse = "abuse"         // blocklisted language
	ReasonSpam  = "repeated_spam" // spam flagged past the threshold
)

// ErrInvalidReason is returned by Apply for reasons other than ReasonAbuse
// and ReasonSpam.
var ErrInvalidReason = errors.New("ban: invalid reason")

// ladder holds ban lengths by offense; later offenses use the last step.
var ladder = []time.Duration{15 * time.Minute, time.Hour, 24 * time.Hour}

// applyLua sets the ban unless a longer one is already running, then returns
// the ban in force as {reason, offense, remaining ms}.
const applyLua = `
local ttl = redis.call('PTTL', KEYS[1])
local want = tonumber(ARGV[3])
if ttl < want then
  redis.call('HSET', KEYS[1], 'reason', ARGV[1], 'offense', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], want)
  ttl = want
end
local cur = redis.call('HMGET', KEYS[1], 'reason', 'offense')
return {cur[1], cur[2], ttl}
`

// Ban is a chat ban in force.
type Ban struct {
	Reason    string `redis:"reason"`
	Offense   int    `redis:"offense"`
	Remaining time.Duration
}

// Seconds returns Remaining rounded up to whole seconds.
func (b Ban) Seconds() int {
	return int((b.Remaining + time.Second - 1) / time.Second)
}

// Duration returns the ban length for the n-th offense, counting from 1.
func Duration(offense int) time.Duration {
	offense = min(max(offense, 1), len(ladder))
	return ladder[offense-1]
}

// Store manages chat bans in Redis.
type Store struct {
	client      *redis.Client
	applyScript *redis.Script
}

// NewStore creates a ban store on an existing Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, applyScript: redis.NewScript(applyLua)}
}

// Apply bans userID for the length of the given offense. A longer ban that is
// already running is kept. The returned Ban is the one now in force.
func (s *Store) Apply(ctx context.Context, userID, reason string, offense int) (Ban, error) {
	if reason != ReasonAbuse && reason != ReasonSpam {
		return Ban{}, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	d := Duration(offense)

	vals, err := s.applyScript.Run(ctx, s.client, []string{KeyPrefix + userID},
		reason, offense, d.Milliseconds()).Slice()
	if err != nil {
		return Ban{}, fmt.Errorf("ban: apply %s: %w", userID, err)
	}
	if len(vals) != 3 {
		return Ban{}, fmt.Errorf("ban: apply %s: unexpected reply %v", userID, vals)
	}

	b := Ban{Reason: reason, Offense: offense, Remaining: d}
	if v, ok := vals[0].(string); ok {
		b.Reason = v
	}
	if v, ok := vals[1].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			b.Offense = n
		}
	}
	if v, ok := vals[2].(int64); ok {
		b.Remaining = time.Duration(v) * time.Millisecond
	}
	return b, nil
}

// Active returns the user's running ban, if any. Callers decide how to treat
// Redis errors; the gateway lets the message through.
func (s *Store) Active(ctx context.Context, userID string) (Ban, bool, error) {
	key := KeyPrefix + userID

	var (
		fields *redis.MapStringStringCmd
		ttl    *redis.DurationCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return Ban{}, false, fmt.Errorf("ban: lookup %s: %w", userID, err)
	}
	if len(fields.Val()) == 0 {
		return Ban{}, false, nil
	}

	var b Ban
	if err := fields.Scan(&b); err != nil {
		return Ban{}, false, fmt.Errorf("ban: decode %s: %w", userID, err)
	}
	b.Remaining = max(ttl.Val(), 0)
	return b, true, nil
}
