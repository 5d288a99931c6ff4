package hub

import (
	"fmt"
	"strings"
)

// IdleActivity is the activity of a user who is online but not listening.
const IdleActivity = "Idle"

const (
	playingPrefix = "Playing "
	bySeparator   = " by "
)

// PlayingActivity builds the activity string shown while a song plays.
func PlayingActivity(title, artist string) string {
	return fmt.Sprintf("%s%s%s%s", playingPrefix, title, bySeparator, artist)
}

// ParseActivity splits a "Playing {title} by {artist}" activity. The last
// " by " separates the artist so titles may contain the word. ok is false for
// Idle and for any free text that does not follow the pattern.
func ParseActivity(activity string) (title, artist string, ok bool) {
	rest, found := strings.CutPrefix(activity, playingPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, bySeparator)
	if i <= 0 || i+len(bySeparator) >= len(rest) {
		return "", "", false
	}
	return rest[:i], rest[i+len(bySeparator):], true
}

// Ledger maps user identities to their free-text activity, preserving the
// order in which identities were first added. Not safe for concurrent use.
type Ledger struct {
	entries map[string]string
	order   []string
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]string)}
}

// Set stores the activity for userID.
func (l *Ledger) Set(userID, activity string) {
	if _, ok := l.entries[userID]; !ok {
		l.order = append(l.order, userID)
	}
	l.entries[userID] = activity
}

// Get returns the activity for userID, or IdleActivity when unknown.
func (l *Ledger) Get(userID string) string {
	if a, ok := l.entries[userID]; ok {
		return a
	}
	return IdleActivity
}

// Has reports whether userID has an entry.
func (l *Ledger) Has(userID string) bool {
	_, ok := l.entries[userID]
	return ok
}

// Remove deletes the entry for userID. Removing an unknown identity is a no-op.
func (l *Ledger) Remove(userID string) {
	if _, ok := l.entries[userID]; !ok {
		return
	}
	delete(l.entries, userID)
	for i, id := range l.order {
		if id == userID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Entry is one (userID, activity) pair of a ledger snapshot.
type Entry struct {
	UserID   string
	Activity string
}

// Entries returns a snapshot of the ledger in insertion order.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, Entry{UserID: id, Activity: l.entries[id]})
	}
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	return len(l.entries)
}
