// Package session keeps shared, cross-instance state in Redis: one hash per
// live WebSocket connection, and a presence mirror of which users are online
// where and what they are listening to. The hub remains the source of truth
// for its own connections; Redis is the view other processes read.
package session
