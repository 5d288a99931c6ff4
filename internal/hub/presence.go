package hub

import (
	"context"

	"github.com/samber/lo"

	"github.com/tandem/music-app/internal/metrics"
	"github.com/tandem/music-app/internal/protocol"
)

// userConnected announces userID on its first connection. A repeated
// announcement for an identity that is already online only rebinds it and
// refreshes the snapshots of the announcing connection.
func (h *Hub) userConnected(connID, userID string) {
	first := h.registry.Register(userID, connID)
	h.mirrorAsync("set_online", func(ctx context.Context, m PresenceMirror) error {
		return m.SetOnline(ctx, userID, connID)
	})

	if !first {
		h.log.Debug("hub: user re-announced", "user", userID, "conn", connID)
		h.send(connID, protocol.TypeUsersOnline, h.usersOnlineFor(userID))
		h.send(connID, protocol.TypeActivities, h.activitiesMsg())
		return
	}

	h.ledger.Set(userID, IdleActivity)
	metrics.OnlineUsers.Set(float64(h.registry.Len()))
	h.log.Info("hub: user online", "user", userID, "conn", connID, "online", h.registry.Len())

	h.broadcast(protocol.TypeUserConnected, protocol.UserConnectedMsg{UserID: userID})
	h.send(connID, protocol.TypeUsersOnline, h.usersOnlineFor(userID))
	h.broadcast(protocol.TypeActivities, h.activitiesMsg())
}

// registerUser binds userID to connID without any announcement. An identity
// seen for the first time gets an Idle ledger entry so the registry and the
// ledger keep the same key set.
func (h *Hub) registerUser(connID, userID string) {
	if h.registry.Register(userID, connID) {
		h.ledger.Set(userID, IdleActivity)
		metrics.OnlineUsers.Set(float64(h.registry.Len()))
	}
	h.mirrorAsync("set_online", func(ctx context.Context, m PresenceMirror) error {
		return m.SetOnline(ctx, userID, connID)
	})
	h.log.Debug("hub: user registered", "user", userID, "conn", connID)
}

// updateActivity stores and broadcasts a new activity. Updates for identities
// that are not online are dropped.
func (h *Hub) updateActivity(userID, activity string) {
	if _, ok := h.registry.Lookup(userID); !ok {
		h.log.Debug("hub: activity for offline user dropped", "user", userID)
		return
	}

	h.ledger.Set(userID, activity)
	h.mirrorAsync("set_activity", func(ctx context.Context, m PresenceMirror) error {
		return m.SetActivity(ctx, userID, activity)
	})
	h.broadcast(protocol.TypeActivityUpdated, protocol.ActivityUpdatedMsg{UserID: userID, Activity: activity})
}

// connectionClosed takes every identity bound to connID offline. Unknown
// connections, including ones already cleaned up, produce nothing.
func (h *Hub) connectionClosed(connID string) {
	freed := h.registry.RemoveByConn(connID)
	if len(freed) == 0 {
		return
	}

	for _, userID := range freed {
		h.ledger.Remove(userID)
		h.mirrorAsync("set_offline", func(ctx context.Context, m PresenceMirror) error {
			return m.SetOffline(ctx, userID, connID)
		})
		h.broadcast(protocol.TypeUserDisconnected, protocol.UserDisconnectedMsg{UserID: userID})
	}
	metrics.OnlineUsers.Set(float64(h.registry.Len()))
	h.log.Info("hub: users offline", "users", freed, "conn", connID, "online", h.registry.Len())
}

// usersOnlineFor is the users_online snapshot sent to userID's connection: every
// online identity except userID itself.
func (h *Hub) usersOnlineFor(userID string) protocol.UsersOnlineMsg {
	return protocol.UsersOnlineMsg{UserIDs: lo.Without(h.registry.UserIDs(), userID)}
}
