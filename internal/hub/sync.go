package hub

import (
	"github.com/tandem/music-app/internal/metrics"
	"github.com/tandem/music-app/internal/protocol"
)

// Sync negotiation keeps no server-side state. The requester's connection id
// travels inside sync_request and comes back in respond_sync, so the answer
// reaches the exact connection that asked, or nobody if it has gone away.

// requestSync forwards a sync request to the target's connection. Requests to
// offline targets are dropped without telling the requester.
func (h *Hub) requestSync(connID string, m protocol.RequestSyncMsg) {
	target, ok := h.registry.Lookup(m.TargetUserID)
	if !ok {
		metrics.SyncTotal.WithLabelValues("dropped").Inc()
		h.log.Debug("hub: sync target offline", "conn", connID, "user", m.TargetUserID)
		return
	}

	sent := h.send(target, protocol.TypeSyncRequest, protocol.SyncRequestMsg{
		RequesterID:  connID,
		TargetSongID: m.SongID,
		CurrentTime:  m.CurrentTime,
		IsPlaying:    m.IsPlaying,
	})
	if !sent {
		metrics.SyncTotal.WithLabelValues("undelivered").Inc()
		return
	}
	metrics.SyncTotal.WithLabelValues("requested").Inc()
}

// respondSync routes the target's answer back to the requesting connection.
// An accepted answer carries the responder's live playback state; a rejection
// carries nothing.
func (h *Hub) respondSync(m protocol.RespondSyncMsg) {
	var sent bool
	stage := "rejected"
	if m.Accept {
		stage = "accepted"
		sent = h.send(m.RequesterID, protocol.TypeSyncAccepted, protocol.SyncAcceptedMsg{
			SongID:      m.SongID,
			CurrentTime: m.CurrentTime,
			IsPlaying:   m.IsPlaying,
		})
	} else {
		sent = h.send(m.RequesterID, protocol.TypeSyncRejected, protocol.SyncRejectedMsg{})
	}

	if !sent {
		stage = "undelivered"
	}
	metrics.SyncTotal.WithLabelValues(stage).Inc()
}

// syncSong pushes the sender's playback state to every other connection.
func (h *Hub) syncSong(connID string, m protocol.SyncSongMsg) {
	h.broadcastExcept(connID, protocol.TypeSyncSong, protocol.SyncSongMsg{
		UserID:      m.UserID,
		SongID:      m.SongID,
		CurrentTime: m.CurrentTime,
		IsPlaying:   m.IsPlaying,
	})
}
