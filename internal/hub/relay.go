package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tandem/music-app/internal/metrics"
	"github.com/tandem/music-app/internal/moderation"
	"github.com/tandem/music-app/internal/protocol"
	"github.com/tandem/music-app/internal/store"
)

const (
	// persistFailedText is the reason shown to a sender whose message was not stored.
	persistFailedText = "failed to save message"

	// storeBusyText is shown when the store backlog is full.
	storeBusyText = "server busy, try again"
)

// persistJob is a validated send_message waiting for a store worker.
type persistJob struct {
	connID string
	req    protocol.SendMessageMsg
}

// messagePersisted re-enters the queue once the store call for a
// send_message has returned.
type messagePersisted struct {
	req protocol.SendMessageMsg
	msg store.Message
	err error
}

// sendMessage validates the content and queues it for persistence. Delivery
// happens in deliverMessage, after the store has answered. A full backlog is
// answered with message_error at once; the hub goroutine never waits on the
// store.
func (h *Hub) sendMessage(connID string, m protocol.SendMessageMsg) {
	if err := ValidateContent(m.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		h.send(connID, protocol.TypeMessageError, protocol.MessageErrorMsg{Error: err.Error()})
		return
	}

	h.pending.add()
	select {
	case h.persistJobs <- persistJob{connID: connID, req: m}:
	default:
		h.pending.finish()
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.log.Warn("hub: store backlog full", "conn", connID, "sender", m.SenderID)
		h.send(connID, protocol.TypeMessageError, protocol.MessageErrorMsg{Error: storeBusyText})
	}
}

// storeWorker persists queued messages until the backlog is closed.
func (h *Hub) storeWorker() {
	for job := range h.persistJobs {
		h.persist(job)
	}
}

// persist gives each store call its own deadline so a hub shutdown does not
// cancel a write already under way.
func (h *Hub) persist(job persistJob) {
	defer h.pending.finish()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	msg, err := h.createMessage(ctx, job.req)
	cancel()

	ev := event{
		kind:    kindMessagePersisted,
		connID:  job.connID,
		payload: messagePersisted{req: job.req, msg: msg, err: err},
	}
	if err := h.submit(ev); err != nil {
		h.log.Warn("hub: persisted message dropped", "conn", job.connID, "sender", job.req.SenderID, "err", err)
	}
}

func (h *Hub) createMessage(ctx context.Context, m protocol.SendMessageMsg) (msg store.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub: message store panic: %v", r)
		}
	}()
	return h.messages.CreateMessage(ctx, m.SenderID, m.ReceiverID, m.Content)
}

// deliverMessage delivers a stored message. The receiver is resolved now,
// not when the message arrived, because it may have come or gone while the
// store call was in flight. The sender's connection always gets the ack.
func (h *Hub) deliverMessage(connID string, p messagePersisted) {
	if p.err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		h.log.Error("hub: persist message failed",
			"conn", connID, "sender", p.req.SenderID, "receiver", p.req.ReceiverID, "err", p.err)
		h.send(connID, protocol.TypeMessageError, protocol.MessageErrorMsg{Error: persistFailedText})
		return
	}

	wire := wireMessage(p.msg)
	result := "stored"
	if receiverConn, ok := h.registry.Lookup(p.msg.ReceiverID); ok {
		if h.send(receiverConn, protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{Message: wire}) {
			result = "delivered"
		}
	}
	h.send(connID, protocol.TypeMessageSent, protocol.MessageSentMsg{Message: wire})
	metrics.MessagesTotal.WithLabelValues(result).Inc()

	h.publishModeration(p.msg)
}

func (h *Hub) publishModeration(msg store.Message) {
	if h.publisher == nil {
		return
	}
	data, err := json.Marshal(moderation.ModerationRequest{
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Content,
		Ts:         msg.CreatedAt.Unix(),
	})
	if err != nil {
		h.log.Error("hub: marshal moderation request", "err", err)
		return
	}
	if err := h.publisher.PublishModerationRequest(data); err != nil {
		h.log.Warn("hub: publish moderation request", "message", msg.ID, "err", err)
	}
}

func wireMessage(m store.Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
