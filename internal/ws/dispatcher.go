package ws

import (
	"log/slog"

	"github.com/tandem/music-app/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.RequestSyncMsg, protocol.SendMessageMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *slog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher. A nil logger falls
// back to slog.Default.
func NewMessageDispatcher(log *slog.Logger) *MessageDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log.With("component", "dispatcher"),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("ws: dispatch parse error", "conn", conn.ID, "type", msgType, "err", err)
		d.SendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug("ws: unsupported message type", "conn", conn.ID, "type", msgType)
		d.SendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// Send encodes payload as a msgType server event and writes it to conn.
// Errors are logged, not returned.
func (d *MessageDispatcher) Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error("ws: failed to build message", "conn", conn.ID, "type", msgType, "err", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug("ws: failed to send message", "conn", conn.ID, "type", msgType, "err", err)
	}
}

// SendError sends a structured error message back to the client.
func (d *MessageDispatcher) SendError(conn *Connection, code string, message string) {
	d.Send(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
}

// sendPong responds to a client ping and records the activity.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()
	d.Send(conn, protocol.TypePong, protocol.PongMsg{})
}
