// Package protocol defines the WebSocket events exchanged between the browser
// player and the server. Every frame is a JSON object with a "type"
// discriminator; the remaining fields are the event payload, inlined.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeUserConnected  = "user_connected" // also broadcast Server -> Client
	TypeRegisterUser   = "register_user"
	TypeUpdateActivity = "update_activity"
	TypeSendMessage    = "send_message"
	TypeRequestSync    = "request_sync"
	TypeRespondSync    = "respond_sync"
	TypeSyncSong       = "sync_song" // also broadcast Server -> Client
	TypePing           = "ping"
)

// Server -> Client event types.
const (
	TypeConnectionCreated = "connection_created"
	TypeUserDisconnected  = "user_disconnected"
	TypeUsersOnline       = "users_online"
	TypeActivities        = "activities"
	TypeActivityUpdated   = "activity_updated"
	TypeReceiveMessage    = "receive_message"
	TypeMessageSent       = "message_sent"
	TypeMessageError      = "message_error"
	TypeSyncRequest       = "sync_request"
	TypeSyncAccepted      = "sync_accepted"
	TypeSyncRejected      = "sync_rejected"
	TypeRateLimited       = "rate_limited"
	TypeBanned            = "banned"
	TypeError             = "error"
	TypePong              = "pong"
)

var validate = validator.New()

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// UserConnectedMsg announces that the connection now acts for UserID. The
// same shape is broadcast back to every client.
type UserConnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId" validate:"required"`
}

// RegisterUserMsg rebinds the connection to UserID without an announcement.
type RegisterUserMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId" validate:"required"`
}

// UpdateActivityMsg sets the free-text activity shown to friends.
type UpdateActivityMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId" validate:"required"`
	Activity string `json:"activity" validate:"required"`
}

// SendMessageMsg is a direct chat message to another user.
type SendMessageMsg struct {
	Type       string `json:"type"`
	SenderID   string `json:"senderId" validate:"required"`
	ReceiverID string `json:"receiverId" validate:"required"`
	Content    string `json:"content"`
}

// RequestSyncMsg asks TargetUserID to share its playback position. SongID,
// CurrentTime and IsPlaying describe the requester's own player.
type RequestSyncMsg struct {
	Type         string  `json:"type"`
	TargetUserID string  `json:"targetUserId" validate:"required"`
	SongID       string  `json:"songId"`
	CurrentTime  float64 `json:"currentTime" validate:"gte=0"`
	IsPlaying    bool    `json:"isPlaying"`
}

// RespondSyncMsg answers a sync_request. RequesterID is the connection id
// received in the sync_request, not a user id.
type RespondSyncMsg struct {
	Type        string  `json:"type"`
	RequesterID string  `json:"requesterId" validate:"required"`
	Accept      bool    `json:"accept"`
	SongID      string  `json:"songId"`
	CurrentTime float64 `json:"currentTime" validate:"gte=0"`
	IsPlaying   bool    `json:"isPlaying"`
}

// SyncSongMsg pushes the sender's live playback state to every other client.
type SyncSongMsg struct {
	Type        string  `json:"type"`
	UserID      string  `json:"userId" validate:"required"`
	SongID      string  `json:"songId"`
	CurrentTime float64 `json:"currentTime" validate:"gte=0"`
	IsPlaying   bool    `json:"isPlaying"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConnectionCreatedMsg greets a freshly upgraded connection with its id.
type ConnectionCreatedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// UserDisconnectedMsg announces that UserID went offline.
type UserDisconnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// UsersOnlineMsg is the private snapshot of online identities.
type UsersOnlineMsg struct {
	Type    string   `json:"type"`
	UserIDs []string `json:"userIds"`
}

// ActivityEntry is one ledger row. It is encoded as a two element array
// [userId, activity].
type ActivityEntry struct {
	UserID   string
	Activity string
}

// MarshalJSON encodes the entry as [userId, activity].
func (e ActivityEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{e.UserID, e.Activity})
}

// UnmarshalJSON decodes the [userId, activity] pair.
func (e *ActivityEntry) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("protocol: activity entry: %w", err)
	}
	e.UserID, e.Activity = pair[0], pair[1]
	return nil
}

// ActivitiesMsg is the full activity snapshot broadcast after every join.
type ActivitiesMsg struct {
	Type       string          `json:"type"`
	Activities []ActivityEntry `json:"activities"`
}

// ActivityUpdatedMsg propagates a single activity change.
type ActivityUpdatedMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Activity string `json:"activity"`
}

// ChatMessage is a persisted chat message as seen by clients.
type ChatMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	CreatedAt  string `json:"createdAt"` // RFC 3339
}

// ReceiveMessageMsg delivers a message to an online receiver.
type ReceiveMessageMsg struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

// MessageSentMsg acknowledges a persisted message to its sender.
type MessageSentMsg struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

// MessageErrorMsg tells the sender that its message was not stored.
type MessageErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// SyncRequestMsg forwards a sync request to its target. RequesterID is the
// requester's connection id so the answer reaches that exact connection.
type SyncRequestMsg struct {
	Type         string  `json:"type"`
	RequesterID  string  `json:"requesterId"`
	TargetSongID string  `json:"targetSongId"`
	CurrentTime  float64 `json:"currentTime"`
	IsPlaying    bool    `json:"isPlaying"`
}

// SyncAcceptedMsg carries the responder's live playback state.
type SyncAcceptedMsg struct {
	Type        string  `json:"type"`
	SongID      string  `json:"songId"`
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
}

// SyncRejectedMsg has no payload.
type SyncRejectedMsg struct {
	Type string `json:"type"`
}

// RateLimitedMsg is sent when the client exceeded a rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// BannedMsg is sent when the user is banned from messaging.
type BannedMsg struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed, validated client
// message. It returns the event type, the decoded struct (by value) and any
// error. Unknown and server-only types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeUserConnected:
		var m UserConnectedMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeRegisterUser:
		var m RegisterUserMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeUpdateActivity:
		var m UpdateActivityMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeRequestSync:
		var m RequestSyncMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeRespondSync:
		var m RespondSyncMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeSyncSong:
		var m SyncSongMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = decode(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	return validate.Struct(v)
}

// NewServerMessage creates a JSON-encoded server event. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
