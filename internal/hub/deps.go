//go:generate go run go.uber.org/mock/mockgen -source=deps.go -destination=mocks/mock_deps.go -package=mocks
package hub

import (
	"context"

	"github.com/tandem/music-app/internal/store"
)

// Transport delivers encoded frames to live connections. Sending to an
// unknown or closed connection returns an error and delivers nothing.
type Transport interface {
	SendMessage(connID string, data []byte) error
	Broadcast(data []byte)
	BroadcastExcept(connID string, data []byte)
}

// MessageStore persists chat messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, senderID, receiverID, content string) (store.Message, error)
}

// PresenceMirror replicates presence to a shared store so other processes
// can read it. Updates are best effort.
type PresenceMirror interface {
	SetOnline(ctx context.Context, userID, connID string) error
	SetActivity(ctx context.Context, userID, activity string) error
	SetOffline(ctx context.Context, userID, connID string) error
}

// Publisher hands persisted messages to asynchronous moderation.
type Publisher interface {
	PublishModerationRequest(data []byte) error
}
