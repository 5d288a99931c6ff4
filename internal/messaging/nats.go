// Package messaging provides a NATS client wrapper for pub/sub between the
// realtime server and the moderation worker. It handles connection lifecycle,
// subject-based subscriptions, and convenience methods for the moderation
// channels.
package messaging

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectModeration       = "moderation.check"
	SubjectModerationResult = "moderation.result" // + .<user_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  *slog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "tandem",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *slog.Logger) (*NATSClient, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and keeps the
// subscription so Close can drain it.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// QueueSubscribe is Subscribe with a queue group, so each message reaches
// only one member of the group.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject+"#"+queue] = sub
	c.mu.Unlock()

	return nil
}

// PublishModerationRequest publishes a moderation check request.
func (c *NATSClient) PublishModerationRequest(data []byte) error {
	return c.Publish(SubjectModeration, data)
}

// SubscribeModerationCheck subscribes to moderation check requests. Workers
// share the "moderators" queue group so each request is reviewed once.
func (c *NATSClient) SubscribeModerationCheck(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectModeration, "moderators", func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishModerationResult publishes a moderation result for a specific user.
func (c *NATSClient) PublishModerationResult(userID string, data []byte) error {
	return c.Publish(SubjectModerationResult+"."+userID, data)
}

// SubscribeModerationResults subscribes to moderation results for every user.
// The handler receives the user id taken from the subject.
func (c *NATSClient) SubscribeModerationResults(handler func(userID string, data []byte)) error {
	prefix := SubjectModerationResult + "."
	return c.Subscribe(prefix+"*", func(msg *nats.Msg) {
		handler(strings.TrimPrefix(msg.Subject, prefix), msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription", "subject", subject, "err", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("drain connection", "err", err)
	}
}
