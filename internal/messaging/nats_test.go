package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg, nil)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestModerationCheckRoundTrip(t *testing.T) {
	c := newTestClient(t)

	got := make(chan []byte, 1)
	require.NoError(t, c.SubscribeModerationCheck(func(data []byte) { got <- data }))
	require.NoError(t, c.conn.Flush())

	require.NoError(t, c.PublishModerationRequest([]byte(`{"message_id":"m1"}`)))

	select {
	case data := <-got:
		require.JSONEq(t, `{"message_id":"m1"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("moderation request not received")
	}
}

func TestModerationResultsCarryUserID(t *testing.T) {
	c := newTestClient(t)

	type result struct {
		userID string
		data   string
	}
	got := make(chan result, 1)
	require.NoError(t, c.SubscribeModerationResults(func(userID string, data []byte) {
		got <- result{userID, string(data)}
	}))
	require.NoError(t, c.conn.Flush())

	require.NoError(t, c.PublishModerationResult("alice", []byte(`{"blocked":true}`)))

	select {
	case r := <-got:
		require.Equal(t, "alice", r.userID)
		require.JSONEq(t, `{"blocked":true}`, r.data)
	case <-time.After(2 * time.Second):
		t.Fatal("moderation result not received")
	}
}
