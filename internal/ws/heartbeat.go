package ws

import (
	"context"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (no successful reads within Interval + Timeout). Evicted connections
// go through RemoveConnection, so the disconnect callback fires for them. It
// returns immediately; the goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

// checkConnections removes connections idle for longer than Interval +
// Timeout and pings the rest. Browsers answer the ping frame with a pong,
// which counts as activity. Sessions of the connections still alive get
// their TTL refreshed.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout
	var alive []string

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			server.log.Info("ws: heartbeat timeout", "conn", c.ID, "idle", idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.log.Info("ws: heartbeat ping failed", "conn", c.ID, "err", err)
			server.RemoveConnection(c)
			continue
		}
		alive = append(alive, c.ID)
	}

	if server.sessions == nil || len(alive) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	if err := server.sessions.Touch(ctx, alive...); err != nil {
		server.log.Warn("ws: failed to refresh sessions", "count", len(alive), "err", err)
	}
}
