// Package gateway binds the socket layer to the hub. It registers a handler
// per client event on the dispatcher, applies the ban and rate limit guards
// in front of the hub, and turns moderation verdicts into banned frames.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tandem/music-app/internal/ban"
	"github.com/tandem/music-app/internal/moderation"
	"github.com/tandem/music-app/internal/protocol"
	"github.com/tandem/music-app/internal/ratelimit"
	"github.com/tandem/music-app/internal/ws"
)

// guardTimeout bounds each ban or rate limit lookup.
const guardTimeout = time.Second

// Hub is the part of the hub the gateway drives.
type Hub interface {
	Enqueue(connID string, msg interface{}) error
	Disconnect(connID string) error
	SendToUser(userID, msgType string, payload interface{}) error
}

// BanChecker returns a user's running chat ban, if any.
type BanChecker interface {
	Active(ctx context.Context, userID string) (ban.Ban, bool, error)
}

// RateLimiter throttles actions per identifier.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// Deps are the optional guards. Nil fields disable the guard.
type Deps struct {
	Bans    BanChecker
	Limiter RateLimiter
	Log     *slog.Logger
}

// Gateway routes socket events into the hub.
type Gateway struct {
	hub        Hub
	dispatcher *ws.MessageDispatcher
	bans       BanChecker
	limiter    RateLimiter
	log        *slog.Logger
}

// Attach registers the event handlers on dispatcher, makes it the frame
// callback of server, and reports every closed connection to hub.
func Attach(server *ws.Server, dispatcher *ws.MessageDispatcher, hub Hub, deps Deps) *Gateway {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		hub:        hub,
		dispatcher: dispatcher,
		bans:       deps.Bans,
		limiter:    deps.Limiter,
		log:        log.With("component", "gateway"),
	}

	// Presence and playback events go straight to the hub.
	for _, t := range []string{
		protocol.TypeUserConnected,
		protocol.TypeRegisterUser,
		protocol.TypeUpdateActivity,
		protocol.TypeRespondSync,
		protocol.TypeSyncSong,
	} {
		dispatcher.Register(t, g.forward)
	}
	dispatcher.Register(protocol.TypeSendMessage, g.handleSendMessage)
	dispatcher.Register(protocol.TypeRequestSync, g.handleRequestSync)

	server.SetOnMessage(dispatcher.Dispatch)
	server.SetOnDisconnect(g.handleDisconnect)
	if g.limiter != nil {
		server.SetAcceptFilter(g.allowConnect)
	}
	return g
}

func (g *Gateway) forward(conn *ws.Connection, msg interface{}) {
	if err := g.hub.Enqueue(conn.ID, msg); err != nil {
		g.log.Warn("enqueue failed", "conn", conn.ID, "err", err)
	}
}

// ---------------------------------------------------------------------------
// send_message: banned senders and floods are stopped before persistence.
// ---------------------------------------------------------------------------

func (g *Gateway) handleSendMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}

	if g.bans != nil {
		ctx, cancel := context.WithTimeout(context.Background(), guardTimeout)
		b, banned, err := g.bans.Active(ctx, m.SenderID)
		cancel()
		if err != nil {
			g.log.Warn("ban check failed", "conn", conn.ID, "user", m.SenderID, "err", err)
		}
		if banned {
			g.dispatcher.Send(conn, protocol.TypeBanned, protocol.BannedMsg{
				Duration: b.Seconds(),
				Reason:   b.Reason,
			})
			return
		}
	}

	if !g.allow(conn, m.SenderID, ratelimit.RuleMessage) {
		return
	}
	g.forward(conn, m)
}

// ---------------------------------------------------------------------------
// request_sync: throttled per connection.
// ---------------------------------------------------------------------------

func (g *Gateway) handleRequestSync(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.RequestSyncMsg)
	if !ok {
		return
	}
	if !g.allow(conn, conn.ID, ratelimit.RuleSync) {
		return
	}
	g.forward(conn, m)
}

// allow applies rule to identifier and answers rate_limited when exceeded.
// Limiter errors fail open.
func (g *Gateway) allow(conn *ws.Connection, identifier string, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), guardTimeout)
	defer cancel()

	ok, err := g.limiter.Allow(ctx, identifier, rule)
	if err != nil || ok {
		return true
	}

	retry, err := g.limiter.RetryAfter(ctx, identifier, rule)
	if err != nil || retry <= 0 {
		retry = rule.Window
	}
	g.log.Debug("rate limited", "conn", conn.ID, "key", rule.Key+identifier)
	g.dispatcher.Send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int((retry + time.Second - 1) / time.Second),
	})
	return false
}

// allowConnect throttles upgrades per client IP.
func (g *Gateway) allowConnect(r *http.Request) bool {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	ctx, cancel := context.WithTimeout(r.Context(), guardTimeout)
	defer cancel()

	ok, err := g.limiter.Allow(ctx, ip, ratelimit.RuleConnect)
	if err != nil {
		return true
	}
	if !ok {
		g.log.Info("connection attempt throttled", "ip", ip)
	}
	return ok
}

func (g *Gateway) handleDisconnect(connID string) {
	if err := g.hub.Disconnect(connID); err != nil {
		g.log.Warn("disconnect failed", "conn", connID, "err", err)
	}
}

// ---------------------------------------------------------------------------
// Moderation results
// ---------------------------------------------------------------------------

// HandleModerationResult tells a sender that a moderation verdict banned it.
// Verdicts without a ban are only logged.
func (g *Gateway) HandleModerationResult(userID string, data []byte) {
	var res moderation.ModerationResult
	if err := json.Unmarshal(data, &res); err != nil {
		g.log.Warn("invalid moderation result", "user", userID, "err", err)
		return
	}
	if !res.Blocked {
		return
	}
	g.log.Info("message flagged", "user", userID, "reason", res.Reason, "offenses", res.Offenses, "ban_seconds", res.BanSeconds)
	if res.BanSeconds <= 0 {
		return
	}
	if err := g.hub.SendToUser(userID, protocol.TypeBanned, protocol.BannedMsg{
		Duration: res.BanSeconds,
		Reason:   res.BanReason,
	}); err != nil {
		g.log.Warn("ban notice failed", "user", userID, "err", err)
	}
}
