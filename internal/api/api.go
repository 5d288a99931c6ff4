// Package api serves the REST collaborators of the realtime server: user
// listings, conversations, current songs, song lookup and live presence.
// The caller identity comes from the X-User-ID header set by the upstream
// auth proxy.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/samber/lo"

	"github.com/tandem/music-app/internal/hub"
	"github.com/tandem/music-app/internal/session"
	"github.com/tandem/music-app/internal/store"
)

// HeaderUserID carries the authenticated caller's user id.
const HeaderUserID = "X-User-ID"

// requestTimeout bounds each backing store call.
const requestTimeout = 5 * time.Second

// Catalog is the persistent data behind the API.
type Catalog interface {
	FindUser(ctx context.Context, id string) (store.User, error)
	FindUsersExcept(ctx context.Context, currentUserID string) ([]store.User, error)
	GetUserCurrentSong(ctx context.Context, userID string) (*string, error)
	SetUserCurrentSong(ctx context.Context, userID string, songID *string) (*string, error)
	GetSongByID(ctx context.Context, id string) (store.Song, error)
	Conversation(ctx context.Context, userA, userB string) ([]store.Message, error)
}

// PresenceSource lists users online on any server instance.
type PresenceSource interface {
	OnlineUsers(ctx context.Context) ([]session.Presence, error)
}

// StatsSource reports the local hub state.
type StatsSource interface {
	Stats(ctx context.Context) (hub.Stats, error)
}

// Handler routes the REST API.
type Handler struct {
	router        *httprouter.Router
	catalog       Catalog
	presence      PresenceSource
	stats         StatsSource
	allowedOrigin string
	log           *slog.Logger
}

// New returns a Handler. presence and stats may be nil, in which case their
// routes are not mounted.
func New(catalog Catalog, presence PresenceSource, stats StatsSource, allowedOrigin string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		router:        httprouter.New(),
		catalog:       catalog,
		presence:      presence,
		stats:         stats,
		allowedOrigin: allowedOrigin,
		log:           log.With("component", "api"),
	}
	h.setupRoutes()
	return h
}

func (h *Handler) setupRoutes() {
	h.router.GET("/api/users", h.handleUsers)
	h.router.GET("/api/users/:id", h.handleUser)
	h.router.GET("/api/users/:id/messages", h.handleMessages)
	h.router.GET("/api/users/:id/current-song", h.handleGetCurrentSong)
	h.router.PUT("/api/users/:id/current-song", h.handleSetCurrentSong)
	h.router.GET("/api/songs/:id", h.handleSong)
	if h.presence != nil {
		h.router.GET("/api/presence", h.handlePresence)
	}
	if h.stats != nil {
		h.router.GET("/api/stats", h.handleStats)
	}

	h.router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.setCORS(w)
		w.WriteHeader(http.StatusNoContent)
	})
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setCORS(w)
	h.router.ServeHTTP(w, r)
}

func (h *Handler) setCORS(w http.ResponseWriter) {
	if h.allowedOrigin == "" {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", h.allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderUserID)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

type userView struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	ImageURL string `json:"imageUrl"`
}

type currentSongView struct {
	SongID *string `json:"songId"`
}

type presenceView struct {
	UserID   string       `json:"userId"`
	Activity string       `json:"activity"`
	Playing  *playingView `json:"playing,omitempty"`
	Server   string       `json:"server"`
	Since    time.Time    `json:"since"`
}

// playingView is the song a "Playing {title} by {artist}" activity names.
type playingView struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

func newPresenceView(p session.Presence, _ int) presenceView {
	v := presenceView{UserID: p.UserID, Activity: p.Activity, Server: p.Server, Since: time.Unix(p.Since, 0).UTC()}
	if title, artist, ok := hub.ParseActivity(p.Activity); ok {
		v.Playing = &playingView{Title: title, Artist: artist}
	}
	return v
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	caller := r.Header.Get(HeaderUserID)
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+HeaderUserID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	users, err := h.catalog.FindUsersExcept(ctx, caller)
	if err != nil {
		h.internalError(w, "find users", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(users, func(u store.User, _ int) userView {
		return userView{ID: u.ID, FullName: u.FullName, ImageURL: u.ImageURL}
	}))
}

func (h *Handler) handleUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	u, err := h.catalog.FindUser(ctx, ps.ByName("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		h.internalError(w, "find user", err)
		return
	}
	writeJSON(w, http.StatusOK, userView{ID: u.ID, FullName: u.FullName, ImageURL: u.ImageURL})
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	caller := r.Header.Get(HeaderUserID)
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+HeaderUserID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	msgs, err := h.catalog.Conversation(ctx, caller, ps.ByName("id"))
	if err != nil {
		h.internalError(w, "conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleGetCurrentSong(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	songID, err := h.catalog.GetUserCurrentSong(ctx, ps.ByName("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		h.internalError(w, "get current song", err)
		return
	}
	writeJSON(w, http.StatusOK, currentSongView{SongID: songID})
}

func (h *Handler) handleSetCurrentSong(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body currentSongView
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	songID, err := h.catalog.SetUserCurrentSong(ctx, ps.ByName("id"), body.SongID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
		return
	case errors.Is(err, store.ErrUnknownSong):
		writeError(w, http.StatusNotFound, "Song not found")
		return
	case err != nil:
		h.internalError(w, "set current song", err)
		return
	}
	writeJSON(w, http.StatusOK, currentSongView{SongID: songID})
}

func (h *Handler) handleSong(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	song, err := h.catalog.GetSongByID(ctx, ps.ByName("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Song not found")
		return
	}
	if err != nil {
		h.internalError(w, "get song", err)
		return
	}
	writeJSON(w, http.StatusOK, song)
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	online, err := h.presence.OnlineUsers(ctx)
	if err != nil {
		h.internalError(w, "presence", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(online, newPresenceView))
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stats, err := h.stats.Stats(ctx)
	if err != nil {
		h.internalError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) internalError(w http.ResponseWriter, action string, err error) {
	h.log.Error("api: "+action+" failed", "err", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
