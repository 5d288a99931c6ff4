package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tandem/music-app/internal/hub"
	"github.com/tandem/music-app/internal/session"
	"github.com/tandem/music-app/internal/store"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeCatalog struct {
	users    map[string]store.User
	current  map[string]*string
	songs    map[string]store.Song
	messages []store.Message
	err      error
}

func newFakeCatalog() *fakeCatalog {
	s1 := "s1"
	return &fakeCatalog{
		users: map[string]store.User{
			"alice": {ID: "alice", FullName: "Alice", ImageURL: "a.png"},
			"bob":   {ID: "bob", FullName: "Bob", ImageURL: "b.png"},
		},
		current: map[string]*string{"alice": &s1, "bob": nil},
		songs: map[string]store.Song{
			"s1": {ID: "s1", Title: "Song One", Artist: "Band", Duration: 180},
		},
		messages: []store.Message{
			{ID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "hi"},
		},
	}
}

func (c *fakeCatalog) FindUser(_ context.Context, id string) (store.User, error) {
	u, ok := c.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (c *fakeCatalog) FindUsersExcept(_ context.Context, id string) ([]store.User, error) {
	if c.err != nil {
		return nil, c.err
	}
	var out []store.User
	for _, uid := range []string{"alice", "bob"} {
		if uid != id {
			out = append(out, c.users[uid])
		}
	}
	return out, nil
}

func (c *fakeCatalog) GetUserCurrentSong(_ context.Context, id string) (*string, error) {
	v, ok := c.current[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (c *fakeCatalog) SetUserCurrentSong(_ context.Context, id string, songID *string) (*string, error) {
	if _, ok := c.current[id]; !ok {
		return nil, store.ErrNotFound
	}
	if songID != nil {
		if _, ok := c.songs[*songID]; !ok {
			return nil, store.ErrUnknownSong
		}
	}
	c.current[id] = songID
	return songID, nil
}

func (c *fakeCatalog) GetSongByID(_ context.Context, id string) (store.Song, error) {
	s, ok := c.songs[id]
	if !ok {
		return store.Song{}, store.ErrNotFound
	}
	return s, nil
}

func (c *fakeCatalog) Conversation(_ context.Context, a, b string) ([]store.Message, error) {
	var out []store.Message
	for _, m := range c.messages {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakePresence struct{ online []session.Presence }

func (p fakePresence) OnlineUsers(context.Context) ([]session.Presence, error) {
	return p.online, nil
}

type fakeStats struct{ stats hub.Stats }

func (s fakeStats) Stats(context.Context) (hub.Stats, error) { return s.stats, nil }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func do(t *testing.T, h http.Handler, method, path, caller, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if caller != "" {
		r.Header.Set(HeaderUserID, caller)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestUsers_ExcludesCaller(t *testing.T) {
	h := New(newFakeCatalog(), nil, nil, "", nil)

	w := do(t, h, http.MethodGet, "/api/users", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[{"id":"bob","fullName":"Bob","imageUrl":"b.png"}]`, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/users", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUsers_StoreError(t *testing.T) {
	cat := newFakeCatalog()
	cat.err = errors.New("db down")
	h := New(cat, nil, nil, "", nil)

	w := do(t, h, http.MethodGet, "/api/users", "alice", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.JSONEq(t, `{"error":"Internal server error"}`, w.Body.String())
}

func TestUser_NotFound(t *testing.T) {
	h := New(newFakeCatalog(), nil, nil, "", nil)

	w := do(t, h, http.MethodGet, "/api/users/bob", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/users/zed", "", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"error":"User not found"}`, w.Body.String())
}

func TestMessages_Conversation(t *testing.T) {
	h := New(newFakeCatalog(), nil, nil, "", nil)

	w := do(t, h, http.MethodGet, "/api/users/alice/messages", "bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []store.Message
	decodeBody(t, w, &msgs)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Content)
}

func TestCurrentSong(t *testing.T) {
	h := New(newFakeCatalog(), nil, nil, "", nil)

	w := do(t, h, http.MethodGet, "/api/users/alice/current-song", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"songId":"s1"}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/users/bob/current-song", "", "")
	require.JSONEq(t, `{"songId":null}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/users/zed/current-song", "", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"error":"User not found"}`, w.Body.String())
}

func TestSetCurrentSong(t *testing.T) {
	h := New(newFakeCatalog(), nil, nil, "", nil)

	w := do(t, h, http.MethodPut, "/api/users/bob/current-song", "", `{"songId":"s1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"songId":"s1"}`, w.Body.String())

	w = do(t, h, http.MethodPut, "/api/users/bob/current-song", "", `{"songId":null}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"songId":null}`, w.Body.String())

	w = do(t, h, http.MethodPut, "/api/users/bob/current-song", "", `{"songId":"nope"}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"error":"Song not found"}`, w.Body.String())

	w = do(t, h, http.MethodPut, "/api/users/zed/current-song", "", `{"songId":"s1"}`)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPut, "/api/users/bob/current-song", "", `not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSong(t *testing.T) {
	h := New(newFakeCatalog(), nil, nil, "", nil)

	w := do(t, h, http.MethodGet, "/api/songs/s1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var song store.Song
	decodeBody(t, w, &song)
	require.Equal(t, "Song One", song.Title)

	w = do(t, h, http.MethodGet, "/api/songs/s9", "", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"error":"Song not found"}`, w.Body.String())
}

func TestPresenceAndStats(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pres := fakePresence{online: []session.Presence{
		{UserID: "alice", ConnID: "c1", Server: "ws-1", Activity: "Idle", Since: since.Unix()},
		{UserID: "bob", ConnID: "c2", Server: "ws-2", Activity: "Playing Stand by Me by Ben E. King", Since: since.Unix()},
	}}
	h := New(newFakeCatalog(), pres, fakeStats{hub.Stats{OnlineUsers: 1, Connections: 2}}, "", nil)

	w := do(t, h, http.MethodGet, "/api/presence", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t,
		`[{"userId":"alice","activity":"Idle","server":"ws-1","since":"2026-01-02T03:04:05Z"},
		  {"userId":"bob","activity":"Playing Stand by Me by Ben E. King",
		   "playing":{"title":"Stand by Me","artist":"Ben E. King"},
		   "server":"ws-2","since":"2026-01-02T03:04:05Z"}]`,
		w.Body.String())

	w = do(t, h, http.MethodGet, "/api/stats", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"onlineUsers":1,"connections":2,"queueDepth":0}`, w.Body.String())
}

func TestPresenceNotMountedWithoutSource(t *testing.T) {
	h := New(newFakeCatalog(), nil, nil, "", nil)

	w := do(t, h, http.MethodGet, "/api/presence", "", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORS(t *testing.T) {
	h := New(newFakeCatalog(), nil, nil, "http://localhost:3000", nil)

	w := do(t, h, http.MethodOptions, "/api/users", "", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(t, h, http.MethodGet, "/api/songs/s1", "", "")
	require.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
