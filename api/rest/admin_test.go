package rest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mirocha/waveline/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmin_RequiresKey(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/admin/metrics", nil)
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/metrics", nil)
	req.Header.Set("X-Admin-Key", "wrong-key")
	w = httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdmin_Metrics(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "ada")

	w := env.adminRequest(t, http.MethodGet, "/api/admin/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		OnlineSessions int   `json:"online_sessions"`
		TotalUsers     int64 `json:"total_users"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, int64(1), resp.TotalUsers)
	assert.Zero(t, resp.OnlineSessions)
}

func TestAdmin_KickUser(t *testing.T) {
	env := newTestEnv(t)
	idA, _ := env.registerUser(t, "ada")

	sess := &feed.Session{
		ID:       "s1",
		UserID:   idA,
		SendChan: make(chan []byte, 256),
		Done:     make(chan struct{}),
	}
	env.sm.Register(sess)

	w := env.adminRequest(t, http.MethodPost, fmt.Sprintf("/api/admin/kick/%d", idA), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, sess.IsClosed())

	// Nobody left to kick.
	w = env.adminRequest(t, http.MethodPost, fmt.Sprintf("/api/admin/kick/%d", idA), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_BanUser(t *testing.T) {
	env := newTestEnv(t)
	idA, tokenA := env.registerUser(t, "ada")
	_, tokenB := env.registerUser(t, "grace")

	sess := &feed.Session{
		ID:       "s1",
		UserID:   idA,
		SendChan: make(chan []byte, 256),
		Done:     make(chan struct{}),
	}
	env.sm.Register(sess)

	w := env.adminRequest(t, http.MethodPost, fmt.Sprintf("/api/admin/users/%d/ban", idA), gin.H{"ban": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, sess.IsClosed(), "ban kicks live sessions")

	// A banned user's profile is gone for everyone else.
	w = env.request(t, http.MethodGet, fmt.Sprintf("/api/users/%d", idA), tokenB, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Unban restores it.
	w = env.adminRequest(t, http.MethodPost, fmt.Sprintf("/api/admin/users/%d/ban", idA), gin.H{"ban": false})
	require.Equal(t, http.StatusOK, w.Code)
	w = env.request(t, http.MethodGet, fmt.Sprintf("/api/users/%d", idA), tokenB, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	_ = tokenA
}

func TestAdmin_RecentPosts(t *testing.T) {
	env := newTestEnv(t)
	_, tokenA := env.registerUser(t, "ada")

	require.Equal(t, http.StatusCreated,
		env.request(t, http.MethodPost, "/api/posts", tokenA, gin.H{"content": "one"}).Code)
	require.Equal(t, http.StatusCreated,
		env.request(t, http.MethodPost, "/api/posts", tokenA, gin.H{"content": "two"}).Code)

	w := env.adminRequest(t, http.MethodGet, "/api/admin/posts/recent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count int `json:"count"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, 2, resp.Count)
	// Newest first (LPush).
	assert.Contains(t, w.Body.String(), "two")
}
