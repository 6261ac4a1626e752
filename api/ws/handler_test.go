package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mirocha/waveline/config"
	"github.com/mirocha/waveline/feed"
	mw "github.com/mirocha/waveline/middleware"
	"github.com/mirocha/waveline/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "ws-test-secret"

func newWSServer(t *testing.T) (*httptest.Server, *feed.SessionManager, string) {
	return newWSServerCfg(t, config.FeedConfig{})
}

func newWSServerCfg(t *testing.T, feedCfg config.FeedConfig) (*httptest.Server, *feed.SessionManager, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	c, _ := testutil.SetupTestCache(t)
	sec := config.SecurityConfig{JWTSecret: testSecret, JWTTTLH: time.Hour}
	sm := feed.NewSessionManager(nop())
	router := NewRouter(nop())
	RegisterFeedHandlers(router)
	h := NewHandler(c, sec, feedCfg, sm, router, nop())

	engine := gin.New()
	engine.GET("/ws", h.ServeWS)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	token, err := mw.GenerateToken(7, "ada", testSecret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), "session:"+token, "7", time.Hour))
	return srv, sm, token
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
}

func TestServeWS_MissingToken(t *testing.T) {
	srv, _, _ := newWSServer(t)
	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWS_InvalidToken(t *testing.T) {
	srv, _, _ := newWSServer(t)
	resp, err := http.Get(srv.URL + "/ws?token=not-a-jwt")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWS_ExpiredSession(t *testing.T) {
	srv, _, _ := newWSServer(t)
	// Valid JWT but no session entry in the cache (logged out).
	token, err := mw.GenerateToken(8, "grace", testSecret, time.Hour)
	require.NoError(t, err)
	resp, err := http.Get(srv.URL + "/ws?token=" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWS_ConnectAndPing(t *testing.T) {
	srv, sm, token := newWSServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token="+token), nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// The session registers once the handshake completes.
	require.Eventually(t, func() bool {
		return sm.IsOnline(7)
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(feed.Packet{
		Type:    "ping",
		Payload: json.RawMessage(`{"client_ts":99}`),
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pkt feed.Packet
	require.NoError(t, conn.ReadJSON(&pkt))
	assert.Equal(t, "pong", pkt.Type)
}

func TestServeWS_SessionUsesFeedConfig(t *testing.T) {
	srv, sm, token := newWSServerCfg(t, config.FeedConfig{
		SessionSendBuf: 8,
		WriteTimeout:   time.Second,
	})

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token="+token), nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return sm.IsOnline(7)
	}, time.Second, 10*time.Millisecond)

	sessions := sm.SessionsFor(7)
	require.Len(t, sessions, 1)
	assert.Equal(t, 8, cap(sessions[0].SendChan), "configured buffer size is applied")
}

func TestServeWS_UnregistersOnDisconnect(t *testing.T) {
	srv, sm, token := newWSServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token="+token), nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}

	require.Eventually(t, func() bool {
		return sm.IsOnline(7)
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return !sm.IsOnline(7)
	}, 2*time.Second, 10*time.Millisecond)
}
