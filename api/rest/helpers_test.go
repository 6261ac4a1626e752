package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mirocha/waveline/audit"
	"github.com/mirocha/waveline/cache"
	"github.com/mirocha/waveline/config"
	"github.com/mirocha/waveline/feed"
	"github.com/mirocha/waveline/graph"
	mw "github.com/mirocha/waveline/middleware"
	"github.com/mirocha/waveline/profile"
	"github.com/mirocha/waveline/scheduler"
	"github.com/mirocha/waveline/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testAdminKey = "test-admin-key"

type testEnv struct {
	engine *gin.Engine
	db     *gorm.DB
	cache  cache.Cache
	graph  *graph.Service
	sm     *feed.SessionManager
	sec    config.SecurityConfig
}

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

// newTestEnv wires the full REST surface over an in-memory DB and cache.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDB(t)
	c, ps := testutil.SetupTestCache(t)
	logger := nop()

	sec := config.SecurityConfig{
		JWTSecret:  "rest-test-secret",
		JWTTTLH:    time.Hour,
		BcryptCost: 4, // fast hashing in tests
	}
	feedCfg := config.FeedConfig{
		MaxPostLen:      500,
		RecentCacheSize: 100,
	}

	auditSvc := audit.New(db, logger)
	t.Cleanup(func() { auditSvc.Stop(context.Background()) })

	g := graph.NewService(db, logger)
	p := profile.NewService(db, g, logger)
	sm := feed.NewSessionManager(logger)
	b := feed.NewBroadcaster(g, sm, logger)
	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)

	authH := NewAuthHandler(db, c, sec, auditSvc)
	userH := NewUserHandler(db, p)
	socialH := NewSocialHandler(db, g, sm, auditSvc)
	postH := NewPostHandler(db, b, p, c, ps, auditSvc, feedCfg, logger)
	popularH := NewPopularHandler(db, c, logger)
	adminH := NewAdminHandler(db, sm, c, sched, logger)
	taskH := NewTaskHandler(db)

	r := gin.New()
	r.Use(mw.TraceID())
	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/register", authH.Register)
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(sec, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(sec, c), authH.Refresh)

		usersG := api.Group("/users")
		usersG.Use(mw.Auth(sec, c))
		usersG.GET("", userH.Directory)
		usersG.GET("/me", userH.Me)
		usersG.PATCH("/me", userH.UpdateMe)
		usersG.GET("/popular", popularH.Top)
		usersG.GET("/:id", userH.GetProfile)
		usersG.POST("/:id/follow", socialH.Follow)
		usersG.DELETE("/:id/follow", socialH.Unfollow)
		usersG.POST("/:id/block", socialH.Block)
		usersG.DELETE("/:id/block", socialH.Unblock)
		usersG.GET("/:id/followers", socialH.Followers)
		usersG.GET("/:id/following", socialH.Following)
		usersG.GET("/:id/counts", socialH.Counts)

		postsG := api.Group("/posts")
		postsG.Use(mw.Auth(sec, c))
		postsG.POST("", postH.Create)
		postsG.GET("", postH.List)

		tasksG := api.Group("/tasks")
		tasksG.Use(mw.Auth(sec, c))
		tasksG.GET("", taskH.List)
		tasksG.POST("", taskH.Create)
		tasksG.PATCH("/:id", taskH.Update)
		tasksG.DELETE("/:id", taskH.Delete)

		adminG := api.Group("/admin")
		adminG.Use(AdminAuth(testAdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/online", adminH.OnlineUsers)
		adminG.POST("/kick/:id", adminH.KickUser)
		adminG.POST("/users/:id/ban", adminH.BanUser)
		adminG.GET("/posts/recent", adminH.RecentPosts)
		adminG.GET("/audit", adminH.AuditLogs)
	}

	return &testEnv{engine: r, db: db, cache: c, graph: g, sm: sm, sec: sec}
}

// request performs one JSON request; token and adminKey may be empty.
func (e *testEnv) request(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func (e *testEnv) adminRequest(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", testAdminKey)
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

// registerUser registers through the API and returns (userID, token).
func (e *testEnv) registerUser(t *testing.T, username string) (int64, string) {
	t.Helper()
	w := e.request(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":    username + "@example.com",
		"username": username,
		"password": "password1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Token  string `json:"token"`
		UserID int64  `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.UserID, resp.Token
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}
