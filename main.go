package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/mirocha/waveline/api/rest"
	"github.com/mirocha/waveline/api/sse"
	apows "github.com/mirocha/waveline/api/ws"
	"github.com/mirocha/waveline/audit"
	"github.com/mirocha/waveline/cache"
	"github.com/mirocha/waveline/config"
	dbadapter "github.com/mirocha/waveline/db"
	"github.com/mirocha/waveline/feed"
	"github.com/mirocha/waveline/graph"
	mw "github.com/mirocha/waveline/middleware"
	"github.com/mirocha/waveline/model"
	"github.com/mirocha/waveline/profile"
	"github.com/mirocha/waveline/scheduler"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	// Warn loudly if admin endpoints will be disabled.
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized")

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(context.Background())

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()

	// ---- Core services ----
	graphSvc := graph.NewService(db, logger)
	profileSvc := profile.NewService(db, graphSvc, logger)
	sm := feed.NewSessionManager(logger)
	defer sm.CloseAllSessions()
	broadcaster := feed.NewBroadcaster(graphSvc, sm, logger)

	// ---- WS Router ----
	wsRouter := apows.NewRouter(logger)
	apows.RegisterFeedHandlers(wsRouter)

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security, auditSvc)
	userH := apirest.NewUserHandler(db, profileSvc)
	socialH := apirest.NewSocialHandler(db, graphSvc, sm, auditSvc)
	postH := apirest.NewPostHandler(db, broadcaster, profileSvc, c, pubsub, auditSvc, cfg.Feed, logger)
	popularH := apirest.NewPopularHandler(db, c, logger)
	taskH := apirest.NewTaskHandler(db)
	adminH := apirest.NewAdminHandler(db, sm, c, sched, logger)

	// Periodic popular-users ranking refresh.
	rankingInterval := time.Duration(cfg.Feed.RankingIntervalS) * time.Second
	sched.AddTicker("popular_refresh", rankingInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := popularH.RefreshRanking(ctx); err != nil {
			logger.Warn("popular ranking refresh failed", zap.Error(err))
		}
	})

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/register", authH.Register)
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(cfg.Security, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(cfg.Security, c), authH.Refresh)

		usersG := api.Group("/users")
		usersG.Use(mw.Auth(cfg.Security, c))
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
		postsG.Use(mw.Auth(cfg.Security, c))
		postsG.POST("", postH.Create)
		postsG.GET("", postH.List)

		tasksG := api.Group("/tasks")
		tasksG.Use(mw.Auth(cfg.Security, c))
		tasksG.GET("", taskH.List)
		tasksG.POST("", taskH.Create)
		tasksG.PATCH("/:id", taskH.Update)
		tasksG.DELETE("/:id", taskH.Delete)

		adminG := api.Group("/admin")
		adminG.Use(apirest.AdminAuth(cfg.Server.AdminKey))
		if len(cfg.Server.AdminAllowedIPs) > 0 {
			adminG.Use(mw.IPWhitelist(cfg.Server.AdminAllowedIPs))
		}
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/online", adminH.OnlineUsers)
		adminG.POST("/kick/:id", adminH.KickUser)
		adminG.POST("/users/:id/ban", adminH.BanUser)
		adminG.GET("/posts/recent", adminH.RecentPosts)
		adminG.GET("/audit", adminH.AuditLogs)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
		adminG.POST("/popular/refresh", popularH.Refresh)
	}

	// ---- WebSocket ----
	wsH := apows.NewHandler(c, cfg.Security, cfg.Feed, sm, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- SSE ----
	sseH := sse.NewHandler(pubsub, c, graphSvc, cfg.Security, logger)
	r.GET("/sse", sseH.ServeSSE)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Server listening", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
