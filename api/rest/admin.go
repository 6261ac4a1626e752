package rest

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mirocha/waveline/cache"
	"github.com/mirocha/waveline/feed"
	"github.com/mirocha/waveline/model"
	"github.com/mirocha/waveline/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db     *gorm.DB
	sm     *feed.SessionManager
	cache  cache.Cache
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	db *gorm.DB,
	sm *feed.SessionManager,
	c cache.Cache,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{db: db, sm: sm, cache: c, sched: sched, logger: logger}
}

// Metrics returns server health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	var users, posts int64
	h.db.Model(&model.User{}).Count(&users)
	h.db.Model(&model.Post{}).Count(&posts)
	c.JSON(http.StatusOK, gin.H{
		"online_sessions": h.sm.Count(),
		"online_users":    len(h.sm.OnlineUserIDs()),
		"total_users":     users,
		"total_posts":     posts,
		"scheduler_tasks": h.sched.ListTickers(),
	})
}

// OnlineUsers returns a snapshot of connected users and their sessions.
// GET /api/admin/online
func (h *AdminHandler) OnlineUsers(c *gin.Context) {
	ids := h.sm.OnlineUserIDs()
	type onlineInfo struct {
		UserID   int64 `json:"user_id"`
		Sessions int   `json:"sessions"`
	}
	result := make([]onlineInfo, 0, len(ids))
	for _, id := range ids {
		result = append(result, onlineInfo{
			UserID:   id,
			Sessions: len(h.sm.SessionsFor(id)),
		})
	}
	c.JSON(http.StatusOK, gin.H{"online": result, "count": len(result)})
}

// KickUser forcibly closes all live sessions of one user.
// POST /api/admin/kick/:id
func (h *AdminHandler) KickUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	closed := h.sm.CloseUser(userID)
	if closed == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not online"})
		return
	}
	h.logger.Info("admin kicked user",
		zap.Int64("user_id", userID), zap.Int("sessions", closed))
	c.JSON(http.StatusOK, gin.H{"ok": true, "closed": closed})
}

// BanUser bans or unbans an account. A banned user is also kicked from
// the live feed.
// POST /api/admin/users/:id/ban
func (h *AdminHandler) BanUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req struct {
		Ban bool `json:"ban"`
	}
	_ = c.ShouldBindJSON(&req)

	status := 1
	if req.Ban {
		status = 0
	}
	result := h.db.Model(&model.User{}).Where("id = ?", userID).Update("status", status)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	if req.Ban {
		h.sm.CloseUser(userID)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// RecentPosts returns the cached recent-posts list for moderation.
// GET /api/admin/posts/recent
func (h *AdminHandler) RecentPosts(c *gin.Context) {
	raw, err := h.cache.LRange(c.Request.Context(), recentPostsKey, 0, -1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache error"})
		return
	}
	posts := make([]json.RawMessage, 0, len(raw))
	for _, r := range raw {
		posts = append(posts, json.RawMessage(r))
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts, "count": len(posts)})
}

// AuditLogs returns the most recent audit entries.
// GET /api/admin/audit?limit=100
func (h *AdminHandler) AuditLogs(c *gin.Context) {
	limit := 100
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}
	var logs []model.AuditLog
	if err := h.db.Order("id DESC").Limit(limit).Find(&logs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

// ListSchedulerTasks returns names of all registered ticker tasks.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.ListTickers()})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// WARNING: if adminKey is empty all admin endpoints are disabled (503) so the
// server cannot be accidentally deployed without protection. Set a non-empty
// server.admin_key in config to enable admin routes.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
