package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/mirocha/waveline/audit"
	"github.com/mirocha/waveline/cache"
	"github.com/mirocha/waveline/config"
	"github.com/mirocha/waveline/feed"
	mw "github.com/mirocha/waveline/middleware"
	"github.com/mirocha/waveline/model"
	"github.com/mirocha/waveline/profile"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const recentPostsKey = "posts:recent"

// PostChannel is the pub/sub channel new posts are announced on.
const PostChannel = "posts"

// PostHandler handles post creation and listing.
type PostHandler struct {
	db          *gorm.DB
	broadcaster *feed.Broadcaster
	profiles    *profile.Service
	cache       cache.Cache
	pubsub      cache.PubSub
	audit       *audit.Service
	cfg         config.FeedConfig
	logger      *zap.Logger

	// authorLocks serializes insert+fan-out per author, so two
	// concurrent creates by one author always reach live sessions in
	// creation order. Striped: different authors rarely contend.
	authorLocks [64]sync.Mutex
}

// NewPostHandler creates a new PostHandler.
func NewPostHandler(
	db *gorm.DB,
	b *feed.Broadcaster,
	p *profile.Service,
	c cache.Cache,
	ps cache.PubSub,
	au *audit.Service,
	cfg config.FeedConfig,
	logger *zap.Logger,
) *PostHandler {
	return &PostHandler{
		db:          db,
		broadcaster: b,
		profiles:    p,
		cache:       c,
		pubsub:      ps,
		audit:       au,
		cfg:         cfg,
		logger:      logger,
	}
}

type createPostRequest struct {
	Content string `json:"content" binding:"required"`
}

// Create handles POST /api/posts. The post is persisted first; live
// delivery is best-effort and its failures never surface here.
func (h *PostHandler) Create(c *gin.Context) {
	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is empty"})
		return
	}
	if len(content) > h.cfg.MaxPostLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content too long"})
		return
	}

	userID := mw.GetUserID(c)
	username := mw.GetUsername(c)
	post := &model.Post{AuthorID: userID, Content: content}

	mu := &h.authorLocks[uint64(userID)%uint64(len(h.authorLocks))]
	mu.Lock()
	if err := h.db.WithContext(c.Request.Context()).Create(post).Error; err != nil {
		mu.Unlock()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	delivered := h.broadcaster.Publish(c.Request.Context(), post, username)

	event := feed.PostEvent{
		ID:        post.ID,
		AuthorID:  post.AuthorID,
		Username:  username,
		Content:   post.Content,
		CreatedAt: post.CreatedAt,
	}
	if data, err := json.Marshal(event); err == nil {
		ctx := c.Request.Context()
		// Announce on pub/sub for the SSE stream.
		if err := h.pubsub.Publish(ctx, PostChannel, string(data)); err != nil {
			h.logger.Warn("post pubsub publish failed", zap.Error(err))
		}
		// Keep a bounded recent-posts list for the moderation view.
		_ = h.cache.LPush(ctx, recentPostsKey, string(data))
		_ = h.cache.LTrim(ctx, recentPostsKey, 0, int64(h.cfg.RecentCacheSize-1))
	}
	mu.Unlock()

	h.audit.Log(audit.AuditEntry{
		TraceID:  mw.GetTraceID(c),
		ActorID:  &event.AuthorID,
		Username: username,
		Action:   "post.create",
		Request:  map[string]interface{}{"post_id": post.ID, "length": len(content)},
		IP:       c.ClientIP(),
	})

	c.JSON(http.StatusCreated, gin.H{
		"post":      event,
		"delivered": delivered,
	})
}

// List handles GET /api/posts?limit=50 — the global timeline, minus
// authors with a block edge to or from the caller.
func (h *PostHandler) List(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	posts, err := h.profiles.GlobalPosts(c.Request.Context(), mw.GetUserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts, "count": len(posts)})
}
