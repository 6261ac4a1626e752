package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mirocha/waveline/audit"
	"github.com/mirocha/waveline/feed"
	"github.com/mirocha/waveline/graph"
	mw "github.com/mirocha/waveline/middleware"
	"gorm.io/gorm"
)

// SocialHandler handles follow/block REST endpoints.
type SocialHandler struct {
	db    *gorm.DB
	graph *graph.Service
	sm    *feed.SessionManager
	audit *audit.Service
}

// NewSocialHandler creates a new SocialHandler.
func NewSocialHandler(db *gorm.DB, g *graph.Service, sm *feed.SessionManager, au *audit.Service) *SocialHandler {
	return &SocialHandler{db: db, graph: g, sm: sm, audit: au}
}

// graphStatus maps graph service errors to HTTP responses.
func graphStatus(c *gin.Context, err error) {
	switch {
	case errors.Is(err, graph.ErrSelfReference):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, graph.ErrInvalidTarget):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, graph.ErrBlocked):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, graph.ErrAlreadyFollowing):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func targetID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *SocialHandler) logAction(c *gin.Context, action string, target int64, actionErr error) {
	actorID := mw.GetUserID(c)
	errMsg := ""
	if actionErr != nil {
		errMsg = actionErr.Error()
	}
	h.audit.Log(audit.AuditEntry{
		TraceID:  mw.GetTraceID(c),
		ActorID:  &actorID,
		Username: mw.GetUsername(c),
		Action:   action,
		Request:  map[string]int64{"target_id": target},
		Error:    errMsg,
		IP:       c.ClientIP(),
	})
}

// Follow handles POST /api/users/:id/follow.
func (h *SocialHandler) Follow(c *gin.Context) {
	id, ok := targetID(c)
	if !ok {
		return
	}
	err := h.graph.Follow(c.Request.Context(), mw.GetUserID(c), id)
	h.logAction(c, "graph.follow", id, err)
	if err != nil {
		graphStatus(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"following": true})
}

// Unfollow handles DELETE /api/users/:id/follow.
// Removing a non-existent edge succeeds with no change.
func (h *SocialHandler) Unfollow(c *gin.Context) {
	id, ok := targetID(c)
	if !ok {
		return
	}
	err := h.graph.Unfollow(c.Request.Context(), mw.GetUserID(c), id)
	h.logAction(c, "graph.unfollow", id, err)
	if err != nil {
		graphStatus(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"following": false})
}

// Block handles POST /api/users/:id/block.
// Creating the block also severs any follow edges in both directions.
func (h *SocialHandler) Block(c *gin.Context) {
	id, ok := targetID(c)
	if !ok {
		return
	}
	err := h.graph.Block(c.Request.Context(), mw.GetUserID(c), id)
	h.logAction(c, "graph.block", id, err)
	if err != nil {
		graphStatus(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"blocked": true})
}

// Unblock handles DELETE /api/users/:id/block.
func (h *SocialHandler) Unblock(c *gin.Context) {
	id, ok := targetID(c)
	if !ok {
		return
	}
	err := h.graph.Unblock(c.Request.Context(), mw.GetUserID(c), id)
	h.logAction(c, "graph.unblock", id, err)
	if err != nil {
		graphStatus(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": false})
}

// Followers handles GET /api/users/:id/followers.
func (h *SocialHandler) Followers(c *gin.Context) {
	id, ok := targetID(c)
	if !ok {
		return
	}
	ids, err := h.graph.Followers(c.Request.Context(), id)
	if err != nil {
		graphStatus(c, err)
		return
	}
	users, err := h.userSummaries(c, ids)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"followers": users, "count": len(users)})
}

// Following handles GET /api/users/:id/following.
func (h *SocialHandler) Following(c *gin.Context) {
	id, ok := targetID(c)
	if !ok {
		return
	}
	ids, err := h.graph.Following(c.Request.Context(), id)
	if err != nil {
		graphStatus(c, err)
		return
	}
	users, err := h.userSummaries(c, ids)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"following": users, "count": len(users)})
}

// Counts handles GET /api/users/:id/counts.
func (h *SocialHandler) Counts(c *gin.Context) {
	id, ok := targetID(c)
	if !ok {
		return
	}
	counts, err := h.graph.GetCounts(c.Request.Context(), id)
	if err != nil {
		graphStatus(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"followers": counts.Followers,
		"following": counts.Following,
	})
}

type userSummary struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Online   bool   `json:"online"`
}

func (h *SocialHandler) userSummaries(c *gin.Context, ids []int64) ([]userSummary, error) {
	out := make([]userSummary, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	type row struct {
		ID       int64
		Username string
		Avatar   string
	}
	var rows []row
	err := h.db.WithContext(c.Request.Context()).
		Table("users").
		Select("id, username, avatar").
		Where("id IN ? AND status = ?", ids, 1).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out = append(out, userSummary{
			ID:       r.ID,
			Username: r.Username,
			Avatar:   r.Avatar,
			Online:   h.sm.IsOnline(r.ID),
		})
	}
	return out, nil
}
