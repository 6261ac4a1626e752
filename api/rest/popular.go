package rest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mirocha/waveline/cache"
	"github.com/mirocha/waveline/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PopularHandler serves the most-followed-users ranking.
type PopularHandler struct {
	db     *gorm.DB
	cache  cache.Cache
	logger *zap.Logger
}

// NewPopularHandler creates a PopularHandler.
func NewPopularHandler(db *gorm.DB, c cache.Cache, logger *zap.Logger) *PopularHandler {
	return &PopularHandler{db: db, cache: c, logger: logger}
}

const popularZKey = "ranking:followers"
const popularTop = 100

// PopularEntry is one row of the popular-users ranking.
type PopularEntry struct {
	Rank      int    `json:"rank"`
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Avatar    string `json:"avatar"`
	Followers int64  `json:"followers"`
}

// Top returns the most-followed users.
// GET /api/users/popular?limit=20
func (h *PopularHandler) Top(c *gin.Context) {
	limit := 20
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= popularTop {
		limit = l
	}

	// Try the cached ranking from the sorted set.
	ctx := c.Request.Context()
	members, err := h.cache.ZRevRange(ctx, popularZKey, 0, int64(limit-1))
	if err == nil && len(members) > 0 {
		entries := make([]PopularEntry, 0, len(members))
		for i, m := range members {
			userID, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				continue
			}
			score, _ := h.cache.ZScore(ctx, popularZKey, m)
			entries = append(entries, PopularEntry{
				Rank:      i + 1,
				UserID:    userID,
				Followers: int64(score),
			})
		}
		h.enrichNames(ctx, entries)
		c.JSON(http.StatusOK, gin.H{"popular": entries})
		return
	}

	// Fall back to a DB aggregate and warm the cache on the way out.
	entries, err := h.queryTop(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	for _, e := range entries {
		_ = h.cache.ZAdd(ctx, popularZKey, float64(e.Followers), strconv.FormatInt(e.UserID, 10))
	}
	c.JSON(http.StatusOK, gin.H{"popular": entries})
}

// Refresh rebuilds the ranking sorted set from the follows table.
// Called periodically by the scheduler; also exposed as
// POST /api/admin/popular/refresh.
func (h *PopularHandler) Refresh(c *gin.Context) {
	n, err := h.RefreshRanking(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": n})
}

// RefreshRanking recomputes follower counts and writes them to the
// sorted set. Returns the number of ranked users.
func (h *PopularHandler) RefreshRanking(ctx context.Context) (int, error) {
	entries, err := h.queryTop(ctx, popularTop)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := h.cache.ZAdd(ctx, popularZKey, float64(e.Followers), strconv.FormatInt(e.UserID, 10)); err != nil {
			h.logger.Warn("popular ranking cache write failed", zap.Error(err))
		}
	}
	return len(entries), nil
}

func (h *PopularHandler) queryTop(ctx context.Context, limit int) ([]PopularEntry, error) {
	type row struct {
		UserID    int64
		Username  string
		Avatar    string
		Followers int64
	}
	var rows []row
	err := h.db.WithContext(ctx).
		Model(&model.Follow{}).
		Select("users.id AS user_id, users.username, users.avatar, COUNT(*) AS followers").
		Joins("JOIN users ON users.id = follows.following_id").
		Where("users.status = ?", 1).
		Group("users.id").
		Order("followers DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	entries := make([]PopularEntry, 0, len(rows))
	for i, r := range rows {
		entries = append(entries, PopularEntry{
			Rank:      i + 1,
			UserID:    r.UserID,
			Username:  r.Username,
			Avatar:    r.Avatar,
			Followers: r.Followers,
		})
	}
	return entries, nil
}

func (h *PopularHandler) enrichNames(ctx context.Context, entries []PopularEntry) {
	if len(entries) == 0 {
		return
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.UserID
	}
	type row struct {
		ID       int64
		Username string
		Avatar   string
	}
	var rows []row
	h.db.WithContext(ctx).
		Table("users").
		Select("id, username, avatar").
		Where("id IN ?", ids).
		Scan(&rows)
	nameMap := make(map[int64]row, len(rows))
	for _, r := range rows {
		nameMap[r.ID] = r
	}
	for i := range entries {
		if r, ok := nameMap[entries[i].UserID]; ok {
			entries[i].Username = r.Username
			entries[i].Avatar = r.Avatar
		}
	}
}
