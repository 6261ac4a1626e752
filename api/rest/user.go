package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	mw "github.com/mirocha/waveline/middleware"
	"github.com/mirocha/waveline/model"
	"github.com/mirocha/waveline/profile"
	"gorm.io/gorm"
)

// UserHandler handles user directory and profile REST endpoints.
type UserHandler struct {
	db       *gorm.DB
	profiles *profile.Service
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(db *gorm.DB, p *profile.Service) *UserHandler {
	return &UserHandler{db: db, profiles: p}
}

// Directory handles GET /api/users — every active user visible to the
// caller (anyone with a block edge to or from the caller is omitted).
func (h *UserHandler) Directory(c *gin.Context) {
	entries, err := h.profiles.Directory(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": entries, "count": len(entries)})
}

// GetProfile handles GET /api/users/:id. A target who has blocked the
// caller gets a 403 without revealing anything else.
func (h *UserHandler) GetProfile(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	view, err := h.profiles.GetProfile(c.Request.Context(), mw.GetUserID(c), id)
	if err != nil {
		switch {
		case errors.Is(err, profile.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		case errors.Is(err, profile.ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": "profile not visible"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, view)
}

type updateMeRequest struct {
	Username   *string `json:"username" binding:"omitempty,min=2,max=32"`
	Bio        *string `json:"bio" binding:"omitempty,max=500"`
	Avatar     *string `json:"avatar" binding:"omitempty,max=255"`
	ThemeColor *string `json:"theme_color" binding:"omitempty,max=16"`
	Private    *bool   `json:"private"`
}

// UpdateMe handles PATCH /api/users/me. Only the provided fields change.
func (h *UserHandler) UpdateMe(c *gin.Context) {
	var req updateMeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.Username != nil {
		updates["username"] = *req.Username
	}
	if req.Bio != nil {
		updates["bio"] = *req.Bio
	}
	if req.Avatar != nil {
		updates["avatar"] = *req.Avatar
	}
	if req.ThemeColor != nil {
		updates["theme_color"] = *req.ThemeColor
	}
	if req.Private != nil {
		updates["private"] = *req.Private
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	userID := mw.GetUserID(c)
	if err := h.db.WithContext(c.Request.Context()).
		Model(&model.User{}).Where("id = ?", userID).
		Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	var user model.User
	if err := h.db.WithContext(c.Request.Context()).First(&user, userID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// Me handles GET /api/users/me.
func (h *UserHandler) Me(c *gin.Context) {
	var user model.User
	if err := h.db.WithContext(c.Request.Context()).
		First(&user, mw.GetUserID(c)).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}
