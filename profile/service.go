package profile

import (
	"context"
	"errors"
	"time"

	"github.com/mirocha/waveline/graph"
	"github.com/mirocha/waveline/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound  = errors.New("user not found")
	ErrForbidden = errors.New("profile not visible")
)

// PostView is one post as shown on a profile or in the directory feed.
type PostView struct {
	ID        int64     `json:"id"`
	AuthorID  int64     `json:"author_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// View is a profile as seen by a specific viewer.
type View struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	Bio         string     `json:"bio"`
	Avatar      string     `json:"avatar"`
	ThemeColor  string     `json:"theme_color"`
	CreatedAt   time.Time  `json:"created_at"`
	Followers   int64      `json:"followers"`
	Following   int64      `json:"following"`
	IsFollowing bool       `json:"is_following"`
	Posts       []PostView `json:"posts"`
}

// DirectoryEntry is one row of the user directory.
type DirectoryEntry struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Bio        string `json:"bio"`
	Avatar     string `json:"avatar"`
	ThemeColor string `json:"theme_color"`
}

// Service assembles read-only profile views on top of the social graph.
// It never mutates anything.
type Service struct {
	db     *gorm.DB
	graph  *graph.Service
	logger *zap.Logger
}

func NewService(db *gorm.DB, g *graph.Service, logger *zap.Logger) *Service {
	return &Service{db: db, graph: g, logger: logger}
}

// GetProfile returns target's profile as seen by viewer. If the target
// has blocked the viewer, the profile does not exist for them and
// ErrForbidden is returned; the viewer blocking the target does not
// hide the profile.
func (s *Service) GetProfile(ctx context.Context, viewerID, targetID int64) (*View, error) {
	var user model.User
	err := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", targetID, 1).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if viewerID != targetID {
		blocked, err := s.graph.HasBlocked(ctx, targetID, viewerID)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, ErrForbidden
		}
	}

	counts, err := s.graph.GetCounts(ctx, targetID)
	if err != nil {
		return nil, err
	}

	isFollowing := false
	if viewerID != targetID {
		isFollowing, err = s.graph.IsFollowing(ctx, viewerID, targetID)
		if err != nil {
			return nil, err
		}
	}

	var posts []model.Post
	err = s.db.WithContext(ctx).
		Where("author_id = ?", targetID).
		Order("created_at DESC").
		Limit(50).
		Find(&posts).Error
	if err != nil {
		return nil, err
	}

	view := &View{
		ID:          user.ID,
		Username:    user.Username,
		Bio:         user.Bio,
		Avatar:      user.Avatar,
		ThemeColor:  user.ThemeColor,
		CreatedAt:   user.CreatedAt,
		Followers:   counts.Followers,
		Following:   counts.Following,
		IsFollowing: isFollowing,
		Posts:       make([]PostView, 0, len(posts)),
	}
	for _, p := range posts {
		view.Posts = append(view.Posts, PostView{
			ID:        p.ID,
			AuthorID:  p.AuthorID,
			Username:  user.Username,
			Content:   p.Content,
			CreatedAt: p.CreatedAt,
		})
	}
	return view, nil
}

// Directory lists active users visible to viewer: everyone except the
// viewer themselves and anyone with a block edge to or from the viewer.
func (s *Service) Directory(ctx context.Context, viewerID int64) ([]DirectoryEntry, error) {
	var users []model.User
	err := s.db.WithContext(ctx).
		Where("id <> ? AND status = ?", viewerID, 1).
		Where("id NOT IN (?)",
			s.db.Model(&model.Block{}).Select("blocker_id").Where("blocked_id = ?", viewerID)).
		Where("id NOT IN (?)",
			s.db.Model(&model.Block{}).Select("blocked_id").Where("blocker_id = ?", viewerID)).
		Order("username ASC").
		Find(&users).Error
	if err != nil {
		return nil, err
	}

	out := make([]DirectoryEntry, 0, len(users))
	for _, u := range users {
		out = append(out, DirectoryEntry{
			ID:         u.ID,
			Username:   u.Username,
			Bio:        u.Bio,
			Avatar:     u.Avatar,
			ThemeColor: u.ThemeColor,
		})
	}
	return out, nil
}

// GlobalPosts returns the most recent posts across all users, excluding
// authors with a block edge to or from the viewer. Newest first.
func (s *Service) GlobalPosts(ctx context.Context, viewerID int64, limit int) ([]PostView, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	type row struct {
		model.Post
		Username string
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&model.Post{}).
		Select("posts.*, users.username").
		Joins("JOIN users ON users.id = posts.author_id").
		Where("users.status = ?", 1).
		Where("posts.author_id NOT IN (?)",
			s.db.Model(&model.Block{}).Select("blocker_id").Where("blocked_id = ?", viewerID)).
		Where("posts.author_id NOT IN (?)",
			s.db.Model(&model.Block{}).Select("blocked_id").Where("blocker_id = ?", viewerID)).
		Order("posts.created_at DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]PostView, 0, len(rows))
	for _, r := range rows {
		out = append(out, PostView{
			ID:        r.ID,
			AuthorID:  r.AuthorID,
			Username:  r.Username,
			Content:   r.Content,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}
