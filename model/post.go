package model

import "time"

// Post is immutable once created; owned by its author.
type Post struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AuthorID  int64     `gorm:"index:idx_post_author;not null" json:"author_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index:idx_post_created;autoCreateTime" json:"created_at"`
}
