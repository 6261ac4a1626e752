package model

import "time"

// Follow is a directed edge: follower receives following's posts.
// The composite unique index makes duplicate follows a constraint
// violation rather than a silent second row.
type Follow struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	FollowerID  int64     `gorm:"uniqueIndex:idx_follow_pair;index:idx_follower;not null" json:"follower_id"`
	FollowingID int64     `gorm:"uniqueIndex:idx_follow_pair;index:idx_following;not null" json:"following_id"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
