package model

import "time"

// Block is a directed edge suppressing visibility and follow capability
// between two users in both directions until removed. A block may never
// coexist with a follow between the same pair; graph.Service enforces
// that inside one transaction.
type Block struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BlockerID int64     `gorm:"uniqueIndex:idx_block_pair;index:idx_blocker;not null" json:"blocker_id"`
	BlockedID int64     `gorm:"uniqueIndex:idx_block_pair;index:idx_blocked;not null" json:"blocked_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
