package model

import "time"

// User is the durable identity record. The ID is immutable; everything
// else is mutated only by its own owner.
type User struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string     `gorm:"uniqueIndex;size:128;not null" json:"email"`
	Username     string     `gorm:"size:32;not null" json:"username"`
	PasswordHash string     `gorm:"size:64;not null" json:"-"`
	Bio          string     `gorm:"size:500" json:"bio"`
	Avatar       string     `gorm:"size:255" json:"avatar"`
	ThemeColor   string     `gorm:"size:16" json:"theme_color"`
	Private      bool       `gorm:"default:false" json:"private"`
	Status       int        `gorm:"default:1" json:"status"` // 0=banned 1=normal
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	LastLoginIP  string     `gorm:"size:45" json:"last_login_ip"`
}
