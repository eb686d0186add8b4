package users

import (
	"strings"
	"time"
)

// Profile is the public view of a chat user.
type Profile struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"userId"`
	Username  string    `gorm:"column:username;size:190;index" json:"username"`
	FirstName string    `gorm:"column:first_name;size:190" json:"firstName"`
	LastName  string    `gorm:"column:last_name;size:190" json:"lastName"`
	AvatarURL string    `gorm:"column:avatar_url;size:512" json:"avatarUrl,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
