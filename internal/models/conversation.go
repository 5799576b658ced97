package models

import "time"

// Conversation holds the per-conversation summary fields this engine writes
// alongside a confirmed send. Conversation lifecycle is owned externally;
// typing indicators are ephemeral and never persisted.
type Conversation struct {
	ID string `gorm:"primaryKey;size:64"`

	LastMessageID      string `gorm:"size:36"`
	LastMessagePreview string `gorm:"size:256"`
	LastMessageAt      *time.Time

	// UnreadCounts maps user ID to unread message count.
	UnreadCounts map[string]int `gorm:"serializer:json"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeviceToken is a push-notification token registration. Registration is an
// idempotent background housekeeping write and may use bounded backoff,
// unlike message sends.
type DeviceToken struct {
	UserID       string `gorm:"primaryKey;size:64"`
	Token        string `gorm:"primaryKey;size:256"`
	Platform     string `gorm:"size:16"`
	RegisteredAt time.Time
}
