package models

import "time"

// QueueEntry is one persisted row of the offline queue. Rows exist 1:1 with
// messages whose status is queued or failed, and survive process restart.
// The auto-increment ID preserves FIFO enqueue order across restarts.
type QueueEntry struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	MessageID  string `gorm:"size:36;not null;uniqueIndex"`
	EnqueuedAt time.Time
	RetryCount int `gorm:"default:0"`

	// Payload is the serialized message at enqueue time, so the queue can be
	// replayed even if the message cache is unavailable.
	Payload string `gorm:"type:text"`
}
