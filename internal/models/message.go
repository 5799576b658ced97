package models

import "time"

// DeletedPlaceholder is what consumers see in place of a deleted message's text.
const DeletedPlaceholder = "This message was deleted"

// MaxEditHistory caps the number of retained edit-history entries per message.
// EditCount keeps counting past this limit.
const MaxEditHistory = 10

// Attachment describes an uploaded file attached to a message. Upload itself
// happens outside the engine; this only carries the collaborator's result.
type Attachment struct {
	ID           string `json:"id"`
	Type         string `json:"type"` // "image", "video", "audio", "file"
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
}

// EditEntry records one prior revision of a message's text.
type EditEntry struct {
	Text     string    `json:"text"`
	EditedAt time.Time `json:"edited_at"`
}

// Message is the core entity tracked through the delivery lifecycle. The ID
// is client-generated at composition time and doubles as the idempotency key
// for deduplicating optimistic and confirmed copies of the same send.
type Message struct {
	ID             string `gorm:"primaryKey;size:36"`
	ConversationID string `gorm:"size:64;not null;index"`
	SenderID       string `gorm:"size:64;not null"`
	Text           string `gorm:"type:text"`

	// Timestamp is the authoritative ordering field, assigned by the remote
	// store on confirmation. Zero until the send is confirmed.
	Timestamp time.Time `gorm:"index"`

	Status          string `gorm:"size:16;default:queued;index"`
	StatusUpdatedAt time.Time

	Attachments []Attachment `gorm:"serializer:json"`

	EditHistory []EditEntry `gorm:"serializer:json"`
	EditCount   int         `gorm:"default:0"`
	IsEdited    bool        `gorm:"default:false"`
	EditedAt    *time.Time  // server timestamp of the currently applied edit

	IsDeleted bool `gorm:"default:false"`
	DeletedAt *time.Time
	DeletedBy string `gorm:"size:64"`

	ReadBy    []string `gorm:"serializer:json"`
	ReadCount int      `gorm:"default:0"`

	CreatedAt time.Time
}

// DisplayText returns the text to show consumers, substituting the deletion
// placeholder for soft-deleted messages.
func (m *Message) DisplayText() string {
	if m.IsDeleted {
		return DeletedPlaceholder
	}
	return m.Text
}

// VisibleAttachments returns the attachments to expose to consumers. Deleted
// messages never expose attachments.
func (m *Message) VisibleAttachments() []Attachment {
	if m.IsDeleted {
		return nil
	}
	return m.Attachments
}

// OrderingTime returns the time used to position the message in a
// conversation: the server timestamp once confirmed, the local composition
// time while still optimistic.
func (m *Message) OrderingTime() time.Time {
	if !m.Timestamp.IsZero() {
		return m.Timestamp
	}
	return m.CreatedAt
}

// MarkReadBy records that a user has read the message. Idempotent per user;
// reports whether the receipt was new.
func (m *Message) MarkReadBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return false
		}
	}
	m.ReadBy = append(m.ReadBy, userID)
	m.ReadCount = len(m.ReadBy)
	return true
}

// Clone returns a deep copy. Observers receive copies so the engine's
// canonical list is never aliased by UI code.
func (m *Message) Clone() Message {
	cp := *m
	cp.Attachments = append([]Attachment(nil), m.Attachments...)
	cp.EditHistory = append([]EditEntry(nil), m.EditHistory...)
	cp.ReadBy = append([]string(nil), m.ReadBy...)
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		cp.DeletedAt = &t
	}
	return cp
}
