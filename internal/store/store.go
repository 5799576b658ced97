package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/stagecoach/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a requested record does not exist locally.
var ErrNotFound = errors.New("store: not found")

// Store wraps the GORM handle with the persistence operations the engine
// needs. All mutations are written through before the call returns, so a
// crash leaves the store in either the pre- or post-mutation state.
type Store struct {
	db *gorm.DB
}

// New creates a Store over an already-connected, migrated database.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for components that run their own queries
// (dashboard, housekeeping).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// SaveMessage upserts a message into the local cache.
func (s *Store) SaveMessage(msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("store: message id is required")
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(msg).Error; err != nil {
		return fmt.Errorf("store: save message %s: %w", msg.ID, err)
	}
	return nil
}

// Message loads one cached message by id.
func (s *Store) Message(id string) (*models.Message, error) {
	var msg models.Message
	err := s.db.First(&msg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: message %s: %w", id, err)
	}
	return &msg, nil
}

// DeleteMessage removes a message from the local cache. Used only for
// permission-denied rollbacks of optimistic entries; soft deletes keep
// their row.
func (s *Store) DeleteMessage(id string) error {
	if err := s.db.Delete(&models.Message{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("store: delete message %s: %w", id, err)
	}
	return nil
}

// CachedMessages returns the cached messages for a conversation in ordering
// time, oldest first.
func (s *Store) CachedMessages(conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("timestamp ASC, created_at ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: cached messages %s: %w", conversationID, err)
	}
	return msgs, nil
}

// ConfirmSend records a confirmed send transactionally: the message's
// canonical fields and the conversation's last-message summary move together.
func (s *Store) ConfirmSend(msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("store: message id is required")
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(msg).Error; err != nil {
			return err
		}

		var conv models.Conversation
		if err := tx.FirstOrCreate(&conv, models.Conversation{ID: msg.ConversationID}).Error; err != nil {
			return err
		}
		at := msg.OrderingTime()
		conv.LastMessageID = msg.ID
		conv.LastMessagePreview = preview(msg)
		conv.LastMessageAt = &at
		if conv.UnreadCounts == nil {
			conv.UnreadCounts = map[string]int{}
		}
		return tx.Save(&conv).Error
	})
	if err != nil {
		return fmt.Errorf("store: confirm send %s: %w", msg.ID, err)
	}
	return nil
}

// Conversation loads a conversation summary.
func (s *Store) Conversation(id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.First(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: conversation %s: %w", id, err)
	}
	return &conv, nil
}

// ResetUnread zeroes the unread counter for one user in a conversation.
func (s *Store) ResetUnread(conversationID, userID string) error {
	conv, err := s.Conversation(conversationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.UnreadCounts == nil {
		return nil
	}
	delete(conv.UnreadCounts, userID)
	if err := s.db.Save(conv).Error; err != nil {
		return fmt.Errorf("store: reset unread %s/%s: %w", conversationID, userID, err)
	}
	return nil
}

// SaveDeviceToken upserts a push token registration.
func (s *Store) SaveDeviceToken(tok *models.DeviceToken) error {
	if tok == nil || tok.UserID == "" || tok.Token == "" {
		return fmt.Errorf("store: device token user and token are required")
	}
	if tok.RegisteredAt.IsZero() {
		tok.RegisteredAt = time.Now()
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "token"}},
		UpdateAll: true,
	}).Create(tok).Error; err != nil {
		return fmt.Errorf("store: save device token: %w", err)
	}
	return nil
}

// preview builds the conversation list preview for a message.
func preview(msg *models.Message) string {
	text := msg.DisplayText()
	if text == "" && len(msg.Attachments) > 0 {
		text = "Sent an attachment"
	}
	const max = 120
	if len(text) > max {
		return text[:max]
	}
	return text
}
