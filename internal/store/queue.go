package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/zulandar/stagecoach/internal/models"
	"gorm.io/gorm"
)

// ErrQueueCorrupt indicates the persisted queue could not be decoded. The
// queue has already been reset to empty when this is returned; callers log
// and continue with an empty queue.
var ErrQueueCorrupt = errors.New("store: queue corrupt")

// AppendQueueEntry persists a new offline-queue row. The write completes
// before the call returns.
func (s *Store) AppendQueueEntry(msg *models.Message, entry *models.QueueEntry) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("store: queue entry message id is required")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: marshal queue payload %s: %w", msg.ID, err)
	}
	entry.MessageID = msg.ID
	entry.Payload = string(payload)
	if err := s.db.Create(entry).Error; err != nil {
		return fmt.Errorf("store: append queue entry %s: %w", msg.ID, err)
	}
	return nil
}

// UpdateQueueEntry persists retry-count and payload changes for a row.
func (s *Store) UpdateQueueEntry(entry *models.QueueEntry, msg *models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: marshal queue payload %s: %w", entry.MessageID, err)
	}
	entry.Payload = string(payload)
	if err := s.db.Save(entry).Error; err != nil {
		return fmt.Errorf("store: update queue entry %s: %w", entry.MessageID, err)
	}
	return nil
}

// RemoveQueueEntry deletes the row for a message id. Removing a missing row
// is not an error — a drain and an explicit delete may race benignly.
func (s *Store) RemoveQueueEntry(messageID string) error {
	if err := s.db.Delete(&models.QueueEntry{}, "message_id = ?", messageID).Error; err != nil {
		return fmt.Errorf("store: remove queue entry %s: %w", messageID, err)
	}
	return nil
}

// LoadQueue reads all persisted queue rows in FIFO order and decodes their
// message payloads. If any row is unreadable the entire queue is reset to
// empty and ErrQueueCorrupt is returned alongside the empty slice; the
// process never crashes on a bad queue.
func (s *Store) LoadQueue() ([]models.QueueEntry, []models.Message, error) {
	var rows []models.QueueEntry
	if err := s.db.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("store: load queue: %w", err)
	}

	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		var msg models.Message
		if err := json.Unmarshal([]byte(row.Payload), &msg); err != nil || msg.ID == "" {
			log.Printf("store: queue row %d for message %s is unreadable, resetting queue", row.ID, row.MessageID)
			if resetErr := s.resetQueue(); resetErr != nil {
				return nil, nil, resetErr
			}
			return nil, nil, ErrQueueCorrupt
		}
		msgs = append(msgs, msg)
	}
	return rows, msgs, nil
}

// QueueDepth returns the number of persisted queue rows.
func (s *Store) QueueDepth() (int64, error) {
	var n int64
	if err := s.db.Model(&models.QueueEntry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("store: queue depth: %w", err)
	}
	return n, nil
}

// resetQueue drops every queue row.
func (s *Store) resetQueue() error {
	if err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.QueueEntry{}).Error; err != nil {
		return fmt.Errorf("store: reset queue: %w", err)
	}
	return nil
}
