package delivery

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/stagecoach/internal/models"
	"github.com/zulandar/stagecoach/internal/store"
)

// Machine creates provisional messages and applies status transitions,
// persisting every accepted change through the store.
type Machine struct {
	store *store.Store
}

// NewMachine creates a Machine backed by the given store.
func NewMachine(st *store.Store) (*Machine, error) {
	if st == nil {
		return nil, fmt.Errorf("delivery: store is required")
	}
	return &Machine{store: st}, nil
}

// Create builds a provisional message for the optimistic list. The id is
// generated client-side and serves as the idempotency key for the send.
// Status starts at sending when online, queued when offline.
func (m *Machine) Create(conversationID, senderID, text string, attachments []models.Attachment, online bool) (*models.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("delivery: conversation id is required")
	}
	if senderID == "" {
		return nil, fmt.Errorf("delivery: sender id is required")
	}

	status := StatusQueued
	if online {
		status = StatusSending
	}
	now := time.Now()
	msg := &models.Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		SenderID:        senderID,
		Text:            text,
		Attachments:     attachments,
		Status:          string(status),
		StatusUpdatedAt: now,
		CreatedAt:       now,
	}
	if err := m.store.SaveMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Transition applies a status change if it is legal, stamping
// StatusUpdatedAt so an older network response can never overwrite a newer
// local state. Illegal downgrades are silently ignored and report false;
// the authoritative higher local state wins.
func (m *Machine) Transition(msg *models.Message, to Status) (bool, error) {
	if msg == nil {
		return false, fmt.Errorf("delivery: message is required")
	}
	if !Allowed(Status(msg.Status), to) {
		return false, nil
	}
	if Status(msg.Status) == to {
		return false, nil
	}
	msg.Status = string(to)
	msg.StatusUpdatedAt = time.Now()
	if err := m.store.SaveMessage(msg); err != nil {
		return false, err
	}
	return true, nil
}

// Observe folds a remotely reported status into the local one without ever
// regressing: the higher-ranked status wins. Unlike Transition it accepts
// any legal forward jump (e.g. queued -> delivered from a snapshot). It
// reports whether the local status changed.
func Observe(msg *models.Message, remote Status) bool {
	if !Valid(remote) {
		return false
	}
	local := Status(msg.Status)
	if Rank(remote) > Rank(local) {
		msg.Status = string(remote)
		msg.StatusUpdatedAt = time.Now()
		return true
	}
	return false
}
