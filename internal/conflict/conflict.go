// Package conflict resolves concurrent edits and deletes across devices.
// Deletes always win; concurrent edits resolve last-writer-wins by server
// timestamp, with superseded text folded into the edit history.
package conflict

import (
	"errors"
	"strings"
	"time"

	"github.com/zulandar/stagecoach/internal/models"
)

// ErrDeleted is returned when an edit targets a deleted message.
var ErrDeleted = errors.New("conflict: message is deleted")

// ErrEmptyEdit is returned when an edit would leave the message blank.
var ErrEmptyEdit = errors.New("conflict: edited text is empty")

// ApplyEdit applies an edit observed at serverTS to msg. An edit older than
// the current content loses the text race but is still recorded: its text
// joins the history and the edit count advances, so every device converges on
// the same count regardless of arrival order. Returns whether the visible
// text changed.
func ApplyEdit(msg *models.Message, newText string, serverTS time.Time) (bool, error) {
	if msg.IsDeleted {
		return false, ErrDeleted
	}
	if strings.TrimSpace(newText) == "" {
		return false, ErrEmptyEdit
	}

	msg.EditCount++
	msg.IsEdited = true

	if msg.EditedAt != nil && serverTS.Before(*msg.EditedAt) {
		pushHistory(msg, models.EditEntry{Text: newText, EditedAt: serverTS})
		return false, nil
	}

	pushHistory(msg, models.EditEntry{Text: msg.Text, EditedAt: editedAtOrTimestamp(msg)})
	msg.Text = newText
	ts := serverTS
	msg.EditedAt = &ts
	return true, nil
}

// ApplyDelete tombstones msg. Content and attachments are cleared so the
// deleted text cannot resurface through caches or history merges. Deleting
// twice is a no-op.
func ApplyDelete(msg *models.Message, deletedBy string, serverTS time.Time) bool {
	if msg.IsDeleted {
		return false
	}
	msg.IsDeleted = true
	msg.DeletedAt = &serverTS
	msg.DeletedBy = deletedBy
	msg.Text = ""
	msg.Attachments = nil
	msg.EditHistory = nil
	return true
}

// pushHistory appends an entry, evicting the oldest past the cap.
func pushHistory(msg *models.Message, e models.EditEntry) {
	msg.EditHistory = append(msg.EditHistory, e)
	if len(msg.EditHistory) > models.MaxEditHistory {
		msg.EditHistory = msg.EditHistory[len(msg.EditHistory)-models.MaxEditHistory:]
	}
}

func editedAtOrTimestamp(msg *models.Message) time.Time {
	if msg.EditedAt != nil {
		return *msg.EditedAt
	}
	return msg.OrderingTime()
}
