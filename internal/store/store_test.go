package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/zulandar/stagecoach/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSaveMessage_RoundTrip(t *testing.T) {
	s := testStore(t)
	msg := &models.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u1",
		Text:           "hello",
		Status:         "queued",
		ReadBy:         []string{"u1"},
		CreatedAt:      time.Now(),
	}
	if err := s.SaveMessage(msg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Message("m1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Text != "hello" || got.Status != "queued" {
		t.Errorf("loaded message = %+v", got)
	}
	if len(got.ReadBy) != 1 || got.ReadBy[0] != "u1" {
		t.Errorf("ReadBy = %v", got.ReadBy)
	}
}

func TestSaveMessage_UpsertsByID(t *testing.T) {
	s := testStore(t)
	msg := &models.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Status: "sending"}
	if err := s.SaveMessage(msg); err != nil {
		t.Fatalf("save: %v", err)
	}
	msg.Status = "sent"
	if err := s.SaveMessage(msg); err != nil {
		t.Fatalf("resave: %v", err)
	}

	var count int64
	s.DB().Model(&models.Message{}).Count(&count)
	if count != 1 {
		t.Errorf("message rows = %d, want 1", count)
	}
	got, _ := s.Message("m1")
	if got.Status != "sent" {
		t.Errorf("status = %q, want sent", got.Status)
	}
}

func TestMessage_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Message("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConfirmSend_UpdatesConversation(t *testing.T) {
	s := testStore(t)
	at := time.Now().Truncate(time.Second)
	msg := &models.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u1",
		Text: "confirmed", Status: "sent", Timestamp: at,
	}
	if err := s.ConfirmSend(msg); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	conv, err := s.Conversation("c1")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if conv.LastMessageID != "m1" {
		t.Errorf("LastMessageID = %q", conv.LastMessageID)
	}
	if conv.LastMessagePreview != "confirmed" {
		t.Errorf("LastMessagePreview = %q", conv.LastMessagePreview)
	}
	if conv.LastMessageAt == nil || !conv.LastMessageAt.Equal(at) {
		t.Errorf("LastMessageAt = %v, want %v", conv.LastMessageAt, at)
	}
}

func TestQueue_WriteThroughSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stagecoach.db")
	db, err := ConnectSQLite(path)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, _ := New(db)

	msg := &models.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Status: "queued"}
	entry := &models.QueueEntry{EnqueuedAt: time.Now()}
	if err := s.AppendQueueEntry(msg, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Reopen the same file, simulating a process restart.
	db2, err := ConnectSQLite(path)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	s2, _ := New(db2)
	rows, msgs, err := s2.LoadQueue()
	if err != nil {
		t.Fatalf("load queue: %v", err)
	}
	if len(rows) != 1 || len(msgs) != 1 {
		t.Fatalf("rows = %d msgs = %d, want 1/1", len(rows), len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].Text != msg.Text {
		t.Errorf("replayed message = %+v", msgs[0])
	}
}

func TestLoadQueue_FIFOOrder(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"a", "b", "c"} {
		msg := &models.Message{ID: id, ConversationID: "c1", SenderID: "u1", Status: "queued"}
		if err := s.AppendQueueEntry(msg, &models.QueueEntry{EnqueuedAt: time.Now()}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	_, msgs, err := s.LoadQueue()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := []string{msgs[0].ID, msgs[1].ID, msgs[2].ID}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestLoadQueue_CorruptPayloadResetsToEmpty(t *testing.T) {
	s := testStore(t)
	msg := &models.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Status: "queued"}
	if err := s.AppendQueueEntry(msg, &models.QueueEntry{EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Corrupt the stored payload directly.
	if err := s.DB().Model(&models.QueueEntry{}).
		Where("message_id = ?", "m1").
		Update("payload", "{not json").Error; err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	rows, msgs, err := s.LoadQueue()
	if !errors.Is(err, ErrQueueCorrupt) {
		t.Fatalf("err = %v, want ErrQueueCorrupt", err)
	}
	if len(rows) != 0 || len(msgs) != 0 {
		t.Errorf("rows = %d msgs = %d, want empty", len(rows), len(msgs))
	}

	depth, err := s.QueueDepth()
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("depth after reset = %d, want 0", depth)
	}
}

func TestRemoveQueueEntry_MissingIsNoError(t *testing.T) {
	s := testStore(t)
	if err := s.RemoveQueueEntry("never-queued"); err != nil {
		t.Errorf("remove missing: %v", err)
	}
}

func TestResetUnread(t *testing.T) {
	s := testStore(t)
	conv := &models.Conversation{ID: "c1", UnreadCounts: map[string]int{"u1": 3, "u2": 1}}
	if err := s.DB().Create(conv).Error; err != nil {
		t.Fatalf("create conv: %v", err)
	}

	if err := s.ResetUnread("c1", "u1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ := s.Conversation("c1")
	if _, ok := got.UnreadCounts["u1"]; ok {
		t.Error("u1 unread count not cleared")
	}
	if got.UnreadCounts["u2"] != 1 {
		t.Errorf("u2 unread count = %d, want 1", got.UnreadCounts["u2"])
	}
}
