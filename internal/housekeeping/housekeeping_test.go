package housekeeping

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/zulandar/stagecoach/internal/models"
	"github.com/zulandar/stagecoach/internal/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func seed(t *testing.T, st *store.Store, id, status string, age time.Duration, deleted bool) {
	t.Helper()
	msg := &models.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "u1",
		Text:           "msg " + id,
		Status:         status,
		IsDeleted:      deleted,
	}
	if age > 0 {
		msg.Timestamp = time.Now().Add(-age)
	}
	if err := st.SaveMessage(msg); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestSweepOnce_PrunesOnlyOldConfirmedMessages(t *testing.T) {
	st := testStore(t)
	seed(t, st, "old-sent", "sent", 60*24*time.Hour, false)
	seed(t, st, "old-read", "read", 90*24*time.Hour, false)
	seed(t, st, "fresh-sent", "sent", time.Hour, false)
	seed(t, st, "old-tombstone", "sent", 60*24*time.Hour, true)
	seed(t, st, "pending", "queued", 0, false)
	seed(t, st, "failed", "failed", 0, false)

	sw, err := NewSweeper(SweeperOpts{Store: st, Retention: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	n, err := sw.SweepOnce()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
	for _, id := range []string{"fresh-sent", "old-tombstone", "pending", "failed"} {
		if _, err := st.Message(id); err != nil {
			t.Errorf("message %s should survive the sweep: %v", id, err)
		}
	}
	for _, id := range []string{"old-sent", "old-read"} {
		if _, err := st.Message(id); err == nil {
			t.Errorf("message %s should have been pruned", id)
		}
	}
}

func TestNewSweeper_RejectsBadSchedule(t *testing.T) {
	st := testStore(t)
	if _, err := NewSweeper(SweeperOpts{Store: st, Retention: time.Hour, Schedule: "not a cron expr"}); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

type flakyTokenWriter struct {
	failures int
	calls    int
	got      *models.DeviceToken
}

func (f *flakyTokenWriter) RegisterToken(ctx context.Context, tok *models.DeviceToken) error {
	f.calls++
	if f.calls <= f.failures {
		return fmt.Errorf("push gateway busy")
	}
	f.got = tok
	return nil
}

func TestRegisterDevice_RetriesTransientFailures(t *testing.T) {
	old := backoffBase
	backoffBase = time.Millisecond
	defer func() { backoffBase = old }()

	st := testStore(t)
	w := &flakyTokenWriter{failures: 2}
	err := RegisterDevice(context.Background(), st, w, "alice", "tok-1", "android")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if w.calls != 3 {
		t.Fatalf("calls = %d, want 3", w.calls)
	}
	if w.got == nil || w.got.Token != "tok-1" {
		t.Fatalf("registered token = %+v", w.got)
	}
}

func TestRegisterDevice_ValidatesInput(t *testing.T) {
	st := testStore(t)
	if err := RegisterDevice(context.Background(), st, nil, "", "tok", "ios"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestNextCronDuration_ValidExpression(t *testing.T) {
	// "0 9 * * *" = daily at 09:00. Duration should be positive and < 24h.
	d := nextCronDuration("0 9 * * *")
	if d <= 0 {
		t.Fatalf("expected positive duration, got %v", d)
	}
	if d > 24*time.Hour {
		t.Fatalf("expected duration < 24h, got %v", d)
	}
}

func TestNextCronDuration_InvalidExpression(t *testing.T) {
	if d := nextCronDuration("bogus"); d != 0 {
		t.Fatalf("expected 0 for invalid expression, got %v", d)
	}
}
