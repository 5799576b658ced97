package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/stagecoach/internal/models"
	"github.com/zulandar/stagecoach/internal/relay"
)

// --- Mock Discord session ---

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

type mockSession struct {
	mu           sync.Mutex
	opened       bool
	closeCalled  bool
	openErr      error
	sentMessages []sentMessage
	sendErr      error
	sendErrOnce  int // fail this many sends, then succeed
	messages     []*discordgo.Message
	messagesErr  error
	handlers     []interface{}
}

func newMockSession() *mockSession {
	return &mockSession{}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		if m.sendErrOnce > 0 {
			m.sendErrOnce--
			err := m.sendErr
			if m.sendErrOnce == 0 {
				m.sendErr = nil
			}
			return nil, err
		}
		return nil, m.sendErr
	}
	m.sentMessages = append(m.sentMessages, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: "1353870188324917248"}, nil
}

func (m *mockSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messagesErr != nil {
		return nil, m.messagesErr
	}
	if beforeID != "" {
		return nil, nil
	}
	return m.messages, nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {}
}

// fire delivers a MessageCreate event to the registered handlers.
func (m *mockSession) fire(msg *discordgo.Message) {
	m.mu.Lock()
	handlers := append([]interface{}(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			fn(nil, &discordgo.MessageCreate{Message: msg})
		}
	}
}

func restError(status int) *discordgo.RESTError {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status},
		Message:  &discordgo.APIErrorMessage{Message: "nope"},
	}
}

func testStore(t *testing.T) (*Store, *mockSession) {
	t.Helper()
	sess := newMockSession()
	s, err := New(Opts{
		Session:  sess,
		Channels: map[string]string{"c1": "chan-1"},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s, sess
}

func wireDoc(t *testing.T, collection string, doc models.Message) string {
	t.Helper()
	payload, err := json.Marshal(envelope{Collection: collection, Doc: doc})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(payload)
}

func TestNew_RequiresTokenOrSession(t *testing.T) {
	if _, err := New(Opts{Channels: map[string]string{"c1": "ch1"}}); err == nil {
		t.Fatal("expected error without token or session")
	}
	if _, err := New(Opts{BotToken: "tok"}); err == nil {
		t.Fatal("expected error without channel map")
	}
}

func TestWrite_ShipsEnvelopeAndStampsTimestamp(t *testing.T) {
	s, sess := testStore(t)
	doc := &models.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Text: "hello"}
	if err := s.Write(context.Background(), relay.CollectionMessages, doc.ID, doc); err != nil {
		t.Fatalf("write: %v", err)
	}
	if doc.Timestamp.IsZero() {
		t.Fatal("server timestamp not stamped")
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.sentMessages) != 1 || sess.sentMessages[0].channelID != "chan-1" {
		t.Fatalf("sent = %+v", sess.sentMessages)
	}
	var env envelope
	if err := json.Unmarshal([]byte(sess.sentMessages[0].data.Content), &env); err != nil {
		t.Fatalf("decode wire envelope: %v", err)
	}
	if env.Collection != relay.CollectionMessages || env.Doc.ID != "m1" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestWrite_UnmappedConversation(t *testing.T) {
	s, _ := testStore(t)
	doc := &models.Message{ID: "m1", ConversationID: "nowhere"}
	err := s.Write(context.Background(), relay.CollectionMessages, doc.ID, doc)
	if !relay.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestWrite_ClassifiesPermissionError(t *testing.T) {
	s, sess := testStore(t)
	sess.sendErr = restError(403)
	doc := &models.Message{ID: "m1", ConversationID: "c1"}
	err := s.Write(context.Background(), relay.CollectionMessages, doc.ID, doc)
	if !relay.IsPermission(err) {
		t.Fatalf("err = %v, want permission", err)
	}
}

func TestWrite_RetriesRateLimit(t *testing.T) {
	s, sess := testStore(t)
	s.base = time.Millisecond
	sess.sendErr = restError(429)
	sess.sendErrOnce = 2

	doc := &models.Message{ID: "m1", ConversationID: "c1", Text: "hi"}
	if err := s.Write(context.Background(), relay.CollectionMessages, doc.ID, doc); err != nil {
		t.Fatalf("write should survive two 429s: %v", err)
	}
}

func TestFetch_FoldsEditsAndDeletes(t *testing.T) {
	s, sess := testStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	edited := models.Message{ID: "m1", ConversationID: "c1", Text: "revised", Timestamp: base, IsEdited: true}
	deletedAt := base.Add(time.Minute)
	tombstone := models.Message{ID: "m2", ConversationID: "c1", Timestamp: base.Add(10 * time.Second),
		IsDeleted: true, DeletedAt: &deletedAt, DeletedBy: "u1"}

	// Discord returns history newest first.
	sess.messages = []*discordgo.Message{
		{ID: "4", Content: wireDoc(t, relay.CollectionDeletes, tombstone)},
		{ID: "3", Content: wireDoc(t, relay.CollectionEdits, edited)},
		{ID: "2", Content: wireDoc(t, relay.CollectionMessages, models.Message{ID: "m2", ConversationID: "c1", Text: "will vanish", Timestamp: base.Add(10 * time.Second)})},
		{ID: "1", Content: wireDoc(t, relay.CollectionMessages, models.Message{ID: "m1", ConversationID: "c1", Text: "original", Timestamp: base})},
	}

	msgs, err := s.Fetch(context.Background(), relay.Query{ConversationID: "c1", Limit: 50})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("fetched %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].Text != "revised" {
		t.Fatalf("m1 = %+v", msgs[0])
	}
	if msgs[1].ID != "m2" || !msgs[1].IsDeleted {
		t.Fatalf("m2 = %+v", msgs[1])
	}
}

func TestFetch_SkipsForeignMessages(t *testing.T) {
	s, sess := testStore(t)
	sess.messages = []*discordgo.Message{
		{ID: "2", Content: "just someone chatting"},
		{ID: "1", Content: wireDoc(t, relay.CollectionMessages, models.Message{ID: "m1", ConversationID: "c1", Text: "hi", Timestamp: time.Now()})},
	}
	msgs, err := s.Fetch(context.Background(), relay.Query{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestSubscribe_ReceivesFoldedSnapshots(t *testing.T) {
	s, sess := testStore(t)
	snaps, cancel, err := s.Subscribe(relay.Query{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	sess.fire(&discordgo.Message{
		ID:        "1353870188324917248",
		ChannelID: "chan-1",
		Content: wireDoc(t, relay.CollectionMessages, models.Message{
			ID: "m1", ConversationID: "c1", SenderID: "bob", Text: "incoming",
			Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}),
	})

	select {
	case snap := <-snaps:
		if snap.ConversationID != "c1" || len(snap.Messages) != 1 || snap.Messages[0].ID != "m1" {
			t.Fatalf("snapshot = %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestClose_ClosesSubscribers(t *testing.T) {
	s, sess := testStore(t)
	snaps, _, err := s.Subscribe(relay.Query{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-snaps; ok {
		t.Fatal("subscriber channel not closed")
	}
	if !sess.closeCalled {
		t.Fatal("session not closed")
	}
}
