package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/stagecoach/internal/models"
)

// WriteRecord is one recorded MockStore write.
type WriteRecord struct {
	Collection string
	ID         string
	Doc        models.Message
}

// MockStore implements Store for testing. It records writes, serves
// scripted fetch pages, and lets tests push snapshots to subscribers.
type MockStore struct {
	mu         sync.Mutex
	closed     bool
	writes     []WriteRecord
	writeErrs  map[string]error
	allErr     error
	pages      [][]models.Message
	fetchCalls int
	fetchErr   error
	subs       map[string][]chan Snapshot
	now        time.Time
}

// NewMockStore creates a MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		writeErrs: make(map[string]error),
		subs:      make(map[string][]chan Snapshot),
		now:       time.Now(),
	}
}

// Write records the document and stamps a server timestamp on success.
func (m *MockStore) Write(ctx context.Context, collection, id string, doc *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewError(KindNetwork, "write", fmt.Errorf("mock store closed"))
	}
	if err, ok := m.writeErrs[id]; ok {
		return err
	}
	if m.allErr != nil {
		return m.allErr
	}

	// Monotonic server clock.
	m.now = m.now.Add(time.Millisecond)
	if doc != nil {
		if doc.Timestamp.IsZero() {
			doc.Timestamp = m.now
		}
		m.writes = append(m.writes, WriteRecord{Collection: collection, ID: id, Doc: doc.Clone()})
		return nil
	}
	m.writes = append(m.writes, WriteRecord{Collection: collection, ID: id})
	return nil
}

// Fetch serves the next scripted page.
func (m *MockStore) Fetch(ctx context.Context, q Query) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if len(m.pages) == 0 {
		return nil, nil
	}
	page := m.pages[0]
	m.pages = m.pages[1:]
	return page, nil
}

// Subscribe registers a snapshot channel for the query's conversation.
func (m *MockStore) Subscribe(q Query) (<-chan Snapshot, CancelFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, NewError(KindNetwork, "subscribe", fmt.Errorf("mock store closed"))
	}
	ch := make(chan Snapshot, 16)
	m.subs[q.ConversationID] = append(m.subs[q.ConversationID], ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			chans := m.subs[q.ConversationID]
			for i, c := range chans {
				if c == ch {
					m.subs[q.ConversationID] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Close shuts the mock down; further writes and subscriptions fail.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// --- Test helpers ---

// SetWriteError scripts a failure for writes of the given document id.
func (m *MockStore) SetWriteError(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.writeErrs, id)
		return
	}
	m.writeErrs[id] = err
}

// SetWriteErrorAll scripts a failure for every write regardless of id. A nil
// err clears it.
func (m *MockStore) SetWriteErrorAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allErr = err
}

// SetPages scripts the pages Fetch serves, in order.
func (m *MockStore) SetPages(pages ...[]models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = pages
}

// SetFetchError makes every Fetch fail.
func (m *MockStore) SetFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// PushSnapshot delivers a snapshot to all subscribers of its conversation.
func (m *MockStore) PushSnapshot(snap Snapshot) {
	m.mu.Lock()
	chans := append([]chan Snapshot(nil), m.subs[snap.ConversationID]...)
	m.mu.Unlock()
	for _, ch := range chans {
		ch <- snap
	}
}

// Writes returns a copy of all recorded writes.
func (m *MockStore) Writes() []WriteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WriteRecord(nil), m.writes...)
}

// WriteCount returns the number of recorded writes.
func (m *MockStore) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

// WrittenIDs returns the document ids of writes to the given collection, in
// write order.
func (m *MockStore) WrittenIDs(collection string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, w := range m.writes {
		if w.Collection == collection {
			ids = append(ids, w.ID)
		}
	}
	return ids
}

// FetchCalls returns how many times Fetch was invoked.
func (m *MockStore) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}
