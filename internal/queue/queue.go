// Package queue implements the persisted offline queue: the ordered list of
// not-yet-confirmed messages, drained sequentially when connectivity allows.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/stagecoach/internal/models"
	"github.com/zulandar/stagecoach/internal/store"
)

// ErrDrainInProgress is returned when a drain is triggered while another is
// already running. The caller ignores it; the running drain covers the queue.
var ErrDrainInProgress = errors.New("queue: drain already in progress")

// ErrNotQueued is returned when an operation names a message that has no
// queue entry.
var ErrNotQueued = errors.New("queue: message not queued")

// SendFunc attempts delivery of one message. It owns the status transitions
// around the attempt; the queue only reacts to its error result.
type SendFunc func(ctx context.Context, msg *models.Message) error

// Entry is one in-memory queue element, mirroring a persisted row.
type Entry struct {
	Message    *models.Message
	EnqueuedAt time.Time
	RetryCount int

	row models.QueueEntry
}

// Queue is the offline queue. Every mutation writes through to the store
// before returning, so a crash leaves the persisted queue in either the
// pre- or post-mutation state. A single in-flight flag serializes drains.
type Queue struct {
	store *store.Store

	mu       sync.Mutex
	entries  []*Entry
	draining bool
}

// New creates a Queue and replays persisted entries from the store. A
// corrupt persisted queue degrades to an empty one with a logged
// diagnostic; it never fails construction.
func New(st *store.Store) (*Queue, error) {
	if st == nil {
		return nil, fmt.Errorf("queue: store is required")
	}
	q := &Queue{store: st}

	rows, msgs, err := st.LoadQueue()
	if errors.Is(err, store.ErrQueueCorrupt) {
		log.Printf("queue: persisted queue was corrupt, starting empty")
		return q, nil
	}
	if err != nil {
		return nil, err
	}
	for i := range rows {
		msg := msgs[i]
		q.entries = append(q.entries, &Entry{
			Message:    &msg,
			EnqueuedAt: rows[i].EnqueuedAt,
			RetryCount: rows[i].RetryCount,
			row:        rows[i],
		})
	}
	return q, nil
}

// Enqueue appends a message to the queue, persisting the entry before
// returning success. Enqueuing an already-queued id is a no-op.
func (q *Queue) Enqueue(msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("queue: message id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.findLocked(msg.ID) != nil {
		return nil
	}

	e := &Entry{Message: msg, EnqueuedAt: time.Now()}
	e.row.EnqueuedAt = e.EnqueuedAt
	if err := q.store.AppendQueueEntry(msg, &e.row); err != nil {
		return err
	}
	q.entries = append(q.entries, e)
	return nil
}

// Remove deletes a message's queue entry (successful send or explicit user
// deletion).
func (q *Queue) Remove(messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(messageID)
}

// All returns the queued entries in FIFO order.
func (q *Queue) All() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	return out
}

// Find returns the live entry for a message id, or nil when the message is
// not queued. Mutations through the returned entry's Message are visible to
// a later drain.
func (q *Queue) Find(messageID string) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.findLocked(messageID)
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DrainAll processes the queue sequentially in FIFO order. A failure for one
// entry is isolated: the entry stays queued with its retry count bumped and
// processing continues with the next. Entries enqueued mid-drain are left
// for the next pass. Only one drain runs at a time; a concurrent trigger
// gets ErrDrainInProgress.
func (q *Queue) DrainAll(ctx context.Context, send SendFunc) (sent, remaining int, err error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return 0, len(q.entries), ErrDrainInProgress
	}
	q.draining = true
	snapshot := make([]*Entry, len(q.entries))
	copy(snapshot, q.entries)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		remaining = len(q.entries)
		q.mu.Unlock()
	}()

	for _, e := range snapshot {
		if ctx.Err() != nil {
			return sent, 0, ctx.Err()
		}

		// The entry may have been removed by the user mid-drain.
		q.mu.Lock()
		current := q.findLocked(e.Message.ID)
		q.mu.Unlock()
		if current == nil {
			continue
		}

		if sendErr := send(ctx, current.Message); sendErr != nil {
			q.mu.Lock()
			current.RetryCount++
			current.row.RetryCount = current.RetryCount
			if upErr := q.store.UpdateQueueEntry(&current.row, current.Message); upErr != nil {
				log.Printf("queue: persist retry count for %s: %v", current.Message.ID, upErr)
			}
			q.mu.Unlock()
			continue
		}

		q.mu.Lock()
		if rmErr := q.removeLocked(current.Message.ID); rmErr != nil && !errors.Is(rmErr, ErrNotQueued) {
			q.mu.Unlock()
			return sent, 0, rmErr
		}
		q.mu.Unlock()
		sent++
	}
	return sent, 0, nil
}

// DrainOne attempts delivery of a single queued message. It shares the
// single-flight flag with DrainAll so the same entry can never be sent by
// two drains at once.
func (q *Queue) DrainOne(ctx context.Context, messageID string, send SendFunc) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return ErrDrainInProgress
	}
	e := q.findLocked(messageID)
	if e == nil {
		q.mu.Unlock()
		return fmt.Errorf("queue: drain %s: %w", messageID, ErrNotQueued)
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	if sendErr := send(ctx, e.Message); sendErr != nil {
		q.mu.Lock()
		e.RetryCount++
		e.row.RetryCount = e.RetryCount
		if upErr := q.store.UpdateQueueEntry(&e.row, e.Message); upErr != nil {
			log.Printf("queue: persist retry count for %s: %v", messageID, upErr)
		}
		q.mu.Unlock()
		return sendErr
	}
	return q.Remove(messageID)
}

// findLocked returns the entry for an id, or nil. Callers hold q.mu.
func (q *Queue) findLocked(messageID string) *Entry {
	for _, e := range q.entries {
		if e.Message.ID == messageID {
			return e
		}
	}
	return nil
}

// removeLocked deletes an entry from store and memory. Callers hold q.mu.
func (q *Queue) removeLocked(messageID string) error {
	if err := q.store.RemoveQueueEntry(messageID); err != nil {
		return err
	}
	for i, e := range q.entries {
		if e.Message.ID == messageID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return ErrNotQueued
}
