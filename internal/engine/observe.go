package engine

import (
	"context"
	"time"

	"github.com/zulandar/stagecoach/internal/delivery"
	"github.com/zulandar/stagecoach/internal/models"
	"github.com/zulandar/stagecoach/internal/pagination"
	"github.com/zulandar/stagecoach/internal/relay"
	"github.com/zulandar/stagecoach/internal/syncer"
)

// ObserveMessages opens a live, ordered stream of a conversation's messages.
// The first element is the current state from the local cache plus the newest
// remote page; later elements follow remote snapshots and local mutations.
// Cancel stops the stream; in-flight sends are unaffected.
func (e *Engine) ObserveMessages(ctx context.Context, conversationID string) (<-chan []models.Message, relay.CancelFunc, error) {
	if _, err := e.session.UserID(); err != nil {
		return nil, nil, err
	}

	if err := e.loadInitial(ctx, conversationID); err != nil {
		return nil, nil, err
	}

	snaps, cancelSub, err := e.relay.Subscribe(relay.Query{
		ConversationID: conversationID,
		Limit:          e.pageSize,
	})
	if err != nil {
		return nil, nil, err
	}

	out := make(chan []models.Message, 8)
	e.mu.Lock()
	e.observers[conversationID] = append(e.observers[conversationID], out)
	e.mu.Unlock()

	done := make(chan struct{})
	cancel := func() {
		cancelSub()
		close(done)
	}

	// Single consumer applies snapshots in arrival order, so two snapshots
	// can never interleave their merges.
	go func() {
		defer e.dropObserver(conversationID, out)
		for {
			select {
			case <-done:
				return
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				e.applySnapshot(snap)
			}
		}
	}()

	e.emit(conversationID, out)
	return out, cancel, nil
}

// LoadMoreMessages pulls the next older page into the conversation view. It
// returns the page; an exhausted or already-loading conversation returns nil.
func (e *Engine) LoadMoreMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	page, err := e.pagerFor(conversationID).LoadMore(ctx)
	if err != nil {
		return nil, err
	}
	if len(page) == 0 {
		return nil, nil
	}
	v := e.viewFor(conversationID)
	for i := range page {
		if err := e.store.SaveMessage(&page[i]); err != nil {
			e.out.Printf("engine: cache page message %s: %v", page[i].ID, err)
		}
		v.Upsert(&page[i])
	}
	e.publish(conversationID)
	return page, nil
}

// MarkRead records read receipts from the signed-in user. With explicit
// message ids only those messages are receipted; with none, every incoming
// message in the conversation is receipted and the unread counter resets.
func (e *Engine) MarkRead(ctx context.Context, conversationID string, messageIDs ...string) error {
	user, err := e.session.UserID()
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}

	v := e.viewFor(conversationID)
	for _, m := range v.Messages() {
		if len(wanted) > 0 && !wanted[m.ID] {
			continue
		}
		if m.SenderID == user || !m.MarkReadBy(user) {
			continue
		}
		delivery.Observe(&m, delivery.StatusRead)
		if err := e.store.SaveMessage(&m); err != nil {
			return err
		}
		v.Upsert(&m)
		cp := m.Clone()
		go e.propagate(relay.CollectionReceipts, &cp)
	}

	if len(wanted) == 0 {
		if err := e.store.ResetUnread(conversationID, user); err != nil {
			return err
		}
	}
	e.publish(conversationID)
	return nil
}

// loadInitial fills the view from the local cache, then overlays the newest
// remote page when one is reachable.
func (e *Engine) loadInitial(ctx context.Context, conversationID string) error {
	cached, err := e.store.CachedMessages(conversationID)
	if err != nil {
		return err
	}

	page, perr := e.pagerFor(conversationID).LoadInitial(ctx)
	if perr != nil {
		// Offline start: the cache alone is the view.
		e.out.Printf("engine: initial page %s: %v", conversationID, perr)
		e.viewFor(conversationID).Set(cached)
		return nil
	}

	v := e.viewFor(conversationID)
	merged := v.Merge(page, func(local, remote []models.Message) []models.Message {
		return syncer.Reconcile(syncer.Reconcile(local, cached), remote)
	})
	for i := range merged {
		if err := e.store.SaveMessage(&merged[i]); err != nil {
			e.out.Printf("engine: cache message %s: %v", merged[i].ID, err)
		}
	}
	return nil
}

// applySnapshot merges one remote snapshot into the conversation view and
// persists the merged result. The merge happens under the view lock, so an
// optimistic append landing mid-merge is never erased and two snapshots can
// never interleave.
func (e *Engine) applySnapshot(snap relay.Snapshot) {
	v := e.viewFor(snap.ConversationID)
	merged := v.Merge(snap.Messages, syncer.Reconcile)
	for i := range merged {
		if err := e.store.SaveMessage(&merged[i]); err != nil {
			e.out.Printf("engine: cache message %s: %v", merged[i].ID, err)
		}
	}
	e.publish(snap.ConversationID)
}

// publish pushes the current view to every observer of the conversation.
// Slow observers drop intermediate states, never the stream.
func (e *Engine) publish(conversationID string) {
	e.mu.Lock()
	chans := append([]chan []models.Message(nil), e.observers[conversationID]...)
	e.mu.Unlock()
	for _, ch := range chans {
		e.emit(conversationID, ch)
	}
}

func (e *Engine) emit(conversationID string, ch chan []models.Message) {
	msgs := e.viewFor(conversationID).Messages()
	select {
	case ch <- msgs:
	default:
		// Drain one stale state and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- msgs:
		default:
		}
	}
}

func (e *Engine) dropObserver(conversationID string, ch chan []models.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	chans := e.observers[conversationID]
	for i, c := range chans {
		if c == ch {
			e.observers[conversationID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	close(ch)
}

// pagerFor returns the conversation's pagination controller, creating it on
// first use with a relay-backed fetcher.
func (e *Engine) pagerFor(conversationID string) *pagination.Controller {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pagers[conversationID]
	if !ok {
		p, _ = pagination.NewController(pagination.ControllerOpts{
			ConversationID: conversationID,
			PageSize:       e.pageSize,
			Fetcher: pagination.FetcherFunc(func(ctx context.Context, convID string, limit int, before time.Time) ([]models.Message, error) {
				return e.relay.Fetch(ctx, relay.Query{
					ConversationID: convID,
					Limit:          limit,
					Before:         before,
				})
			}),
		})
		e.pagers[conversationID] = p
	}
	return p
}
