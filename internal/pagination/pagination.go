// Package pagination implements windowed history loading for a conversation:
// an initial page of recent messages plus older pages fetched on demand.
package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/stagecoach/internal/models"
)

// DefaultPageSize is the page length used when opts leave it zero.
const DefaultPageSize = 50

// Fetcher loads one page of messages older than before, newest first. A zero
// before means "from the latest".
type Fetcher interface {
	Page(ctx context.Context, conversationID string, limit int, before time.Time) ([]models.Message, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, conversationID string, limit int, before time.Time) ([]models.Message, error)

// Page calls f.
func (f FetcherFunc) Page(ctx context.Context, conversationID string, limit int, before time.Time) ([]models.Message, error) {
	return f(ctx, conversationID, limit, before)
}

// Controller tracks the paging window of one conversation. A short page marks
// the history exhausted; later load requests become no-ops instead of store
// hits.
type Controller struct {
	fetcher        Fetcher
	conversationID string
	pageSize       int

	mu            sync.Mutex
	hasMore       bool
	isLoadingMore bool
	oldest        time.Time
	loadedInitial bool
}

// ControllerOpts configures a Controller.
type ControllerOpts struct {
	Fetcher        Fetcher
	ConversationID string
	PageSize       int
}

// NewController validates opts and creates a Controller.
func NewController(opts ControllerOpts) (*Controller, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("pagination: fetcher is required")
	}
	if opts.ConversationID == "" {
		return nil, fmt.Errorf("pagination: conversation id is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Controller{
		fetcher:        opts.Fetcher,
		conversationID: opts.ConversationID,
		pageSize:       opts.PageSize,
		hasMore:        true,
	}, nil
}

// HasMore reports whether older history may remain.
func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// Loading reports whether a page load is in flight.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLoadingMore
}

// LoadInitial fetches the most recent page and resets the paging window.
func (c *Controller) LoadInitial(ctx context.Context) ([]models.Message, error) {
	c.mu.Lock()
	if c.isLoadingMore {
		c.mu.Unlock()
		return nil, nil
	}
	c.isLoadingMore = true
	c.mu.Unlock()

	page, err := c.fetcher.Page(ctx, c.conversationID, c.pageSize, time.Time{})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.isLoadingMore = false
	if err != nil {
		return nil, fmt.Errorf("pagination: initial page for %s: %w", c.conversationID, err)
	}
	c.loadedInitial = true
	c.hasMore = len(page) >= c.pageSize
	c.noteOldestLocked(page)
	return page, nil
}

// LoadMore fetches the page older than everything loaded so far. It is a
// no-op returning nil when a load is already running, the history is
// exhausted, or the conversation is empty.
func (c *Controller) LoadMore(ctx context.Context) ([]models.Message, error) {
	c.mu.Lock()
	if c.isLoadingMore || !c.hasMore || (c.loadedInitial && c.oldest.IsZero()) {
		c.mu.Unlock()
		return nil, nil
	}
	if !c.loadedInitial {
		c.mu.Unlock()
		return c.LoadInitial(ctx)
	}
	before := c.oldest
	c.isLoadingMore = true
	c.mu.Unlock()

	page, err := c.fetcher.Page(ctx, c.conversationID, c.pageSize, before)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.isLoadingMore = false
	if err != nil {
		// hasMore is untouched so the user can try again.
		return nil, fmt.Errorf("pagination: page before %s for %s: %w",
			before.Format(time.RFC3339), c.conversationID, err)
	}
	if len(page) < c.pageSize {
		c.hasMore = false
	}
	c.noteOldestLocked(page)
	return page, nil
}

// noteOldestLocked advances the window boundary past the oldest message in
// page. Callers hold c.mu.
func (c *Controller) noteOldestLocked(page []models.Message) {
	for _, m := range page {
		ts := m.OrderingTime()
		if c.oldest.IsZero() || ts.Before(c.oldest) {
			c.oldest = ts
		}
	}
}
