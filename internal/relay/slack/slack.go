// Package slack implements the relay Store over the Slack Web API. Each
// conversation maps to a channel; documents travel as JSON envelopes in
// message bodies, and snapshots come from polling channel history.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/zulandar/stagecoach/internal/models"
	"github.com/zulandar/stagecoach/internal/relay"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// defaultPollInterval is how often Subscribe polls channel history.
	defaultPollInterval = 3 * time.Second
	// historyPageSize is the Slack API page size for history fetches.
	historyPageSize = 200
)

// envelope is the wire form of one relay document.
type envelope struct {
	Collection string         `json:"collection"`
	Doc        models.Message `json:"doc"`
}

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetConversationHistory(params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error)
}

// Store implements relay.Store over the Slack Web API.
type Store struct {
	client   slackClient
	channels map[string]string // conversation id -> channel id
	poll     time.Duration

	mu     sync.Mutex
	closed bool
	subs   map[string][]*subscription
}

type subscription struct {
	ch       chan relay.Snapshot
	stop     chan struct{}
	stopOnce sync.Once
}

// halt signals the poll loop to exit. The loop closes sub.ch on the way out,
// so a send and a close can never race.
func (sub *subscription) halt() {
	sub.stopOnce.Do(func() { close(sub.stop) })
}

// Opts holds parameters for creating a Slack Store.
type Opts struct {
	BotToken string
	Channels map[string]string // conversation id -> channel id
	// PollInterval overrides the history polling cadence.
	PollInterval time.Duration
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Store and verifies the token when a real client is
// constructed.
func New(opts Opts) (*Store, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if len(opts.Channels) == 0 {
		return nil, fmt.Errorf("slack: channel map is required")
	}

	client := opts.Client
	if client == nil {
		api := slackapi.New(opts.BotToken)
		if _, err := api.AuthTest(); err != nil {
			return nil, fmt.Errorf("slack: auth test: %w", err)
		}
		client = api
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Store{
		client:   client,
		channels: opts.Channels,
		poll:     poll,
		subs:     make(map[string][]*subscription),
	}, nil
}

// Write posts one document to the conversation's channel. The Slack message
// ts becomes the document's server timestamp.
func (s *Store) Write(ctx context.Context, collection, id string, doc *models.Message) error {
	if doc == nil {
		return fmt.Errorf("slack: document is required")
	}
	channelID, ok := s.channels[doc.ConversationID]
	if !ok {
		return relay.NewError(relay.KindNotFound, "write",
			fmt.Errorf("no channel mapped for conversation %s", doc.ConversationID))
	}

	payload, err := json.Marshal(envelope{Collection: collection, Doc: *doc})
	if err != nil {
		return fmt.Errorf("slack: marshal %s: %w", id, err)
	}

	var ts string
	err = retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = s.client.PostMessage(channelID, slackapi.MsgOptionText(string(payload), false))
		return postErr
	})
	if err != nil {
		return classify("write", err)
	}

	if collection == relay.CollectionMessages && doc.Timestamp.IsZero() {
		if t := parseSlackTimestamp(ts); !t.IsZero() {
			doc.Timestamp = t
		} else {
			doc.Timestamp = time.Now().UTC()
		}
	}
	return nil
}

// Fetch replays channel history into a folded page of messages, respecting
// q.Before and q.Limit.
func (s *Store) Fetch(ctx context.Context, q relay.Query) ([]models.Message, error) {
	channelID, ok := s.channels[q.ConversationID]
	if !ok {
		return nil, relay.NewError(relay.KindNotFound, "fetch",
			fmt.Errorf("no channel mapped for conversation %s", q.ConversationID))
	}
	folded, err := s.foldHistory(ctx, channelID)
	if err != nil {
		return nil, err
	}

	msgs := make([]models.Message, 0, len(folded))
	for _, m := range folded {
		if !q.Before.IsZero() && !m.OrderingTime().Before(q.Before) {
			continue
		}
		msgs = append(msgs, *m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].OrderingTime().Before(msgs[j].OrderingTime())
	})
	if q.Limit > 0 && len(msgs) > q.Limit {
		msgs = msgs[len(msgs)-q.Limit:]
	}
	return msgs, nil
}

// Subscribe polls channel history and emits a snapshot whenever the folded
// state changes.
func (s *Store) Subscribe(q relay.Query) (<-chan relay.Snapshot, relay.CancelFunc, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, relay.NewError(relay.KindNetwork, "subscribe", fmt.Errorf("store closed"))
	}
	sub := &subscription{
		ch:   make(chan relay.Snapshot, 16),
		stop: make(chan struct{}),
	}
	s.subs[q.ConversationID] = append(s.subs[q.ConversationID], sub)
	s.mu.Unlock()

	cancel := func() {
		sub.halt()
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[q.ConversationID]
		for i, candidate := range subs {
			if candidate == sub {
				s.subs[q.ConversationID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	go s.pollLoop(q.ConversationID, sub)
	return sub.ch, cancel, nil
}

// Close shuts the store down and stops all subscriptions.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.subs {
		for _, sub := range subs {
			sub.halt()
		}
	}
	s.subs = make(map[string][]*subscription)
	return nil
}

// pollLoop drives one subscription until it is cancelled. It owns sub.ch and
// closes it on exit.
func (s *Store) pollLoop(conversationID string, sub *subscription) {
	defer close(sub.ch)
	channelID := s.channels[conversationID]
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	var lastCount int
	var lastNewest time.Time
	for {
		select {
		case <-sub.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		folded, err := s.foldHistory(ctx, channelID)
		cancel()
		if err != nil {
			log.Printf("slack: poll %s: %v", conversationID, err)
			continue
		}

		msgs := make([]models.Message, 0, len(folded))
		for _, m := range folded {
			msgs = append(msgs, *m)
		}
		sort.Slice(msgs, func(i, j int) bool {
			return msgs[i].OrderingTime().Before(msgs[j].OrderingTime())
		})

		var newest time.Time
		if len(msgs) > 0 {
			newest = msgs[len(msgs)-1].OrderingTime()
		}
		if len(msgs) == lastCount && newest.Equal(lastNewest) {
			continue
		}
		lastCount, lastNewest = len(msgs), newest

		select {
		case sub.ch <- relay.Snapshot{ConversationID: conversationID, Messages: msgs}:
		case <-sub.stop:
			return
		}
	}
}

// foldHistory pages through the channel and folds envelopes into the latest
// document per message id.
func (s *Store) foldHistory(ctx context.Context, channelID string) (map[string]*models.Message, error) {
	var envelopes []envelope
	cursor := ""
	for {
		var resp *slackapi.GetConversationHistoryResponse
		err := retryOnRateLimit(ctx, func() error {
			var apiErr error
			resp, apiErr = s.client.GetConversationHistory(&slackapi.GetConversationHistoryParameters{
				ChannelID: channelID,
				Limit:     historyPageSize,
				Cursor:    cursor,
			})
			return apiErr
		})
		if err != nil {
			return nil, classify("fetch", err)
		}
		for _, m := range resp.Messages {
			var env envelope
			if jerr := json.Unmarshal([]byte(m.Text), &env); jerr != nil || env.Doc.ID == "" {
				continue
			}
			if env.Doc.Timestamp.IsZero() {
				env.Doc.Timestamp = parseSlackTimestamp(m.Timestamp)
			}
			envelopes = append(envelopes, env)
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		cursor = resp.ResponseMetaData.NextCursor
	}

	// History arrives newest first; fold oldest first so edits and deletes
	// land on their base documents in order.
	folded := make(map[string]*models.Message)
	for i := len(envelopes) - 1; i >= 0; i-- {
		foldEnvelope(folded, envelopes[i])
	}
	return folded, nil
}

// foldEnvelope applies one envelope to the folded document map.
func foldEnvelope(folded map[string]*models.Message, env envelope) {
	doc := env.Doc
	switch env.Collection {
	case relay.CollectionMessages:
		folded[doc.ID] = &doc
	case relay.CollectionEdits:
		if base, ok := folded[doc.ID]; ok && base.IsDeleted {
			return
		}
		folded[doc.ID] = &doc
	case relay.CollectionDeletes:
		folded[doc.ID] = &doc
	case relay.CollectionReceipts:
		if base, ok := folded[doc.ID]; ok {
			base.ReadBy = doc.ReadBy
			base.ReadCount = doc.ReadCount
			base.Status = doc.Status
		}
	}
}

// retryOnRateLimit calls fn and retries on Slack rate limit errors, honoring
// the advertised retry-after. It respects context cancellation.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// classify maps a Slack API error onto the relay error taxonomy. The Slack
// API reports failures as short error strings.
func classify(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "channel_not_found"), strings.Contains(msg, "message_not_found"):
		return relay.NewError(relay.KindNotFound, op, err)
	case strings.Contains(msg, "not_in_channel"), strings.Contains(msg, "is_archived"),
		strings.Contains(msg, "restricted_action"), strings.Contains(msg, "not_authed"),
		strings.Contains(msg, "invalid_auth"), strings.Contains(msg, "token_revoked"):
		return relay.NewError(relay.KindPermission, op, err)
	}
	return relay.NewError(relay.KindNetwork, op, err)
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
